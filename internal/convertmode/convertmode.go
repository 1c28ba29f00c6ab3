// Package convertmode implements the startup option that absorbs plain,
// uncompressed files encountered in the backing directory into the normal
// `.zst` representation the first time they are looked up, per spec §4.7.
// It touches only `lookup` and `readdir`; everything else in the tree is
// unaware convert mode exists.
package convertmode

import (
	"os"
	"path/filepath"

	"github.com/Big-Dig-Data/fuse-zstd/internal/logger"
	"github.com/Big-Dig-Data/fuse-zstd/internal/pathcodec"
	"github.com/Big-Dig-Data/fuse-zstd/internal/sizexattr"
	"github.com/Big-Dig-Data/fuse-zstd/internal/zstdcodec"
)

// Absorb checks whether parentAbsDir/name is a plain regular file with no
// corresponding compressed sibling, and if so compresses it into
// name.zst (with SizeXattr set to the original size) and removes the
// original. It reports whether an absorption happened. Any failure during
// compression leaves the original file untouched and returns ok=false, nil
// — a failed absorption is not itself an error, it just means the caller's
// lookup proceeds to fail as NotFound, per spec §4.7.
func Absorb(parentAbsDir, name string) (ok bool, err error) {
	plainPath := filepath.Join(parentAbsDir, name)
	backingPath := filepath.Join(parentAbsDir, pathcodec.ToBacking(name))

	if _, err := os.Lstat(backingPath); err == nil {
		// Already absorbed (or a compressed entry with this visible name
		// already exists) — nothing to do.
		return false, nil
	}

	fi, err := os.Lstat(plainPath)
	if err != nil || !fi.Mode().IsRegular() {
		return false, nil
	}

	tmp := backingPath + ".tmp-convert"
	if _, err := zstdcodec.Compress(plainPath, tmp); err != nil {
		logger.Warnf("convertmode: failed to compress %s, leaving it unconverted: %v", plainPath, err)
		return false, nil
	}

	// SizeXattr must record the original's size, not the compressed byte
	// count Compress returned; fi was stat'd before compression started.
	if err := sizexattr.Write(tmp, uint64(fi.Size())); err != nil {
		os.Remove(tmp)
		logger.Warnf("convertmode: failed to set size xattr on %s, leaving %s unconverted: %v", tmp, plainPath, err)
		return false, nil
	}

	if err := os.Rename(tmp, backingPath); err != nil {
		os.Remove(tmp)
		logger.Warnf("convertmode: failed to finalize conversion of %s: %v", plainPath, err)
		return false, nil
	}

	if err := os.Remove(plainPath); err != nil {
		logger.Warnf("convertmode: converted %s but could not remove the original: %v", plainPath, err)
	}

	logger.Infof("convertmode: absorbed %s into %s", plainPath, backingPath)
	return true, nil
}

// IsPlainCandidate reports whether a readdir entry (not a directory, not
// already carrying the compressed suffix) should be surfaced under its own
// name in convert mode so a later lookup triggers Absorb.
func IsPlainCandidate(name string, isDir bool) bool {
	if isDir {
		return false
	}
	return !pathcodec.IsCompressed(name)
}

