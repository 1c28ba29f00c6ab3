// Package sizexattr reads and writes the extended attribute that records a
// backing file's uncompressed byte length, keeping stat() transparent
// without decompressing the file just to learn its size.
package sizexattr

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"

	"github.com/Big-Dig-Data/fuse-zstd/internal/logger"
)

// Name is the extended attribute key that stores the uncompressed size.
const Name = "user.fuse_zstd.real_size"

// ErrNotSupported is returned by Read/Write when the backing filesystem
// rejects extended attribute calls outright. Mount-time code treats this as
// fatal; per-request code never sees it because the probe at mount time
// would already have failed.
var ErrNotSupported = errors.New("sizexattr: extended attributes not supported on backing filesystem")

// Read returns the uncompressed size stored on path. A missing attribute is
// treated as size zero (and logged at debug level), e.g. for a .zst file
// placed in the data directory without going through this filesystem.
func Read(path string) (uint64, error) {
	var buf [8]byte
	n, err := unix.Getxattr(path, Name, buf[:])
	if err != nil {
		if errors.Is(err, unix.ENODATA) {
			logger.Debugf("sizexattr: %s has no %s attribute, treating size as 0", path, Name)
			return 0, nil
		}
		if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) {
			return 0, ErrNotSupported
		}
		return 0, err
	}
	if n != 8 {
		return 0, errors.New("sizexattr: attribute value has unexpected length")
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Write sets the uncompressed size attribute on path.
func Write(path string, size uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], size)
	if err := unix.Setxattr(path, Name, buf[:], 0); err != nil {
		if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) {
			return ErrNotSupported
		}
		return err
	}
	return nil
}

// Probe writes and reads back a throwaway value on path to verify the
// backing filesystem supports extended attributes at all. Called once at
// mount time so an unsupported filesystem fails fast instead of per-request,
// per spec §4.2.
func Probe(path string) error {
	if err := Write(path, 0); err != nil {
		return err
	}
	_, err := Read(path)
	return err
}
