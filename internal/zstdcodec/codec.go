// Package zstdcodec implements the streaming compress/decompress operations
// against scratch files that back every materialize and commit in
// fuse-zstd. It is deliberately the only package that imports the zstd
// library, so the rest of the tree never has to reason about frame
// encoding details.
package zstdcodec

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/Big-Dig-Data/fuse-zstd/internal/logger"
)

// ErrCorrupt wraps a decode failure from the zstd library. An open that
// fails with it is answered with EIO, and no session is created.
var ErrCorrupt = errors.New("zstdcodec: corrupt zstd stream")

// Decompress streams srcBackingPath (a single zstd frame) into
// dstScratchPath, creating or truncating the destination. It reports the
// number of bytes written. On any failure dstScratchPath is removed so no
// partial scratch file is left behind.
func Decompress(srcBackingPath, dstScratchPath string) (written int64, err error) {
	src, err := os.Open(srcBackingPath)
	if err != nil {
		return 0, fmt.Errorf("zstdcodec: open source: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstScratchPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("zstdcodec: create scratch: %w", err)
	}
	defer dst.Close()

	dec, err := zstd.NewReader(src)
	if err != nil {
		os.Remove(dstScratchPath)
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer dec.Close()

	written, err = io.Copy(dst, dec)
	if err != nil {
		os.Remove(dstScratchPath)
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return written, nil
}

// Compress streams srcScratchPath into dstBackingTmpPath as a single zstd
// frame with a content checksum, reporting the number of compressed bytes
// written. The caller is responsible for atomically renaming the temporary
// over the real backing path once SizeXattr has also been set on it. On any
// failure dstBackingTmpPath is removed, leaving the real backing file
// untouched.
func Compress(srcScratchPath, dstBackingTmpPath string) (written int64, err error) {
	src, err := os.Open(srcScratchPath)
	if err != nil {
		return 0, fmt.Errorf("zstdcodec: open scratch: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstBackingTmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("zstdcodec: create temporary: %w", err)
	}

	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		dst.Close()
		os.Remove(dstBackingTmpPath)
		return 0, fmt.Errorf("zstdcodec: new encoder: %w", err)
	}

	_, copyErr := io.Copy(enc, src)
	closeErr := enc.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if syncErr := dst.Sync(); copyErr == nil {
		copyErr = syncErr
	}
	if closeErr2 := dst.Close(); copyErr == nil {
		copyErr = closeErr2
	}

	if copyErr != nil {
		os.Remove(dstBackingTmpPath)
		logger.Errorf("zstdcodec: compress %s -> %s failed: %v", srcScratchPath, dstBackingTmpPath, copyErr)
		return 0, fmt.Errorf("zstdcodec: compress: %w", copyErr)
	}

	fi, err := os.Stat(dstBackingTmpPath)
	if err != nil {
		os.Remove(dstBackingTmpPath)
		return 0, fmt.Errorf("zstdcodec: stat temporary: %w", err)
	}
	return fi.Size(), nil
}

// EmptyFrame returns the bytes of a valid, empty single-frame zstd stream,
// used by create(2) to seed a brand-new zero-length backing file without
// invoking the streaming encoder for zero bytes.
func EmptyFrame() ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(nil, nil), nil
}
