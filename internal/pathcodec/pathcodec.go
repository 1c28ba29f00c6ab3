// Package pathcodec translates between mount-visible names and the names
// used for the same entries in the backing directory.
//
// A regular file "name.ext" in the mount corresponds to "name.ext.zst" in
// the backing directory; a directory "name" corresponds to "name" in both
// places. These are pure functions: they never touch the filesystem.
package pathcodec

import "strings"

// Suffix is appended to the backing name of every regular file.
const Suffix = ".zst"

// ToBacking returns the backing-directory name for a mount-visible regular
// file name. It always appends Suffix; a directory's backing name is its
// visible name, so callers that know they have a directory should not call
// this.
func ToBacking(name string) string {
	return name + Suffix
}

// ToVisible strips Suffix from a backing regular-file name, returning the
// name unchanged if it does not carry the suffix (the caller is expected to
// only pass names that do; see IsCompressed).
func ToVisible(backingName string) string {
	return strings.TrimSuffix(backingName, Suffix)
}

// IsCompressed reports whether backingName carries the compressed suffix,
// i.e. whether it names a regular file this filesystem projects in normal
// (non-convert) mode.
func IsCompressed(backingName string) bool {
	return strings.HasSuffix(backingName, Suffix) && backingName != Suffix
}
