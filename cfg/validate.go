package cfg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Big-Dig-Data/fuse-zstd/internal/sizexattr"
)

// ValidateConfig checks DataDir and MountPoint before a mount is attempted,
// per spec §4.8: DataDir must exist, be a directory, and support extended
// attributes; MountPoint must exist and be empty. Mirrors the teacher's
// ValidateConfig in shape (one named check per field, wrapped with context)
// though the checks themselves are specific to this filesystem.
func ValidateConfig(config *Config) error {
	if config.DataDir == "" {
		return fmt.Errorf("data-dir is required")
	}
	if config.MountPoint == "" {
		return fmt.Errorf("mount-point is required")
	}

	if err := validateDataDir(config.DataDir); err != nil {
		return fmt.Errorf("data-dir: %w", err)
	}
	if err := validateMountPoint(config.MountPoint); err != nil {
		return fmt.Errorf("mount-point: %w", err)
	}

	switch config.Logging.Level {
	case "trace", "debug", "info", "warning", "error":
	default:
		return fmt.Errorf("log-level: unrecognized severity %q", config.Logging.Level)
	}
	switch config.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log-format: unrecognized format %q", config.Logging.Format)
	}

	return nil
}

func validateDataDir(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	probe := filepath.Join(dir, ".fuse-zstd-xattr-probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return fmt.Errorf("creating xattr probe file: %w", err)
	}
	defer os.Remove(probe)

	if err := sizexattr.Probe(probe); err != nil {
		return fmt.Errorf("backing filesystem does not support extended attributes: %w", err)
	}

	return nil
}

func validateMountPoint(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing mount point: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%s is not empty", dir)
	}

	return nil
}
