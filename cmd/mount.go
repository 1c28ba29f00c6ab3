package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jacobsa/fuse"

	"github.com/Big-Dig-Data/fuse-zstd/cfg"
	"github.com/Big-Dig-Data/fuse-zstd/internal/fusefs"
	"github.com/Big-Dig-Data/fuse-zstd/internal/handle"
	"github.com/Big-Dig-Data/fuse-zstd/internal/inodemap"
	"github.com/Big-Dig-Data/fuse-zstd/internal/logger"
)

// runMount owns the whole mount lifecycle per spec §4.9: open the bbolt
// store, construct InodeMap/HandleTable/Operations, mount (fuse.Mount runs
// the serve loop on its own goroutine), block in Join, and on SIGINT/SIGTERM
// or a clean unmount tear everything back down. Mirrors the teacher's cmd/mount.go + legacy_main.go split, folded
// into one function since our lifecycle has none of the teacher's daemon/
// foreground-process-signaling complexity.
func runMount(config *cfg.Config) error {
	sev, err := logger.ParseSeverity(string(config.Logging.Level))
	if err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	logger.Init(config.Logging.Format, sev)

	stateDir := filepath.Join(config.DataDir, ".fuse-zstd")
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	scratchDir := filepath.Join(stateDir, "scratch")
	if err := os.RemoveAll(scratchDir); err != nil {
		return fmt.Errorf("clearing stale scratch dir: %w", err)
	}
	if err := os.MkdirAll(scratchDir, 0o700); err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	inodes, err := inodemap.Open(filepath.Join(stateDir, "inodes.db"), config.DataDir)
	if err != nil {
		return fmt.Errorf("opening inode store: %w", err)
	}
	defer inodes.Close()

	handles := handle.New(scratchDir, inodes)
	ops := fusefs.New(inodes, handles, config.Convert)
	server := fusefs.NewServer(ops)

	mountCfg := &fuse.MountConfig{
		FSName:     "fuse-zstd",
		Subtype:    "fuse-zstd",
		VolumeName: "fuse-zstd",
	}
	if config.AllowOther {
		mountCfg.Options = map[string]string{"allow_other": ""}
	}

	logger.Infof("mounting %s onto %s (convert=%v)", config.DataDir, config.MountPoint, config.Convert)
	mfs, err := fuse.Mount(config.MountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	registerSignalHandler(config.MountPoint)

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("MountedFileSystem.Join: %w", err)
	}

	logger.Infof("unmounted %s cleanly", config.MountPoint)
	return nil
}

// registerSignalHandler unmounts on SIGINT/SIGTERM, the way the teacher's
// legacy_main.go registerSIGINTHandler does: each signal triggers one
// fuse.Unmount attempt, and a failed attempt waits for the next signal.
// Once one succeeds, Join returns and runMount proceeds to clean up.
func registerSignalHandler(mountPoint string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for range sigChan {
			logger.Infof("received interrupt, attempting to unmount %s...", mountPoint)
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("failed to unmount in response to signal: %v", err)
				continue
			}
			return
		}
	}()
}
