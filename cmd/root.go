// Package cmd is the fuse-zstd CLI: flag/config wiring via cobra, pflag and
// viper, mirroring the teacher's cmd/root.go shape though our Config is
// small enough to bind by hand instead of generating it.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Big-Dig-Data/fuse-zstd/cfg"
	"github.com/Big-Dig-Data/fuse-zstd/internal/sizexattr"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error

	config cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "fuse-zstd --data-dir DIR --mount-point DIR",
	Short: "Project a tree of zstd-compressed files as a transparently decompressed FUSE mount",
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return &exitCodeError{1, bindErr}
		}
		if configFileErr != nil {
			return &exitCodeError{1, configFileErr}
		}
		if unmarshalErr != nil {
			return &exitCodeError{1, unmarshalErr}
		}
		if err := cfg.ValidateConfig(&config); err != nil {
			if errors.Is(err, sizexattr.ErrNotSupported) {
				return &exitCodeError{2, err}
			}
			return &exitCodeError{1, err}
		}
		if err := runMount(&config); err != nil {
			return &exitCodeError{2, err}
		}
		return nil
	},
}

// Execute runs the root command, translating a returned error into the
// spec §6 exit code contract: 0 on a clean unmount, 1 for a configuration
// or permission error at startup, 2 for a runtime fatal (backing
// filesystem rejected xattr, KV store corruption, or any other
// runMount failure).
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if ec, ok := err.(*exitCodeError); ok {
			os.Exit(ec.code)
		}
		os.Exit(1)
	}
}

// exitCodeError lets RunE request a specific exit code (spec §6: 0 clean
// unmount, 1 configuration or permission error at startup, 2 runtime
// fatal).
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	viper.SetEnvPrefix("FUSE_ZSTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			configFileErr = fmt.Errorf("reading config file: %w", err)
			return
		}
	}

	if err := viper.Unmarshal(&config, viper.DecodeHook(cfg.DecodeHook())); err != nil {
		unmarshalErr = fmt.Errorf("parsing configuration: %w", err)
	}
}
