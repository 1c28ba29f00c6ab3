// Package cfg defines fuse-zstd's configuration surface and binds it to
// cobra/pflag/viper, the way the teacher's generated cfg/config.go binds its
// (much larger) Config struct. Ours is hand-written since the flag surface
// spec §6 names is small enough not to warrant codegen.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is every flag-or-env-configurable setting fuse-zstd accepts.
type Config struct {
	DataDir    string `mapstructure:"data-dir"`
	MountPoint string `mapstructure:"mount-point"`

	Convert    bool `mapstructure:"convert"`
	AllowOther bool `mapstructure:"allow-other"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// LogLevel is a named string type (rather than a bare string) so
// DecodeHook's mapstructure hook can target it by reflect.Type without
// matching every other string field in Config.
type LogLevel string

// LoggingConfig controls internal/logger's severity and output format.
type LoggingConfig struct {
	Level  LogLevel `mapstructure:"level"`
	Format string   `mapstructure:"format"`
}

// BindFlags registers every flag on flagSet and binds it through viper,
// mirroring the teacher's cfg.BindFlags one flag at a time.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("data-dir", "", "", "Directory holding the compressed backing tree (required).")
	if err = viper.BindPFlag("data-dir", flagSet.Lookup("data-dir")); err != nil {
		return err
	}

	flagSet.StringP("mount-point", "", "", "Empty directory to mount the decompressed view onto (required).")
	if err = viper.BindPFlag("mount-point", flagSet.Lookup("mount-point")); err != nil {
		return err
	}

	flagSet.BoolP("convert", "", false, "Absorb plain files found in data-dir into the compressed representation on lookup.")
	if err = viper.BindPFlag("convert", flagSet.Lookup("convert")); err != nil {
		return err
	}

	flagSet.BoolP("allow-other", "", false, "Pass allow_other to the FUSE mount.")
	if err = viper.BindPFlag("allow-other", flagSet.Lookup("allow-other")); err != nil {
		return err
	}

	flagSet.StringP("log-level", "", "info", "One of trace, debug, info, warning, error.")
	if err = viper.BindPFlag("logging.level", flagSet.Lookup("log-level")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "One of text, json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	return nil
}
