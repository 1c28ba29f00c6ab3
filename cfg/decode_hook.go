package cfg

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
)

var validLogLevels = []string{"trace", "debug", "info", "warning", "error"}

// logLevelHook lowercases and validates logging.level, the way the
// teacher's decode_hook.go validates its LogSeverity type against a fixed
// set of strings before mapstructure ever assigns the field.
func logLevelHook() mapstructure.DecodeHookFuncType {
	return func(f, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(LogLevel("")) || f.Kind() != reflect.String {
			return data, nil
		}
		level := strings.ToLower(data.(string))
		if !slices.Contains(validLogLevels, level) {
			return nil, fmt.Errorf("invalid log-level: %s", data)
		}
		return LogLevel(level), nil
	}
}

// DecodeHook composes this package's normalization hooks with viper's usual
// defaults, the way the teacher's cfg.DecodeHook does for its larger set of
// custom types (Octal, LogSeverity, Protocol, ResolvedPath).
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		logLevelHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
