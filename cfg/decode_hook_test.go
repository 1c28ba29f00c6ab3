package cfg

import (
	"testing"

	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeInto(t *testing.T, input map[string]interface{}) (Config, error) {
	t.Helper()
	var out Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: DecodeHook(),
		Result:     &out,
	})
	require.NoError(t, err)
	return out, decoder.Decode(input)
}

func TestLogLevelHookLowercasesValidLevel(t *testing.T) {
	out, err := decodeInto(t, map[string]interface{}{
		"logging": map[string]interface{}{"level": "WARNING"},
	})
	require.NoError(t, err)
	assert.Equal(t, LogLevel("warning"), out.Logging.Level)
}

func TestLogLevelHookRejectsUnknownLevel(t *testing.T) {
	_, err := decodeInto(t, map[string]interface{}{
		"logging": map[string]interface{}{"level": "verbose"},
	})
	assert.Error(t, err)
}

func TestLogLevelHookLeavesOtherStringFieldsAlone(t *testing.T) {
	out, err := decodeInto(t, map[string]interface{}{
		"data-dir":    "/some/Arbitrary/Path",
		"mount-point": "/Another/Path",
		"logging":     map[string]interface{}{"format": "JSON", "level": "debug"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/some/Arbitrary/Path", out.DataDir)
	assert.Equal(t, "/Another/Path", out.MountPoint)
	assert.Equal(t, "JSON", out.Logging.Format)
	assert.Equal(t, LogLevel("debug"), out.Logging.Level)
}
