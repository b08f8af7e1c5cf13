package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"turnline/internal/config"
)

func TestNewWritesJSONToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turnline.log")
	logger, err := New(Config{Level: "debug", Encoding: "json", OutputPath: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Debug("repair pass")
	logger.Info("turn finalized")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"repair pass"`)
	assert.Contains(t, string(data), `"level":"INFO"`)
	assert.Contains(t, string(data), `"logger":"turnline"`)
}

func TestNewRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warn.log")
	logger, err := New(Config{Level: "warn", OutputPath: path})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestNewFallsBackOnUnknownLevel(t *testing.T) {
	logger, err := New(Config{Level: "loud", OutputPath: "stderr"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewRejectsNegativeRotation(t *testing.T) {
	_, err := New(Config{OutputPath: filepath.Join(t.TempDir(), "x.log"), MaxBackups: -1})
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	got := FromConfig(cfg.Logging)
	assert.Equal(t, Config{Level: "info", Encoding: "console", OutputPath: "stderr", MaxSizeMB: 50, MaxBackups: 3}, got)
}
