package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_PortRequired(t *testing.T) {
	t.Setenv("PORT", "")

	_, err := loadConfig(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port is required")
}

func TestLoadConfig_PortFromEnv(t *testing.T) {
	t.Setenv("PORT", "4000")

	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Port)
}

func TestLoadConfig_NonNumericPort(t *testing.T) {
	t.Setenv("PORT", "http")

	_, err := loadConfig(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT must be numeric")
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 3000\nlog_level: warn\nrelay: false\n"), 0o644))
	t.Setenv("PORT", "3500")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := loadConfig([]string{"--config", path, "--port", "3600", "--log-level", "debug"})
	require.NoError(t, err)

	assert.Equal(t, 3600, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.Relay)
	assert.True(t, cfg.Compression)
}

func TestLoadConfig_Help(t *testing.T) {
	_, err := loadConfig([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
