package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPopulatesExpectedValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 51720, cfg.HTTP.Port)
	assert.Equal(t, 51721, cfg.WS.Port)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, "claude", cfg.Agent.DefaultKind)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "bridge.yaml")

	content := `
http:
  port: 9000
  allowed_origins:
    - "https://app.example.com"
session:
  ttl: 10m
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, 10*time.Minute, cfg.Session.TTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched fields keep their defaults.
	assert.Equal(t, 51721, cfg.WS.Port)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().HTTP.Port, cfg.HTTP.Port)
}

func TestEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  port: 9000\n"), 0o644))

	t.Setenv("PROMPT_DOCK_PORT", "9500")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9500, cfg.HTTP.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "bridge.yaml")

	cfg := Default()
	cfg.HTTP.Port = 5555
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5555, loaded.HTTP.Port)
}
