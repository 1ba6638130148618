package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstituteEnvVarsUsesEnvironmentValue(t *testing.T) {
	t.Setenv("BRIDGE_TEST_HUB", "https://hub.internal")
	assert.Equal(t, "https://hub.internal", SubstituteEnvVars("${BRIDGE_TEST_HUB}"))
}

func TestSubstituteEnvVarsFallsBackToDefault(t *testing.T) {
	os.Unsetenv("BRIDGE_TEST_UNSET")
	assert.Equal(t, "fallback", SubstituteEnvVars("${BRIDGE_TEST_UNSET:fallback}"))
}

func TestSubstituteEnvVarsLeavesPlainStringsUntouched(t *testing.T) {
	assert.Equal(t, "https://hub.local", SubstituteEnvVars("https://hub.local"))
}

func TestLoadSubstitutesEnvVarsInFileBeforeOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "bridge.yaml")
	content := `
http:
  hub_url: "${BRIDGE_TEST_HUB_URL:https://default.hub}"
logging:
  level: "${BRIDGE_TEST_LOG_LEVEL:info}"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	os.Unsetenv("BRIDGE_TEST_HUB_URL")
	t.Setenv("BRIDGE_TEST_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://default.hub", cfg.HTTP.HubURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadLetsPromptDockEnvOverridesWinOverFileSubstitution(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`logging:
  level: "${BRIDGE_TEST_LOG_LEVEL2:info}"
`), 0o644))

	t.Setenv("BRIDGE_TEST_LOG_LEVEL2", "debug")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
}
