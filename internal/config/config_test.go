package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-flash", cfg.Agent.Model)
	assert.Equal(t, 30, cfg.Agent.MaxHistoryMessages)
	assert.Equal(t, 10, cfg.Agent.MaxToolCycles)
	assert.Equal(t, 3, cfg.Tools.MaxExecutionRetries)
	assert.Equal(t, 0.85, cfg.Tools.SimilarityThreshold)
	assert.True(t, cfg.Selector.IsEnabled())
	assert.True(t, cfg.Selector.FallbackToCatalog)
	assert.Equal(t, "file", cfg.Sessions.Backend)
	assert.Equal(t, 18930, cfg.Gateway.Port)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		// json5 comments are allowed
		agent: { model: "gemini-2.5-pro", max_tool_cycles: 5 },
		tool_selector: { enabled: false },
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", cfg.Agent.Model)
	assert.Equal(t, 5, cfg.Agent.MaxToolCycles)
	assert.False(t, cfg.Selector.IsEnabled())
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Tools.MaxExecutionRetries)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KEEL_GEMINI_API_KEY", "sk-test")
	t.Setenv("KEEL_POSTGRES_DSN", "postgres://localhost/keel")
	t.Setenv("KEEL_MODEL", "gemini-2.5-pro")
	t.Setenv("KEEL_GATEWAY_PORT", "9999")
	t.Setenv("KEEL_MAX_TOOL_CYCLES", "3")
	t.Setenv("KEEL_BREAK_ON_CRITICAL_TOOL_ERROR", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.GeminiAPIKey)
	assert.Equal(t, "postgres://localhost/keel", cfg.Database.PostgresDSN)
	assert.Equal(t, "gemini-2.5-pro", cfg.Agent.Model)
	assert.Equal(t, 9999, cfg.Gateway.Port)
	assert.Equal(t, 3, cfg.Agent.MaxToolCycles)
	assert.True(t, cfg.Tools.BreakOnCriticalError)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	t.Setenv("KEEL_MODEL", "gemini-2.5-pro")
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{agent: {model: "from-file"}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", cfg.Agent.Model)
}

func TestRetryDelayDurations(t *testing.T) {
	tc := ToolsConfig{RetryInitialDelay: 0.5, MaxRetryDelay: 5}
	assert.Equal(t, 500*time.Millisecond, tc.RetryInitialDelayDuration())
	assert.Equal(t, 5*time.Second, tc.MaxRetryDelayDuration())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".keel/sessions"), ExpandHome("~/.keel/sessions"))
	assert.Equal(t, "/var/lib/keel", ExpandHome("/var/lib/keel"))
}
