package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets are env-only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("KEEL_GEMINI_API_KEY", &c.GeminiAPIKey)
	envStr("KEEL_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("KEEL_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	envStr("KEEL_MODEL", &c.Agent.Model)
	envStr("KEEL_SESSIONS_BACKEND", &c.Sessions.Backend)
	envStr("KEEL_SESSIONS_STORAGE", &c.Sessions.Storage)
	envInt("KEEL_GATEWAY_PORT", &c.Gateway.Port)
	envInt("KEEL_MAX_HISTORY_MESSAGES", &c.Agent.MaxHistoryMessages)
	envInt("KEEL_MAX_TOOL_CYCLES", &c.Agent.MaxToolCycles)

	if v := os.Getenv("KEEL_BREAK_ON_CRITICAL_TOOL_ERROR"); v != "" {
		c.Tools.BreakOnCriticalError = v == "1" || strings.EqualFold(v, "true")
	}
}

// ExpandHome resolves a leading ~ in a path.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
