package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8642, cfg.Server.Port)
	assert.Equal(t, "popguard.db", cfg.Storage.Path)
	assert.InDelta(t, 0.7, cfg.Engine.MatchThreshold, 1e-9)
	assert.Equal(t, 500, cfg.Engine.MaxPatterns)
	assert.Equal(t, 30*24*time.Hour, cfg.Engine.MaxPatternAge.Duration())
	assert.Equal(t, 30*time.Second, cfg.Engine.DecisionTimeout.Duration())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8642, cfg.Server.Port)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9100
  rate_limit: 25
engine:
  match_threshold: 0.85
  decision_timeout: 45s
  max_patterns: 100
logging:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.InDelta(t, 25.0, cfg.Server.RateLimit, 1e-9)
	assert.InDelta(t, 0.85, cfg.Engine.MatchThreshold, 1e-9)
	assert.Equal(t, 45*time.Second, cfg.Engine.DecisionTimeout.Duration())
	assert.Equal(t, 100, cfg.Engine.MaxPatterns)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	// Unset keys keep their defaults.
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "popguard.db", cfg.Storage.Path)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 9100\n")
	t.Setenv("POPGUARD_SERVER_PORT", "9200")
	t.Setenv("POPGUARD_ENGINE_MATCH_THRESHOLD", "0.9")
	t.Setenv("POPGUARD_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.InDelta(t, 0.9, cfg.Engine.MatchThreshold, 1e-9)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "server: [not: a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad port", "server:\n  port: 99999\n"},
		{"zero rate limit", "server:\n  rate_limit: 0\n"},
		{"empty storage path", "storage:\n  path: \"\"\n"},
		{"threshold above one", "engine:\n  match_threshold: 1.5\n"},
		{"zero max patterns", "engine:\n  max_patterns: 0\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad log format", "logging:\n  format: xml\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}
