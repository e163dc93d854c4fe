// Package config provides configuration loading for popguardd.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the top-level popguardd configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	Engine  EngineConfig  `koanf:"engine"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// RateLimit is the sustained request rate allowed per second;
	// RateBurst is the burst capacity.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Path is the SQLite database file. ":memory:" disables
	// durability.
	Path string `koanf:"path"`
}

// EngineConfig holds the tunable learning-engine parameters.
type EngineConfig struct {
	MatchThreshold      float64  `koanf:"match_threshold"`
	MaxPatterns         int      `koanf:"max_patterns"`
	MaxPatternAge       Duration `koanf:"max_pattern_age"`
	DecayHalfLife       Duration `koanf:"decay_half_life"`
	MaintenanceInterval Duration `koanf:"maintenance_interval"`
	DecisionTimeout     Duration `koanf:"decision_timeout"`
	PendingMaxAge       Duration `koanf:"pending_max_age"`
	PendingSweep        Duration `koanf:"pending_sweep"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:      "localhost",
			Port:      8642,
			RateLimit: 50,
			RateBurst: 100,
		},
		Storage: StorageConfig{
			Path: "popguard.db",
		},
		Engine: EngineConfig{
			MatchThreshold:      0.7,
			MaxPatterns:         500,
			MaxPatternAge:       Duration(30 * 24 * time.Hour),
			DecayHalfLife:       Duration(14 * 24 * time.Hour),
			MaintenanceInterval: Duration(time.Hour),
			DecisionTimeout:     Duration(30 * time.Second),
			PendingMaxAge:       Duration(5 * time.Minute),
			PendingSweep:        Duration(time.Minute),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit <= 0 {
		return fmt.Errorf("rate limit must be > 0, got %v", c.Server.RateLimit)
	}
	if c.Server.RateBurst < 1 {
		return fmt.Errorf("rate burst must be >= 1, got %d", c.Server.RateBurst)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path cannot be empty")
	}
	if c.Engine.MatchThreshold <= 0 || c.Engine.MatchThreshold > 1 {
		return fmt.Errorf("match threshold must be in (0,1], got %v", c.Engine.MatchThreshold)
	}
	if c.Engine.MaxPatterns < 1 {
		return fmt.Errorf("max patterns must be >= 1, got %d", c.Engine.MaxPatterns)
	}
	if c.Engine.DecisionTimeout.Duration() <= 0 {
		return fmt.Errorf("decision timeout must be > 0")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("log format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}
