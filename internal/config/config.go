package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	Gemini GeminiConfig `yaml:"gemini"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// AuthConfig lists the bearer tokens accepted by the API surface.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// GeminiConfig controls the backend session.
type GeminiConfig struct {
	// EnvFile is the KEY=value store holding the session cookies; the
	// rotating token is written back to it as the backend reissues it.
	EnvFile string `yaml:"env_file"`
	// InitTimeoutSeconds bounds session establishment.
	InitTimeoutSeconds int `yaml:"init_timeout_seconds"`
	// Probe controls the post-dial "Hello" round trip that verifies the
	// session works before serving. Defaults to enabled.
	Probe *bool `yaml:"probe"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys must list at least one key")
	}
	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("auth.api_keys[%d] must not be empty", i)
		}
	}

	if strings.TrimSpace(c.Gemini.EnvFile) == "" {
		return fmt.Errorf("gemini.env_file must be provided")
	}
	if c.Gemini.InitTimeoutSeconds < 0 {
		return fmt.Errorf("gemini.init_timeout_seconds must not be negative, got %d", c.Gemini.InitTimeoutSeconds)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}

	return nil
}

// InitTimeout returns the session establishment timeout, defaulting to 30s.
func (c GeminiConfig) InitTimeout() time.Duration {
	if c.InitTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.InitTimeoutSeconds) * time.Second
}

// ProbeEnabled reports whether the startup probe should run.
func (c GeminiConfig) ProbeEnabled() bool {
	return c.Probe == nil || *c.Probe
}

// SlogLevel parses the configured log level, defaulting to info.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Level)
	}
}
