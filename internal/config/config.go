// Package config handles Serenity configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir" toml:"data_dir"`

	// Server
	Server ServerConfig `json:"server" toml:"server"`

	// Services
	LLM LLMConfig `json:"llm" toml:"llm"`

	// Privacy
	Privacy PrivacyConfig `json:"privacy" toml:"privacy"`

	// Background tasks
	Maintenance MaintenanceConfig `json:"maintenance" toml:"maintenance"`

	// Logging
	Logging LoggingConfig `json:"logging" toml:"logging"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port int    `json:"port" toml:"port"`
	Host string `json:"host" toml:"host"`
}

// LLMConfig selects and tunes the response model.
// Provider is one of "openai", "anthropic" or "demo".
type LLMConfig struct {
	Provider        string  `json:"provider" toml:"provider"`
	APIKey          string  `json:"api_key,omitempty" toml:"api_key,omitempty"`
	Model           string  `json:"model" toml:"model"`
	BaseURL         string  `json:"base_url,omitempty" toml:"base_url,omitempty"`
	Temperature     float32 `json:"temperature" toml:"temperature"`
	MaxTokens       int     `json:"max_tokens" toml:"max_tokens"`
	HistoryMessages int     `json:"history_messages" toml:"history_messages"`
	HistorySessions int     `json:"history_sessions" toml:"history_sessions"`
	TimeoutSeconds  int     `json:"timeout_seconds" toml:"timeout_seconds"`
}

// PrivacyConfig controls how user identifiers are turned into storage keys.
// An empty salt keeps the plain truncated SHA-256 identifier.
type PrivacyConfig struct {
	IdentifierSalt   string `json:"identifier_salt,omitempty" toml:"identifier_salt,omitempty"`
	IdentifierLength int    `json:"identifier_length" toml:"identifier_length"`
}

// MaintenanceConfig schedules the daemon's background tasks.
// A zero FlushIntervalMinutes disables periodic flushing; an empty
// AuditVerifyAt disables the daily audit chain check.
type MaintenanceConfig struct {
	FlushIntervalMinutes int    `json:"flush_interval_minutes" toml:"flush_interval_minutes"`
	AuditVerifyAt        string `json:"audit_verify_at" toml:"audit_verify_at"`
	Timezone             string `json:"timezone" toml:"timezone"`
}

// LoggingConfig for the logger
type LoggingConfig struct {
	Level string `json:"level" toml:"level"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".serenity"),
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		LLM: LLMConfig{
			Provider:        "openai",
			Model:           "gpt-4o",
			Temperature:     0.7,
			MaxTokens:       500,
			HistoryMessages: 20,
			HistorySessions: 1024,
			TimeoutSeconds:  60,
		},
		Privacy: PrivacyConfig{
			IdentifierLength: 16,
		},
		Maintenance: MaintenanceConfig{
			FlushIntervalMinutes: 5,
			AuditVerifyAt:        "03:00",
			Timezone:             "UTC",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads config from file, falling back to defaults.
// Files ending in .toml are decoded as TOML, everything else as JSON.
func Load(path string) (*Config, error) {
	cfg := Default()

	if dir := os.Getenv("SERENITY_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

// applyEnv overrides secrets from the environment
func (c *Config) applyEnv() {
	switch c.LLM.Provider {
	case "anthropic":
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			c.LLM.APIKey = key
		}
	default:
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			c.LLM.APIKey = key
		}
	}
	if salt := os.Getenv("SERENITY_ID_SALT"); salt != "" {
		c.Privacy.IdentifierSalt = salt
	}
}

// Validate checks values that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic", "demo":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.Privacy.IdentifierLength < 16 || c.Privacy.IdentifierLength > 64 {
		return fmt.Errorf("privacy.identifier_length must be between 16 and 64, got %d", c.Privacy.IdentifierLength)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Maintenance.FlushIntervalMinutes < 0 {
		return fmt.Errorf("maintenance.flush_interval_minutes must not be negative")
	}
	if at := c.Maintenance.AuditVerifyAt; at != "" {
		if _, err := time.Parse("15:04", at); err != nil {
			return fmt.Errorf("maintenance.audit_verify_at must be HH:MM, got %q", at)
		}
	}
	return nil
}

// ProfilesDir is where per-user profile records live
func (c *Config) ProfilesDir() string {
	return filepath.Join(c.DataDir, "user_profiles")
}

// DatabasePath is the SQLite file holding sessions, transcripts and check-ins
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "serenity.db")
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Secrets stay in the environment
	safeCfg := *c
	safeCfg.LLM.APIKey = ""
	safeCfg.Privacy.IdentifierSalt = ""

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		data, err = toml.Marshal(safeCfg)
	} else {
		data, err = json.MarshalIndent(safeCfg, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
