// Package config loads moodterm settings from the environment.
//
// Every variable is read as MOODTERM_<NAME> first and falls back to the bare
// <NAME>, so an ordinary SHELL or PORT is honoured without extra setup.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name.
const Prefix = "MOODTERM"

// Config holds all application configuration.
type Config struct {
	Session SessionConfig
	Server  ServerConfig
	Storage StorageConfig
	Logging LogConfig
}

// SessionConfig holds terminal session settings.
type SessionConfig struct {
	Shell          string        `envconfig:"SHELL"`
	Term           string        `envconfig:"TERM_NAME" default:"xterm-256color"`
	ReadBufferSize int           `envconfig:"READ_BUFFER_SIZE" default:"1024"`
	StopTimeout    time.Duration `envconfig:"STOP_TIMEOUT" default:"2s"`
	HistorySize    int           `envconfig:"HISTORY_SIZE" default:"65536"`
	MaxSessions    int           `envconfig:"MAX_SESSIONS" default:"10"`
	Rows           uint16        `envconfig:"ROWS" default:"24"`
	Cols           uint16        `envconfig:"COLS" default:"80"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	AllowOrigins    []string      `envconfig:"ALLOW_ORIGINS" default:"*"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// StorageConfig holds persistence paths.
type StorageConfig struct {
	DBPath  string `envconfig:"DB_PATH" default:"data/sessions.db"`
	CastDir string `envconfig:"CAST_DIR" default:"data/casts"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
	File        string `envconfig:"LOG_FILE"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	// Sections are processed one by one so their names do not become part
	// of the variable names.
	sections := []any{&cfg.Session, &cfg.Server, &cfg.Storage, &cfg.Logging}
	for _, section := range sections {
		if err := envconfig.Process(Prefix, section); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	switch {
	case c.Session.ReadBufferSize <= 0:
		return fmt.Errorf("invalid config: read buffer size must be positive, got %d", c.Session.ReadBufferSize)
	case c.Session.StopTimeout <= 0:
		return fmt.Errorf("invalid config: stop timeout must be positive, got %s", c.Session.StopTimeout)
	case c.Session.MaxSessions <= 0:
		return fmt.Errorf("invalid config: max sessions must be positive, got %d", c.Session.MaxSessions)
	case c.Session.HistorySize < 0:
		return fmt.Errorf("invalid config: history size must not be negative, got %d", c.Session.HistorySize)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Term:           "xterm-256color",
			ReadBufferSize: 1024,
			StopTimeout:    2 * time.Second,
			HistorySize:    65536,
			MaxSessions:    10,
			Rows:           24,
			Cols:           80,
		},
		Server: ServerConfig{
			Port:            "8080",
			Host:            "0.0.0.0",
			AllowOrigins:    []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DBPath:  "data/sessions.db",
			CastDir: "data/casts",
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}
