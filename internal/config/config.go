// Package config loads the chat client configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// WEBCHAT_* environment variables. Command-line flags are applied by the
// caller on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "WEBCHAT"

// Session store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the top-level configuration. Environment variables are named
// after the field path, e.g. WEBCHAT_SOCKET_URL or WEBCHAT_SESSION_REDIS_URL.
type Config struct {
	SocketURL    string            `yaml:"socket_url" split_words:"true"`
	Host         string            `yaml:"host"`
	ChannelUUID  string            `yaml:"channel_uuid" split_words:"true"`
	InitPayload  string            `yaml:"init_payload" split_words:"true"`
	SessionToken string            `yaml:"session_token" split_words:"true"`
	SessionID    string            `yaml:"session_id" split_words:"true"`
	CustomFields map[string]string `yaml:"custom_fields" split_words:"true"`
	PingInterval time.Duration     `yaml:"ping_interval" split_words:"true"`
	DialTimeout  time.Duration     `yaml:"dial_timeout" split_words:"true"`

	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// SessionConfig selects where session ids are persisted.
type SessionConfig struct {
	Backend  string        `yaml:"backend"`
	Path     string        `yaml:"path"`
	RedisURL string        `yaml:"redis_url" split_words:"true"`
	TTL      time.Duration `yaml:"ttl"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig holds the metrics endpoint address; empty disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Host:         "https://flows.weni.ai",
		PingInterval: 30 * time.Second,
		DialTimeout:  10 * time.Second,
		Session: SessionConfig{
			Backend: BackendFile,
			Path:    defaultSessionPath(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path (skipped when empty), applies the
// environment and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, nil
}

// Parse unmarshals YAML bytes over the defaults without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// Validate checks required fields and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SocketURL) == "" {
		errs = append(errs, errors.New("socket_url is required"))
	}
	if strings.TrimSpace(c.ChannelUUID) == "" {
		errs = append(errs, errors.New("channel_uuid is required"))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, errors.New("ping_interval must be positive"))
	}
	switch c.Session.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Session.Path == "" {
			errs = append(errs, fmt.Errorf("session.path is required for the %s backend", c.Session.Backend))
		}
	case BackendRedis:
		if c.Session.RedisURL == "" {
			errs = append(errs, errors.New("session.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session backend %q", c.Session.Backend))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".webchat-sessions.json"
	}
	return filepath.Join(dir, "webchat", "sessions.json")
}
