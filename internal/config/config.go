package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the relay daemon configuration
type Config struct {
	Listen  string        `yaml:"listen"`
	Auth    AuthConfig    `yaml:"auth"`
	Limits  LimitsConfig  `yaml:"limits"`
	Session SessionConfig `yaml:"session"`
	Topics  TopicsConfig  `yaml:"topics"`
	History HistoryConfig `yaml:"history"`
	Logging LoggingConfig `yaml:"logging"`
}

type AuthConfig struct {
	// JWTSecret enables token validation; empty means anonymous access.
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type LimitsConfig struct {
	// MaxMessageSize in bytes. Zero picks the 1 MiB default.
	MaxMessageSize int64 `yaml:"max_message_size"`
	// RateLimit is messages per second per user (or per peer when
	// anonymous). Zero picks the default; rate limiting is only active
	// when Enabled is true.
	RateLimit        float64            `yaml:"rate_limit"`
	RateLimitEnabled bool               `yaml:"rate_limit_enabled"`
	PerUser          map[string]float64 `yaml:"per_user"`
}

type SessionConfig struct {
	Persistence bool `yaml:"persistence"`
}

type TopicsConfig struct {
	// ForwardRawFrames re-broadcasts unparsable frames instead of dropping
	// them. Legacy behavior, off by default.
	ForwardRawFrames bool `yaml:"forward_raw_frames"`
	// ACL restricts who may subscribe or publish per topic. Topics not
	// listed are open.
	ACL map[string]TopicACL `yaml:"acl"`
}

type TopicACL struct {
	Subscribe []string `yaml:"subscribe"`
	Publish   []string `yaml:"publish"`
}

type HistoryConfig struct {
	// Path to the sqlite database; empty disables history.
	Path      string `yaml:"path"`
	Retention int    `yaml:"retention"`
	Replay    int    `yaml:"replay"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads configuration from a file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ":8787",
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// applyEnv overrides file values with environment variables if present.
func (c *Config) applyEnv() {
	if v := os.Getenv("WIREFAB_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("WIREFAB_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("WIREFAB_HISTORY_PATH"); v != "" {
		c.History.Path = v
	}
	if v := os.Getenv("WIREFAB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WIREFAB_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Limits.RateLimit = f
			c.Limits.RateLimitEnabled = true
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.Limits.MaxMessageSize < 0 {
		return fmt.Errorf("limits.max_message_size must not be negative")
	}
	if c.Limits.RateLimit < 0 {
		return fmt.Errorf("limits.rate_limit must not be negative")
	}
	if c.History.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative")
	}
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		if c.Logging.Level == level {
			return nil
		}
	}
	return fmt.Errorf("logging.level must be one of debug, info, warn, error")
}
