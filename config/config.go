// Package config loads the collabd server configuration from YAML with
// environment overrides for deployment settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the full collabd configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	AuthToken string          `yaml:"auth_token"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
}

// PostgresConfig configures the document store. An empty URL selects the
// in-memory store, for development and tests only.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig configures the cross-node broker. Disabled when Addr is
// empty; a single node does not need it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DiscoveryConfig configures mDNS service registration so agents on the
// local network can find the server without static addresses.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// DefaultConfig returns sane defaults for a single-node setup.
func DefaultConfig() *Config {
	return &Config{
		Listen: ":8081",
		Discovery: DiscoveryConfig{
			Service: "_collab._tcp",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file, merges it over the defaults, and applies
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COLLAB_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("COLLAB_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q (use text or json)", c.Log.Format)
	}
	if c.Discovery.Enabled && c.Discovery.Service == "" {
		return fmt.Errorf("discovery.service is required when discovery is enabled")
	}
	return nil
}
