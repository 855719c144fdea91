// Package config holds runtime configuration for the claims engine server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for a server run.
type Config struct {
	Port        int    `yaml:"port"`
	DBPath      string `yaml:"db_path"`
	LogFormat   string `yaml:"log_format"` // "text" or "json"
	RetryBudget int    `yaml:"retry_budget"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Port:        8080,
		DBPath:      "claims.db",
		LogFormat:   "text",
		RetryBudget: 3,
	}
}

// LoadFromFile reads a YAML config file and merges its values into Config.
// Zero-valued fields in the file keep their current values.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc Config
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if fc.Port != 0 {
		c.Port = fc.Port
	}
	if fc.DBPath != "" {
		c.DBPath = fc.DBPath
	}
	if fc.LogFormat != "" {
		c.LogFormat = fc.LogFormat
	}
	if fc.RetryBudget != 0 {
		c.RetryBudget = fc.RetryBudget
	}
	return nil
}

// Validate checks required fields and returns an error if the config is invalid.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("--db is required")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log format must be text or json, got %q", c.LogFormat)
	}
	if c.RetryBudget <= 0 {
		return fmt.Errorf("retry budget must be positive")
	}
	return nil
}
