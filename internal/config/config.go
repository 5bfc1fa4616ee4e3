package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.tether/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	Limits         Limits `toml:"limits"`
	Sync           Sync   `toml:"sync"`
}

// Limits bounds user input before it enters the send pipeline.
type Limits struct {
	MaxBodyBytes int `toml:"max_body_bytes"`
}

// Sync tunes the retry/backoff manager and the history loader.
type Sync struct {
	MaxAttempts    int `toml:"max_attempts"`
	BackoffBaseMS  int `toml:"backoff_base_ms"`
	BackoffMaxMS   int `toml:"backoff_max_ms"`
	WriteTimeoutMS int `toml:"write_timeout_ms"`
	PageSize       int `toml:"page_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile: "default",
		Limits: Limits{
			MaxBodyBytes: 5000,
		},
		Sync: Sync{
			MaxAttempts:    5,
			BackoffBaseMS:  2000,
			BackoffMaxMS:   120000,
			WriteTimeoutMS: 10000,
			PageSize:       50,
		},
	}
}

// Load reads config from the given path, filling unset fields with defaults.
// A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// normalize clamps nonsensical values back to defaults.
func (c *Config) normalize() {
	def := Default()
	if c.DefaultProfile == "" {
		c.DefaultProfile = def.DefaultProfile
	}
	if c.Limits.MaxBodyBytes <= 0 {
		c.Limits.MaxBodyBytes = def.Limits.MaxBodyBytes
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = def.Sync.MaxAttempts
	}
	if c.Sync.BackoffBaseMS <= 0 {
		c.Sync.BackoffBaseMS = def.Sync.BackoffBaseMS
	}
	if c.Sync.BackoffMaxMS < c.Sync.BackoffBaseMS {
		c.Sync.BackoffMaxMS = def.Sync.BackoffMaxMS
	}
	if c.Sync.WriteTimeoutMS <= 0 {
		c.Sync.WriteTimeoutMS = def.Sync.WriteTimeoutMS
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = def.Sync.PageSize
	}
}

// BackoffBase returns the base retry delay as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Sync.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the retry delay cap as a duration.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Sync.BackoffMaxMS) * time.Millisecond
}

// WriteTimeout returns the per-attempt remote write timeout.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Sync.WriteTimeoutMS) * time.Millisecond
}
