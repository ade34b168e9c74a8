package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.pigeon/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	ServerURL      string `toml:"server_url"`
	SocketURL      string `toml:"socket_url"`
	AuthToken      string `toml:"auth_token"`

	HistoryPageSize   int `toml:"history_page_size"`
	SearchDebounceMs  int `toml:"search_debounce_ms"`
	ReconcileEverySec int `toml:"reconcile_every_sec"`
}

// Default returns a config with the documented defaults filled in.
func Default() *Config {
	return &Config{
		DefaultProfile:    "default",
		ServerURL:         "http://localhost:5000",
		SocketURL:         "ws://localhost:5001/ws",
		HistoryPageSize:   100,
		SearchDebounceMs:  400,
		ReconcileEverySec: 0, // 0 disables the periodic reconciliation pass
	}
}

// SearchDebounce returns the debounce window as a duration.
func (c *Config) SearchDebounce() time.Duration {
	if c.SearchDebounceMs <= 0 {
		return 400 * time.Millisecond
	}
	return time.Duration(c.SearchDebounceMs) * time.Millisecond
}

// ReconcileInterval returns the reconciliation interval, or zero if disabled.
func (c *Config) ReconcileInterval() time.Duration {
	if c.ReconcileEverySec <= 0 {
		return 0
	}
	return time.Duration(c.ReconcileEverySec) * time.Second
}

// Load reads config from the given path. Missing fields keep their zero
// values; callers that need defaults should start from Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
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
