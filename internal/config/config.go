// Package config loads the optional ~/.imsg/config.toml.
package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/imsglab/imsg/internal/store"
	"github.com/imsglab/imsg/internal/watch"
)

// Config is the on-disk configuration. Every field is optional; zero values
// fall back to built-in defaults.
type Config struct {
	DBPath        string `toml:"db_path"`
	LogPath       string `toml:"log_path"`
	PollInitialMS int    `toml:"poll_initial_ms"`
	PollMaxMS     int    `toml:"poll_max_ms"`
	PollBatch     int    `toml:"poll_batch"`
}

// Load reads the config file at path. A missing file is not an error: it
// yields the zero config.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// ResolveDBPath applies precedence: flag override, then config file, then the
// stock Messages location.
func (c *Config) ResolveDBPath(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if c.DBPath != "" {
		return c.DBPath
	}
	return store.DefaultPath()
}

// WatchConfig converts the poll settings into a watcher config, leaving the
// watcher defaults in place for unset fields.
func (c *Config) WatchConfig() watch.Config {
	cfg := watch.DefaultConfig()
	if c.PollInitialMS > 0 {
		cfg.InitialInterval = time.Duration(c.PollInitialMS) * time.Millisecond
	}
	if c.PollMaxMS > 0 {
		cfg.MaxInterval = time.Duration(c.PollMaxMS) * time.Millisecond
	}
	if c.PollBatch > 0 {
		cfg.Batch = c.PollBatch
	}
	return cfg
}
