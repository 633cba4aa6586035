package config

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.imsg.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".imsg")
}

// Path returns the config file location.
func Path() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// LogDir returns the log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// DefaultLogPath returns the daemon log file location.
func DefaultLogPath() string {
	return filepath.Join(LogDir(), "imsgd.log")
}

// ResolveLogPath applies the config override over the default.
func (c *Config) ResolveLogPath() string {
	if c.LogPath != "" {
		return c.LogPath
	}
	return DefaultLogPath()
}
