package config

import (
	"os"
	"path/filepath"
)

const (
	// EnvConfigPath is the environment variable for explicit config path
	EnvConfigPath = "CONNWATCH_CONFIG"
	// EnvCachePath is the environment variable for explicit cache path
	EnvCachePath = "CONNWATCH_CACHE"
	// ConfigFileName is the default config file name
	ConfigFileName = "connwatch.yaml"
	// AppDirName is the directory name under XDG config/data homes
	AppDirName = "connwatch"
	// CacheFileName is the geo cache database file name
	CacheFileName = "geocache.db"
)

// FindConfigPath searches for a config file in priority order:
// 1. $CONNWATCH_CONFIG (explicit path)
// 2. ./connwatch.yaml (working directory)
// 3. $XDG_CONFIG_HOME/connwatch/config.yaml
// 4. ~/.config/connwatch/config.yaml
// 5. /etc/connwatch/config.yaml
//
// Returns empty string if no config file found
func FindConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		if fileExists(path) {
			return path
		}
	}

	if fileExists(ConfigFileName) {
		if abs, err := filepath.Abs(ConfigFileName); err == nil {
			return abs
		}
		return ConfigFileName
	}

	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		path := filepath.Join(xdgHome, AppDirName, "config.yaml")
		if fileExists(path) {
			return path
		}
	}

	if home := os.Getenv("HOME"); home != "" {
		path := filepath.Join(home, ".config", AppDirName, "config.yaml")
		if fileExists(path) {
			return path
		}
	}

	systemPath := filepath.Join("/etc", AppDirName, "config.yaml")
	if fileExists(systemPath) {
		return systemPath
	}

	return ""
}

// DefaultCachePath returns the canonical geo cache location. The path is
// independent of the working directory so repeated runs from different
// directories still share one cache.
// 1. $CONNWATCH_CACHE (explicit path)
// 2. $XDG_DATA_HOME/connwatch/geocache.db
// 3. ~/.local/share/connwatch/geocache.db
// 4. ./geocache.db (last resort when no home is known)
func DefaultCachePath() string {
	if path := os.Getenv(EnvCachePath); path != "" {
		return path
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, AppDirName, CacheFileName)
	}

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "share", AppDirName, CacheFileName)
	}

	return CacheFileName
}

// EnsureDir creates the parent directory of path if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
