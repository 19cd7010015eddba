// Package config provides configuration management for connwatch.
//
// Config file locations (priority order):
//  1. $CONNWATCH_CONFIG
//  2. ./connwatch.yaml
//  3. ~/.config/connwatch/config.yaml
//  4. /etc/connwatch/config.yaml
//
// The geo cache lives at a canonical path under the user data directory,
// independent of the working directory, so repeated runs share state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunables for a monitoring session.
type Config struct {
	// RefreshInterval is the pause between polling cycles.
	RefreshInterval Duration `yaml:"refresh_interval,omitempty"`

	// HomeCountry overrides operator-location detection when set.
	HomeCountry string `yaml:"home_country,omitempty"`

	// ShowListening includes LISTEN-state sockets in the output.
	ShowListening bool `yaml:"show_listening,omitempty"`

	Geo   GeoConfig   `yaml:"geo,omitempty"`
	Cache CacheConfig `yaml:"cache,omitempty"`
}

// GeoConfig configures the resolution chain.
type GeoConfig struct {
	// CityDBPath and ASNDBPath point at MaxMind databases. Missing files
	// degrade gracefully; the chain continues with the builtin table.
	CityDBPath string `yaml:"city_db,omitempty"`
	ASNDBPath  string `yaml:"asn_db,omitempty"`

	// OnlineEnabled gates the HTTP lookup services.
	OnlineEnabled *bool    `yaml:"online_enabled,omitempty"`
	OnlineTimeout Duration `yaml:"online_timeout,omitempty"`

	// RateLimit caps online calls per RateWindow; exhausted tokens fall
	// through to the private-range heuristic instead of blocking.
	RateLimit  int      `yaml:"rate_limit,omitempty"`
	RateWindow Duration `yaml:"rate_window,omitempty"`

	// MaxConcurrentLookups bounds parallel resolutions within one cycle.
	MaxConcurrentLookups int `yaml:"max_concurrent_lookups,omitempty"`
}

// CacheConfig configures the persisted geo cache.
type CacheConfig struct {
	// Path overrides the canonical cache location.
	Path string `yaml:"path,omitempty"`
	// TTL is the entry lifetime. Defaults to 7 days.
	TTL Duration `yaml:"ttl,omitempty"`
	// FlushInterval controls periodic flushes during long runs.
	FlushInterval Duration `yaml:"flush_interval,omitempty"`
}

// Load finds and loads the config file, or returns defaults if none found.
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path.
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, path, nil
}

// Save writes config to the specified path.
func (c *Config) Save(path string) error {
	if err := EnsureDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns sensible defaults for a new installation.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = Duration(5 * time.Second)
	}
	if c.Geo.OnlineEnabled == nil {
		enabled := true
		c.Geo.OnlineEnabled = &enabled
	}
	if c.Geo.OnlineTimeout == 0 {
		c.Geo.OnlineTimeout = Duration(10 * time.Second)
	}
	if c.Geo.RateLimit == 0 {
		c.Geo.RateLimit = 40
	}
	if c.Geo.RateWindow == 0 {
		c.Geo.RateWindow = Duration(time.Minute)
	}
	if c.Geo.MaxConcurrentLookups == 0 {
		c.Geo.MaxConcurrentLookups = 8
	}
	if c.Cache.Path == "" {
		c.Cache.Path = DefaultCachePath()
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = Duration(7 * 24 * time.Hour)
	}
	if c.Cache.FlushInterval == 0 {
		c.Cache.FlushInterval = Duration(5 * time.Minute)
	}
}

// OnlineEnabled reports whether the HTTP lookup services should be used.
func (c *Config) OnlineEnabled() bool {
	return c.Geo.OnlineEnabled == nil || *c.Geo.OnlineEnabled
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Value returns the wrapped time.Duration.
func (d Duration) Value() time.Duration {
	return time.Duration(d)
}
