// Package config loads engine settings from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// OFFSYNC_SERVER_URL overrides server.url.
const EnvPrefix = "OFFSYNC"

// Config is the full engine configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Network NetworkConfig `yaml:"network" mapstructure:"network"`
	Sync    SyncConfig    `yaml:"sync" mapstructure:"sync"`
	Feed    FeedConfig    `yaml:"feed" mapstructure:"feed"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// ServerConfig points at the sync server.
type ServerConfig struct {
	URL   string `yaml:"url" mapstructure:"url"`
	Token string `yaml:"token" mapstructure:"token"`
}

// StorageConfig controls the on-disk store.
type StorageConfig struct {
	// Path is the SQLite database file. Relative paths resolve against
	// the working directory.
	Path string `yaml:"path" mapstructure:"path"`
}

// NetworkConfig controls connectivity monitoring.
type NetworkConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
	QuietWindow   time.Duration `yaml:"quiet_window" mapstructure:"quiet_window"`

	// SignalFile, when set, is watched for writes by platform agents
	// announcing interface changes.
	SignalFile string `yaml:"signal_file" mapstructure:"signal_file"`
}

// SyncConfig controls the drain loop.
type SyncConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoff  time.Duration `yaml:"base_backoff" mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	ApplyTimeout time.Duration `yaml:"apply_timeout" mapstructure:"apply_timeout"`
	Interval     time.Duration `yaml:"interval" mapstructure:"interval"`
}

// FeedConfig controls the local event feed.
type FeedConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// LogConfig controls file logging for the daemon.
type LogConfig struct {
	// File is the log path; empty logs to stderr only.
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			URL: "http://localhost:8080",
		},
		Storage: StorageConfig{
			Path: "offsync.db",
		},
		Network: NetworkConfig{
			ProbeInterval: 30 * time.Second,
			QuietWindow:   3 * time.Second,
		},
		Sync: SyncConfig{
			MaxAttempts:  5,
			BaseBackoff:  2 * time.Second,
			MaxBackoff:   5 * time.Minute,
			ApplyTimeout: 15 * time.Second,
			Interval:     time.Minute,
		},
		Feed: FeedConfig{
			Enabled: false,
			Addr:    "127.0.0.1:7070",
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
	}
}

// Load reads the config file at path, applies environment overrides,
// and fills gaps from the defaults. A missing file is not an error; the
// defaults plus environment stand alone.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.url", d.Server.URL)
	v.SetDefault("server.token", d.Server.Token)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("network.probe_interval", d.Network.ProbeInterval)
	v.SetDefault("network.quiet_window", d.Network.QuietWindow)
	v.SetDefault("network.signal_file", d.Network.SignalFile)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.base_backoff", d.Sync.BaseBackoff)
	v.SetDefault("sync.max_backoff", d.Sync.MaxBackoff)
	v.SetDefault("sync.apply_timeout", d.Sync.ApplyTimeout)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("feed.enabled", d.Feed.Enabled)
	v.SetDefault("feed.addr", d.Feed.Addr)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

func (c Config) validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url cannot be empty")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.BaseBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		return fmt.Errorf("invalid sync backoff range %v..%v", c.Sync.BaseBackoff, c.Sync.MaxBackoff)
	}
	if c.Network.ProbeInterval <= 0 {
		return fmt.Errorf("network.probe_interval must be positive, got %v", c.Network.ProbeInterval)
	}
	return nil
}

// WriteDefault writes a commented starter config to path, refusing to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	out, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to serialize default config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
