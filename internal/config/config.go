// Package config provides configuration types, defaults, and
// persistence for usibridge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kifulab/usibridge/internal/tracing"
)

// Config holds all configuration options for usibridge.
type Config struct {
	Engine  EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Server  ServerConfig   `mapstructure:"server" yaml:"server"`
	Log     LogConfig      `mapstructure:"log" yaml:"log"`
	Cache   CacheConfig    `mapstructure:"cache" yaml:"cache"`
	History HistoryConfig  `mapstructure:"history" yaml:"history"`
	Tracing tracing.Config `mapstructure:"tracing" yaml:"tracing"`
}

// EngineConfig describes the engine binary and its lifecycle tuning.
type EngineConfig struct {
	// Path is the engine executable. Required.
	Path string `mapstructure:"path" yaml:"path"`
	// Args are passed to the engine process.
	Args []string `mapstructure:"args" yaml:"args,omitempty"`
	// Options are applied as setoption commands during the handshake.
	Options map[string]string `mapstructure:"options" yaml:"options,omitempty"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	// SearchIdle is the silence interval after which an unbounded
	// search is asked to stop.
	SearchIdle time.Duration `mapstructure:"search_idle" yaml:"search_idle"`
	// SearchGrace is added to a bounded search's movetime before the
	// bridge gives up on it.
	SearchGrace   time.Duration `mapstructure:"search_grace" yaml:"search_grace"`
	SearchTimeout time.Duration `mapstructure:"search_timeout" yaml:"search_timeout"`

	// CrashWindow and RestartBudget bound automatic restarts: more
	// than RestartBudget crashes inside CrashWindow is fatal.
	CrashWindow    time.Duration `mapstructure:"crash_window" yaml:"crash_window"`
	RestartBudget  int           `mapstructure:"restart_budget" yaml:"restart_budget"`
	RestartBackoff time.Duration `mapstructure:"restart_backoff" yaml:"restart_backoff"`
	// ShutdownGrace is how long quit may take before the process is
	// killed.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:8420".
	Addr string `mapstructure:"addr" yaml:"addr"`
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is a logrus level name: debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// File, when set, appends logs there instead of stderr.
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// CacheConfig holds analysis result cache settings.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
	// CleanupInterval is how often expired entries are evicted.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// HistoryConfig holds analysis history persistence settings.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Path is the SQLite database file. Empty derives a per-user
	// default under the home directory.
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			HandshakeTimeout: 10 * time.Second,
			SearchIdle:       10 * time.Second,
			SearchGrace:      30 * time.Second,
			SearchTimeout:    5 * time.Minute,
			CrashWindow:      3 * time.Minute,
			RestartBudget:    3,
			RestartBackoff:   time.Second,
			ShutdownGrace:    3 * time.Second,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8420",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Cache: CacheConfig{
			Enabled:         true,
			TTL:             10 * time.Minute,
			CleanupInterval: 30 * time.Minute,
		},
		History: HistoryConfig{
			Enabled: true,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// DefaultHistoryPath derives the per-user history database location.
func DefaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usibridge-history.db"
	}
	return filepath.Join(home, ".local", "share", "usibridge", "history.db")
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if c.Engine.Path == "" {
		return fmt.Errorf("engine.path is required")
	}
	if c.Engine.RestartBudget < 0 {
		return fmt.Errorf("engine.restart_budget must not be negative")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive when the cache is enabled")
	}
	switch c.Tracing.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter %q is not supported", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "file" && c.Tracing.FilePath == "" {
		return fmt.Errorf("tracing.file_path is required for the file exporter")
	}
	return nil
}
