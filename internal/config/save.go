package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/kifulab/usibridge/internal/log"
)

// DefaultConfigTemplate returns the default config as YAML with
// comments, for first-run bootstrapping.
func DefaultConfigTemplate() string {
	return `# usibridge configuration

engine:
  # Path to the USI engine executable. Required.
  path: /usr/local/bin/yaneuraou
  # args: ["--threads", "4"]
  # Options applied via setoption during the handshake:
  # options:
  #   USI_Hash: "1024"
  #   Threads: "4"

  # handshake_timeout: 10s
  # search_idle: 10s       # silence before an unbounded search is stopped
  # search_grace: 30s      # slack on top of movetime before giving up
  # search_timeout: 5m     # hard cap for depth/nodes-only searches

  # Crash handling: more than restart_budget crashes inside
  # crash_window is fatal.
  # crash_window: 3m
  # restart_budget: 3
  # restart_backoff: 1s
  # shutdown_grace: 3s

server:
  addr: 127.0.0.1:8420
  # shutdown_timeout: 10s

log:
  level: info
  # file: /var/log/usibridge.log

cache:
  enabled: true
  ttl: 10m
  # cleanup_interval: 30m

history:
  enabled: true
  # path: ~/.local/share/usibridge/history.db

# Distributed tracing (off by default)
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1
`
}

// WriteDefaultConfig creates a config file at the given path with
// default settings and comments. Creates the parent directory if it
// doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}

// Save writes the effective configuration to path as YAML.
func Save(configPath string, c Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Render returns the configuration as YAML text.
func Render(c Config) (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding config: %w", err)
	}
	return string(data), nil
}
