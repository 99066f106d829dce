package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() Config {
	c := Defaults()
	c.Engine.Path = "/usr/bin/true"
	return c
}

func TestDefaults(t *testing.T) {
	c := Defaults()
	require.Equal(t, 3, c.Engine.RestartBudget)
	require.Equal(t, 3*time.Minute, c.Engine.CrashWindow)
	require.Equal(t, 10*time.Second, c.Engine.SearchIdle)
	require.Equal(t, "127.0.0.1:8420", c.Server.Addr)
	require.Equal(t, "info", c.Log.Level)
	require.True(t, c.Cache.Enabled)
	require.True(t, c.History.Enabled)
	require.False(t, c.Tracing.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing engine path",
			mutate:  func(c *Config) { c.Engine.Path = "" },
			wantErr: "engine.path",
		},
		{
			name:    "negative restart budget",
			mutate:  func(c *Config) { c.Engine.RestartBudget = -1 },
			wantErr: "restart_budget",
		},
		{
			name:    "missing server addr",
			mutate:  func(c *Config) { c.Server.Addr = "" },
			wantErr: "server.addr",
		},
		{
			name:    "bogus log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "log.level",
		},
		{
			name: "cache enabled without ttl",
			mutate: func(c *Config) {
				c.Cache.Enabled = true
				c.Cache.TTL = 0
			},
			wantErr: "cache.ttl",
		},
		{
			name:    "unknown tracing exporter",
			mutate:  func(c *Config) { c.Tracing.Exporter = "fax" },
			wantErr: "tracing.exporter",
		},
		{
			name: "file exporter without path",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "file"
				c.Tracing.FilePath = ""
			},
			wantErr: "tracing.file_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDefaultConfigTemplateIsValidYAML(t *testing.T) {
	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(DefaultConfigTemplate()), &parsed))
	require.Contains(t, parsed, "engine")
	require.Contains(t, parsed, "server")
}

func TestDefaultHistoryPath(t *testing.T) {
	require.NotEmpty(t, DefaultHistoryPath())
}
