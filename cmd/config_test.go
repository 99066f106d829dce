package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kifulab/usibridge/internal/config"
)

func TestConfigInit_WritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	err := runConfigInit(nil, []string{path})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// The template must parse back into the config structure.
	var parsed config.Config
	require.NoError(t, yaml.Unmarshal(data, &parsed))
}

func TestConfigInit_RefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  path: /bin/true\n"), 0o600))

	err := runConfigInit(nil, []string{path})
	require.ErrorContains(t, err, "already exists")
}

func TestConfigShow_RendersEffectiveConfig(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = config.Defaults()
	cfg.Engine.Path = "/opt/engines/test-engine"

	var out bytes.Buffer
	configShowCmd.SetOut(&out)
	t.Cleanup(func() { configShowCmd.SetOut(nil) })

	err := runConfigShow(configShowCmd, nil)
	require.NoError(t, err)
	require.Contains(t, out.String(), "/opt/engines/test-engine")
	require.Contains(t, out.String(), "127.0.0.1:8420")
}
