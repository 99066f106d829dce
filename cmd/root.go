// Package cmd wires the CLI: the root command runs the bridge daemon,
// with subcommands for engine checks and configuration management.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kifulab/usibridge/internal/config"
)

var (
	version    = "dev"
	cfgFile    string
	debugFlag  bool
	engineFlag string
	addrFlag   string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:     "usibridge",
	Short:   "HTTP bridge for USI shogi engines",
	Long: `usibridge supervises a USI shogi engine subprocess and exposes it
over an HTTP API: JSON endpoints for one-shot analyses and raw commands,
SSE and WebSocket streams for live search output.

The engine is restarted automatically when it crashes, up to a budget
of restarts inside a rolling window. Exceeding the budget is fatal and
the daemon exits non-zero.

Example:
  usibridge --engine /usr/local/bin/yaneuraou
  usibridge --engine ./engine --addr :8420 --debug`,
	Version: version,
	RunE:    runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/usibridge/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&engineFlag, "engine", "e", "",
		"path to the USI engine executable (overrides config)")
	rootCmd.Flags().StringVar(&addrFlag, "addr", "",
		"address to listen on (overrides config)")

	// Bind flags to viper
	_ = viper.BindPFlag("engine.path", rootCmd.PersistentFlags().Lookup("engine"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("engine.restart_budget", defaults.Engine.RestartBudget)
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("cache.enabled", defaults.Cache.Enabled)
	viper.SetDefault("history.enabled", defaults.History.Enabled)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. ./usibridge.yaml (current directory)
		// 2. ~/.config/usibridge/config.yaml (user config)
		if _, err := os.Stat("usibridge.yaml"); err == nil {
			viper.SetConfigFile("usibridge.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "usibridge"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create a commented default at
		// the user config path so there is something to edit.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			home, homeErr := os.UserHomeDir()
			if homeErr == nil {
				defaultPath := filepath.Join(home, ".config", "usibridge", "config.yaml")
				if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
					viper.SetConfigFile(defaultPath)
					_ = viper.ReadInConfig()
				}
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	// Start from defaults so keys absent from the file keep their
	// documented values.
	cfg = config.Defaults()
	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
