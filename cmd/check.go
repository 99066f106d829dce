package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kifulab/usibridge/internal/engine"
	"github.com/kifulab/usibridge/internal/log"
	"github.com/kifulab/usibridge/internal/usi"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the configured engine handshakes correctly",
	Long: `Spawn the configured engine, run the USI handshake, and print the
engine's identity and declared options. Useful for validating an
engine path and configuration before running the daemon.

Example:
  usibridge check --engine /usr/local/bin/yaneuraou`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(_ *cobra.Command, _ []string) error {
	if cfg.Engine.Path == "" {
		return fmt.Errorf("no engine configured: set engine.path or pass --engine")
	}

	level := logrus.WarnLevel
	if debugFlag {
		level = logrus.DebugLevel
	}
	cleanup := log.Init(os.Stderr, level)
	defer cleanup()

	session, err := engine.NewSession(engine.SessionConfig{
		Path:             cfg.Engine.Path,
		Args:             cfg.Engine.Args,
		Options:          cfg.Engine.Options,
		HandshakeTimeout: cfg.Engine.HandshakeTimeout,
		// A single restart attempt is enough to tell working from broken.
		RestartBudget: 1,
	})
	if err != nil {
		return fmt.Errorf("creating engine session: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := session.Initialize(ctx); err != nil {
		return fmt.Errorf("engine handshake failed: %w", err)
	}
	defer func() { _ = session.Shutdown(ctx) }()
	elapsed := time.Since(start)

	info := session.Info()
	fmt.Printf("engine:    %s\n", cfg.Engine.Path)
	fmt.Printf("name:      %s\n", info.Name)
	fmt.Printf("author:    %s\n", info.Author)
	fmt.Printf("handshake: %s\n", elapsed.Round(time.Millisecond))

	// Re-run the usi exchange to surface the option declarations the
	// handshake consumed.
	lines, err := session.SendAndCollect(ctx, usi.CommandUSI,
		engine.StopOnTokens(usi.TokenUSIOK), 10*time.Second, 0)
	if err != nil {
		return fmt.Errorf("listing options: %w", err)
	}
	var options int
	for _, line := range lines {
		if line.Kind == usi.KindOption {
			options++
			fmt.Printf("  %s\n", line.Raw)
		}
	}
	if options == 0 {
		fmt.Println("  (no options declared)")
	}

	fmt.Println("ok")
	return nil
}
