package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kifulab/usibridge/internal/cachemanager"
	"github.com/kifulab/usibridge/internal/config"
	"github.com/kifulab/usibridge/internal/engine"
	"github.com/kifulab/usibridge/internal/history"
	"github.com/kifulab/usibridge/internal/log"
	"github.com/kifulab/usibridge/internal/pubsub"
	"github.com/kifulab/usibridge/internal/server"
	"github.com/kifulab/usibridge/internal/tracing"
	"github.com/kifulab/usibridge/internal/usi"
)

func runServe(_ *cobra.Command, _ []string) error {
	if addrFlag != "" {
		cfg.Server.Addr = addrFlag
	}
	if debugFlag {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	var cleanup func()
	if cfg.Log.File != "" {
		cleanup, err = log.InitFile(cfg.Log.File, level)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
	} else {
		cleanup = log.Init(os.Stderr, level)
	}
	defer cleanup()

	log.Info(log.CatConfig, "usibridge starting",
		"version", version, "engine", cfg.Engine.Path, "addr", cfg.Server.Addr)

	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatConfig, "error shutting down tracing", err)
		}
	}()

	var repo history.Repository
	if cfg.History.Enabled {
		path := cfg.History.Path
		if path == "" {
			path = config.DefaultHistoryPath()
		}
		repo, err = history.Open(path)
		if err != nil {
			return fmt.Errorf("opening history database: %w", err)
		}
		defer func() {
			if err := repo.Close(); err != nil {
				log.ErrorErr(log.CatHistory, "error closing history database", err)
			}
		}()
	}

	var cache cachemanager.CacheManager[string, usi.AnalysisResult]
	if cfg.Cache.Enabled {
		cache = cachemanager.NewInMemoryCacheManager[string, usi.AnalysisResult](
			"analysis", cfg.Cache.TTL, cfg.Cache.CleanupInterval)
	}

	session, err := engine.NewSession(engine.SessionConfig{
		Path:             cfg.Engine.Path,
		Args:             cfg.Engine.Args,
		Options:          cfg.Engine.Options,
		HandshakeTimeout: cfg.Engine.HandshakeTimeout,
		SearchIdle:       cfg.Engine.SearchIdle,
		SearchGrace:      cfg.Engine.SearchGrace,
		SearchTimeout:    cfg.Engine.SearchTimeout,
		CrashWindow:      cfg.Engine.CrashWindow,
		RestartBudget:    cfg.Engine.RestartBudget,
		BackoffUnit:      cfg.Engine.RestartBackoff,
		GracePeriod:      cfg.Engine.ShutdownGrace,
	})
	if err != nil {
		return fmt.Errorf("creating engine session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Initialize(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	info := session.Info()
	log.Info(log.CatEngine, "engine ready", "name", info.Name, "author", info.Author)

	handler := server.NewHandler(server.HandlerConfig{
		Engine:   session,
		History:  repo,
		Cache:    cache,
		CacheTTL: cfg.Cache.TTL,
		Tracer:   tracer.Tracer(),
	})
	srv, err := server.NewServer(server.ServerConfig{
		Addr:    cfg.Server.Addr,
		Handler: handler,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	events := session.Events().Subscribe(ctx)

	fmt.Printf("usibridge serving %s on port %d\n", info.Name, srv.Port())
	fmt.Println("Press Ctrl+C to stop")

	// Run until a shutdown signal, a server error, or the engine going
	// fatal. Fatal propagates as a non-zero exit so supervisors notice.
	var fatalErr error
loop:
	for {
		select {
		case sig := <-sigCh:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			break loop
		case err := <-errCh:
			if err != nil {
				fatalErr = fmt.Errorf("server error: %w", err)
			}
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if ev.Type == pubsub.EventEngineFatal {
				fatalErr = fmt.Errorf("engine fatal: %s", ev.Payload)
				break loop
			}
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatServer, "error stopping API server", err)
	}
	if err := session.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatEngine, "error shutting down engine", err)
	}

	return fatalErr
}
