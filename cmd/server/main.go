package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/txscope/service/config"
	"github.com/brojonat/txscope/service/history"
	"github.com/brojonat/txscope/service/metrics"
	natspkg "github.com/brojonat/txscope/service/nats"
	"github.com/brojonat/txscope/service/server"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	aliases, err := cfg.LoadAliases()
	if err != nil {
		logger.Error("failed to load alias table", "error", err)
		os.Exit(1)
	}
	logger.Info("alias table loaded", "entries", aliases.Len(), "path", cfg.AliasTablePath)

	backends, err := server.NewBackends(cfg, m, logger)
	if err != nil {
		logger.Error("failed to initialize upstream clients", "error", err)
		os.Exit(1)
	}
	cache := backends.NewCache(cfg, m, logger)
	if cache == nil {
		logger.Warn("no token metadata source configured, tokens show as unknown")
	}

	// Page events are optional
	var observers []history.PageObserver
	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		observers = append(observers, natspkg.PageObserver(publisher, logger))
	}

	factory := server.NewSessionFactory(backends.SessionConfig(cfg, cache, aliases, m, logger), observers...)
	sessions := server.NewSessions(factory, m)
	httpServer := server.New(cfg.ServerAddr, sessions, cache, aliases, m, logger).
		WithFetchTimeout(cfg.FetchTimeout)

	evictCtx, stopEviction := context.WithCancel(context.Background())
	defer stopEviction()
	if cfg.SessionIdleTimeout > 0 {
		go sessions.RunEviction(evictCtx, time.Minute, cfg.SessionIdleTimeout, logger)
	}

	logger.Info("server initialized, all dependencies ready",
		"fetcher", backends.FetcherName,
		"metadata", cache != nil,
		"nl_queries", backends.Analyzer != nil,
		"nats", cfg.NATSURL != "",
		"session_idle_timeout", cfg.SessionIdleTimeout,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	level, err := config.ParseLogLevel(levelStr)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
