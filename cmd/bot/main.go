// Command bot runs the weather trading engine.
//
// Usage:
//
//	bot -config configs/config.yaml
//
// SIGINT and SIGTERM trigger a graceful shutdown; SIGINT exits with the
// conventional 130.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"weatheredge/internal/api"
	"weatheredge/internal/config"
	"weatheredge/internal/engine"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "assemble engine: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var got os.Signal
	go func() {
		got = <-sigCh
		logger.Info("signal received, shutting down", "signal", got)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	if cfg.Webhook.Enabled {
		srv := api.NewServer(cfg.Webhook, eng.Bus(), eng.Status, logger)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("api server failed", "error", err)
				cancel()
			}
		}()
	}

	if err := <-errCh; err != nil && err != context.Canceled {
		logger.Error("engine failed", "error", err)
		return 1
	}

	if got == syscall.SIGINT {
		return 130
	}
	return 0
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
