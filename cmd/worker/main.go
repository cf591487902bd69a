package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/devflowinc/trieve-sub003/internal/app"
	"github.com/devflowinc/trieve-sub003/internal/config"
	"github.com/devflowinc/trieve-sub003/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	pool, err := a.Workers(ctx)
	if err != nil {
		logger.Error("failed to build workers", "error", err)
		os.Exit(1)
	}
	pool.Start(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining workers")
	pool.Stop()
	logger.Info("worker stopped")
}
