package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"smara/backend/internal/app"
	"smara/backend/internal/config"
	"smara/backend/internal/logger"
)

func main() {
	// Initialize structured logger
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("app exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	a, err := app.New(ctx, cfg, deps, log, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx)
}
