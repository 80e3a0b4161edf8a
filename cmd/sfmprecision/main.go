package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sfmprecision/internal/cli"
	"sfmprecision/internal/config"
	"sfmprecision/internal/hostbridge"
	"sfmprecision/internal/logging"
	"sfmprecision/internal/optimizer"
	"sfmprecision/internal/pipeline"
	"sfmprecision/internal/storage"
	"sfmprecision/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logging.Setup(cfg.Logging, os.Stdout)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer closeLog()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
	}
	defer shutdown(context.Background())

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", cfg.Paths.DatabasePath, err)
	}
	defer store.Close()

	optimizers := hostbridge.Optimizers(func() optimizer.Optimizer { return optimizer.NewIntersection() })
	pipe := pipeline.New(ctx, log, store, pipeline.NewRunner(log, optimizers))
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx)
}
