// Package cli wires configuration, the run ledger and the run queue into
// the sfmprecision command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"sfmprecision/internal/config"
	"sfmprecision/internal/hostbridge"
	"sfmprecision/internal/optimizer"
	"sfmprecision/internal/pipeline"
	"sfmprecision/internal/server"
	"sfmprecision/internal/storage"
)

const version = "0.3.0"

// executor runs a job to completion on the caller's goroutine.
type executor interface {
	Execute(ctx context.Context, job pipeline.Job) pipeline.Result
}

type serverFunc func(ctx context.Context, addr string, defaults config.Run, store *storage.Store, pipe executor, log *slog.Logger) error

type bridgeFunc func(ctx context.Context, addr string, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, defaults config.Run, store *storage.Store, pipe executor, log *slog.Logger) error {
	real, ok := pipe.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	return server.NewServer(addr, store, real, defaults, log).Start(ctx)
}

func defaultBridge(ctx context.Context, addr string, log *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return hostbridge.NewServer(optimizer.NewIntersection(), log).Serve(ctx, lis)
}

// Root holds what every command needs.
type Root struct {
	pipeline executor
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	bridgeFn bridgeFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		bridgeFn: defaultBridge,
	}
}
