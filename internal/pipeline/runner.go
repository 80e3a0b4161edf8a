package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"sfmprecision/internal/montecarlo"
	"sfmprecision/internal/optimizer"
	"sfmprecision/internal/project"
)

// OptimizerFactory returns the optimizer a run should drive. bridgeAddr is
// empty for the in-process optimizer. The returned close function releases
// whatever the optimizer holds and may be nil.
type OptimizerFactory func(ctx context.Context, bridgeAddr string) (optimizer.Optimizer, func() error, error)

// LocalOptimizers always returns the in-process intersection optimizer and
// refuses bridge addresses.
func LocalOptimizers(_ context.Context, bridgeAddr string) (optimizer.Optimizer, func() error, error) {
	if bridgeAddr != "" {
		return nil, nil, fmt.Errorf("no bridge client configured for %s", bridgeAddr)
	}
	return optimizer.NewIntersection(), nil, nil
}

// runner implements Processor: it loads the project snapshot and hands it
// to a Monte Carlo driver.
type runner struct {
	log       *slog.Logger
	optimizer OptimizerFactory
	load      func(path string) (*project.Chunk, error)
}

// NewRunner returns the processor used by the pipeline. A nil factory
// selects LocalOptimizers.
func NewRunner(logger *slog.Logger, factory OptimizerFactory) Processor {
	if factory == nil {
		factory = LocalOptimizers
	}
	return &runner{log: logger, optimizer: factory, load: project.Load}
}

func (r *runner) Process(ctx context.Context, job Job, onTrial func(montecarlo.Progress)) Result {
	res := Result{Job: job}
	chunk, err := r.load(job.ProjectPath)
	if err != nil {
		res.Error = fmt.Errorf("load project: %w", err)
		return res
	}

	opt, closeFn, err := r.optimizer(ctx, job.BridgeAddr)
	if err != nil {
		res.Error = fmt.Errorf("connect optimizer: %w", err)
		return res
	}
	if closeFn != nil {
		defer func() {
			if cerr := closeFn(); cerr != nil {
				r.log.Warn("closing optimizer failed", "run_id", job.ID, "error", cerr)
			}
		}()
	}

	d := montecarlo.NewDriver(opt, nil, r.log.With("run_id", job.ID))
	d.OnTrial = onTrial
	res.Summary, res.Error = d.Run(ctx, chunk, job.Options)
	return res
}
