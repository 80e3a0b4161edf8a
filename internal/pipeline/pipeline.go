package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"sfmprecision/internal/fsutil"
	"sfmprecision/internal/logging"
	"sfmprecision/internal/montecarlo"
	"sfmprecision/internal/storage"
)

// queueDepth bounds the runs waiting behind the active one.
const queueDepth = 16

// ErrQueueFull is returned by Submit when no more runs can wait.
var ErrQueueFull = errors.New("run queue is full")

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("pipeline stopped")

// Job represents a single estimation request.
type Job struct {
	ID          string             `json:"id"`
	ProjectPath string             `json:"project_path"`
	BridgeAddr  string             `json:"bridge_addr,omitempty"`
	Options     montecarlo.Options `json:"options"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job     Job                `json:"job"`
	Summary montecarlo.Summary `json:"summary"`
	Error   error              `json:"-"`
}

// EventKind distinguishes progress from completion events.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventTrial     EventKind = "trial"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is broadcast to subscribers while runs progress.
type Event struct {
	Kind     EventKind            `json:"kind"`
	RunID    string               `json:"run_id"`
	Progress *montecarlo.Progress `json:"progress,omitempty"`
	Summary  *montecarlo.Summary  `json:"summary,omitempty"`
	Error    string               `json:"error,omitempty"`
	Time     time.Time            `json:"time"`
}

// Processor executes a job, reporting every finished trial to onTrial.
type Processor interface {
	Process(ctx context.Context, job Job, onTrial func(montecarlo.Progress)) Result
}

// Pipeline runs estimation jobs one at a time: the optimizer behind a run is
// not reentrant, so there is exactly one worker.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Event
	nextSubID int
}

// New creates a pipeline and starts its worker.
func New(ctx context.Context, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, queueDepth),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Event),
	}
	p.wg.Add(1)
	go p.worker(ctx)
	return p
}

// Submit adds a job to the run queue.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	p.recordQueued(job)
	select {
	case p.jobs <- job:
		return nil
	default:
		_ = p.store.RecordRunResult(job.ID, storage.StatusFailed, nil, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

// Execute runs job on the caller's goroutine with the same ledger, logging
// and broadcast handling as queued jobs.
func (p *Pipeline) Execute(ctx context.Context, job Job) Result {
	p.recordQueued(job)
	return p.execute(ctx, job)
}

// Stop signals the worker to exit and waits for it.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) recordQueued(job Job) {
	fitJSON, _ := json.Marshal(job.Options.Fit)
	if err := p.store.RecordRunQueued(storage.RunRecord{
		ID:          job.ID,
		ProjectPath: job.ProjectPath,
		OutputDir:   job.Options.OutputDir,
		Trials:      job.Options.Trials,
		Seed:        job.Options.Seed,
		FitJSON:     string(fitJSON),
	}); err != nil {
		p.log.Warn("ledger write failed", "run_id", job.ID, "error", err)
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(ctx, job)
		}
	}
}

func (p *Pipeline) execute(ctx context.Context, job Job) Result {
	start := time.Now()
	logging.LogRunStart(p.log, job.ID, job.ProjectPath, job.Options.OutputDir, job.Options.Trials, job.Options.Fit.Enabled())
	_ = p.store.RecordRunStart(job.ID)
	p.broadcast(Event{Kind: EventStarted, RunID: job.ID, Time: start})

	res := p.processor.Process(ctx, job, func(pr montecarlo.Progress) {
		logging.LogTrialStep(p.log, job.ID, pr.Trial, pr.Trials, pr.Stem, pr.Report.RMSReprojection, pr.Elapsed)
		if err := p.store.RecordTrial(storage.TrialRecord{
			RunID:        job.ID,
			Trial:        pr.Trial,
			Stem:         pr.Stem,
			RMS:          pr.Report.RMSReprojection,
			Observations: pr.Report.Observations,
			Files:        len(pr.Files),
			Duration:     pr.Elapsed,
		}); err != nil {
			p.log.Warn("ledger write failed", "run_id", job.ID, "trial", pr.Trial, "error", err)
		}
		p.broadcast(Event{Kind: EventTrial, RunID: job.ID, Progress: &pr, Time: time.Now()})
	})
	duration := time.Since(start)

	summary := res.Summary
	if res.Error != nil {
		logging.LogRunError(p.log, job.ID, summary.Trials, duration, res.Error)
		status := storage.StatusFailed
		if errors.Is(res.Error, context.Canceled) {
			status = storage.StatusCancelled
		}
		_ = p.store.RecordRunResult(job.ID, status, summary, res.Error.Error())
		p.broadcast(Event{Kind: EventFailed, RunID: job.ID, Summary: &summary, Error: res.Error.Error(), Time: time.Now()})
		return res
	}

	size, _ := fsutil.DirSize(job.Options.OutputDir)
	logging.LogRunComplete(p.log, job.ID, summary.Trials, duration, size)
	_ = p.store.RecordRunResult(job.ID, storage.StatusCompleted, summary, "")
	p.broadcast(Event{Kind: EventCompleted, RunID: job.ID, Summary: &summary, Time: time.Now()})
	return res
}

// Subscribe returns a channel for receiving run events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 32)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.log.Warn("event channel full", "subscriber", id, "run", ev.RunID)
		}
	}
}

// NewID returns a sortable run identifier.
func NewID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.IntN(10000))
}
