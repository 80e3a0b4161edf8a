package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/config"
	"sfmprecision/internal/montecarlo"
	"sfmprecision/internal/pipeline"
	"sfmprecision/internal/storage"
)

type fakePipeline struct {
	jobs []pipeline.Job
	err  error
}

func (f *fakePipeline) Execute(_ context.Context, job pipeline.Job) pipeline.Result {
	f.jobs = append(f.jobs, job)
	return pipeline.Result{
		Job:     job,
		Summary: montecarlo.Summary{OutputDir: job.Options.OutputDir, Trials: job.Options.Trials, ReferencePoints: 12345},
		Error:   f.err,
	}
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *storage.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Run.OutputDir = t.TempDir()
	cfg.Run.Trials = 3
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := &fakePipeline{}
	root := &Root{
		pipeline: fake,
		cfg:      cfg,
		log:      slog.New(slog.DiscardHandler),
		store:    store,
		serveFn:  defaultServe,
		bridgeFn: defaultBridge,
	}
	return root, fake, store
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(root)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestRunBuildsJobFromDefaultsAndFlags(t *testing.T) {
	root, fake, _ := newTestRoot(t)
	project := filepath.Join(t.TempDir(), "project.json")
	touch(t, project)

	out, err := execute(t, root, "run", project, "--trials", "2", "--seed", "7",
		"--offset", "266000,4702000,0", "--fit-k4", "--fit-f=false", "--bridge", "host:50051")
	require.NoError(t, err)
	require.Len(t, fake.jobs, 1)

	job := fake.jobs[0]
	assert.Equal(t, project, job.ProjectPath)
	assert.Equal(t, "host:50051", job.BridgeAddr)
	assert.Equal(t, root.cfg.Run.OutputDir, job.Options.OutputDir)
	assert.Equal(t, 2, job.Options.Trials)
	assert.Equal(t, uint64(7), job.Options.Seed)
	assert.Equal(t, &r3.Vec{X: 266000, Y: 4702000}, job.Options.Offset)
	assert.True(t, job.Options.Fit.K4)
	assert.False(t, job.Options.Fit.F)
	assert.True(t, job.Options.Fit.CX, "unset fit flags keep their defaults")
	assert.True(t, strings.HasPrefix(job.ID, "mc-"))

	assert.Contains(t, out, "Trials:           2 of 2")
	assert.Contains(t, out, "Reference points: 12,345")
}

func TestRunRejectsBadArguments(t *testing.T) {
	root, fake, _ := newTestRoot(t)
	project := filepath.Join(t.TempDir(), "project.json")
	touch(t, project)

	cases := map[string][]string{
		"missing project": {"run"},
		"unknown project": {"run", filepath.Join(t.TempDir(), "nope.json")},
		"short offset":    {"run", project, "--offset", "1,2"},
		"zero trials":     {"run", project, "--trials", "0"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, root, args...)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, fake.jobs)
}

func TestRunReportsFailure(t *testing.T) {
	root, fake, _ := newTestRoot(t)
	fake.err = errors.New("initial optimization: boom")
	project := filepath.Join(t.TempDir(), "project.json")
	touch(t, project)

	out, err := execute(t, root, "run", project)
	require.Error(t, err)
	assert.Contains(t, out, "Error:")
}

func TestServeAndBridgeUseConfiguredAddresses(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var served, bridged string
	root.serveFn = func(_ context.Context, addr string, defaults config.Run, _ *storage.Store, _ executor, _ *slog.Logger) error {
		served = addr
		assert.Equal(t, 3, defaults.Trials)
		return nil
	}
	root.bridgeFn = func(_ context.Context, addr string, _ *slog.Logger) error {
		bridged = addr
		return nil
	}

	_, err := execute(t, root, "serve")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", served)

	_, err = execute(t, root, "bridge", "--addr", "127.0.0.1:6000")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6000", bridged)
}

func TestDefaultServeRequiresPipeline(t *testing.T) {
	err := defaultServe(context.Background(), ":0", config.Run{}, nil, &fakePipeline{}, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}

func TestRunsListing(t *testing.T) {
	root, _, store := newTestRoot(t)
	out, err := execute(t, root, "runs")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")

	require.NoError(t, store.RecordRunQueued(storage.RunRecord{ID: "mc-1", OutputDir: t.TempDir(), Trials: 4000}))
	require.NoError(t, store.RecordTrial(storage.TrialRecord{RunID: "mc-1", Trial: 1200, Stem: "s"}))

	out, err = execute(t, root, "runs", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "mc-1")
	assert.Contains(t, out, "1,200/4,000")
	assert.Contains(t, out, "queued")
}

func TestWatchExitsWhenAllTrialsPresent(t *testing.T) {
	root, _, _ := newTestRoot(t)
	outDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outDir, montecarlo.ActiveControlFile), []byte("1 1\n1 1\n"), 0o644))
	for i := 1; i <= 2; i++ {
		name := montecarlo.TrialName{Index: i, MarkerAccuracy: 0.005, MarkerProjectionAccuracy: 0.5, TiePointAccuracy: 1, ActiveMarkers: 2, Line: i}
		touch(t, filepath.Join(outDir, montecarlo.TrialDir, name.File(montecarlo.ControlSuffix)))
		touch(t, filepath.Join(outDir, montecarlo.TrialDir, name.File(montecarlo.PointCloudSuffix)))
	}

	out, err := execute(t, root, "watch", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "trial 1/2 0001_MA0.00500_PA0.50000_TA1.00000_NAM002_LID001 (2 files)")
	assert.Contains(t, out, "trial 2/2")
}

func TestWatchMissingDir(t *testing.T) {
	root, _, _ := newTestRoot(t)
	_, err := execute(t, root, "watch", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	root, _, _ := newTestRoot(t)
	out, err := execute(t, root, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"trials": 3`)

	out, err = execute(t, root, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")

	root.cfg.Run.Trials = 0
	_, err = execute(t, root, "config", "validate")
	assert.ErrorContains(t, err, "run.trials")
}

func TestVersion(t *testing.T) {
	root, _, _ := newTestRoot(t)
	out, err := execute(t, root, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sfmprecision v"+version)
}
