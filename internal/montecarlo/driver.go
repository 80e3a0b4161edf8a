// Package montecarlo estimates the precision of a bundle adjustment by
// repeatedly perturbing a zero-error baseline with Gaussian noise,
// re-optimizing and exporting every result for offline statistics.
package montecarlo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/export"
	"sfmprecision/internal/optimizer"
	"sfmprecision/internal/project"
)

const tracerName = "sfmprecision/internal/montecarlo"

// Options fixes everything about a run before it starts.
type Options struct {
	OutputDir string              `json:"output_dir"`
	Trials    int                 `json:"trials"`
	Seed      uint64              `json:"seed"`
	Fit       optimizer.FitParams `json:"fit"`
	Offset    *r3.Vec             `json:"offset,omitempty"` // nil computes the offset from the cloud
	Date      time.Time           `json:"date,omitzero"`    // calibration date; zero uses the run start
}

// Validate reports the first unusable option.
func (o Options) Validate() error {
	switch {
	case o.OutputDir == "":
		return errors.New("output directory is required")
	case o.Trials < 1:
		return fmt.Errorf("trials must be at least 1, got %d", o.Trials)
	case o.Offset != nil && !project.IsFinite(*o.Offset):
		return errors.New("offset must be finite")
	}
	return nil
}

// Progress is reported after every completed trial.
type Progress struct {
	Trial   int              `json:"trial"`
	Trials  int              `json:"trials"`
	Stem    string           `json:"stem"`
	Files   []string         `json:"files"`
	Bytes   int64            `json:"bytes"`
	Report  optimizer.Report `json:"report"`
	Elapsed time.Duration    `json:"elapsed"`
}

// Summary describes a finished (or interrupted) run.
type Summary struct {
	OutputDir       string           `json:"output_dir"`
	Trials          int              `json:"trials"` // completed trials
	Offset          r3.Vec           `json:"offset"`
	ActiveMarkers   int              `json:"active_markers"`
	ReferencePoints int              `json:"reference_points"`
	Observations    int              `json:"observations"`
	Initial         optimizer.Report `json:"initial"`
	Duration        time.Duration    `json:"duration"`
}

// Driver runs the perturb, optimize and export loop against an injected
// optimizer. Trials run strictly one after another on the caller's
// goroutine.
type Driver struct {
	opt    optimizer.Optimizer
	refs   export.ReferenceExporter
	log    *slog.Logger
	tracer trace.Tracer

	// OnTrial, when set, is called after each trial's files are written.
	OnTrial func(Progress)
}

// NewDriver returns a driver. A nil reference exporter selects the CSV
// exporter and a nil logger discards output.
func NewDriver(opt optimizer.Optimizer, refs export.ReferenceExporter, log *slog.Logger) *Driver {
	if refs == nil {
		refs = export.CSVReference{}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Driver{opt: opt, refs: refs, log: log, tracer: otel.Tracer(tracerName)}
}

// Run estimates precision for chunk, which is treated as the live project
// and is modified in place. Cancelling ctx stops the run before the next
// trial; files written so far remain valid.
func (d *Driver) Run(ctx context.Context, chunk *project.Chunk, opts Options) (sum Summary, err error) {
	if err := opts.Validate(); err != nil {
		return sum, err
	}
	start := time.Now()
	if opts.Date.IsZero() {
		opts.Date = start
	}
	ctx, span := d.tracer.Start(ctx, "montecarlo.Run", trace.WithAttributes(
		attribute.String("chunk", chunk.Label),
		attribute.Int("trials", opts.Trials),
		attribute.Int64("seed", int64(opts.Seed)),
	))
	defer func() {
		sum.Duration = time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sum.OutputDir = opts.OutputDir
	crs := chunk.EnsureCRS()
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return sum, fmt.Errorf("create output directory: %w", err)
	}

	flags := chunk.ActiveMarkerFlags()
	for _, on := range flags {
		if on {
			sum.ActiveMarkers++
		}
	}
	if err := export.WriteActiveControlFlags(d.path(opts, ActiveControlFile), flags, opts.Trials); err != nil {
		return sum, fmt.Errorf("write active control flags: %w", err)
	}

	sum.Initial, err = d.opt.Optimize(ctx, chunk, opts.Fit)
	if err != nil {
		return sum, fmt.Errorf("initial optimization: %w", err)
	}
	d.log.Info("initial optimization complete",
		"fit", opts.Fit.Enabled(),
		"rms_px", sum.Initial.RMSReprojection,
		"duration", sum.Initial.Duration)

	if opts.Offset != nil {
		sum.Offset = *opts.Offset
	} else if sum.Offset, err = ComputeOffset(chunk); err != nil {
		return sum, fmt.Errorf("compute offset: %w", err)
	}
	if err := export.WriteLocalOrigin(d.path(opts, LocalOriginFile), sum.Offset); err != nil {
		return sum, fmt.Errorf("write local origin: %w", err)
	}

	distances, err := ObservationDistances(chunk)
	if err != nil {
		return sum, fmt.Errorf("observation distances: %w", err)
	}
	sum.Observations = len(distances)
	if err := export.WriteObservationDistances(d.path(opts, ObservationDistanceFile), distances); err != nil {
		return sum, fmt.Errorf("write observation distances: %w", err)
	}
	if err := export.WriteCoordinateSystem(d.path(opts, CoordinateSystemFile), crs); err != nil {
		return sum, fmt.Errorf("write coordinate system: %w", err)
	}

	base, err := NewBaseline(chunk)
	if err != nil {
		return sum, err
	}
	if err := export.WriteMarkers(d.path(opts, ReferenceMarkersFile), base.Chunk()); err != nil {
		return sum, fmt.Errorf("write reference markers: %w", err)
	}

	// Fixed camera model on a throwaway copy gives the benchmark cloud.
	ref := base.Copy()
	if _, err := d.opt.Optimize(ctx, ref, optimizer.FixedFit()); err != nil {
		return sum, fmt.Errorf("reference optimization: %w", err)
	}
	sum.ReferencePoints, err = export.WritePLY(d.path(opts, ReferenceCloudFile), ref, sum.Offset)
	if err != nil {
		return sum, fmt.Errorf("write reference cloud: %w", err)
	}

	trialDir := filepath.Join(opts.OutputDir, TrialDir)
	if err := os.MkdirAll(trialDir, 0o755); err != nil {
		return sum, fmt.Errorf("create trial directory: %w", err)
	}

	noise := NewNoise(opts.Seed)
	for i := 1; i <= opts.Trials; i++ {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("run cancelled after %d trials: %w", sum.Trials, err)
		}
		name := TrialName{
			Index:                    i,
			MarkerAccuracy:           chunk.Accuracy.MarkerLocation.X,
			MarkerProjectionAccuracy: chunk.Accuracy.MarkerProjection,
			TiePointAccuracy:         chunk.Accuracy.TiePoint,
			ActiveMarkers:            sum.ActiveMarkers,
			Line:                     i,
		}
		p, err := d.runTrial(ctx, chunk, base, noise, trialDir, name, opts, sum.Offset)
		if err != nil {
			return sum, fmt.Errorf("trial %d: %w", i, err)
		}
		sum.Trials = i
		p.Trials = opts.Trials
		if d.OnTrial != nil {
			d.OnTrial(p)
		}
	}
	return sum, nil
}

func (d *Driver) runTrial(ctx context.Context, chunk *project.Chunk, base *Baseline, noise *Noise,
	dir string, name TrialName, opts Options, offset r3.Vec,
) (p Progress, err error) {
	start := time.Now()
	stem := name.Stem()
	ctx, span := d.tracer.Start(ctx, "montecarlo.trial", trace.WithAttributes(
		attribute.Int("trial", name.Index),
		attribute.String("stem", stem),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	perturb(chunk, base, noise)
	d.log.Debug("trial perturbed", "trial", name.Index, "stem", stem)

	rep, err := d.opt.Optimize(ctx, chunk, opts.Fit)
	if err != nil {
		return p, fmt.Errorf("optimize: %w", err)
	}
	span.SetAttributes(attribute.Float64("rms_px", rep.RMSReprojection))

	files, err := d.exportTrial(chunk, dir, name, offset, opts.Date)
	if err != nil {
		return p, err
	}
	var size int64
	for _, f := range files {
		size += export.FileSize(f)
	}
	d.log.Debug("trial exported", "trial", name.Index, "files", len(files), "bytes", size)
	return Progress{
		Trial:   name.Index,
		Stem:    stem,
		Files:   files,
		Bytes:   size,
		Report:  rep,
		Elapsed: time.Since(start),
	}, nil
}

// exportTrial writes the trial's artifacts and returns their paths.
func (d *Driver) exportTrial(chunk *project.Chunk, dir string, name TrialName, offset r3.Vec, date time.Time) ([]string, error) {
	var files []string
	gcPath := filepath.Join(dir, name.File(ControlSuffix))
	camsPath := filepath.Join(dir, name.File(CameraRefSuffix))

	if err := d.exportReferences(chunk, gcPath, camsPath); err != nil {
		legacy, ok := d.refs.(export.LegacyReferenceExporter)
		if !ok {
			return nil, fmt.Errorf("export references: %w", errors.Join(err, export.ErrLegacyUnsupported))
		}
		d.log.Warn("reference export failed, using legacy format", "path", gcPath, "error", err)
		if lerr := legacy.ExportReferenceLegacy(gcPath, chunk); lerr != nil {
			return nil, fmt.Errorf("export references (legacy): %w", errors.Join(err, lerr))
		}
		files = append(files, gcPath)
	} else {
		files = append(files, gcPath, camsPath)
	}

	camPath := filepath.Join(dir, name.File(CamerasSuffix))
	if err := export.WriteCameras(camPath, chunk); err != nil {
		return nil, fmt.Errorf("export cameras: %w", err)
	}
	files = append(files, camPath)

	for k, s := range chunk.Sensors {
		calPath := filepath.Join(dir, name.Calibration(k+1))
		if err := export.WriteCalibration(calPath, s, date); err != nil {
			return nil, fmt.Errorf("export calibration %q: %w", s.Label, err)
		}
		files = append(files, calPath)
	}

	plyPath := filepath.Join(dir, name.File(PointCloudSuffix))
	if _, err := export.WritePLY(plyPath, chunk, offset); err != nil {
		return nil, fmt.Errorf("export points: %w", err)
	}
	files = append(files, plyPath)
	return files, nil
}

func (d *Driver) exportReferences(chunk *project.Chunk, gcPath, camsPath string) error {
	if err := d.refs.ExportReference(gcPath, chunk, export.ReferenceMarkers); err != nil {
		return err
	}
	return d.refs.ExportReference(camsPath, chunk, export.ReferenceCameras)
}

func (d *Driver) path(opts Options, name string) string {
	return filepath.Join(opts.OutputDir, name)
}
