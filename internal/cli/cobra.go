package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/config"
	"sfmprecision/internal/fsutil"
	"sfmprecision/internal/montecarlo"
	"sfmprecision/internal/optimizer"
	"sfmprecision/internal/pipeline"
	"sfmprecision/internal/storage"
	"sfmprecision/internal/watch"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sfmprecision",
		Short: "Monte Carlo precision estimates for bundle-adjusted photogrammetry projects",
		Long: `sfmprecision perturbs the observations and references of an aligned project
with Gaussian noise, re-runs the bundle adjustment and exports every trial
for offline precision statistics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newBridgeCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

func printer() *message.Printer {
	return message.NewPrinter(language.English)
}

// fitFlags binds one --fit-<name> flag per calibration parameter.
func fitFlags(fs *pflag.FlagSet, fit *optimizer.FitParams) {
	flags := []struct {
		name string
		dst  *bool
	}{
		{"f", &fit.F}, {"cx", &fit.CX}, {"cy", &fit.CY}, {"b1", &fit.B1}, {"b2", &fit.B2},
		{"k1", &fit.K1}, {"k2", &fit.K2}, {"k3", &fit.K3}, {"k4", &fit.K4},
		{"p1", &fit.P1}, {"p2", &fit.P2}, {"p3", &fit.P3}, {"p4", &fit.P4},
	}
	for _, fl := range flags {
		fs.BoolVar(fl.dst, "fit-"+fl.name, *fl.dst, "refine "+fl.name+" during adjustment")
	}
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		output string
		trials int
		seed   uint64
		offset []float64
		bridge string
		fit    optimizer.FitParams
	)
	defaults := root.cfg.Run
	fit = defaults.Fit

	cmd := &cobra.Command{
		Use:   "run <project.json>",
		Short: "Run a precision estimate on a project snapshot",
		Long: `Run the full estimation: initial adjustment, offset and reference exports,
then the requested number of perturbed trials. Interrupting the command
stops before the next trial; trials already written stay valid.

Examples:
  sfmprecision run project.json --output /data/pe --trials 1000
  sfmprecision run project.json --offset 266000,4702000,0 --fit-k4
  sfmprecision run project.json --bridge metashape-host:50051`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:          pipeline.NewID("mc"),
				ProjectPath: args[0],
				BridgeAddr:  bridge,
				Options: montecarlo.Options{
					OutputDir: output,
					Trials:    trials,
					Seed:      seed,
					Fit:       fit,
				},
			}
			switch len(offset) {
			case 0:
			case 3:
				job.Options.Offset = &r3.Vec{X: offset[0], Y: offset[1], Z: offset[2]}
			default:
				return fmt.Errorf("--offset needs 3 values, got %d", len(offset))
			}
			if err := job.Options.Validate(); err != nil {
				return err
			}
			if _, err := os.Stat(job.ProjectPath); err != nil {
				return fmt.Errorf("project: %w", err)
			}

			res := root.pipeline.Execute(cmd.Context(), job)
			printSummary(cmd.OutOrStdout(), job, res)
			return res.Error
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&output, "output", "o", defaults.OutputDir, "output directory")
	fs.IntVarP(&trials, "trials", "n", defaults.Trials, "number of Monte Carlo trials")
	fs.Uint64Var(&seed, "seed", defaults.Seed, "noise generator seed")
	fs.Float64SliceVar(&offset, "offset", defaults.Offset, "fixed export offset x,y,z (default: rounded cloud mean)")
	fs.StringVar(&bridge, "bridge", defaults.BridgeAddr, "optimizer bridge address (default: local optimizer)")
	fitFlags(fs, &fit)
	return cmd
}

func printSummary(w io.Writer, job pipeline.Job, res pipeline.Result) {
	p := printer()
	s := res.Summary
	p.Fprintf(w, "Run %s\n", job.ID)
	p.Fprintf(w, "  Trials:           %d of %d\n", s.Trials, job.Options.Trials)
	p.Fprintf(w, "  Active markers:   %d\n", s.ActiveMarkers)
	p.Fprintf(w, "  Reference points: %d\n", s.ReferencePoints)
	p.Fprintf(w, "  Observations:     %d\n", s.Observations)
	p.Fprintf(w, "  Offset:           %.0f %.0f %.0f\n", s.Offset.X, s.Offset.Y, s.Offset.Z)
	p.Fprintf(w, "  Initial RMS:      %.4f px\n", s.Initial.RMSReprojection)
	p.Fprintf(w, "  Duration:         %s\n", s.Duration.Round(time.Millisecond))
	if res.Error != nil {
		p.Fprintf(w, "  Error:            %v\n", res.Error)
		return
	}
	if size, err := fsutil.DirSize(s.OutputDir); err == nil {
		p.Fprintf(w, "  Output:           %s (%s)\n", s.OutputDir, humanize.Bytes(uint64(size)))
	}
}

func newBridgeCmd(root *Root) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve the local optimizer over gRPC",
		Long: `Serve the local intersection optimizer to remote estimators. Runs started
with --bridge send every adjustment here.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting optimizer bridge", "addr", addr)
			return root.bridgeFn(cmd.Context(), addr, root.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.BridgeAddr, "listen address")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and run queue",
		Long: `Start an HTTP server that queues estimation runs and reports their progress.

Endpoints:
  GET  /healthz
  GET  /runs, POST /runs
  GET  /runs/{id}, /runs/{id}/trials
  GET  /stream (server-sent events), /ws (websocket)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addr)
			return root.serveFn(cmd.Context(), addr, root.cfg.Run, root.store, root.pipeline, root.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "listen address")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <output_dir>",
		Short: "Report trials as their files are completed",
		Long: `Follow an output directory written by a run, possibly on another machine,
and print every trial once its file set is complete. Exits when all trials
recorded in the active control file are present.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outDir := args[0]
			trialDir := fsutil.FirstExisting(filepath.Join(outDir, montecarlo.TrialDir), outDir)
			if trialDir == "" {
				return fmt.Errorf("output directory %s does not exist", outDir)
			}
			total, err := countLines(filepath.Join(outDir, montecarlo.ActiveControlFile))
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			// A run that has not reached its first trial yet.
			if trialDir == outDir && total > 0 {
				trialDir = filepath.Join(outDir, montecarlo.TrialDir)
				if err := os.MkdirAll(trialDir, 0o755); err != nil {
					return err
				}
			}

			w, err := watch.New(trialDir, root.log)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()

			p := printer()
			out := cmd.OutOrStdout()
			done := 0
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case ev, ok := <-w.Events:
					if !ok {
						return nil
					}
					done++
					if total > 0 {
						p.Fprintf(out, "trial %d/%d %s (%d files)\n", ev.Trial, total, ev.Stem, len(ev.Files))
					} else {
						p.Fprintf(out, "trial %d %s (%d files)\n", ev.Trial, ev.Stem, len(ev.Files))
					}
					if total > 0 && done >= total {
						return nil
					}
				}
			}
		},
	}
	return cmd
}

// countLines returns the number of lines in path.
func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			p := printer()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tTRIALS\tCREATED\tOUTPUT")
			for _, rec := range recs {
				size := "-"
				if n, err := fsutil.DirSize(rec.OutputDir); err == nil && rec.OutputDir != "" {
					size = humanize.Bytes(uint64(n))
				}
				p.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
					rec.ID, rec.Status, rec.CompletedTrials, rec.Trials, humanize.Time(rec.CreatedAt), size)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("sfmprecision v%s (%s)\n", version, runtime.Version())
		},
	}
}
