package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"sfmprecision/internal/config"
)

// Setup builds the process logger: traditional "[LEVEL] msg [k=v]" lines, or
// JSON when format is "json", written to stdout and, with file output
// enabled, to a dated file in the log directory. The returned closer
// releases the log file.
func Setup(cfg config.Logging, stdout io.Writer) (*slog.Logger, func() error, error) {
	level := parseLevel(cfg.Level)
	closer := func() error { return nil }

	writers := []io.Writer{stdout}
	if cfg.FileOutput {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, closer, fmt.Errorf("create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.LogDir, fmt.Sprintf("sfmprecision-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, closer, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)
		closer = file.Close

		// Point the current-log symlink at today's file
		currentLogPath := filepath.Join(cfg.LogDir, "sfmprecision-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}
	out := io.MultiWriter(writers...)

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = &TraditionalHandler{logger: log.New(out, "", log.LstdFlags), level: level}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Debug("logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"file_output", cfg.FileOutput,
		"log_dir", cfg.LogDir,
	)
	return logger, closer, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

// WithGroup is not supported; group names are dropped.
func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogRunStart logs the beginning of an estimation run
func LogRunStart(logger *slog.Logger, runID string, projectPath, outputDir string, trials int, fit []string) {
	logger.Info("run started",
		"id", runID,
		"project", projectPath,
		"output", outputDir,
		"trials", trials,
		"fit", strings.Join(fit, ","),
	)
}

// LogRunComplete logs a successful run together with the size of its output
func LogRunComplete(logger *slog.Logger, runID string, trials int, duration time.Duration, outputBytes int64) {
	logger.Info("run completed successfully",
		"id", runID,
		"trials", trials,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"output_size", humanize.Bytes(uint64(max(outputBytes, 0))),
	)
}

// LogRunError logs run failures
func LogRunError(logger *slog.Logger, runID string, completed int, duration time.Duration, err error) {
	logger.Error("run failed",
		"id", runID,
		"completed_trials", completed,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogTrialStep logs a finished trial
func LogTrialStep(logger *slog.Logger, runID string, trial, trials int, stem string, rms float64, elapsed time.Duration) {
	logger.Info("trial complete",
		"run_id", runID,
		"trial", fmt.Sprintf("%d/%d", trial, trials),
		"stem", stem,
		"rms_px", fmt.Sprintf("%.4f", rms),
		"elapsed", elapsed.Round(time.Millisecond),
	)
}
