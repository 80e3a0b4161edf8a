package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/optimizer"
)

const (
	defaultConfigPath = "~/.config/sfmprecision/config.json"
	defaultTrials     = 4000
	envPrefix         = "SFMPRECISION_"
)

// Config holds user-editable settings for the estimator.
type Config struct {
	Run       Run       `json:"run" envPrefix:"RUN_"`
	Logging   Logging   `json:"logging" envPrefix:"LOG_"`
	Paths     Paths     `json:"paths" envPrefix:"PATHS_"`
	Server    Server    `json:"server" envPrefix:"SERVER_"`
	Telemetry Telemetry `json:"telemetry" envPrefix:"OTEL_"`
}

// Run fixes the parameters of an estimation before it starts.
type Run struct {
	OutputDir  string              `json:"output_dir" env:"OUTPUT_DIR"`
	Trials     int                 `json:"trials" env:"TRIALS"`
	Seed       uint64              `json:"seed" env:"SEED"`
	Offset     []float64           `json:"offset,omitempty" env:"OFFSET"` // empty computes it from the cloud
	BridgeAddr string              `json:"bridge_addr" env:"BRIDGE_ADDR"` // empty uses the local optimizer
	Fit        optimizer.FitParams `json:"fit"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" env:"LEVEL"`             // debug, info, warn, error
	Format     string `json:"format" env:"FORMAT"`           // text, json
	FileOutput bool   `json:"file_output" env:"FILE_OUTPUT"` // Enable file logging
	LogDir     string `json:"log_dir" env:"DIR"`             // Directory for log files
}

// Paths configures persistent locations.
type Paths struct {
	DatabasePath string `json:"database_path" env:"DATABASE"`
}

// Server configures the HTTP API and the optimizer bridge listener.
type Server struct {
	Addr       string `json:"addr" env:"ADDR"`
	BridgeAddr string `json:"bridge_addr" env:"BRIDGE_ADDR"`
}

// Telemetry configures OTLP trace export. An empty endpoint disables it.
type Telemetry struct {
	Endpoint    string `json:"endpoint" env:"ENDPOINT"`
	ServiceName string `json:"service_name" env:"SERVICE_NAME"`
}

// Load reads configuration from disk, falling back to sensible defaults,
// then applies SFMPRECISION_* environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv(envPrefix + "CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		defer f.Close()
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", expanded, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration. The HTTP server listens on
// loopback only.
func Default() *Config {
	return &Config{
		Run: Run{
			OutputDir: "./precision_estimates",
			Trials:    defaultTrials,
			Seed:      1,
			Fit:       optimizer.DefaultFit(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "sfmprecision.db"),
		},
		Server: Server{
			Addr:       "127.0.0.1:8080",
			BridgeAddr: ":50051",
		},
		Telemetry: Telemetry{
			ServiceName: "sfmprecision",
		},
	}
}

// Validate reports configuration that cannot start a run.
func (c *Config) Validate() error {
	var errs []error
	if c.Run.OutputDir == "" {
		errs = append(errs, errors.New("run.output_dir is required"))
	}
	if c.Run.Trials < 1 {
		errs = append(errs, fmt.Errorf("run.trials must be at least 1, got %d", c.Run.Trials))
	}
	if n := len(c.Run.Offset); n != 0 && n != 3 {
		errs = append(errs, fmt.Errorf("run.offset needs 3 values, got %d", n))
	}
	return errors.Join(errs...)
}

// OffsetVec returns the configured offset, or nil when it should be
// computed.
func (r Run) OffsetVec() *r3.Vec {
	if len(r.Offset) != 3 {
		return nil
	}
	return &r3.Vec{X: r.Offset[0], Y: r.Offset[1], Z: r.Offset[2]}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
