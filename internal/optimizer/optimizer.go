// Package optimizer defines the bundle-adjustment capability the estimator
// drives, plus a local stand-in that re-intersects points with fixed
// cameras.
package optimizer

import (
	"context"
	"errors"
	"time"

	"sfmprecision/internal/project"
)

// ErrNotConverged is returned when an adjustment produces non-finite
// estimates.
var ErrNotConverged = errors.New("adjustment did not converge")

// FitParams selects which calibration parameters the adjustment may refine.
type FitParams struct {
	F  bool `json:"fit_f" env:"FIT_F"`
	CX bool `json:"fit_cx" env:"FIT_CX"`
	CY bool `json:"fit_cy" env:"FIT_CY"`
	B1 bool `json:"fit_b1" env:"FIT_B1"`
	B2 bool `json:"fit_b2" env:"FIT_B2"`
	K1 bool `json:"fit_k1" env:"FIT_K1"`
	K2 bool `json:"fit_k2" env:"FIT_K2"`
	K3 bool `json:"fit_k3" env:"FIT_K3"`
	K4 bool `json:"fit_k4" env:"FIT_K4"`
	P1 bool `json:"fit_p1" env:"FIT_P1"`
	P2 bool `json:"fit_p2" env:"FIT_P2"`
	P3 bool `json:"fit_p3" env:"FIT_P3"`
	P4 bool `json:"fit_p4" env:"FIT_P4"`
}

// DefaultFit refines everything except k4, p3 and p4.
func DefaultFit() FitParams {
	return FitParams{
		F: true, CX: true, CY: true, B1: true, B2: true,
		K1: true, K2: true, K3: true,
		P1: true, P2: true,
	}
}

// FixedFit holds the whole camera model fixed.
func FixedFit() FitParams {
	return FitParams{}
}

// Enabled lists the names of the parameters selected for refinement.
func (f FitParams) Enabled() []string {
	flags := []struct {
		name string
		on   bool
	}{
		{"f", f.F}, {"cx", f.CX}, {"cy", f.CY}, {"b1", f.B1}, {"b2", f.B2},
		{"k1", f.K1}, {"k2", f.K2}, {"k3", f.K3}, {"k4", f.K4},
		{"p1", f.P1}, {"p2", f.P2}, {"p3", f.P3}, {"p4", f.P4},
	}
	var out []string
	for _, fl := range flags {
		if fl.on {
			out = append(out, fl.name)
		}
	}
	return out
}

// Report summarises one adjustment.
type Report struct {
	Iterations      int           `json:"iterations"`
	Observations    int           `json:"observations"`
	PointsUpdated   int           `json:"points_updated"`
	MarkersUpdated  int           `json:"markers_updated"`
	RMSReprojection float64       `json:"rms_reprojection"`
	Duration        time.Duration `json:"duration"`
}

// Optimizer refines the estimated state of a chunk in place from its current
// observations and references.
type Optimizer interface {
	Optimize(ctx context.Context, chunk *project.Chunk, fit FitParams) (Report, error)
}

// Func adapts a function to the Optimizer interface.
type Func func(ctx context.Context, chunk *project.Chunk, fit FitParams) (Report, error)

func (f Func) Optimize(ctx context.Context, chunk *project.Chunk, fit FitParams) (Report, error) {
	return f(ctx, chunk, fit)
}
