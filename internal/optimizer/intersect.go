package optimizer

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/project"
)

const (
	defaultMaxIterations = 10
	defaultTolerance     = 1e-8
	jacobianStep         = 1e-6
)

// Intersection re-estimates every valid tie point and every placed marker by
// Gauss-Newton forward intersection against the current camera poses and
// calibrations. Cameras and calibrations are never modified, so the fit
// selection is accepted but has no effect.
type Intersection struct {
	MaxIterations int
	Tolerance     float64
}

// NewIntersection returns an intersection optimizer with default limits.
func NewIntersection() *Intersection {
	return &Intersection{MaxIterations: defaultMaxIterations, Tolerance: defaultTolerance}
}

type observation struct {
	proj *project.Projector
	uv   r2.Vec
}

// Optimize implements Optimizer.
func (o *Intersection) Optimize(ctx context.Context, chunk *project.Chunk, _ FitParams) (Report, error) {
	start := time.Now()

	projectors := make(map[int]*project.Projector, len(chunk.Cameras))
	for _, cam := range chunk.Cameras {
		if cam.Transform == nil {
			continue
		}
		p, err := cam.Projector()
		if err != nil {
			return Report{}, fmt.Errorf("camera %q: %w", cam.Label, err)
		}
		projectors[cam.Key] = p
	}

	tracks := make(map[int][]observation)
	for _, cam := range chunk.Cameras {
		p, ok := projectors[cam.Key]
		if !ok {
			continue
		}
		for _, pr := range chunk.TiePoints.Projections[cam.Key] {
			tracks[pr.TrackID] = append(tracks[pr.TrackID], observation{proj: p, uv: pr.Coord})
		}
	}

	var rep Report
	var residuals []float64
	for i := range chunk.TiePoints.Points {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
		}
		pt := &chunk.TiePoints.Points[i]
		if !pt.Valid {
			continue
		}
		obs := tracks[pt.TrackID]
		if len(obs) < 2 {
			continue
		}
		x, iters := o.refine(pt.Coord, obs)
		if !project.IsFinite(x) {
			return rep, fmt.Errorf("track %d: %w", pt.TrackID, ErrNotConverged)
		}
		pt.Coord = x
		rep.PointsUpdated++
		rep.Iterations = max(rep.Iterations, iters)
		residuals = appendResiduals(residuals, x, obs)
	}

	for _, m := range chunk.Markers {
		if m.Position == nil {
			continue
		}
		var obs []observation
		for _, cam := range chunk.Cameras {
			uv, seen := m.Projections[cam.Key]
			p, aligned := projectors[cam.Key]
			if seen && aligned {
				obs = append(obs, observation{proj: p, uv: uv})
			}
		}
		if len(obs) < 2 {
			continue
		}
		x, iters := o.refine(*m.Position, obs)
		if !project.IsFinite(x) {
			return rep, fmt.Errorf("marker %q: %w", m.Label, ErrNotConverged)
		}
		m.Position = &x
		rep.MarkersUpdated++
		rep.Iterations = max(rep.Iterations, iters)
		residuals = appendResiduals(residuals, x, obs)
	}

	rep.Observations = len(residuals) / 2
	if len(residuals) > 0 {
		rep.RMSReprojection = floats.Norm(residuals, 2) / math.Sqrt(float64(rep.Observations))
	}
	rep.Duration = time.Since(start)
	return rep, nil
}

// refine runs Gauss-Newton on a single point with a forward-difference
// Jacobian of the full camera model.
func (o *Intersection) refine(x r3.Vec, obs []observation) (r3.Vec, int) {
	maxIter := o.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	normal := mat.NewSymDense(3, nil)
	rhs := mat.NewVecDense(3, nil)
	var chol mat.Cholesky
	var dx mat.VecDense

	iter := 0
	for iter < maxIter {
		iter++
		normal.Zero()
		rhs.Zero()
		used := 0

		for _, ob := range obs {
			uv, ok := ob.proj.Project(x)
			if !ok {
				continue
			}
			res := r2.Sub(ob.uv, uv)
			var jac [2][3]float64
			for k := 0; k < 3; k++ {
				xp := x
				switch k {
				case 0:
					xp.X += jacobianStep
				case 1:
					xp.Y += jacobianStep
				case 2:
					xp.Z += jacobianStep
				}
				uvp, _ := ob.proj.Project(xp)
				jac[0][k] = (uvp.X - uv.X) / jacobianStep
				jac[1][k] = (uvp.Y - uv.Y) / jacobianStep
			}
			for r := 0; r < 3; r++ {
				rhs.SetVec(r, rhs.AtVec(r)+jac[0][r]*res.X+jac[1][r]*res.Y)
				for c := r; c < 3; c++ {
					normal.SetSym(r, c, normal.At(r, c)+jac[0][r]*jac[0][c]+jac[1][r]*jac[1][c])
				}
			}
			used++
		}

		if used < 2 || !chol.Factorize(normal) {
			break
		}
		if err := chol.SolveVecTo(&dx, rhs); err != nil {
			break
		}
		step := r3.Vec{X: dx.AtVec(0), Y: dx.AtVec(1), Z: dx.AtVec(2)}
		x = r3.Add(x, step)
		if r3.Norm(step) < o.Tolerance {
			break
		}
	}
	return x, iter
}

func appendResiduals(dst []float64, x r3.Vec, obs []observation) []float64 {
	for _, ob := range obs {
		uv, ok := ob.proj.Project(x)
		if !ok {
			continue
		}
		dst = append(dst, ob.uv.X-uv.X, ob.uv.Y-uv.Y)
	}
	return dst
}
