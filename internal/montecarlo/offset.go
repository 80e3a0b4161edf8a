package montecarlo

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"sfmprecision/internal/project"
)

// ErrNoValidPoints is returned when an offset is requested for a cloud
// without a single valid point.
var ErrNoValidPoints = errors.New("no valid tie points")

// ComputeOffset returns the local origin subtracted from exported points:
// the mean valid point, mapped to the world frame and projected into the
// chunk CRS, with each axis rounded to the nearest hundred.
func ComputeOffset(chunk *project.Chunk) (r3.Vec, error) {
	n := chunk.ValidPoints()
	if n == 0 {
		return r3.Vec{}, ErrNoValidPoints
	}
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	zs := make([]float64, 0, n)
	for _, p := range chunk.TiePoints.Points {
		if !p.Valid {
			continue
		}
		xs = append(xs, p.Coord.X)
		ys = append(ys, p.Coord.Y)
		zs = append(zs, p.Coord.Z)
	}
	mean := r3.Vec{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil), Z: stat.Mean(zs, nil)}

	world := chunk.ToWorld(mean)
	if chunk.CRS != nil {
		world = chunk.CRS.Project(world)
	}
	return r3.Vec{X: roundHundred(world.X), Y: roundHundred(world.Y), Z: roundHundred(world.Z)}, nil
}

func roundHundred(v float64) float64 {
	return math.Round(v/100) * 100
}
