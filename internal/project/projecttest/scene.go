// Package projecttest builds small synthetic survey blocks for tests: a row
// of nadir cameras above a gently undulating grid of tie points, with
// markers observed from every camera.
package projecttest

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/project"
)

// Options shapes the generated scene.
type Options struct {
	Cameras           int     // number of cameras along the strip
	ReferencedCameras int     // leading cameras carrying a reference position
	CameraAccuracy    float64 // per-camera accuracy; 0 leaves it unset
	Markers           int
	MarkerAccuracy    float64 // per-marker accuracy; 0 leaves it unset
	GridSize          int     // points per grid side
	InvalidEvery      int     // mark every n-th point invalid; 0 disables
	TrackStride       int     // spacing between consecutive track ids
	Unaligned         int     // trailing cameras without a transform
}

// DefaultOptions is the 3-camera, 1-marker block used across the test suite.
func DefaultOptions() Options {
	return Options{
		Cameras:           3,
		ReferencedCameras: 2,
		CameraAccuracy:    0.1,
		Markers:           1,
		GridSize:          6,
		InvalidEvery:      7,
		TrackStride:       3,
	}
}

// Scene builds a chunk whose observations are exact projections of its
// points, so every residual starts at zero.
func Scene(opts Options) *project.Chunk {
	if opts.TrackStride < 1 {
		opts.TrackStride = 1
	}
	if opts.GridSize < 2 {
		opts.GridSize = 2
	}

	crs := project.LocalCoordinateSystem()
	chunk := &project.Chunk{
		Label:     "Chunk 1",
		CRS:       crs,
		Transform: project.Translation(r3.Vec{X: 266000, Y: 4702000, Z: 100}),
		Accuracy: project.Accuracy{
			CameraLocation:   r3.Vec{X: 10, Y: 10, Z: 10},
			MarkerLocation:   r3.Vec{X: 0.005, Y: 0.005, Z: 0.005},
			MarkerProjection: 0.5,
			TiePoint:         1.0,
			Scalebar:         0.001,
		},
		TiePoints: project.TiePoints{Projections: map[int][]project.Projection{}},
	}

	sensor := &project.Sensor{
		ID:     0,
		Label:  "FC6310 (8.8mm)",
		Width:  1000,
		Height: 800,
		Calibration: project.Calibration{
			F: 1000, CX: 2.5, CY: -1.5, K1: -0.01, K2: 0.002, P1: 0.0001, P2: -0.0002,
		},
	}
	chunk.Sensors = []*project.Sensor{sensor}

	for i := 0; i < opts.Cameras; i++ {
		centre := r3.Vec{X: float64(i)*8 - float64(opts.Cameras-1)*4, Y: 0, Z: 60}
		cam := &project.Camera{
			Key:    i,
			Label:  "DJI_" + pad(i+1),
			Sensor: sensor,
		}
		if i < opts.Cameras-opts.Unaligned {
			cam.Transform = nadir(centre)
		}
		if i < opts.ReferencedCameras {
			world := chunk.ToWorld(centre)
			cam.Reference.Location = &world
			cam.Reference.Enabled = true
			if opts.CameraAccuracy > 0 {
				acc := r3.Vec{X: opts.CameraAccuracy, Y: opts.CameraAccuracy, Z: opts.CameraAccuracy}
				cam.Reference.Accuracy = &acc
			}
		}
		chunk.Cameras = append(chunk.Cameras, cam)
	}

	n := opts.GridSize
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			idx := row*n + col
			x := -15 + 30*float64(col)/float64(n-1)
			y := -15 + 30*float64(row)/float64(n-1)
			z := 2 * math.Sin(x/7) * math.Cos(y/9)
			valid := opts.InvalidEvery == 0 || (idx+1)%opts.InvalidEvery != 0
			chunk.TiePoints.Points = append(chunk.TiePoints.Points, project.Point{
				TrackID: idx * opts.TrackStride,
				Coord:   r3.Vec{X: x, Y: y, Z: z},
				Valid:   valid,
			})
		}
	}

	for _, cam := range chunk.Cameras {
		if cam.Transform == nil {
			continue
		}
		proj, _ := cam.Projector()
		for _, pt := range chunk.TiePoints.Points {
			uv, ok := proj.Project(pt.Coord)
			if !ok || !inside(uv, sensor) {
				continue
			}
			chunk.TiePoints.Projections[cam.Key] = append(chunk.TiePoints.Projections[cam.Key], project.Projection{
				TrackID: pt.TrackID,
				Coord:   uv,
			})
		}
	}

	for i := 0; i < opts.Markers; i++ {
		pos := r3.Vec{X: -6 + 12*float64(i), Y: 3 - 2*float64(i), Z: 0.5}
		world := chunk.ToWorld(pos)
		m := &project.Marker{
			Key:         i,
			Label:       "GCP" + pad(i+1),
			Position:    &pos,
			Reference:   project.Reference{Location: &world, Enabled: true},
			Projections: map[int]r2.Vec{},
		}
		if opts.MarkerAccuracy > 0 {
			acc := r3.Vec{X: opts.MarkerAccuracy, Y: opts.MarkerAccuracy, Z: opts.MarkerAccuracy}
			m.Reference.Accuracy = &acc
		}
		for _, cam := range chunk.Cameras {
			if cam.Transform == nil {
				continue
			}
			proj, _ := cam.Projector()
			if uv, ok := proj.Project(pos); ok && inside(uv, sensor) {
				m.Projections[cam.Key] = uv
			}
		}
		chunk.Markers = append(chunk.Markers, m)
	}

	if opts.Markers >= 2 {
		d := r3.Norm(r3.Sub(*chunk.Markers[0].Position, *chunk.Markers[1].Position))
		chunk.Scalebars = append(chunk.Scalebars, &project.Scalebar{
			Key:       0,
			Label:     "GCP01_GCP02",
			Point0:    0,
			Point1:    1,
			Reference: project.ScalebarReference{Distance: &d, Enabled: true},
		})
	}
	return chunk
}

// nadir returns a camera looking straight down from centre, image x along
// +X and image y along -Y.
func nadir(centre r3.Vec) *project.Transform {
	return &project.Transform{
		1, 0, 0, centre.X,
		0, -1, 0, centre.Y,
		0, 0, -1, centre.Z,
		0, 0, 0, 1,
	}
}

func inside(uv r2.Vec, s *project.Sensor) bool {
	return uv.X >= 0 && uv.Y >= 0 && uv.X < float64(s.Width) && uv.Y < float64(s.Height)
}

func pad(i int) string {
	return fmt.Sprintf("%02d", i)
}
