package montecarlo

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/export"
	"sfmprecision/internal/project"
	"sfmprecision/internal/trackmatch"
)

// ErrUnsortedTracks is returned when tie points or a camera's projections
// are not ordered by track id.
var ErrUnsortedTracks = errors.New("tie points not sorted by track id")

// ObservationDistances lists, for every valid tie-point observation, the
// distance from the observing camera to the point and the ground size of a
// pixel at that distance. Camera indices are 1-based over all cameras, so
// unaligned cameras leave gaps.
func ObservationDistances(chunk *project.Chunk) ([]export.DistanceRow, error) {
	var rows []export.DistanceRow
	points := chunk.TiePoints.Points
	if !trackmatch.Sorted(points, pointTrack) {
		return nil, ErrUnsortedTracks
	}
	for idx, cam := range chunk.Cameras {
		if cam.Transform == nil || cam.Sensor == nil {
			continue
		}
		centre, err := cam.Center()
		if err != nil {
			continue
		}
		centre = chunk.ToWorld(centre)
		f := cam.Sensor.Calibration.F

		projs := chunk.TiePoints.Projections[cam.Key]
		if !trackmatch.Sorted(projs, projectionTrack) {
			return nil, fmt.Errorf("camera %q: %w", cam.Label, ErrUnsortedTracks)
		}
		for _, j := range trackmatch.Pairs(projs, points, projectionTrack, pointTrack) {
			if !points[j].Valid {
				continue
			}
			d := r3.Norm(r3.Sub(centre, chunk.ToWorld(points[j].Coord)))
			rows = append(rows, export.DistanceRow{Camera: idx + 1, PixelSize: d / f, Distance: d})
		}
	}
	return rows, nil
}

func projectionTrack(p project.Projection) int { return p.TrackID }

func pointTrack(p project.Point) int { return p.TrackID }
