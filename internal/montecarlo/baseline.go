package montecarlo

import (
	"fmt"

	"sfmprecision/internal/project"
	"sfmprecision/internal/trackmatch"
)

// Baseline is the zero-error state every trial starts from: a deep copy of
// the adjusted chunk whose marker references and image observations are
// replaced by their best-fit values. It is never modified after
// construction.
type Baseline struct {
	chunk *project.Chunk
	valid map[int]bool // track id -> point validity
}

// NewBaseline snapshots live. Markers without an estimated position and
// cameras without a transform keep their original values.
func NewBaseline(live *project.Chunk) (*Baseline, error) {
	c := live.Copy()
	crs := c.EnsureCRS()

	for _, m := range c.Markers {
		if m.Position == nil {
			continue
		}
		loc := crs.Project(c.ToWorld(*m.Position))
		m.Reference.Location = &loc
	}

	points := c.TiePoints.Points
	if !trackmatch.Sorted(points, pointTrack) {
		return nil, ErrUnsortedTracks
	}
	for _, cam := range c.Cameras {
		if cam.Transform == nil {
			continue
		}
		proj, err := cam.Projector()
		if err != nil {
			return nil, fmt.Errorf("baseline camera %q: %w", cam.Label, err)
		}

		projs := c.TiePoints.Projections[cam.Key]
		if !trackmatch.Sorted(projs, projectionTrack) {
			return nil, fmt.Errorf("baseline camera %q: %w", cam.Label, ErrUnsortedTracks)
		}
		for i, j := range trackmatch.Pairs(projs, points, projectionTrack, pointTrack) {
			if !points[j].Valid {
				continue
			}
			if uv, ok := proj.Project(points[j].Coord); ok {
				projs[i].Coord = uv
			}
		}

		// Marker observations come from the live positions.
		for k, m := range c.Markers {
			if _, seen := m.Projections[cam.Key]; !seen {
				continue
			}
			pos := live.Markers[k].Position
			if pos == nil {
				continue
			}
			if uv, ok := proj.Project(*pos); ok {
				m.Projections[cam.Key] = uv
			}
		}
	}

	valid := make(map[int]bool, len(points))
	for _, p := range points {
		valid[p.TrackID] = p.Valid
	}
	return &Baseline{chunk: c, valid: valid}, nil
}

// Chunk exposes the baseline state. Callers must treat it as read-only.
func (b *Baseline) Chunk() *project.Chunk {
	return b.chunk
}

// Copy returns an independent, mutable copy of the baseline.
func (b *Baseline) Copy() *project.Chunk {
	return b.chunk.Copy()
}

// ValidTrack reports whether the track is a valid point in the baseline.
func (b *Baseline) ValidTrack(id int) bool {
	return b.valid[id]
}
