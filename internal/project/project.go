package project

import (
	"errors"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrNoTransform is returned for operations that need a camera pose the
	// camera does not have (unaligned cameras).
	ErrNoTransform = errors.New("camera has no transform")
	// ErrShapeMismatch is returned when two chunks that should describe the
	// same project differ in their entity counts.
	ErrShapeMismatch = errors.New("chunk shape mismatch")
)

// Chunk is a single reconstruction workspace: cameras, sensors, markers,
// scalebars and the tie-point cloud, plus the transform from internal chunk
// coordinates to the world frame.
type Chunk struct {
	Label     string
	CRS       *CoordinateSystem
	Transform *Transform // internal -> world, nil means identity
	Accuracy  Accuracy
	Sensors   []*Sensor
	Cameras   []*Camera
	Markers   []*Marker
	Scalebars []*Scalebar
	TiePoints TiePoints
}

// Accuracy holds the chunk-wide default accuracies used when an item has no
// accuracy of its own.
type Accuracy struct {
	CameraLocation   r3.Vec  // metres, per axis
	MarkerLocation   r3.Vec  // metres, per axis
	MarkerProjection float64 // pixels
	TiePoint         float64 // pixels
	Scalebar         float64 // metres
}

// Calibration is a frame camera model: focal length, principal point offset,
// affinity/skew, radial (k1-k4) and tangential (p1-p4) distortion.
type Calibration struct {
	F, CX, CY      float64
	B1, B2         float64
	K1, K2, K3, K4 float64
	P1, P2, P3, P4 float64
}

// Sensor groups cameras sharing one calibration.
type Sensor struct {
	ID          int
	Label       string
	Width       int
	Height      int
	Calibration Calibration
}

// Reference is a measured location with an optional per-axis accuracy.
type Reference struct {
	Location *r3.Vec
	Accuracy *r3.Vec
	Enabled  bool
}

// Camera is a single photo. Transform maps camera coordinates to internal
// chunk coordinates and is nil for cameras that were not aligned.
type Camera struct {
	Key       int
	Label     string
	Sensor    *Sensor
	Transform *Transform
	Reference Reference
}

// Marker is a ground control point or check point. Position is the estimated
// location in internal chunk coordinates, nil when not yet estimated.
type Marker struct {
	Key         int
	Label       string
	Position    *r3.Vec
	Reference   Reference
	Projections map[int]r2.Vec // camera key -> pixel coordinate
}

// ScalebarReference is a measured distance between two markers.
type ScalebarReference struct {
	Distance *float64
	Accuracy *float64
	Enabled  bool
}

// Scalebar links two markers by a known distance.
type Scalebar struct {
	Key       int
	Label     string
	Point0    int // marker key
	Point1    int // marker key
	Reference ScalebarReference
}

// Point is a reconstructed tie point in internal chunk coordinates.
type Point struct {
	TrackID int
	Coord   r3.Vec
	Valid   bool
}

// Projection is the observation of a track on one camera.
type Projection struct {
	TrackID int
	Coord   r2.Vec
}

// TiePoints is the sparse cloud. Points are ordered by track id, and so is
// every per-camera projection slice.
type TiePoints struct {
	Points      []Point
	Projections map[int][]Projection // camera key -> projections
}

// ToWorld maps an internal chunk coordinate to the world frame.
func (c *Chunk) ToWorld(p r3.Vec) r3.Vec {
	if c.Transform == nil {
		return p
	}
	return c.Transform.MulPoint(p)
}

// ValidPoints returns the number of valid tie points.
func (c *Chunk) ValidPoints() int {
	n := 0
	for _, p := range c.TiePoints.Points {
		if p.Valid {
			n++
		}
	}
	return n
}

// ActiveMarkerFlags reports, in marker order, whether each marker is enabled
// as control in the adjustment.
func (c *Chunk) ActiveMarkerFlags() []bool {
	flags := make([]bool, len(c.Markers))
	for i, m := range c.Markers {
		flags[i] = m.Reference.Enabled
	}
	return flags
}

// Copy returns a deep, independent copy of the chunk.
func (c *Chunk) Copy() *Chunk {
	out := &Chunk{
		Label:     c.Label,
		CRS:       c.CRS,
		Transform: c.Transform.Copy(),
		Accuracy:  c.Accuracy,
	}

	sensors := make(map[*Sensor]*Sensor, len(c.Sensors))
	for _, s := range c.Sensors {
		cp := *s
		sensors[s] = &cp
		out.Sensors = append(out.Sensors, &cp)
	}

	for _, cam := range c.Cameras {
		out.Cameras = append(out.Cameras, &Camera{
			Key:       cam.Key,
			Label:     cam.Label,
			Sensor:    sensors[cam.Sensor],
			Transform: cam.Transform.Copy(),
			Reference: cam.Reference.copy(),
		})
	}

	for _, m := range c.Markers {
		cp := &Marker{
			Key:         m.Key,
			Label:       m.Label,
			Position:    copyVec(m.Position),
			Reference:   m.Reference.copy(),
			Projections: make(map[int]r2.Vec, len(m.Projections)),
		}
		for k, v := range m.Projections {
			cp.Projections[k] = v
		}
		out.Markers = append(out.Markers, cp)
	}

	for _, sb := range c.Scalebars {
		cp := *sb
		cp.Reference.Distance = copyFloat(sb.Reference.Distance)
		cp.Reference.Accuracy = copyFloat(sb.Reference.Accuracy)
		out.Scalebars = append(out.Scalebars, &cp)
	}

	out.TiePoints.Points = append([]Point(nil), c.TiePoints.Points...)
	out.TiePoints.Projections = make(map[int][]Projection, len(c.TiePoints.Projections))
	for k, projs := range c.TiePoints.Projections {
		out.TiePoints.Projections[k] = append([]Projection(nil), projs...)
	}
	return out
}

// ApplyAdjustment copies the estimated state of src (camera poses,
// calibrations, marker positions, tie point coordinates and validity) onto c.
// Reference values and observations of c are left untouched. Both chunks
// must describe the same project.
func (c *Chunk) ApplyAdjustment(src *Chunk) error {
	if len(c.Sensors) != len(src.Sensors) || len(c.Cameras) != len(src.Cameras) ||
		len(c.Markers) != len(src.Markers) || len(c.TiePoints.Points) != len(src.TiePoints.Points) {
		return ErrShapeMismatch
	}
	for i, s := range src.Sensors {
		c.Sensors[i].Calibration = s.Calibration
	}
	for i, cam := range src.Cameras {
		c.Cameras[i].Transform = cam.Transform.Copy()
	}
	for i, m := range src.Markers {
		c.Markers[i].Position = copyVec(m.Position)
	}
	for i, p := range src.TiePoints.Points {
		if c.TiePoints.Points[i].TrackID != p.TrackID {
			return ErrShapeMismatch
		}
		c.TiePoints.Points[i].Coord = p.Coord
		c.TiePoints.Points[i].Valid = p.Valid
	}
	c.Transform = src.Transform.Copy()
	return nil
}

func (r Reference) copy() Reference {
	return Reference{
		Location: copyVec(r.Location),
		Accuracy: copyVec(r.Accuracy),
		Enabled:  r.Enabled,
	}
}

func copyVec(v *r3.Vec) *r3.Vec {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
