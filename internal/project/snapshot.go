package project

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Snapshot is the on-disk JSON form of a chunk as written by the host.
type Snapshot struct {
	Label     string             `json:"label"`
	CRS       string             `json:"crs,omitempty"`
	Transform *[16]float64       `json:"transform,omitempty"`
	Accuracy  AccuracySnapshot   `json:"accuracy"`
	Sensors   []SensorSnapshot   `json:"sensors"`
	Cameras   []CameraSnapshot   `json:"cameras"`
	Markers   []MarkerSnapshot   `json:"markers"`
	Scalebars []ScalebarSnapshot `json:"scalebars,omitempty"`
	TiePoints TiePointsSnapshot  `json:"tie_points"`
}

type AccuracySnapshot struct {
	CameraLocation   [3]float64 `json:"camera_location"`
	MarkerLocation   [3]float64 `json:"marker_location"`
	MarkerProjection float64    `json:"marker_projection"`
	TiePoint         float64    `json:"tie_point"`
	Scalebar         float64    `json:"scalebar"`
}

type CalibrationSnapshot struct {
	F  float64 `json:"f"`
	CX float64 `json:"cx"`
	CY float64 `json:"cy"`
	B1 float64 `json:"b1,omitempty"`
	B2 float64 `json:"b2,omitempty"`
	K1 float64 `json:"k1,omitempty"`
	K2 float64 `json:"k2,omitempty"`
	K3 float64 `json:"k3,omitempty"`
	K4 float64 `json:"k4,omitempty"`
	P1 float64 `json:"p1,omitempty"`
	P2 float64 `json:"p2,omitempty"`
	P3 float64 `json:"p3,omitempty"`
	P4 float64 `json:"p4,omitempty"`
}

type SensorSnapshot struct {
	ID          int                 `json:"id"`
	Label       string              `json:"label"`
	Width       int                 `json:"width"`
	Height      int                 `json:"height"`
	Calibration CalibrationSnapshot `json:"calibration"`
}

type ReferenceSnapshot struct {
	Location *[3]float64 `json:"location,omitempty"`
	Accuracy *[3]float64 `json:"accuracy,omitempty"`
	Enabled  bool        `json:"enabled"`
}

type CameraSnapshot struct {
	Key       int               `json:"key"`
	Label     string            `json:"label"`
	SensorID  int               `json:"sensor_id"`
	Transform *[16]float64      `json:"transform,omitempty"`
	Reference ReferenceSnapshot `json:"reference"`
}

type MarkerSnapshot struct {
	Key         int                   `json:"key"`
	Label       string                `json:"label"`
	Position    *[3]float64           `json:"position,omitempty"`
	Reference   ReferenceSnapshot     `json:"reference"`
	Projections map[string][2]float64 `json:"projections,omitempty"` // camera key -> pixel
}

type ScalebarSnapshot struct {
	Key      int      `json:"key"`
	Label    string   `json:"label"`
	Point0   int      `json:"point0"`
	Point1   int      `json:"point1"`
	Distance *float64 `json:"distance,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Enabled  bool     `json:"enabled"`
}

type PointSnapshot struct {
	TrackID int        `json:"track_id"`
	Coord   [3]float64 `json:"coord"`
	Valid   bool       `json:"valid"`
}

type ProjectionSnapshot struct {
	TrackID int        `json:"track_id"`
	Coord   [2]float64 `json:"coord"`
}

type TiePointsSnapshot struct {
	Points      []PointSnapshot                 `json:"points"`
	Projections map[string][]ProjectionSnapshot `json:"projections"` // camera key -> projections
}

// Load reads a chunk snapshot from a JSON file.
func Load(path string) (*Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	chunk, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return chunk, nil
}

// Decode reads a chunk snapshot from r.
func Decode(r io.Reader) (*Chunk, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, err
	}
	return FromSnapshot(&snap)
}

// Save writes the chunk as an indented JSON snapshot.
func Save(path string, c *Chunk) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ToSnapshot(c)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// FromSnapshot builds the in-memory model. Tie points and projections are
// sorted by track id.
func FromSnapshot(snap *Snapshot) (*Chunk, error) {
	c := &Chunk{
		Label: snap.Label,
		Accuracy: Accuracy{
			CameraLocation:   vec3(snap.Accuracy.CameraLocation),
			MarkerLocation:   vec3(snap.Accuracy.MarkerLocation),
			MarkerProjection: snap.Accuracy.MarkerProjection,
			TiePoint:         snap.Accuracy.TiePoint,
			Scalebar:         snap.Accuracy.Scalebar,
		},
	}
	if snap.CRS != "" {
		crs, err := NewCoordinateSystem(snap.CRS)
		if err != nil {
			return nil, err
		}
		c.CRS = crs
	}
	if snap.Transform != nil {
		t := Transform(*snap.Transform)
		c.Transform = &t
	}

	sensors := make(map[int]*Sensor, len(snap.Sensors))
	for _, s := range snap.Sensors {
		sensor := &Sensor{
			ID:     s.ID,
			Label:  s.Label,
			Width:  s.Width,
			Height: s.Height,
			Calibration: Calibration{
				F: s.Calibration.F, CX: s.Calibration.CX, CY: s.Calibration.CY,
				B1: s.Calibration.B1, B2: s.Calibration.B2,
				K1: s.Calibration.K1, K2: s.Calibration.K2, K3: s.Calibration.K3, K4: s.Calibration.K4,
				P1: s.Calibration.P1, P2: s.Calibration.P2, P3: s.Calibration.P3, P4: s.Calibration.P4,
			},
		}
		sensors[s.ID] = sensor
		c.Sensors = append(c.Sensors, sensor)
	}

	cameraKeys := make(map[int]bool, len(snap.Cameras))
	for _, cs := range snap.Cameras {
		sensor, ok := sensors[cs.SensorID]
		if !ok {
			return nil, fmt.Errorf("camera %q references unknown sensor %d", cs.Label, cs.SensorID)
		}
		cam := &Camera{Key: cs.Key, Label: cs.Label, Sensor: sensor, Reference: reference(cs.Reference)}
		if cs.Transform != nil {
			t := Transform(*cs.Transform)
			cam.Transform = &t
		}
		cameraKeys[cs.Key] = true
		c.Cameras = append(c.Cameras, cam)
	}

	for _, ms := range snap.Markers {
		m := &Marker{
			Key:         ms.Key,
			Label:       ms.Label,
			Reference:   reference(ms.Reference),
			Projections: make(map[int]r2.Vec, len(ms.Projections)),
		}
		if ms.Position != nil {
			p := vec3(*ms.Position)
			m.Position = &p
		}
		for key, uv := range ms.Projections {
			camKey, err := parseCameraKey(key, cameraKeys)
			if err != nil {
				return nil, fmt.Errorf("marker %q: %w", ms.Label, err)
			}
			m.Projections[camKey] = r2.Vec{X: uv[0], Y: uv[1]}
		}
		c.Markers = append(c.Markers, m)
	}

	for _, ss := range snap.Scalebars {
		c.Scalebars = append(c.Scalebars, &Scalebar{
			Key:    ss.Key,
			Label:  ss.Label,
			Point0: ss.Point0,
			Point1: ss.Point1,
			Reference: ScalebarReference{
				Distance: copyFloat(ss.Distance),
				Accuracy: copyFloat(ss.Accuracy),
				Enabled:  ss.Enabled,
			},
		})
	}

	for _, ps := range snap.TiePoints.Points {
		c.TiePoints.Points = append(c.TiePoints.Points, Point{TrackID: ps.TrackID, Coord: vec3(ps.Coord), Valid: ps.Valid})
	}
	sort.SliceStable(c.TiePoints.Points, func(i, j int) bool {
		return c.TiePoints.Points[i].TrackID < c.TiePoints.Points[j].TrackID
	})

	c.TiePoints.Projections = make(map[int][]Projection, len(snap.TiePoints.Projections))
	for key, projs := range snap.TiePoints.Projections {
		camKey, err := parseCameraKey(key, cameraKeys)
		if err != nil {
			return nil, fmt.Errorf("tie points: %w", err)
		}
		out := make([]Projection, 0, len(projs))
		for _, p := range projs {
			out = append(out, Projection{TrackID: p.TrackID, Coord: r2.Vec{X: p.Coord[0], Y: p.Coord[1]}})
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
		c.TiePoints.Projections[camKey] = out
	}
	return c, nil
}

// ToSnapshot converts the model back to its JSON form.
func ToSnapshot(c *Chunk) *Snapshot {
	snap := &Snapshot{
		Label: c.Label,
		Accuracy: AccuracySnapshot{
			CameraLocation:   arr3(c.Accuracy.CameraLocation),
			MarkerLocation:   arr3(c.Accuracy.MarkerLocation),
			MarkerProjection: c.Accuracy.MarkerProjection,
			TiePoint:         c.Accuracy.TiePoint,
			Scalebar:         c.Accuracy.Scalebar,
		},
	}
	if c.CRS != nil {
		snap.CRS = c.CRS.WKT
	}
	if c.Transform != nil {
		t := [16]float64(*c.Transform)
		snap.Transform = &t
	}
	for _, s := range c.Sensors {
		cal := s.Calibration
		snap.Sensors = append(snap.Sensors, SensorSnapshot{
			ID: s.ID, Label: s.Label, Width: s.Width, Height: s.Height,
			Calibration: CalibrationSnapshot{
				F: cal.F, CX: cal.CX, CY: cal.CY, B1: cal.B1, B2: cal.B2,
				K1: cal.K1, K2: cal.K2, K3: cal.K3, K4: cal.K4,
				P1: cal.P1, P2: cal.P2, P3: cal.P3, P4: cal.P4,
			},
		})
	}
	for _, cam := range c.Cameras {
		cs := CameraSnapshot{Key: cam.Key, Label: cam.Label, Reference: referenceSnapshot(cam.Reference)}
		if cam.Sensor != nil {
			cs.SensorID = cam.Sensor.ID
		}
		if cam.Transform != nil {
			t := [16]float64(*cam.Transform)
			cs.Transform = &t
		}
		snap.Cameras = append(snap.Cameras, cs)
	}
	for _, m := range c.Markers {
		ms := MarkerSnapshot{Key: m.Key, Label: m.Label, Reference: referenceSnapshot(m.Reference)}
		if m.Position != nil {
			p := arr3(*m.Position)
			ms.Position = &p
		}
		if len(m.Projections) > 0 {
			ms.Projections = make(map[string][2]float64, len(m.Projections))
			for k, uv := range m.Projections {
				ms.Projections[strconv.Itoa(k)] = [2]float64{uv.X, uv.Y}
			}
		}
		snap.Markers = append(snap.Markers, ms)
	}
	for _, sb := range c.Scalebars {
		snap.Scalebars = append(snap.Scalebars, ScalebarSnapshot{
			Key: sb.Key, Label: sb.Label, Point0: sb.Point0, Point1: sb.Point1,
			Distance: copyFloat(sb.Reference.Distance),
			Accuracy: copyFloat(sb.Reference.Accuracy),
			Enabled:  sb.Reference.Enabled,
		})
	}
	for _, p := range c.TiePoints.Points {
		snap.TiePoints.Points = append(snap.TiePoints.Points, PointSnapshot{TrackID: p.TrackID, Coord: arr3(p.Coord), Valid: p.Valid})
	}
	snap.TiePoints.Projections = make(map[string][]ProjectionSnapshot, len(c.TiePoints.Projections))
	for k, projs := range c.TiePoints.Projections {
		out := make([]ProjectionSnapshot, 0, len(projs))
		for _, p := range projs {
			out = append(out, ProjectionSnapshot{TrackID: p.TrackID, Coord: [2]float64{p.Coord.X, p.Coord.Y}})
		}
		snap.TiePoints.Projections[strconv.Itoa(k)] = out
	}
	return snap
}

func parseCameraKey(s string, known map[int]bool) (int, error) {
	key, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid camera key %q", s)
	}
	if !known[key] {
		return 0, fmt.Errorf("unknown camera key %d", key)
	}
	return key, nil
}

func reference(rs ReferenceSnapshot) Reference {
	ref := Reference{Enabled: rs.Enabled}
	if rs.Location != nil {
		v := vec3(*rs.Location)
		ref.Location = &v
	}
	if rs.Accuracy != nil {
		v := vec3(*rs.Accuracy)
		ref.Accuracy = &v
	}
	return ref
}

func referenceSnapshot(r Reference) ReferenceSnapshot {
	rs := ReferenceSnapshot{Enabled: r.Enabled}
	if r.Location != nil {
		a := arr3(*r.Location)
		rs.Location = &a
	}
	if r.Accuracy != nil {
		a := arr3(*r.Accuracy)
		rs.Accuracy = &a
	}
	return rs
}

func vec3(a [3]float64) r3.Vec { return r3.Vec{X: a[0], Y: a[1], Z: a[2]} }

func arr3(v r3.Vec) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }
