package project_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/project"
	"sfmprecision/internal/project/projecttest"
)

func TestCopyIsIndependent(t *testing.T) {
	orig := projecttest.Scene(projecttest.Options{Cameras: 3, ReferencedCameras: 2, CameraAccuracy: 0.1, Markers: 2, GridSize: 4})
	cp := orig.Copy()

	cp.Markers[0].Reference.Location.X += 5
	cp.Markers[0].Projections[0] = r2.Vec{X: -1, Y: -1}
	cp.Cameras[0].Reference.Location.Z += 5
	cp.Cameras[0].Sensor.Calibration.F = 1
	cp.TiePoints.Projections[0][0].Coord.X += 10
	cp.TiePoints.Points[0].Coord.Z += 10
	*cp.Scalebars[0].Reference.Distance += 1
	cp.Cameras[1].Transform[3] += 1

	assert.NotEqual(t, cp.Markers[0].Reference.Location.X, orig.Markers[0].Reference.Location.X)
	assert.NotEqual(t, cp.Markers[0].Projections[0], orig.Markers[0].Projections[0])
	assert.NotEqual(t, cp.Cameras[0].Reference.Location.Z, orig.Cameras[0].Reference.Location.Z)
	assert.Equal(t, 1000.0, orig.Sensors[0].Calibration.F)
	assert.NotEqual(t, cp.TiePoints.Projections[0][0], orig.TiePoints.Projections[0][0])
	assert.NotEqual(t, cp.TiePoints.Points[0], orig.TiePoints.Points[0])
	assert.NotEqual(t, *cp.Scalebars[0].Reference.Distance, *orig.Scalebars[0].Reference.Distance)
	assert.NotEqual(t, cp.Cameras[1].Transform[3], orig.Cameras[1].Transform[3])

	// sensors stay shared within the copy
	assert.Same(t, cp.Sensors[0], cp.Cameras[2].Sensor)
}

func TestProjectPrincipalPoint(t *testing.T) {
	sensor := &project.Sensor{Width: 1000, Height: 800, Calibration: project.Calibration{F: 1000, CX: 3, CY: -2}}
	cam := &project.Camera{Label: "c", Sensor: sensor, Transform: project.Identity()}

	proj, err := cam.Projector()
	require.NoError(t, err)

	uv, ok := proj.Project(r3.Vec{X: 0, Y: 0, Z: 10})
	require.True(t, ok)
	assert.InDelta(t, 503, uv.X, 1e-9)
	assert.InDelta(t, 398, uv.Y, 1e-9)

	uv, ok = proj.Project(r3.Vec{X: 1, Y: 0.5, Z: 10})
	require.True(t, ok)
	assert.InDelta(t, 603, uv.X, 1e-9)
	assert.InDelta(t, 448, uv.Y, 1e-9)

	_, ok = proj.Project(r3.Vec{X: 0, Y: 0, Z: -1})
	assert.False(t, ok, "points behind the camera do not project")
}

func TestProjectAppliesDistortion(t *testing.T) {
	sensor := &project.Sensor{Width: 100, Height: 100, Calibration: project.Calibration{F: 100, K1: 0.1, B1: 2, B2: 1}}
	got := sensor.Distort(0.5, 0)
	// r^2 = 0.25, radial = 1.025, xd = 0.5125
	assert.InDelta(t, 50+0.5125*100+0.5125*2, got.X, 1e-9)
	assert.InDelta(t, 50, got.Y, 1e-9)

	got = sensor.Distort(0, 0.5)
	assert.InDelta(t, 50+0.5125*1, got.X, 1e-9)
	assert.InDelta(t, 50+0.5125*100, got.Y, 1e-9)
}

func TestProjectWithoutTransform(t *testing.T) {
	cam := &project.Camera{Label: "unaligned", Sensor: &project.Sensor{}}
	_, err := cam.Projector()
	assert.True(t, errors.Is(err, project.ErrNoTransform))

	_, err = cam.Center()
	assert.True(t, errors.Is(err, project.ErrNoTransform))
}

func TestTransformInverse(t *testing.T) {
	tr := &project.Transform{
		0, -1, 0, 10,
		1, 0, 0, -4,
		0, 0, 1, 2,
		0, 0, 0, 1,
	}
	inv, err := tr.Inverse()
	require.NoError(t, err)

	p := r3.Vec{X: 1.5, Y: -2, Z: 7}
	back := inv.MulPoint(tr.MulPoint(p))
	assert.InDelta(t, p.X, back.X, 1e-12)
	assert.InDelta(t, p.Y, back.Y, 1e-12)
	assert.InDelta(t, p.Z, back.Z, 1e-12)
}

func TestNewCoordinateSystem(t *testing.T) {
	cases := []struct {
		name string
		wkt  string
		kind project.CRSKind
		want string
		err  bool
	}{
		{"local", project.LocalWKT, project.CRSLocal, "Local CS", false},
		{"projected", `PROJCS["WGS 84 / UTM zone 35S",GEOGCS["WGS 84"]]`, project.CRSProjected, "WGS 84 / UTM zone 35S", false},
		{"geographic", `GEOGCS["WGS 84",DATUM["WGS_1984"]]`, "", "", true},
		{"garbage", "not a crs", "", "", true},
		{"empty", "  ", "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			crs, err := project.NewCoordinateSystem(tc.wkt)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, crs.Kind)
			assert.Equal(t, tc.want, crs.Name)
		})
	}

	_, err := project.NewCoordinateSystem(`GEOGCS["WGS 84"]`)
	assert.True(t, errors.Is(err, project.ErrUnsupportedCRS))
}

func TestEnsureCRSAssignsLocalFrame(t *testing.T) {
	c := &project.Chunk{}
	crs := c.EnsureCRS()
	assert.Equal(t, project.LocalWKT, crs.WKT)
	assert.Same(t, crs, c.CRS)
}

func TestDecodeSortsByTrackID(t *testing.T) {
	doc := `{
	  "label": "Chunk 1",
	  "accuracy": {"camera_location": [10,10,10], "marker_location": [0.005,0.005,0.005], "marker_projection": 0.5, "tie_point": 1, "scalebar": 0.001},
	  "sensors": [{"id": 0, "label": "s", "width": 100, "height": 80, "calibration": {"f": 100, "cx": 0, "cy": 0}}],
	  "cameras": [{"key": 4, "label": "IMG_4", "sensor_id": 0, "reference": {"location": [1,2,3], "enabled": true}}],
	  "markers": [{"key": 0, "label": "GCP01", "reference": {"enabled": false}, "projections": {"4": [10, 20]}}],
	  "tie_points": {
	    "points": [{"track_id": 7, "coord": [0,0,0], "valid": true}, {"track_id": 2, "coord": [1,1,1], "valid": false}],
	    "projections": {"4": [{"track_id": 7, "coord": [1,1]}, {"track_id": 2, "coord": [2,2]}]}
	  }
	}`
	c, err := project.Decode(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Nil(t, c.CRS)
	assert.Equal(t, 2, c.TiePoints.Points[0].TrackID)
	assert.Equal(t, 7, c.TiePoints.Points[1].TrackID)
	assert.Equal(t, 2, c.TiePoints.Projections[4][0].TrackID)
	assert.Equal(t, r2.Vec{X: 10, Y: 20}, c.Markers[0].Projections[4])
	assert.Nil(t, c.Markers[0].Position)
	assert.Nil(t, c.Cameras[0].Transform)
	require.NotNil(t, c.Cameras[0].Reference.Location)
	assert.Nil(t, c.Cameras[0].Reference.Accuracy)
}

func TestDecodeRejectsUnknownCamera(t *testing.T) {
	doc := `{"sensors": [{"id": 0}], "cameras": [{"key": 1, "sensor_id": 0}],
	  "tie_points": {"projections": {"9": []}}}`
	_, err := project.Decode(strings.NewReader(doc))
	assert.ErrorContains(t, err, "unknown camera key 9")
}

func TestSnapshotPreservesScene(t *testing.T) {
	orig := projecttest.Scene(projecttest.DefaultOptions())

	var buf bytes.Buffer
	require.NoError(t, jsonEncode(&buf, project.ToSnapshot(orig)))
	back, err := project.Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, orig.TiePoints, back.TiePoints)
	assert.Equal(t, *orig.Transform, *back.Transform)
	assert.Equal(t, orig.CRS.WKT, back.CRS.WKT)
	assert.Equal(t, orig.Markers[0].Projections, back.Markers[0].Projections)
}

func TestApplyAdjustmentCopiesEstimates(t *testing.T) {
	working := projecttest.Scene(projecttest.DefaultOptions())
	adjusted := working.Copy()
	adjusted.TiePoints.Points[0].Coord.Z = 42
	adjusted.Sensors[0].Calibration.F = 1001
	moved := r3.Vec{X: 1, Y: 1, Z: 1}
	adjusted.Markers[0].Position = &moved
	adjusted.Markers[0].Reference.Location.X = -99 // references are not estimates

	require.NoError(t, working.ApplyAdjustment(adjusted))
	assert.Equal(t, 42.0, working.TiePoints.Points[0].Coord.Z)
	assert.Equal(t, 1001.0, working.Sensors[0].Calibration.F)
	assert.Equal(t, moved, *working.Markers[0].Position)
	assert.NotEqual(t, -99.0, working.Markers[0].Reference.Location.X)

	adjusted.TiePoints.Points = adjusted.TiePoints.Points[1:]
	assert.ErrorIs(t, working.ApplyAdjustment(adjusted), project.ErrShapeMismatch)
}

func jsonEncode(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
