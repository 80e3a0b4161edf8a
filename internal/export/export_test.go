package export_test

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/export"
	"sfmprecision/internal/project"
	"sfmprecision/internal/project/projecttest"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestWriteActiveControlFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "active_ctrl_indices.txt")
	require.NoError(t, export.WriteActiveControlFlags(path, []bool{true, false, true}, 2))
	assert.Equal(t, "1 0 1\n1 0 1\n", readFile(t, path))
}

func TestWriteLocalOriginAndDistances(t *testing.T) {
	dir := t.TempDir()
	origin := filepath.Join(dir, "_coordinate_local_origin.txt")
	require.NoError(t, export.WriteLocalOrigin(origin, r3.Vec{X: 266000, Y: 4702000, Z: 100}))
	assert.Equal(t, "266000\t4702000\t100\n", readFile(t, origin))

	dist := filepath.Join(dir, "_observation_distances.txt")
	require.NoError(t, export.WriteObservationDistances(dist, []export.DistanceRow{
		{Camera: 1, PixelSize: 0.06, Distance: 60.004},
		{Camera: 2, PixelSize: 0.012345, Distance: 12.5},
	}))
	assert.Equal(t, "1\t0.0600\t60.00\n2\t0.0123\t12.50\n", readFile(t, dist))
}

func TestWriteCoordinateSystem(t *testing.T) {
	path := filepath.Join(t.TempDir(), "_coordinate_system.txt")
	require.NoError(t, export.WriteCoordinateSystem(path, project.LocalCoordinateSystem()))
	assert.Contains(t, readFile(t, path), "LOCAL_CS")
}

func TestWriteFileLeavesNoTemporaries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, export.WriteLocalOrigin(filepath.Join(dir, "origin.txt"), r3.Vec{}))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "origin.txt", entries[0].Name())
}

func TestExportReferenceMarkers(t *testing.T) {
	chunk := projecttest.Scene(projecttest.Options{Cameras: 3, Markers: 2, GridSize: 3})
	*chunk.Markers[1].Reference.Location = r3.Add(*chunk.Markers[1].Reference.Location, r3.Vec{X: 0.25})
	path := filepath.Join(t.TempDir(), "0001_GC.txt")

	require.NoError(t, export.CSVReference{}.ExportReference(path, chunk, export.ReferenceMarkers))
	lines := strings.Split(strings.TrimSpace(readFile(t, path)), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "# Chunk 1 markers"))
	assert.True(t, strings.HasPrefix(lines[1], "#Label,"))

	gcp1 := strings.Split(lines[2], ",")
	assert.Equal(t, "GCP01", gcp1[0])
	assert.Equal(t, "0.005000", gcp1[4], "chunk default accuracy")
	assert.Equal(t, "0.000000", gcp1[10])

	gcp2 := strings.Split(lines[3], ",")
	assert.Equal(t, "-0.250000", gcp2[10])
	assert.Equal(t, "1", gcp2[13])
}

func TestExportReferenceCameras(t *testing.T) {
	chunk := projecttest.Scene(projecttest.Options{Cameras: 3, ReferencedCameras: 1, CameraAccuracy: 0.1, Unaligned: 1, GridSize: 3})
	path := filepath.Join(t.TempDir(), "0001_cams_c.txt")

	require.NoError(t, export.CSVReference{}.ExportReference(path, chunk, export.ReferenceCameras))
	lines := strings.Split(strings.TrimSpace(readFile(t, path)), "\n")
	require.Len(t, lines, 5)

	referenced := strings.Split(lines[2], ",")
	assert.Equal(t, "DJI_01", referenced[0])
	assert.Equal(t, "0.100000", referenced[4])
	assert.Equal(t, "0.000000", referenced[12])

	unreferenced := strings.Split(lines[3], ",")
	assert.Equal(t, "", unreferenced[1])
	assert.Equal(t, "10.000000", unreferenced[4])
	assert.NotEqual(t, "", unreferenced[7], "aligned camera has an estimate")

	unaligned := strings.Split(lines[4], ",")
	assert.Equal(t, "", unaligned[7])
}

func TestExportReferenceLegacy(t *testing.T) {
	chunk := projecttest.Scene(projecttest.Options{Cameras: 2, Markers: 1, GridSize: 3})
	path := filepath.Join(t.TempDir(), "legacy.txt")
	var legacy export.LegacyReferenceExporter = export.CSVReference{}

	require.NoError(t, legacy.ExportReferenceLegacy(path, chunk))
	assert.Equal(t, "GCP01,265994.000000,4702003.000000,100.500000,1\n", readFile(t, path))
}

func TestWriteCamerasAndCalibration(t *testing.T) {
	chunk := projecttest.Scene(projecttest.DefaultOptions())
	dir := t.TempDir()

	cams := filepath.Join(dir, "0001_cams.xml")
	require.NoError(t, export.WriteCameras(cams, chunk))
	var doc struct {
		Chunk struct {
			Cameras []struct {
				Label     string `xml:"label,attr"`
				Transform string `xml:"transform"`
			} `xml:"cameras>camera"`
			Sensors []struct {
				F float64 `xml:"calibration>f"`
			} `xml:"sensors>sensor"`
		} `xml:"chunk"`
	}
	require.NoError(t, xml.Unmarshal([]byte(readFile(t, cams)), &doc))
	require.Len(t, doc.Chunk.Cameras, 3)
	assert.Equal(t, "DJI_02", doc.Chunk.Cameras[1].Label)
	assert.Len(t, strings.Fields(doc.Chunk.Cameras[1].Transform), 16)
	require.Len(t, doc.Chunk.Sensors, 1)
	assert.Equal(t, 1000.0, doc.Chunk.Sensors[0].F)

	cal := filepath.Join(dir, "0001_cal0001.xml")
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, export.WriteCalibration(cal, chunk.Sensors[0], date))
	var got export.CalibrationXML
	require.NoError(t, xml.Unmarshal([]byte(readFile(t, cal)), &got))
	assert.Equal(t, "2024-05-01T12:00:00Z", got.Date)
	assert.Equal(t, 1000, got.Width)
	assert.Equal(t, 2.5, got.CX)
	assert.Equal(t, -0.01, got.K1)
	assert.Zero(t, got.K4)
}

func TestWriteCalibrationWithoutDate(t *testing.T) {
	chunk := projecttest.Scene(projecttest.DefaultOptions())
	cal := filepath.Join(t.TempDir(), "0001_cal0001.xml")
	require.NoError(t, export.WriteCalibration(cal, chunk.Sensors[0], time.Time{}))
	assert.NotContains(t, readFile(t, cal), "<date>")
}

func TestWrittenFilesAreWorldReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "local_origin.txt")
	require.NoError(t, export.WriteLocalOrigin(path, r3.Vec{X: 1}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestWriteMarkers(t *testing.T) {
	chunk := projecttest.Scene(projecttest.Options{Cameras: 2, Markers: 2, GridSize: 3})
	path := filepath.Join(t.TempDir(), "referenceMarkers.xml")
	require.NoError(t, export.WriteMarkers(path, chunk))

	body := readFile(t, path)
	assert.Contains(t, body, `label="GCP02"`)
	assert.Contains(t, body, `camera_id="1"`)
}

func TestWritePLY(t *testing.T) {
	chunk := projecttest.Scene(projecttest.DefaultOptions())
	offset := r3.Vec{X: 266000, Y: 4702000, Z: 100}
	path := filepath.Join(t.TempDir(), "0001_pts.ply")

	n, err := export.WritePLY(path, chunk, offset)
	require.NoError(t, err)
	assert.Equal(t, chunk.ValidPoints(), n)
	assert.Equal(t, 31, n)

	body := []byte(readFile(t, path))
	head, data, ok := bytes.Cut(body, []byte("end_header\n"))
	require.True(t, ok)
	assert.Contains(t, string(head), "element vertex 31")
	require.Len(t, data, n*12)
	assert.Equal(t, int64(len(body)), export.FileSize(path))

	first := chunk.TiePoints.Points[0].Coord
	x := math.Float32frombits(binary.LittleEndian.Uint32(data[0:]))
	z := math.Float32frombits(binary.LittleEndian.Uint32(data[8:]))
	assert.InDelta(t, first.X, float64(x), 1e-4)
	assert.InDelta(t, first.Z, float64(z), 1e-4)
}
