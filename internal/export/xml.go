package export

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"sfmprecision/internal/project"
)

const documentVersion = "1.5.0"

type xmlResolution struct {
	Width  int `xml:"width,attr"`
	Height int `xml:"height,attr"`
}

// CalibrationXML is a single sensor calibration. Zero-valued terms are
// omitted, matching the host's own files.
type CalibrationXML struct {
	XMLName    xml.Name      `xml:"calibration"`
	Projection string        `xml:"projection"`
	Width      int           `xml:"width"`
	Height     int           `xml:"height"`
	F          float64       `xml:"f"`
	CX         float64       `xml:"cx"`
	CY         float64       `xml:"cy"`
	B1         float64       `xml:"b1,omitempty"`
	B2         float64       `xml:"b2,omitempty"`
	K1         float64       `xml:"k1,omitempty"`
	K2         float64       `xml:"k2,omitempty"`
	K3         float64       `xml:"k3,omitempty"`
	K4         float64       `xml:"k4,omitempty"`
	P1         float64       `xml:"p1,omitempty"`
	P2         float64       `xml:"p2,omitempty"`
	P3         float64       `xml:"p3,omitempty"`
	P4         float64       `xml:"p4,omitempty"`
	Date       string        `xml:"date,omitempty"`
}

func calibrationXML(s *project.Sensor) CalibrationXML {
	c := s.Calibration
	return CalibrationXML{
		Projection: "frame",
		Width:      s.Width,
		Height:     s.Height,
		F:          c.F,
		CX:         c.CX,
		CY:         c.CY,
		B1:         c.B1,
		B2:         c.B2,
		K1:         c.K1,
		K2:         c.K2,
		K3:         c.K3,
		K4:         c.K4,
		P1:         c.P1,
		P2:         c.P2,
		P3:         c.P3,
		P4:         c.P4,
	}
}

// WriteCalibration writes one sensor calibration stamped with date.
// A zero date omits the element.
func WriteCalibration(path string, s *project.Sensor, date time.Time) error {
	cal := calibrationXML(s)
	if !date.IsZero() {
		cal.Date = date.UTC().Format(time.RFC3339)
	}
	return writeXML(path, cal)
}

type camerasDocument struct {
	XMLName xml.Name     `xml:"document"`
	Version string       `xml:"version,attr"`
	Chunk   camerasChunk `xml:"chunk"`
}

type camerasChunk struct {
	Label     string        `xml:"label,attr"`
	Sensors   []sensorXML   `xml:"sensors>sensor"`
	Cameras   []cameraXML   `xml:"cameras>camera"`
	Reference string        `xml:"reference,omitempty"`
	Transform *transformXML `xml:"transform,omitempty"`
}

type sensorXML struct {
	ID          int            `xml:"id,attr"`
	Label       string         `xml:"label,attr"`
	Type        string         `xml:"type,attr"`
	Resolution  xmlResolution  `xml:"resolution"`
	Calibration calibrationTag `xml:"calibration"`
}

// calibrationTag nests the calibration terms inside a sensor element.
type calibrationTag struct {
	Type       string        `xml:"type,attr"`
	Class      string        `xml:"class,attr"`
	Resolution xmlResolution `xml:"resolution"`
	F          float64       `xml:"f"`
	CX         float64       `xml:"cx"`
	CY         float64       `xml:"cy"`
	B1         float64       `xml:"b1,omitempty"`
	B2         float64       `xml:"b2,omitempty"`
	K1         float64       `xml:"k1,omitempty"`
	K2         float64       `xml:"k2,omitempty"`
	K3         float64       `xml:"k3,omitempty"`
	K4         float64       `xml:"k4,omitempty"`
	P1         float64       `xml:"p1,omitempty"`
	P2         float64       `xml:"p2,omitempty"`
	P3         float64       `xml:"p3,omitempty"`
	P4         float64       `xml:"p4,omitempty"`
}

type cameraXML struct {
	ID        int           `xml:"id,attr"`
	SensorID  int           `xml:"sensor_id,attr"`
	Label     string        `xml:"label,attr"`
	Transform string        `xml:"transform,omitempty"`
	Reference *referenceXML `xml:"reference,omitempty"`
}

type referenceXML struct {
	X       string `xml:"x,attr,omitempty"`
	Y       string `xml:"y,attr,omitempty"`
	Z       string `xml:"z,attr,omitempty"`
	SX      string `xml:"sx,attr,omitempty"`
	SY      string `xml:"sy,attr,omitempty"`
	SZ      string `xml:"sz,attr,omitempty"`
	Enabled bool   `xml:"enabled,attr"`
}

type transformXML struct {
	Matrix string `xml:",chardata"`
}

// WriteCameras writes camera poses, sensor calibrations and references in
// the host's cameras XML layout.
func WriteCameras(path string, chunk *project.Chunk) error {
	doc := camerasDocument{Version: documentVersion, Chunk: camerasChunk{Label: chunk.Label}}
	for _, s := range chunk.Sensors {
		c := s.Calibration
		res := xmlResolution{Width: s.Width, Height: s.Height}
		doc.Chunk.Sensors = append(doc.Chunk.Sensors, sensorXML{
			ID:         s.ID,
			Label:      s.Label,
			Type:       "frame",
			Resolution: res,
			Calibration: calibrationTag{
				Type:       "frame",
				Class:      "adjusted",
				Resolution: res,
				F:          c.F,
				CX:         c.CX,
				CY:         c.CY,
				B1:         c.B1,
				B2:         c.B2,
				K1:         c.K1,
				K2:         c.K2,
				K3:         c.K3,
				K4:         c.K4,
				P1:         c.P1,
				P2:         c.P2,
				P3:         c.P3,
				P4:         c.P4,
			},
		})
	}
	for _, cam := range chunk.Cameras {
		cx := cameraXML{ID: cam.Key, Label: cam.Label, Reference: referenceElement(cam.Reference)}
		if cam.Sensor != nil {
			cx.SensorID = cam.Sensor.ID
		}
		if cam.Transform != nil {
			cx.Transform = matrixText(cam.Transform)
		}
		doc.Chunk.Cameras = append(doc.Chunk.Cameras, cx)
	}
	if chunk.CRS != nil {
		doc.Chunk.Reference = chunk.CRS.WKT
	}
	if chunk.Transform != nil {
		doc.Chunk.Transform = &transformXML{Matrix: matrixText(chunk.Transform)}
	}
	return writeXML(path, doc)
}

type markersDocument struct {
	XMLName xml.Name     `xml:"document"`
	Version string       `xml:"version,attr"`
	Chunk   markersChunk `xml:"chunk"`
}

type markersChunk struct {
	Label   string        `xml:"label,attr"`
	Markers []markerXML   `xml:"markers>marker"`
	Frames  []markerFrame `xml:"frames>frame>markers>marker"`
}

type markerXML struct {
	ID        int           `xml:"id,attr"`
	Label     string        `xml:"label,attr"`
	Reference *referenceXML `xml:"reference,omitempty"`
}

type markerFrame struct {
	MarkerID  int              `xml:"marker_id,attr"`
	Locations []markerLocation `xml:"location"`
}

type markerLocation struct {
	CameraID int     `xml:"camera_id,attr"`
	Pinned   bool    `xml:"pinned,attr"`
	X        float64 `xml:"x,attr"`
	Y        float64 `xml:"y,attr"`
}

// WriteMarkers writes marker references and their image projections.
func WriteMarkers(path string, chunk *project.Chunk) error {
	doc := markersDocument{Version: documentVersion, Chunk: markersChunk{Label: chunk.Label}}
	for _, m := range chunk.Markers {
		doc.Chunk.Markers = append(doc.Chunk.Markers, markerXML{ID: m.Key, Label: m.Label, Reference: referenceElement(m.Reference)})

		keys := make([]int, 0, len(m.Projections))
		for k := range m.Projections {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		frame := markerFrame{MarkerID: m.Key}
		for _, k := range keys {
			uv := m.Projections[k]
			frame.Locations = append(frame.Locations, markerLocation{CameraID: k, Pinned: true, X: uv.X, Y: uv.Y})
		}
		doc.Chunk.Frames = append(doc.Chunk.Frames, frame)
	}
	return writeXML(path, doc)
}

func referenceElement(ref project.Reference) *referenceXML {
	if ref.Location == nil {
		return nil
	}
	el := &referenceXML{
		X:       fixed(ref.Location.X),
		Y:       fixed(ref.Location.Y),
		Z:       fixed(ref.Location.Z),
		Enabled: ref.Enabled,
	}
	if ref.Accuracy != nil {
		el.SX, el.SY, el.SZ = fixed(ref.Accuracy.X), fixed(ref.Accuracy.Y), fixed(ref.Accuracy.Z)
	}
	return el
}

func matrixText(t *project.Transform) string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = strconv.FormatFloat(v, 'e', 16, 64)
	}
	return strings.Join(parts, " ")
}

func writeXML(path string, v any) error {
	return writeFile(path, func(w io.Writer) error {
		if _, err := io.WriteString(w, xml.Header); err != nil {
			return err
		}
		enc := xml.NewEncoder(w)
		enc.Indent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode %T: %w", v, err)
		}
		return enc.Close()
	})
}
