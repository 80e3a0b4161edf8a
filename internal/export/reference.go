package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/project"
)

// ErrLegacyUnsupported is wrapped into a failed reference export when
// the exporter has no legacy format to fall back to.
var ErrLegacyUnsupported = errors.New("legacy reference export unsupported")

// ReferenceItems selects the entities written by a reference export.
type ReferenceItems int

const (
	ReferenceMarkers ReferenceItems = iota
	ReferenceCameras
)

func (r ReferenceItems) String() string {
	switch r {
	case ReferenceMarkers:
		return "markers"
	case ReferenceCameras:
		return "cameras"
	default:
		return "unknown"
	}
}

// ReferenceExporter writes reference values next to their estimates.
type ReferenceExporter interface {
	ExportReference(path string, chunk *project.Chunk, items ReferenceItems) error
}

// LegacyReferenceExporter writes the older single-table marker export.
type LegacyReferenceExporter interface {
	ExportReferenceLegacy(path string, chunk *project.Chunk) error
}

// CSVReference writes comma-separated reference residual tables.
type CSVReference struct{}

var referenceHeader = []string{
	"#Label", "X", "Y", "Z",
	"X_accuracy", "Y_accuracy", "Z_accuracy",
	"X_est", "Y_est", "Z_est",
	"X_error", "Y_error", "Z_error",
	"Enabled",
}

// ExportReference implements ReferenceExporter.
func (CSVReference) ExportReference(path string, chunk *project.Chunk, items ReferenceItems) error {
	var rows [][]string
	switch items {
	case ReferenceMarkers:
		for _, m := range chunk.Markers {
			var est *r3.Vec
			if m.Position != nil {
				v := worldCoord(chunk, *m.Position)
				est = &v
			}
			rows = append(rows, residualRow(m.Label, m.Reference, chunk.ResolveMarkerAccuracy(m), est))
		}
	case ReferenceCameras:
		for _, cam := range chunk.Cameras {
			var est *r3.Vec
			if centre, err := cam.Center(); err == nil {
				v := worldCoord(chunk, centre)
				est = &v
			}
			rows = append(rows, residualRow(cam.Label, cam.Reference, chunk.ResolveCameraAccuracy(cam), est))
		}
	default:
		return fmt.Errorf("unknown reference items %d", items)
	}

	return writeFile(path, func(w io.Writer) error {
		if _, err := fmt.Fprintf(w, "# %s %s, %s\n", chunk.Label, items, crsName(chunk)); err != nil {
			return err
		}
		cw := csv.NewWriter(w)
		if err := cw.Write(referenceHeader); err != nil {
			return err
		}
		if err := cw.WriteAll(rows); err != nil {
			return err
		}
		return cw.Error()
	})
}

// ExportReferenceLegacy implements LegacyReferenceExporter: marker label,
// reference location and enabled flag only.
func (CSVReference) ExportReferenceLegacy(path string, chunk *project.Chunk) error {
	return writeFile(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		for _, m := range chunk.Markers {
			row := []string{m.Label, "", "", ""}
			if loc := m.Reference.Location; loc != nil {
				row[1], row[2], row[3] = fixed(loc.X), fixed(loc.Y), fixed(loc.Z)
			}
			row = append(row, boolFlag(m.Reference.Enabled))
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

func residualRow(label string, ref project.Reference, acc r3.Vec, est *r3.Vec) []string {
	row := make([]string, len(referenceHeader))
	row[0] = label
	if ref.Location != nil {
		row[1], row[2], row[3] = fixed(ref.Location.X), fixed(ref.Location.Y), fixed(ref.Location.Z)
	}
	row[4], row[5], row[6] = fixed(acc.X), fixed(acc.Y), fixed(acc.Z)
	if est != nil {
		row[7], row[8], row[9] = fixed(est.X), fixed(est.Y), fixed(est.Z)
		if ref.Location != nil {
			d := r3.Sub(*est, *ref.Location)
			row[10], row[11], row[12] = fixed(d.X), fixed(d.Y), fixed(d.Z)
		}
	}
	row[13] = boolFlag(ref.Enabled)
	return row
}

func worldCoord(chunk *project.Chunk, internal r3.Vec) r3.Vec {
	world := chunk.ToWorld(internal)
	if chunk.CRS == nil {
		return world
	}
	return chunk.CRS.Project(world)
}

func crsName(chunk *project.Chunk) string {
	if chunk.CRS == nil {
		return "no coordinate system"
	}
	return chunk.CRS.Name
}

func fixed(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func boolFlag(on bool) string {
	if on {
		return "1"
	}
	return "0"
}
