package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/project"
)

// DistanceRow is one observation of the distance diagnostics: the 1-based
// camera index, the ground size of a pixel and the camera-to-point distance.
type DistanceRow struct {
	Camera    int
	PixelSize float64
	Distance  float64
}

// WriteActiveControlFlags writes one row of space-separated 0/1 flags per
// trial.
func WriteActiveControlFlags(path string, flags []bool, rows int) error {
	return writeFile(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		cw.Comma = ' '
		record := make([]string, len(flags))
		for i, on := range flags {
			record[i] = "0"
			if on {
				record[i] = "1"
			}
		}
		for i := 0; i < rows; i++ {
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// WriteLocalOrigin writes the point offset as a single tab-separated row.
func WriteLocalOrigin(path string, offset r3.Vec) error {
	return writeTabRows(path, [][]string{{
		formatFloat(offset.X), formatFloat(offset.Y), formatFloat(offset.Z),
	}})
}

// WriteObservationDistances writes one tab-separated row per observation.
func WriteObservationDistances(path string, rows []DistanceRow) error {
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			strconv.Itoa(r.Camera),
			fmt.Sprintf("%.4f", r.PixelSize),
			fmt.Sprintf("%.2f", r.Distance),
		})
	}
	return writeTabRows(path, records)
}

// WriteCoordinateSystem writes the coordinate system definition as a single
// row.
func WriteCoordinateSystem(path string, crs *project.CoordinateSystem) error {
	return writeTabRows(path, [][]string{{crs.WKT}})
}

func writeTabRows(path string, records [][]string) error {
	return writeFile(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		cw.Comma = '\t'
		if err := cw.WriteAll(records); err != nil {
			return err
		}
		return cw.Error()
	})
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
