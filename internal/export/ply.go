package export

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"sfmprecision/internal/project"
)

// WritePLY writes the valid tie points as a binary little-endian PLY cloud
// of float32 vertices. Coordinates are projected to the chunk CRS and the
// offset is subtracted before narrowing so the float32 values keep their
// precision. It returns the number of vertices written.
func WritePLY(path string, chunk *project.Chunk, offset r3.Vec) (int, error) {
	n := chunk.ValidPoints()
	err := writeFile(path, func(w io.Writer) error {
		header := fmt.Sprintf("ply\nformat binary_little_endian 1.0\n"+
			"comment offset %s %s %s\n"+
			"element vertex %d\n"+
			"property float x\nproperty float y\nproperty float z\n"+
			"end_header\n",
			formatFloat(offset.X), formatFloat(offset.Y), formatFloat(offset.Z), n)
		if _, err := io.WriteString(w, header); err != nil {
			return err
		}
		var rec [12]byte
		for _, p := range chunk.TiePoints.Points {
			if !p.Valid {
				continue
			}
			v := r3.Sub(worldCoord(chunk, p.Coord), offset)
			binary.LittleEndian.PutUint32(rec[0:], math.Float32bits(float32(v.X)))
			binary.LittleEndian.PutUint32(rec[4:], math.Float32bits(float32(v.Y)))
			binary.LittleEndian.PutUint32(rec[8:], math.Float32bits(float32(v.Z)))
			if _, err := w.Write(rec[:]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
