package project

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// LocalWKT is the definition assigned to chunks referenced in an arbitrary
// local frame.
const LocalWKT = `LOCAL_CS["Local CS",LOCAL_DATUM["Local Datum",0],UNIT["metre",1]]`

// ErrUnsupportedCRS is returned for coordinate systems the estimator cannot
// project into (geographic and geocentric systems).
var ErrUnsupportedCRS = errors.New("unsupported coordinate system")

// CRSKind classifies a coordinate system by its root WKT keyword.
type CRSKind string

const (
	CRSLocal     CRSKind = "local"
	CRSProjected CRSKind = "projected"
)

// CoordinateSystem is the output frame for exported coordinates. Snapshots
// store the chunk transform directly into this frame, so projection is the
// identity for every supported kind.
type CoordinateSystem struct {
	WKT  string
	Name string
	Kind CRSKind
}

// NewCoordinateSystem parses the root of a WKT definition.
func NewCoordinateSystem(wkt string) (*CoordinateSystem, error) {
	wkt = strings.TrimSpace(wkt)
	if wkt == "" {
		return nil, errors.New("empty coordinate system definition")
	}
	open := strings.IndexByte(wkt, '[')
	if open <= 0 {
		return nil, fmt.Errorf("malformed WKT %q", wkt)
	}

	crs := &CoordinateSystem{WKT: wkt, Name: wktName(wkt[open:])}
	switch strings.ToUpper(wkt[:open]) {
	case "LOCAL_CS", "ENGCRS", "ENGINEERINGCRS":
		crs.Kind = CRSLocal
	case "PROJCS", "PROJCRS", "PROJECTEDCRS", "COMPD_CS", "COMPOUNDCRS":
		crs.Kind = CRSProjected
	case "GEOGCS", "GEOGCRS", "GEODCRS", "GEOCCS":
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCRS, wkt[:open])
	default:
		return nil, fmt.Errorf("%w: unknown root %s", ErrUnsupportedCRS, wkt[:open])
	}
	return crs, nil
}

// LocalCoordinateSystem returns the default local frame.
func LocalCoordinateSystem() *CoordinateSystem {
	crs, _ := NewCoordinateSystem(LocalWKT)
	return crs
}

// Project maps a world coordinate into the coordinate system.
func (c *CoordinateSystem) Project(world r3.Vec) r3.Vec {
	return world
}

func (c *CoordinateSystem) String() string {
	return c.WKT
}

// EnsureCRS returns the chunk CRS, assigning the local frame when the chunk
// has none.
func (c *Chunk) EnsureCRS() *CoordinateSystem {
	if c.CRS == nil {
		c.CRS = LocalCoordinateSystem()
	}
	return c.CRS
}

func wktName(body string) string {
	start := strings.IndexByte(body, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(body[start+1:], '"')
	if end < 0 {
		return ""
	}
	return body[start+1 : start+1+end]
}
