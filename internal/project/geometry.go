package project

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Transform is a 4x4 homogeneous matrix stored row-major.
type Transform [16]float64

// Identity returns the identity transform.
func Identity() *Transform {
	return &Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation returns a transform that shifts points by t.
func Translation(t r3.Vec) *Transform {
	m := Identity()
	m[3], m[7], m[11] = t.X, t.Y, t.Z
	return m
}

// Copy returns an independent copy; a nil transform copies to nil.
func (t *Transform) Copy() *Transform {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// MulPoint applies the transform to a point (w = 1).
func (t *Transform) MulPoint(p r3.Vec) r3.Vec {
	x := t[0]*p.X + t[1]*p.Y + t[2]*p.Z + t[3]
	y := t[4]*p.X + t[5]*p.Y + t[6]*p.Z + t[7]
	z := t[8]*p.X + t[9]*p.Y + t[10]*p.Z + t[11]
	w := t[12]*p.X + t[13]*p.Y + t[14]*p.Z + t[15]
	if w != 0 && w != 1 {
		return r3.Vec{X: x / w, Y: y / w, Z: z / w}
	}
	return r3.Vec{X: x, Y: y, Z: z}
}

// Translation returns the translation column, which for a camera transform
// is the camera centre.
func (t *Transform) Translation() r3.Vec {
	return r3.Vec{X: t[3], Y: t[7], Z: t[11]}
}

// Inverse returns the inverse transform.
func (t *Transform) Inverse() (*Transform, error) {
	m := mat.NewDense(4, 4, t[:])
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("invert transform: %w", err)
	}
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = inv.At(r, c)
		}
	}
	return &out, nil
}

// Center returns the camera centre in internal chunk coordinates.
func (c *Camera) Center() (r3.Vec, error) {
	if c.Transform == nil {
		return r3.Vec{}, ErrNoTransform
	}
	return c.Transform.Translation(), nil
}

// Projector maps internal chunk coordinates to pixel coordinates of a single
// camera. It caches the inverse camera transform.
type Projector struct {
	toCamera *Transform
	sensor   *Sensor
}

// Projector returns a projector for the camera's current pose and
// calibration.
func (c *Camera) Projector() (*Projector, error) {
	if c.Transform == nil {
		return nil, ErrNoTransform
	}
	if c.Sensor == nil {
		return nil, fmt.Errorf("camera %q has no sensor", c.Label)
	}
	inv, err := c.Transform.Inverse()
	if err != nil {
		return nil, err
	}
	return &Projector{toCamera: inv, sensor: c.Sensor}, nil
}

// Project returns the pixel coordinate of p. ok is false when p lies behind
// the camera.
func (p *Projector) Project(pt r3.Vec) (r2.Vec, bool) {
	q := p.toCamera.MulPoint(pt)
	if q.Z <= 0 {
		return r2.Vec{}, false
	}
	return p.sensor.Distort(q.X/q.Z, q.Y/q.Z), true
}

// Distort maps normalised image coordinates through the frame camera model
// to pixel coordinates.
func (s *Sensor) Distort(x, y float64) r2.Vec {
	cal := s.Calibration
	r2v := x*x + y*y
	r4 := r2v * r2v
	radial := 1 + cal.K1*r2v + cal.K2*r4 + cal.K3*r4*r2v + cal.K4*r4*r4
	tang := 1 + cal.P3*r2v + cal.P4*r4

	xd := x*radial + (cal.P1*(r2v+2*x*x)+2*cal.P2*x*y)*tang
	yd := y*radial + (cal.P2*(r2v+2*y*y)+2*cal.P1*x*y)*tang

	return r2.Vec{
		X: float64(s.Width)*0.5 + cal.CX + xd*cal.F + xd*cal.B1 + yd*cal.B2,
		Y: float64(s.Height)*0.5 + cal.CY + yd*cal.F,
	}
}

// IsFinite reports whether every component of v is a finite number.
func IsFinite(v r3.Vec) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}
