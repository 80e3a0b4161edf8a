package project

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// The Resolve methods return the effective standard deviation of an
// observation: the item's own accuracy when set, otherwise the chunk-wide
// default for its class. They read the current state, so per-item changes
// between trials are picked up.

// ResolveCameraAccuracy returns the per-axis accuracy of a camera location.
func (c *Chunk) ResolveCameraAccuracy(cam *Camera) r3.Vec {
	if cam.Reference.Accuracy != nil {
		return *cam.Reference.Accuracy
	}
	return c.Accuracy.CameraLocation
}

// ResolveMarkerAccuracy returns the per-axis accuracy of a marker location.
func (c *Chunk) ResolveMarkerAccuracy(m *Marker) r3.Vec {
	if m.Reference.Accuracy != nil {
		return *m.Reference.Accuracy
	}
	return c.Accuracy.MarkerLocation
}

// ResolveScalebarAccuracy returns the accuracy of a scalebar distance.
func (c *Chunk) ResolveScalebarAccuracy(sb *Scalebar) float64 {
	if sb.Reference.Accuracy != nil {
		return *sb.Reference.Accuracy
	}
	return c.Accuracy.Scalebar
}

// TiePointSigma splits the tie point image accuracy into x and y
// components.
func (c *Chunk) TiePointSigma() r2.Vec {
	return imageSigma(c.Accuracy.TiePoint)
}

// MarkerProjectionSigma splits the marker image accuracy into x and y
// components.
func (c *Chunk) MarkerProjectionSigma() r2.Vec {
	return imageSigma(c.Accuracy.MarkerProjection)
}

func imageSigma(acc float64) r2.Vec {
	s := acc / math.Sqrt2
	return r2.Vec{X: s, Y: s}
}
