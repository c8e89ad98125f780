// Package projection maps control grids from detector space to surface pixels.
package projection

import (
	"github.com/andresmejia3/muzzle/internal/mesh"
	"gonum.org/v1/gonum/spatial/r2"
)

const (
	// DefaultFocalLength controls parallax strength. Smaller values exaggerate depth.
	DefaultFocalLength = 1500
	// DefaultZScale converts detector depth units into focal-length units.
	DefaultZScale = 800
)

// Grid is a projected control grid in destination pixel space.
type Grid [mesh.GridPoints]r2.Vec

// Projector applies a single-parameter perspective falloff.
//
// The factor scales the normalized coordinate about the surface origin rather
// than about the point itself, so deeper points drift toward the top-left
// corner as well as shrinking.
type Projector struct {
	FocalLength float64
	ZScale      float64
}

// New returns a Projector. Non-positive focal length selects the default.
func New(focalLength, zScale float64) Projector {
	if focalLength <= 0 {
		focalLength = DefaultFocalLength
	}
	return Projector{FocalLength: focalLength, ZScale: zScale}
}

// Perspective returns the scale factor for depth z.
func (p Projector) Perspective(z float64) float64 {
	return p.FocalLength / (p.FocalLength + z*p.ZScale)
}

// Point projects one detector-space point.
func (p Projector) Point(x, y, z float64, width, height int) r2.Vec {
	f := p.Perspective(z)
	return r2.Vec{
		X: x * float64(width) * f,
		Y: y * float64(height) * f,
	}
}

// Project maps every grid point onto a width x height surface.
func (p Projector) Project(g mesh.Grid, width, height int) Grid {
	var out Grid
	for i, v := range g {
		out[i] = p.Point(v.X, v.Y, v.Z, width, height)
	}
	return out
}
