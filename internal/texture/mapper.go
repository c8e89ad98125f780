// Package texture maps the overlay texture onto a projected control grid.
//
// Each grid triangle is drawn by clipping the surface to the destination
// triangle, applying the affine transform that carries the texture-space
// triangle onto it, and drawing the whole texture. Only the clipped interior
// becomes visible, so the whole-image draw acts as a per-triangle sample.
package texture

import (
	"image"

	"github.com/andresmejia3/muzzle/internal/mesh"
	"github.com/andresmejia3/muzzle/internal/projection"
	"gonum.org/v1/gonum/spatial/r2"
)

// Surface is a raster target that can draw a texture through a triangle clip.
type Surface interface {
	// DrawTriangle clips to dst, applies xf (texture pixels to surface
	// pixels) and draws all of tex.
	DrawTriangle(dst [3]r2.Vec, xf Affine, tex image.Image)
}

// Stats counts the triangles handled by one Draw call.
type Stats struct {
	Drawn   int
	Skipped int
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Drawn += o.Drawn
	s.Skipped += o.Skipped
}

// Mapper draws textured grids onto a surface.
type Mapper struct {
	surface Surface
}

// NewMapper returns a Mapper drawing onto s.
func NewMapper(s Surface) *Mapper {
	return &Mapper{surface: s}
}

// Draw maps asset onto the projected grid, one triangle at a time in table
// order. An empty asset draws nothing. Triangles whose texture corners are
// degenerate, or whose projected corners are not finite, are skipped.
func (m *Mapper) Draw(g projection.Grid, asset *Asset) Stats {
	var st Stats
	if asset.Empty() {
		return st
	}
	w, h := float64(asset.Width()), float64(asset.Height())
	tex := asset.Image()

	for _, tri := range mesh.Triangles {
		var src, dst [3]r2.Vec
		for k, idx := range tri {
			uv := mesh.UVs[idx]
			src[k] = r2.Vec{X: uv.U * w, Y: uv.V * h}
			dst[k] = g[idx]
		}
		if !finite(dst) {
			st.Skipped++
			continue
		}
		xf, ok := SolveAffine(src, dst)
		if !ok {
			st.Skipped++
			continue
		}
		m.surface.DrawTriangle(dst, xf, tex)
		st.Drawn++
	}
	return st
}
