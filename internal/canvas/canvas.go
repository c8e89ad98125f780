// Package canvas is the raster surface frames are composited on.
package canvas

import (
	"fmt"
	"image"
	"image/draw"
	"io"
	"math"
	"strings"

	"github.com/andresmejia3/muzzle/internal/texture"
	"github.com/anthonynsimon/bild/imgio"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/vector"
	"gonum.org/v1/gonum/spatial/r2"
)

// Canvas is an RGBA surface with triangle-clipped texture drawing.
// It is not safe for concurrent use.
type Canvas struct {
	img    *image.RGBA
	interp xdraw.Interpolator
}

// New returns a cleared width x height canvas using bilinear sampling.
func New(width, height int) *Canvas {
	return NewWithInterpolation(width, height, xdraw.BiLinear)
}

// NewWithInterpolation returns a canvas sampling textures with interp.
func NewWithInterpolation(width, height int, interp xdraw.Interpolator) *Canvas {
	if interp == nil {
		interp = xdraw.BiLinear
	}
	return &Canvas{
		img:    image.NewRGBA(image.Rect(0, 0, width, height)),
		interp: interp,
	}
}

// ParseInterpolator maps a config name onto an x/image interpolator.
func ParseInterpolator(name string) (xdraw.Interpolator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "nearest":
		return xdraw.NearestNeighbor, nil
	case "", "bilinear":
		return xdraw.BiLinear, nil
	case "approx-bilinear":
		return xdraw.ApproxBiLinear, nil
	case "catmullrom":
		return xdraw.CatmullRom, nil
	default:
		return nil, fmt.Errorf("unknown interpolation %q (want nearest, bilinear, approx-bilinear or catmullrom)", name)
	}
}

func (c *Canvas) Width() int  { return c.img.Rect.Dx() }
func (c *Canvas) Height() int { return c.img.Rect.Dy() }

// Clear resets every pixel to transparent black.
func (c *Canvas) Clear() {
	clear(c.img.Pix)
}

// DrawSource paints src over the whole surface, scaling when sizes differ.
func (c *Canvas) DrawSource(src image.Image) {
	if src == nil {
		return
	}
	sb := src.Bounds()
	if sb.Dx() == c.Width() && sb.Dy() == c.Height() {
		draw.Draw(c.img, c.img.Rect, src, sb.Min, draw.Src)
		return
	}
	c.interp.Scale(c.img, c.img.Rect, src, sb, xdraw.Src, nil)
}

// DrawTriangle clips the surface to dst, transforms tex by xf and draws it
// over the surface. Pixels outside the triangle are untouched apart from
// anti-aliased edge coverage. A zero-area triangle draws nothing.
func (c *Canvas) DrawTriangle(dst [3]r2.Vec, xf texture.Affine, tex image.Image) {
	if tex == nil || tex.Bounds().Empty() {
		return
	}
	if math.Abs(texture.SignedArea2(dst)) < texture.DegenerateEpsilon {
		return
	}

	bbox := triangleBounds(dst, c.img.Rect)
	if bbox.Empty() {
		return
	}

	// The rasterizer works in fixed point, so far off-surface corners are
	// clipped away first. The affine still maps the unclipped triangle.
	poly := clipPolygon(dst[:], bbox)
	if len(poly) < 3 {
		return
	}

	mask := image.NewAlpha(bbox)
	z := vector.NewRasterizer(bbox.Dx(), bbox.Dy())
	ox, oy := float64(bbox.Min.X), float64(bbox.Min.Y)
	z.MoveTo(float32(poly[0].X-ox), float32(poly[0].Y-oy))
	for _, p := range poly[1:] {
		z.LineTo(float32(p.X-ox), float32(p.Y-oy))
	}
	z.ClosePath()
	z.Draw(mask, bbox, image.Opaque, image.Point{})

	// Transform only walks the sub-image, so work stays proportional to the triangle
	sub := c.img.SubImage(bbox).(*image.RGBA)
	c.interp.Transform(sub, xf.Aff3(), tex, tex.Bounds(), xdraw.Over, &xdraw.Options{
		DstMask: mask,
	})
}

// Image returns the live surface buffer.
func (c *Canvas) Image() *image.RGBA {
	return c.img
}

// Snapshot returns an independent copy of the surface.
func (c *Canvas) Snapshot() *image.RGBA {
	out := &image.RGBA{
		Pix:    make([]uint8, len(c.img.Pix)),
		Stride: c.img.Stride,
		Rect:   c.img.Rect,
	}
	copy(out.Pix, c.img.Pix)
	return out
}

// EncodePNG writes the surface to w as PNG.
func (c *Canvas) EncodePNG(w io.Writer) error {
	return imgio.PNGEncoder()(w, c.img)
}

// SavePNG writes the surface to path as PNG.
func (c *Canvas) SavePNG(path string) error {
	if err := imgio.Save(path, c.img, imgio.PNGEncoder()); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// triangleBounds returns the pixel bounding box of t clipped to clip.
// Coordinates are clamped before the integer conversion so far off-surface
// corners cannot overflow.
func triangleBounds(t [3]r2.Vec, clip image.Rectangle) image.Rectangle {
	minX, maxX := t[0].X, t[0].X
	minY, maxY := t[0].Y, t[0].Y
	for _, p := range t[1:] {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	clampX := func(v float64) float64 {
		return math.Max(float64(clip.Min.X), math.Min(float64(clip.Max.X), v))
	}
	clampY := func(v float64) float64 {
		return math.Max(float64(clip.Min.Y), math.Min(float64(clip.Max.Y), v))
	}
	return image.Rect(
		int(math.Floor(clampX(minX))), int(math.Floor(clampY(minY))),
		int(math.Ceil(clampX(maxX))), int(math.Ceil(clampY(maxY))),
	).Intersect(clip)
}

// clipPolygon clips a convex polygon to r (Sutherland-Hodgman).
func clipPolygon(poly []r2.Vec, r image.Rectangle) []r2.Vec {
	minX, minY := float64(r.Min.X), float64(r.Min.Y)
	maxX, maxY := float64(r.Max.X), float64(r.Max.Y)
	edges := []struct {
		inside func(p r2.Vec) bool
		cross  func(a, b r2.Vec) r2.Vec
	}{
		{func(p r2.Vec) bool { return p.X >= minX }, func(a, b r2.Vec) r2.Vec { return atX(a, b, minX) }},
		{func(p r2.Vec) bool { return p.X <= maxX }, func(a, b r2.Vec) r2.Vec { return atX(a, b, maxX) }},
		{func(p r2.Vec) bool { return p.Y >= minY }, func(a, b r2.Vec) r2.Vec { return atY(a, b, minY) }},
		{func(p r2.Vec) bool { return p.Y <= maxY }, func(a, b r2.Vec) r2.Vec { return atY(a, b, maxY) }},
	}

	out := poly
	for _, e := range edges {
		if len(out) == 0 {
			break
		}
		in := out
		out = make([]r2.Vec, 0, len(in)+2)
		prev := in[len(in)-1]
		for _, cur := range in {
			switch {
			case e.inside(cur):
				if !e.inside(prev) {
					out = append(out, e.cross(prev, cur))
				}
				out = append(out, cur)
			case e.inside(prev):
				out = append(out, e.cross(prev, cur))
			}
			prev = cur
		}
	}
	return out
}

func atX(a, b r2.Vec, x float64) r2.Vec {
	t := (x - a.X) / (b.X - a.X)
	return r2.Vec{X: x, Y: a.Y + t*(b.Y-a.Y)}
}

func atY(a, b r2.Vec, y float64) r2.Vec {
	t := (y - a.Y) / (b.Y - a.Y)
	return r2.Vec{X: a.X + t*(b.X-a.X), Y: y}
}
