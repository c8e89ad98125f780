// Package mesh builds the 3x3 control grid the overlay texture is mapped onto.
//
// The grid is derived from seven face landmarks: the nose tip is the center,
// the nose bridge and philtrum give the vertical axis, the nostrils give the
// horizontal axis, and the cheek-to-cheek width scales the horizontal axis.
// Because every grid point is a combination of anchor-relative vectors, the
// mesh follows head rotation and scale without a pose matrix.
package mesh

import (
	"fmt"
	"math"

	"github.com/andresmejia3/muzzle/internal/types"
	"gonum.org/v1/gonum/spatial/r3"
)

// Anchor landmark indices (MediaPipe face mesh topology).
const (
	NoseTip      = 4
	NoseBridge   = 6
	Philtrum     = 13
	LeftNostril  = 132
	RightNostril = 361
	LeftCheek    = 234
	RightCheek   = 454
	RightmostRef = 461 // highest index a landmark set must cover

	// MinLandmarks is the shortest landmark set Build accepts.
	MinLandmarks = RightmostRef + 1
)

// DefaultScaleMultiplier widens the horizontal axis relative to face width.
const DefaultScaleMultiplier = 1.5

// GridPoints is the number of control points in a grid.
const GridPoints = 9

// Grid is a 3x3 control mesh in detector space, row-major from the top-left.
type Grid [GridPoints]r3.Vec

// Triangle names three grid indices bounding one drawable triangle.
type Triangle [3]int

// Triangles splits each of the four grid quads into two triangles.
var Triangles = [8]Triangle{
	{0, 1, 3}, {1, 4, 3}, // top-left
	{1, 2, 4}, {2, 5, 4}, // top-right
	{3, 4, 6}, {4, 7, 6}, // bottom-left
	{4, 5, 7}, {5, 8, 7}, // bottom-right
}

// UV is a normalized texture coordinate.
type UV struct {
	U, V float64
}

// UVs is where each grid index samples the texture.
var UVs = [GridPoints]UV{
	{0, 0}, {0.5, 0}, {1, 0},
	{0, 0.5}, {0.5, 0.5}, {1, 0.5},
	{0, 1}, {0.5, 1}, {1, 1},
}

// Basis holds the anchor-derived vectors a grid is combined from.
type Basis struct {
	Center r3.Vec
	Up     r3.Vec
	Down   r3.Vec
	Left   r3.Vec
	Right  r3.Vec
	Scale  float64
}

// Grid combines the basis into the 9 control points.
func (b Basis) Grid() Grid {
	left := r3.Scale(b.Scale, b.Left)
	right := r3.Scale(b.Scale, b.Right)
	c := b.Center

	return Grid{
		r3.Add(r3.Add(c, b.Up), left),
		r3.Add(c, b.Up),
		r3.Add(r3.Add(c, b.Up), right),
		r3.Add(c, left),
		c,
		r3.Add(c, right),
		r3.Add(r3.Add(c, b.Down), left),
		r3.Add(c, b.Down),
		r3.Add(r3.Add(c, b.Down), right),
	}
}

// Builder derives control grids from landmark sets.
type Builder struct {
	ScaleMultiplier float64
}

// NewBuilder returns a Builder. A non-positive multiplier selects the default.
func NewBuilder(multiplier float64) *Builder {
	if multiplier <= 0 {
		multiplier = DefaultScaleMultiplier
	}
	return &Builder{ScaleMultiplier: multiplier}
}

// Basis extracts the anchor vectors from landmarks.
// Panics if the set is shorter than MinLandmarks.
func (b *Builder) Basis(landmarks types.LandmarkSet) Basis {
	if len(landmarks) < MinLandmarks {
		panic(fmt.Sprintf("mesh: landmark set has %d points, need %d", len(landmarks), MinLandmarks))
	}

	center := vec(landmarks[NoseTip])
	l, r := landmarks[LeftCheek], landmarks[RightCheek]
	faceWidth := math.Hypot(r.X-l.X, r.Y-l.Y)

	return Basis{
		Center: center,
		Up:     r3.Sub(vec(landmarks[NoseBridge]), center),
		Down:   r3.Sub(vec(landmarks[Philtrum]), center),
		Left:   r3.Sub(vec(landmarks[LeftNostril]), center),
		Right:  r3.Sub(vec(landmarks[RightNostril]), center),
		Scale:  faceWidth * b.ScaleMultiplier,
	}
}

// Build returns the control grid for one face.
func (b *Builder) Build(landmarks types.LandmarkSet) Grid {
	return b.Basis(landmarks).Grid()
}

func vec(l types.Landmark) r3.Vec {
	return r3.Vec{X: l.X, Y: l.Y, Z: l.Z}
}
