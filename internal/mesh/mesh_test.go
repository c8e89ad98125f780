package mesh

import (
	"math"
	"testing"

	"github.com/andresmejia3/muzzle/internal/types"
	"gonum.org/v1/gonum/spatial/r3"
)

func near(a, b r3.Vec) bool {
	const eps = 1e-12
	return math.Abs(a.X-b.X) < eps && math.Abs(a.Y-b.Y) < eps && math.Abs(a.Z-b.Z) < eps
}

func TestBasisGrid(t *testing.T) {
	b := Basis{
		Center: r3.Vec{},
		Up:     r3.Vec{Y: -0.1},
		Down:   r3.Vec{Y: 0.1},
		Left:   r3.Vec{X: -0.05},
		Right:  r3.Vec{X: 0.05},
		Scale:  1,
	}
	g := b.Grid()

	want := Grid{
		{X: -0.05, Y: -0.1}, {Y: -0.1}, {X: 0.05, Y: -0.1},
		{X: -0.05}, {}, {X: 0.05},
		{X: -0.05, Y: 0.1}, {Y: 0.1}, {X: 0.05, Y: 0.1},
	}
	for i := range want {
		if !near(g[i], want[i]) {
			t.Errorf("grid[%d] = %+v, want %+v", i, g[i], want[i])
		}
	}
}

func TestBasisGridScalesHorizontalOnly(t *testing.T) {
	b := Basis{
		Center: r3.Vec{X: 0.5, Y: 0.5, Z: 0.01},
		Up:     r3.Vec{Y: -0.1, Z: 0.02},
		Down:   r3.Vec{Y: 0.1},
		Left:   r3.Vec{X: -0.05, Z: 0.01},
		Right:  r3.Vec{X: 0.05},
		Scale:  2,
	}
	g := b.Grid()

	if want := (r3.Vec{X: 0.4, Y: 0.4, Z: 0.05}); !near(g[0], want) {
		t.Errorf("grid[0] = %+v, want %+v", g[0], want)
	}
	if want := (r3.Vec{X: 0.5, Y: 0.6, Z: 0.01}); !near(g[7], want) {
		t.Errorf("grid[7] = %+v, want %+v", g[7], want)
	}
	if !near(g[4], b.Center) {
		t.Errorf("grid[4] = %+v, want center", g[4])
	}
}

// faceSet builds a landmark set with the anchors placed around (0.5, 0.5).
func faceSet() types.LandmarkSet {
	set := make(types.LandmarkSet, MinLandmarks)
	set[NoseTip] = types.Landmark{X: 0.5, Y: 0.5, Z: -0.05}
	set[NoseBridge] = types.Landmark{X: 0.5, Y: 0.4, Z: -0.03}
	set[Philtrum] = types.Landmark{X: 0.5, Y: 0.58, Z: -0.04}
	set[LeftNostril] = types.Landmark{X: 0.46, Y: 0.52, Z: -0.02}
	set[RightNostril] = types.Landmark{X: 0.54, Y: 0.52, Z: -0.02}
	set[LeftCheek] = types.Landmark{X: 0.3, Y: 0.5}
	set[RightCheek] = types.Landmark{X: 0.7, Y: 0.5}
	return set
}

func TestBuilderBasis(t *testing.T) {
	b := NewBuilder(0)
	if b.ScaleMultiplier != DefaultScaleMultiplier {
		t.Fatalf("Expected default multiplier, got %v", b.ScaleMultiplier)
	}

	basis := b.Basis(faceSet())

	// faceWidth = 0.4, scale = 0.4 * 1.5
	if math.Abs(basis.Scale-0.6) > 1e-12 {
		t.Errorf("Scale = %v, want 0.6", basis.Scale)
	}
	if !near(basis.Up, r3.Vec{Y: -0.1, Z: 0.02}) {
		t.Errorf("Up = %+v", basis.Up)
	}
	if !near(basis.Left, r3.Vec{X: -0.04, Y: 0.02, Z: 0.03}) {
		t.Errorf("Left = %+v", basis.Left)
	}
}

func TestBuilderFaceWidthIgnoresDepth(t *testing.T) {
	set := faceSet()
	set[LeftCheek].Z = 5
	set[RightCheek].Z = -5

	basis := NewBuilder(1).Basis(set)
	if math.Abs(basis.Scale-0.4) > 1e-12 {
		t.Errorf("Scale = %v, want 0.4 (x,y distance only)", basis.Scale)
	}
}

func TestBuildCenter(t *testing.T) {
	g := NewBuilder(DefaultScaleMultiplier).Build(faceSet())
	if !near(g[4], r3.Vec{X: 0.5, Y: 0.5, Z: -0.05}) {
		t.Errorf("center = %+v", g[4])
	}
}

func TestBuildShortSetPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for short landmark set")
		}
	}()
	NewBuilder(1).Build(make(types.LandmarkSet, MinLandmarks-1))
}

func TestTablesShareLayout(t *testing.T) {
	seen := map[int]bool{}
	for _, tri := range Triangles {
		for _, idx := range tri {
			if idx < 0 || idx >= GridPoints {
				t.Fatalf("triangle index %d out of range", idx)
			}
			seen[idx] = true
		}
	}
	if len(seen) != GridPoints {
		t.Errorf("Triangles cover %d grid points, want %d", len(seen), GridPoints)
	}
}
