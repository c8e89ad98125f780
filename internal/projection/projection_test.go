package projection

import (
	"math"
	"testing"

	"github.com/andresmejia3/muzzle/internal/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestPerspectiveAtZeroDepth(t *testing.T) {
	p := New(DefaultFocalLength, DefaultZScale)
	if f := p.Perspective(0); f != 1 {
		t.Fatalf("Perspective(0) = %v, want exactly 1", f)
	}

	pt := p.Point(0.25, 0.75, 0, 640, 480)
	if pt.X != 0.25*640 || pt.Y != 0.75*480 {
		t.Errorf("Point = %+v, want (160, 360)", pt)
	}
}

func TestPerspectiveFalloff(t *testing.T) {
	p := New(1500, 800)

	tests := []struct {
		name string
		z    float64
		want float64
	}{
		{"toward camera", -0.1, 1500.0 / 1420.0},
		{"away from camera", 0.1, 1500.0 / 1580.0},
		{"far", 1.875, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Perspective(tt.z); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Perspective(%v) = %v, want %v", tt.z, got, tt.want)
			}
		})
	}
}

func TestProjectScalesAboutOrigin(t *testing.T) {
	p := New(1500, 800)
	var g mesh.Grid
	g[4] = r3.Vec{X: 0.5, Y: 0.5, Z: 1.875}

	out := p.Project(g, 1000, 800)

	// Factor 0.5 halves the pixel coordinate, pulling the point toward (0,0)
	if math.Abs(out[4].X-250) > 1e-9 || math.Abs(out[4].Y-200) > 1e-9 {
		t.Errorf("Projected center = %+v, want (250, 200)", out[4])
	}
	if out[0].X != 0 || out[0].Y != 0 {
		t.Errorf("Origin moved to %+v", out[0])
	}
}

func TestNewDefaults(t *testing.T) {
	p := New(0, DefaultZScale)
	if p.FocalLength != DefaultFocalLength {
		t.Errorf("FocalLength = %v, want default", p.FocalLength)
	}
}
