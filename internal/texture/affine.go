package texture

import (
	"math"

	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/spatial/r2"
)

// DegenerateEpsilon is the smallest source double-area that can be mapped.
const DegenerateEpsilon = 1e-6

// Affine is a 2D affine transform in canvas argument order:
//
//	x' = A*x + C*y + E
//	y' = B*x + D*y + F
type Affine struct {
	A, B, C, D, E, F float64
}

// Apply transforms p.
func (m Affine) Apply(p r2.Vec) r2.Vec {
	return r2.Vec{
		X: m.A*p.X + m.C*p.Y + m.E,
		Y: m.B*p.X + m.D*p.Y + m.F,
	}
}

// Aff3 converts m to the row-major matrix used by golang.org/x/image/draw.
func (m Affine) Aff3() f64.Aff3 {
	return f64.Aff3{
		m.A, m.C, m.E,
		m.B, m.D, m.F,
	}
}

// Det returns the determinant of the linear part.
func (m Affine) Det() float64 {
	return m.A*m.D - m.C*m.B
}

// Invert returns the inverse transform and false if m is singular.
func (m Affine) Invert() (Affine, bool) {
	det := m.Det()
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return Affine{}, false
	}
	inv := 1 / det
	return Affine{
		A: m.D * inv,
		B: -m.B * inv,
		C: -m.C * inv,
		D: m.A * inv,
		E: (m.C*m.F - m.D*m.E) * inv,
		F: (m.B*m.E - m.A*m.F) * inv,
	}, true
}

// SignedArea2 returns twice the signed area of the triangle.
func SignedArea2(t [3]r2.Vec) float64 {
	return t[0].X*(t[1].Y-t[2].Y) +
		t[1].X*(t[2].Y-t[0].Y) +
		t[2].X*(t[0].Y-t[1].Y)
}

// SolveAffine returns the unique transform mapping src[i] onto dst[i].
// It reports false when src is degenerate (|double area| < DegenerateEpsilon).
func SolveAffine(src, dst [3]r2.Vec) (Affine, bool) {
	det := SignedArea2(src)
	if math.Abs(det) < DegenerateEpsilon {
		return Affine{}, false
	}
	s0, s1, s2 := src[0], src[1], src[2]

	// Cramer's rule on [sx sy 1] * [k1 k2 k3]^T = p, once per output axis
	solve := func(p0, p1, p2 float64) (k1, k2, k3 float64) {
		k1 = (p0*(s1.Y-s2.Y) + p1*(s2.Y-s0.Y) + p2*(s0.Y-s1.Y)) / det
		k2 = (p0*(s2.X-s1.X) + p1*(s0.X-s2.X) + p2*(s1.X-s0.X)) / det
		k3 = (p0*(s1.X*s2.Y-s2.X*s1.Y) + p1*(s2.X*s0.Y-s0.X*s2.Y) + p2*(s0.X*s1.Y-s1.X*s0.Y)) / det
		return
	}

	var m Affine
	m.A, m.C, m.E = solve(dst[0].X, dst[1].X, dst[2].X)
	m.B, m.D, m.F = solve(dst[0].Y, dst[1].Y, dst[2].Y)
	return m, true
}

func finite(t [3]r2.Vec) bool {
	for _, p := range t {
		if math.IsNaN(p.X) || math.IsInf(p.X, 0) || math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
			return false
		}
	}
	return true
}
