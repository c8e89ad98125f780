package smoother

import (
	"math"
	"testing"

	"github.com/andresmejia3/muzzle/internal/types"
)

func TestSmoothSeed(t *testing.T) {
	s := New(DefaultAlpha, DefaultCapacity)
	in := types.LandmarkSet{{X: 0.1, Y: 0.2, Z: -0.3, Visibility: 0.9}}

	out := s.Smooth(in, 0)
	if len(out) != 1 || out[0] != in[0] {
		t.Fatalf("Expected seed to return input unchanged, got %+v", out)
	}

	stored, ok := s.Slot(0)
	if !ok {
		t.Fatal("Expected slot 0 to be seeded")
	}
	if stored[0] != in[0] {
		t.Errorf("Expected stored %+v, got %+v", in[0], stored[0])
	}

	// Mutating the caller's slice must not leak into the slot
	in[0].X = 42
	stored, _ = s.Slot(0)
	if stored[0].X != 0.1 {
		t.Errorf("Slot aliased caller slice, X = %v", stored[0].X)
	}

	if _, ok := s.Slot(1); ok {
		t.Error("Expected slot 1 to stay empty")
	}
}

func TestSmoothFormula(t *testing.T) {
	s := New(0.6, 2)
	s.Smooth(types.LandmarkSet{{X: 10, Y: 100, Z: -4, Visibility: 0.1}}, 0)

	out := s.Smooth(types.LandmarkSet{{X: 20, Y: 50, Z: 6, Visibility: 0.75}}, 0)

	if out[0].X != 16 {
		t.Errorf("X = %v, want 16", out[0].X)
	}
	// 0.6*50 + 0.4*100 = 70
	if math.Abs(out[0].Y-70) > 1e-12 {
		t.Errorf("Y = %v, want 70", out[0].Y)
	}
	// 0.6*6 + 0.4*-4 = 2
	if math.Abs(out[0].Z-2) > 1e-12 {
		t.Errorf("Z = %v, want 2", out[0].Z)
	}
	if out[0].Visibility != 0.75 {
		t.Errorf("Visibility = %v, want current value 0.75", out[0].Visibility)
	}

	// Next observation blends against the smoothed value, not the raw one
	out = s.Smooth(types.LandmarkSet{{X: 16}}, 0)
	if math.Abs(out[0].X-16) > 1e-12 {
		t.Errorf("Expected steady state at 16, got %v", out[0].X)
	}
}

func TestSmoothSlotsAreIndependent(t *testing.T) {
	s := New(0.5, 2)
	s.Smooth(types.LandmarkSet{{X: 0}}, 0)
	s.Smooth(types.LandmarkSet{{X: 100}}, 1)

	a := s.Smooth(types.LandmarkSet{{X: 10}}, 0)
	b := s.Smooth(types.LandmarkSet{{X: 0}}, 1)

	if a[0].X != 5 {
		t.Errorf("slot 0 X = %v, want 5", a[0].X)
	}
	if b[0].X != 50 {
		t.Errorf("slot 1 X = %v, want 50", b[0].X)
	}
}

func TestSmoothLengthChangeReseeds(t *testing.T) {
	s := New(0.5, 1)
	s.Smooth(types.LandmarkSet{{X: 0}}, 0)

	in := types.LandmarkSet{{X: 10}, {X: 20}}
	out := s.Smooth(in, 0)
	if out[0].X != 10 || out[1].X != 20 {
		t.Errorf("Expected re-seed with current set, got %+v", out)
	}
}

func TestReset(t *testing.T) {
	s := New(DefaultAlpha, 3)
	for i := 0; i < 3; i++ {
		s.Smooth(types.LandmarkSet{{X: float64(i)}}, i)
	}
	s.Reset()
	for i := 0; i < s.Capacity(); i++ {
		if _, ok := s.Slot(i); ok {
			t.Errorf("slot %d still seeded after Reset", i)
		}
	}
}

func TestSmoothOutOfRangePanics(t *testing.T) {
	s := New(DefaultAlpha, DefaultCapacity)
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for slot beyond capacity")
		}
	}()
	s.Smooth(types.LandmarkSet{{}}, DefaultCapacity)
}

func TestNewRejectsBadAlpha(t *testing.T) {
	for _, alpha := range []float64{0, -0.1, 1.5} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Expected panic for alpha %v", alpha)
				}
			}()
			New(alpha, 1)
		}()
	}
}
