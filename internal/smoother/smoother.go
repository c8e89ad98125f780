// Package smoother applies an exponential moving average to landmark sets,
// one track slot per simultaneously tracked face.
package smoother

import (
	"fmt"

	"github.com/andresmejia3/muzzle/internal/types"
)

const (
	// DefaultAlpha weights the current observation. 1.0 disables smoothing.
	DefaultAlpha = 0.6
	// DefaultCapacity is the number of faces tracked at once.
	DefaultCapacity = 2
)

// Smoother holds the per-slot smoothing state for one session.
// Slots are matched to detections purely by position in the detection result.
type Smoother struct {
	alpha float64
	slots []types.LandmarkSet
}

// New creates a smoother with capacity empty slots.
func New(alpha float64, capacity int) *Smoother {
	if alpha <= 0 || alpha > 1 {
		panic(fmt.Sprintf("smoother: alpha must be in (0,1], got %v", alpha))
	}
	if capacity < 1 {
		panic(fmt.Sprintf("smoother: capacity must be >= 1, got %d", capacity))
	}
	return &Smoother{
		alpha: alpha,
		slots: make([]types.LandmarkSet, capacity),
	}
}

// Capacity returns the number of track slots.
func (s *Smoother) Capacity() int {
	return len(s.slots)
}

// Alpha returns the smoothing factor.
func (s *Smoother) Alpha() float64 {
	return s.alpha
}

// Smooth blends current into the state stored for slot and returns the result.
// The first observation for a slot is stored and returned unchanged.
// Visibility is never smoothed. Panics if slot is out of range.
func (s *Smoother) Smooth(current types.LandmarkSet, slot int) types.LandmarkSet {
	prev := s.slots[slot]
	if prev == nil || len(prev) != len(current) {
		s.slots[slot] = current.Clone()
		return current
	}

	a := s.alpha
	out := make(types.LandmarkSet, len(current))
	for i, c := range current {
		p := prev[i]
		out[i] = types.Landmark{
			X:          a*c.X + (1-a)*p.X,
			Y:          a*c.Y + (1-a)*p.Y,
			Z:          a*c.Z + (1-a)*p.Z,
			Visibility: c.Visibility,
		}
	}
	s.slots[slot] = out
	return out
}

// Slot returns a copy of the state stored for slot and whether it is seeded.
func (s *Smoother) Slot(slot int) (types.LandmarkSet, bool) {
	st := s.slots[slot]
	if st == nil {
		return nil, false
	}
	return st.Clone(), true
}

// Reset empties every slot.
func (s *Smoother) Reset() {
	for i := range s.slots {
		s.slots[i] = nil
	}
}
