package types

// Landmark is one normalized facial point as reported by the detector.
// X and Y are in [0,1] surface space, Z is a signed depth in detector units.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// LandmarkSet is the ordered landmark list for one detected face.
// Index k always denotes the same anatomical point.
type LandmarkSet []Landmark

// Clone returns an independent copy of the set.
func (s LandmarkSet) Clone() LandmarkSet {
	if s == nil {
		return nil
	}
	out := make(LandmarkSet, len(s))
	copy(out, s)
	return out
}

// Mode selects how the detector treats consecutive inputs.
type Mode string

const (
	ModeImage Mode = "image"
	ModeVideo Mode = "video"
)

// DetectorConfig is sent to the detector process once, at initialization.
type DetectorConfig struct {
	MaxFaces               int     `json:"max_faces"`
	MinDetectionConfidence float64 `json:"min_detection_confidence"`
	OutputTransform        bool    `json:"output_transform"`
	Mode                   Mode    `json:"mode"`
}
