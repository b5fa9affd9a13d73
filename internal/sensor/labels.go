package sensor

import "github.com/banshee-data/calibration.collector/internal/fixed"

// Corner is one detected pattern corner in image coordinates.
type Corner struct {
	ID int         `json:"id"`
	X  fixed.Float `json:"x"`
	Y  fixed.Float `json:"y"`
}

// Labels annotates one sensor message with calibration pattern features.
// Cameras carry corners; range sensors carry the indices of the points that
// hit the pattern.
type Labels struct {
	Detected bool     `json:"detected"`
	Idxs     []int    `json:"idxs,omitempty"`
	Corners  []Corner `json:"corners,omitempty"`
}

// Clone returns a deep copy of l.
func (l Labels) Clone() Labels {
	c := Labels{Detected: l.Detected}
	if l.Idxs != nil {
		c.Idxs = append([]int(nil), l.Idxs...)
	}
	if l.Corners != nil {
		c.Corners = append([]Corner(nil), l.Corners...)
	}
	return c
}
