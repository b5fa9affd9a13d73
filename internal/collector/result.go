package collector

import (
	"fmt"
	"time"
)

// Outcome classifies a capture attempt.
type Outcome int

const (
	// Failed attempts left the dataset unchanged because of an error.
	Failed Outcome = iota
	// Accepted attempts appended a collection.
	Accepted
	// Rejected attempts had message stamps too far apart.
	Rejected
)

var outcomeNames = [...]string{
	Failed:   "failed",
	Accepted: "accepted",
	Rejected: "rejected",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

func (o Outcome) MarshalText() ([]byte, error) {
	if o < 0 || int(o) >= len(outcomeNames) {
		return nil, fmt.Errorf("unknown outcome %d", int(o))
	}
	return []byte(outcomeNames[o]), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	for i, n := range outcomeNames {
		if n == string(text) {
			*o = Outcome(i)
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", text)
}

// Result describes one capture attempt.
type Result struct {
	Outcome Outcome `json:"outcome"`
	// Stamp is the data stamp of the new collection, or -1.
	Stamp int `json:"stamp"`
	// MaxDelta is only meaningful when HasDelta is set, which needs at
	// least two sensors.
	MaxDelta    time.Duration `json:"max_delta"`
	HasDelta    bool          `json:"has_delta"`
	CaptureTime time.Time     `json:"capture_time"`
	Reason      string        `json:"reason,omitempty"`
}

// Attempt is the journal entry of a capture attempt.
type Attempt struct {
	Time        time.Time
	Outcome     Outcome
	Stamp       int
	MaxDelta    time.Duration
	HasDelta    bool
	CaptureTime time.Time
	Sensors     int
	Duration    time.Duration
	Reason      string
}
