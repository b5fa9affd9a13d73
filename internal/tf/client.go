package tf

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLookup reports a frame the tree has never seen.
	ErrLookup = errors.New("tf: unknown frame")
	// ErrConnectivity reports two frames that are not in the same tree.
	ErrConnectivity = errors.New("tf: frames are not connected")
	// ErrExtrapolation reports a time outside the buffered history of an edge.
	ErrExtrapolation = errors.New("tf: extrapolation outside buffered history")
	// ErrTimeout reports a bounded wait that expired.
	ErrTimeout = errors.New("tf: timed out waiting for transform")
	// ErrInvalidTransform reports a malformed transform or tree edit.
	ErrInvalidTransform = errors.New("tf: invalid transform")
)

// Client answers pose queries against the transform tree.
//
// A zero time.Time stands for the latest time at which every edge on the
// path has data.
type Client interface {
	// WaitForTransform blocks until LookupTransform(target, source, at) would
	// succeed, the timeout expires (ErrTimeout) or ctx is done.
	WaitForTransform(ctx context.Context, target, source string, at time.Time, timeout time.Duration) error

	// LookupTransform returns the pose of source expressed in target.
	LookupTransform(target, source string, at time.Time) (Transform, error)

	// Frames lists every known frame, sorted.
	Frames() []string

	// Chain returns the frames on the path from target to source, both
	// included. When target is an ancestor of source every adjacent pair is
	// a (parent, child) link.
	Chain(target, source string) ([]string, error)
}
