package tf

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/calibration.collector/internal/timeutil"
)

// DefaultCacheDuration is how much history a dynamic edge keeps.
const DefaultCacheDuration = 10 * time.Second

// Buffer is an in-memory transform tree that implements Client.
type Buffer struct {
	mu            sync.RWMutex
	clock         timeutil.Clock
	cacheDuration time.Duration
	links         map[string]*link // keyed by child frame
	known         map[string]bool
	changed       chan struct{}
}

type link struct {
	parent  string
	static  bool
	samples []sample // ascending by stamp
}

type sample struct {
	stamp time.Time
	tf    Transform
}

// NewBuffer creates an empty Buffer. A nil clock uses the wall clock and a
// non-positive cacheDuration uses DefaultCacheDuration.
func NewBuffer(clock timeutil.Clock, cacheDuration time.Duration) *Buffer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cacheDuration <= 0 {
		cacheDuration = DefaultCacheDuration
	}
	return &Buffer{
		clock:         clock,
		cacheDuration: cacheDuration,
		links:         make(map[string]*link),
		known:         make(map[string]bool),
		changed:       make(chan struct{}),
	}
}

// Set records a transform. Static transforms are valid at every time and
// replace any previous value; dynamic ones join the edge's history. Giving a
// child a new parent discards the old edge.
func (b *Buffer) Set(ts TransformStamped, static bool) error {
	if ts.Parent == "" || ts.Child == "" {
		return fmt.Errorf("%w: empty frame id (parent %q, child %q)", ErrInvalidTransform, ts.Parent, ts.Child)
	}
	if ts.Parent == ts.Child {
		return fmt.Errorf("%w: frame %q cannot be its own parent", ErrInvalidTransform, ts.Child)
	}
	normalised, err := NewTransform(ts.Transform.TranslationArray(), ts.Transform.RotationArray())
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for f := ts.Parent; ; {
		if f == ts.Child {
			return fmt.Errorf("%w: %s -> %s would create a cycle", ErrInvalidTransform, ts.Parent, ts.Child)
		}
		l, ok := b.links[f]
		if !ok {
			break
		}
		f = l.parent
	}

	l, ok := b.links[ts.Child]
	if !ok || l.parent != ts.Parent || l.static != static {
		l = &link{parent: ts.Parent, static: static}
		b.links[ts.Child] = l
	}

	s := sample{stamp: ts.Stamp, tf: normalised}
	if static {
		l.samples = []sample{s}
	} else {
		i := sort.Search(len(l.samples), func(i int) bool { return !l.samples[i].stamp.Before(s.stamp) })
		if i < len(l.samples) && l.samples[i].stamp.Equal(s.stamp) {
			l.samples[i] = s
		} else {
			l.samples = append(l.samples, sample{})
			copy(l.samples[i+1:], l.samples[i:])
			l.samples[i] = s
		}
		cutoff := l.samples[len(l.samples)-1].stamp.Add(-b.cacheDuration)
		drop := 0
		for drop < len(l.samples)-1 && l.samples[drop].stamp.Before(cutoff) {
			drop++
		}
		l.samples = l.samples[drop:]
	}

	b.known[ts.Parent] = true
	b.known[ts.Child] = true

	close(b.changed)
	b.changed = make(chan struct{})
	return nil
}

// Frames lists every known frame, sorted.
func (b *Buffer) Frames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	frames := make([]string, 0, len(b.known))
	for f := range b.known {
		frames = append(frames, f)
	}
	sort.Strings(frames)
	return frames
}

// LookupTransform returns the pose of source expressed in target at time at.
func (b *Buffer) LookupTransform(target, source string, at time.Time) (Transform, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lookupLocked(target, source, at)
}

// Chain returns the frames on the path from target to source.
func (b *Buffer) Chain(target, source string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	up, down, err := b.pathLocked(target, source)
	if err != nil {
		return nil, err
	}
	chain := make([]string, 0, len(up)+len(down))
	chain = append(chain, up...)
	for i := len(down) - 2; i >= 0; i-- {
		chain = append(chain, down[i])
	}
	return chain, nil
}

// WaitForTransform blocks until the transform is available, the timeout
// expires or ctx is done. The returned timeout error also wraps the last
// lookup failure.
func (b *Buffer) WaitForTransform(ctx context.Context, target, source string, at time.Time, timeout time.Duration) error {
	timer := b.clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.RLock()
		_, err := b.lookupLocked(target, source, at)
		changed := b.changed
		b.mu.RUnlock()

		if err == nil {
			return nil
		}

		select {
		case <-changed:
		case <-timer.C():
			return fmt.Errorf("%w (%s -> %s, %s): %w", ErrTimeout, target, source, timeout, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ancestors returns frame followed by each parent up to the root.
func (b *Buffer) ancestors(frame string) []string {
	path := []string{frame}
	for {
		l, ok := b.links[frame]
		if !ok {
			return path
		}
		frame = l.parent
		path = append(path, frame)
	}
}

// pathLocked returns the target and source ancestor lists, each truncated
// at their closest common ancestor (inclusive).
func (b *Buffer) pathLocked(target, source string) (up, down []string, err error) {
	for _, f := range []string{target, source} {
		if !b.known[f] {
			return nil, nil, fmt.Errorf("%w: %q", ErrLookup, f)
		}
	}

	up = b.ancestors(target)
	down = b.ancestors(source)

	index := make(map[string]int, len(up))
	for i, f := range up {
		index[f] = i
	}
	for j, f := range down {
		if i, ok := index[f]; ok {
			return up[:i+1], down[:j+1], nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %q and %q", ErrConnectivity, target, source)
}

func (b *Buffer) lookupLocked(target, source string, at time.Time) (Transform, error) {
	up, down, err := b.pathLocked(target, source)
	if err != nil {
		return Transform{}, err
	}

	if at.IsZero() {
		at = b.latestCommonTime(up, down)
	}

	ancTarget, err := b.fromAncestor(up, at)
	if err != nil {
		return Transform{}, err
	}
	ancSource, err := b.fromAncestor(down, at)
	if err != nil {
		return Transform{}, err
	}
	return ancTarget.Inverse().Compose(ancSource), nil
}

// fromAncestor composes the pose of path[0] in the last frame of path.
func (b *Buffer) fromAncestor(path []string, at time.Time) (Transform, error) {
	t := Identity()
	for i := len(path) - 2; i >= 0; i-- {
		l := b.links[path[i]]
		edge, err := l.at(at)
		if err != nil {
			return Transform{}, fmt.Errorf("%s -> %s: %w", l.parent, path[i], err)
		}
		t = t.Compose(edge)
	}
	return t, nil
}

// latestCommonTime is the newest time covered by every dynamic edge on the
// path, or the zero time when the path is entirely static.
func (b *Buffer) latestCommonTime(up, down []string) time.Time {
	var latest time.Time
	for _, path := range [][]string{up, down} {
		for _, f := range path[:len(path)-1] {
			l := b.links[f]
			if l.static {
				continue
			}
			newest := l.samples[len(l.samples)-1].stamp
			if latest.IsZero() || newest.Before(latest) {
				latest = newest
			}
		}
	}
	return latest
}

func (l *link) at(t time.Time) (Transform, error) {
	if l.static || t.IsZero() {
		return l.samples[len(l.samples)-1].tf, nil
	}

	first, last := l.samples[0], l.samples[len(l.samples)-1]
	if t.Before(first.stamp) || t.After(last.stamp) {
		return Transform{}, fmt.Errorf("%w: %s not in [%s, %s]", ErrExtrapolation,
			t.Format(time.RFC3339Nano), first.stamp.Format(time.RFC3339Nano), last.stamp.Format(time.RFC3339Nano))
	}

	i := sort.Search(len(l.samples), func(i int) bool { return !l.samples[i].stamp.Before(t) })
	if l.samples[i].stamp.Equal(t) {
		return l.samples[i].tf, nil
	}
	a, c := l.samples[i-1], l.samples[i]
	ratio := float64(t.Sub(a.stamp)) / float64(c.stamp.Sub(a.stamp))
	return interpolate(a.tf, c.tf, ratio), nil
}
