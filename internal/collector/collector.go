// Package collector takes synchronized snapshots of every sensor's message,
// labels and transforms and appends them to the dataset.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/calibration.collector/internal/dataset"
	"github.com/banshee-data/calibration.collector/internal/kinematics"
	"github.com/banshee-data/calibration.collector/internal/monitoring"
	"github.com/banshee-data/calibration.collector/internal/sensor"
	"github.com/banshee-data/calibration.collector/internal/tf"
	"github.com/banshee-data/calibration.collector/internal/timeutil"
)

var (
	// ErrTransformResolutionFailed reports a transform edge that could not
	// be resolved at the capture time.
	ErrTransformResolutionFailed = errors.New("transform resolution failed")
	// ErrNoMessage reports a sensor whose labeler has not received anything.
	ErrNoMessage = errors.New("sensor has no message")
	// ErrMissingLabeler reports a registered sensor without a labeler.
	ErrMissingLabeler = errors.New("no labeler for sensor")
)

// Labeler is the per-sensor state a capture snapshots. Message and Labels
// are only called while the lock is held.
type Labeler interface {
	Lock()
	Unlock()
	Message() sensor.Message
	Labels() sensor.Labels
}

// SensorSet is the registry of sensors taking part in captures.
type SensorSet interface {
	Names() []string
	Get(name string) (*sensor.Descriptor, bool)
}

// Journal records every capture attempt.
type Journal interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}

// Options configures a Collector. Journal and Clock are optional.
type Options struct {
	Sensors    SensorSet
	Labelers   map[string]Labeler
	Edges      []kinematics.Edge
	Transforms tf.Client
	Store      *dataset.Store
	Journal    Journal
	Clock      timeutil.Clock

	// MaxDurationBetweenMsgs is the largest accepted spread between the
	// sensors' message stamps.
	MaxDurationBetweenMsgs time.Duration
	// TransformTimeout bounds the wait for each edge.
	TransformTimeout time.Duration
}

// Collector runs capture attempts. Attempts are serialized.
type Collector struct {
	opts Options

	mu sync.Mutex
}

// New validates opts and returns a Collector.
func New(opts Options) (*Collector, error) {
	if opts.Sensors == nil || opts.Transforms == nil || opts.Store == nil {
		return nil, fmt.Errorf("collector: sensors, transforms and store are required")
	}
	for _, name := range opts.Sensors.Names() {
		if _, ok := opts.Labelers[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingLabeler, name)
		}
	}
	if opts.MaxDurationBetweenMsgs < 0 {
		return nil, fmt.Errorf("collector: negative MaxDurationBetweenMsgs %s", opts.MaxDurationBetweenMsgs)
	}
	if opts.TransformTimeout <= 0 {
		opts.TransformTimeout = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Collector{opts: opts}, nil
}

// Edges returns the transform edges recorded in every collection.
func (c *Collector) Edges() []kinematics.Edge {
	return append([]kinematics.Edge(nil), c.opts.Edges...)
}

// MaxDurationBetweenMsgs returns the configured skew threshold.
func (c *Collector) MaxDurationBetweenMsgs() time.Duration {
	return c.opts.MaxDurationBetweenMsgs
}

type snapshot struct {
	name   string
	desc   *sensor.Descriptor
	msg    sensor.Message
	labels sensor.Labels
}

// Capture takes one collection. A capture whose message stamps are too far
// apart is rejected with a nil error and leaves the dataset unchanged, as
// does any failure before the commit. When the collection was appended but
// the document could not be written, the Accepted result is returned along
// with the error, and persisting again later is safe.
func (c *Collector) Capture(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.opts.Clock.Now()
	res, err := c.capture(ctx)
	c.record(ctx, start, res, err)
	return res, err
}

func (c *Collector) capture(ctx context.Context) (Result, error) {
	names := c.opts.Sensors.Names()

	// Locks are taken in sorted name order and all released on return.
	for _, name := range names {
		l := c.opts.Labelers[name]
		l.Lock()
		defer l.Unlock()
	}

	snaps := make([]snapshot, 0, len(names))
	for _, name := range names {
		desc, ok := c.opts.Sensors.Get(name)
		if !ok {
			return failed(fmt.Errorf("sensor %s vanished from the registry", name))
		}
		l := c.opts.Labelers[name]
		msg := l.Message()
		if msg == nil {
			return failed(fmt.Errorf("%w: %s", ErrNoMessage, name))
		}
		snaps = append(snaps, snapshot{name: name, desc: desc, msg: msg.Clone(), labels: l.Labels().Clone()})
	}

	res := audit(snaps)
	if res.HasDelta && res.MaxDelta > c.opts.MaxDurationBetweenMsgs {
		res.Outcome = Rejected
		res.Reason = fmt.Sprintf("max delta %s exceeds %s", res.MaxDelta, c.opts.MaxDurationBetweenMsgs)
		monitoring.Warnf("rejecting collection: max delta between msgs %.6fs is above the allowed %.6fs",
			res.MaxDelta.Seconds(), c.opts.MaxDurationBetweenMsgs.Seconds())
		return res, nil
	}

	transforms, err := c.resolveTransforms(ctx, res.CaptureTime)
	if err != nil {
		return fail(res, err)
	}

	stamp := c.opts.Store.NextStamp()
	col, err := c.assemble(stamp, snaps)
	if err != nil {
		return fail(res, err)
	}
	col.Transforms = transforms

	if err := c.opts.Store.Append(col); err != nil {
		c.removeImages(col)
		return fail(res, err)
	}
	res.Outcome = Accepted
	res.Stamp = stamp
	monitoring.Logf("collected data stamp %d (%d sensors, %d transforms, max delta %s)", stamp, len(snaps), len(transforms), res.MaxDelta)

	if err := c.opts.Store.Persist(); err != nil {
		monitoring.Errorf("collection %d kept in memory but not saved: %v", stamp, err)
		res.Reason = err.Error()
		return res, err
	}
	return res, nil
}

// audit computes the spread of the message stamps and the capture time.
// The capture time is the newest stamp.
func audit(snaps []snapshot) Result {
	res := Result{Stamp: -1}
	var oldest, newest time.Time
	for i, s := range snaps {
		t := s.msg.MessageHeader().Stamp.Time()
		if i == 0 || t.Before(oldest) {
			oldest = t
		}
		if i == 0 || t.After(newest) {
			newest = t
		}
	}
	res.CaptureTime = newest
	if len(snaps) > 1 {
		res.HasDelta = true
		res.MaxDelta = newest.Sub(oldest)
	}
	return res
}

func (c *Collector) resolveTransforms(ctx context.Context, at time.Time) (map[string]dataset.Transform, error) {
	out := make(map[string]dataset.Transform, len(c.opts.Edges))
	for _, e := range c.opts.Edges {
		if err := c.opts.Transforms.WaitForTransform(ctx, e.Parent, e.Child, at, c.opts.TransformTimeout); err != nil {
			return nil, fmt.Errorf("%w: %s -> %s at %.6f: %w", ErrTransformResolutionFailed, e.Parent, e.Child, seconds(at), err)
		}
		t, err := c.opts.Transforms.LookupTransform(e.Parent, e.Child, at)
		if err != nil {
			return nil, fmt.Errorf("%w: %s -> %s at %.6f: %w", ErrTransformResolutionFailed, e.Parent, e.Child, seconds(at), err)
		}
		out[e.Key] = dataset.NewTransform(e.Parent, e.Child, t)
	}
	return out, nil
}

// assemble builds the collection's payloads. Every payload is checked
// before the first image is written; images already written are removed
// if a later one fails.
func (c *Collector) assemble(stamp int, snaps []snapshot) (*dataset.Collection, error) {
	col := &dataset.Collection{
		Stamp:  stamp,
		Data:   make(map[string]dataset.SensorData, len(snaps)),
		Labels: make(map[string]sensor.Labels, len(snaps)),
	}

	images := make(map[string]*sensor.Image)
	for _, s := range snaps {
		switch s.desc.Kind {
		case sensor.KindImage:
			img, ok := s.msg.(*sensor.Image)
			if !ok {
				return nil, kindMismatch(s)
			}
			images[s.name] = img
		case sensor.KindLaserScan:
			scan, ok := s.msg.(*sensor.LaserScan)
			if !ok {
				return nil, kindMismatch(s)
			}
			col.Data[s.name] = scan
		case sensor.KindPointCloud:
			cloud, ok := s.msg.(*sensor.PointCloud)
			if !ok {
				return nil, kindMismatch(s)
			}
			col.Data[s.name] = cloud
		default:
			return nil, fmt.Errorf("%w: sensor %s has kind %s", sensor.ErrUnsupportedMessageKind, s.name, s.desc.Kind)
		}
		col.Labels[s.name] = s.labels
	}

	for _, s := range snaps {
		img, ok := images[s.name]
		if !ok {
			continue
		}
		file, err := c.opts.Store.WriteImage(s.name, stamp, img)
		if err != nil {
			c.removeImages(col)
			return nil, err
		}
		col.Data[s.name] = dataset.NewImageRef(img, file)
	}
	return col, nil
}

func (c *Collector) removeImages(col *dataset.Collection) {
	for name, d := range col.Data {
		ref, ok := d.(*dataset.ImageRef)
		if !ok {
			continue
		}
		if err := c.opts.Store.RemoveFile(ref.DataFile); err != nil {
			monitoring.Warnf("could not remove image %s of sensor %s: %v", ref.DataFile, name, err)
		}
	}
}

func kindMismatch(s snapshot) error {
	return fmt.Errorf("%w: sensor %s registered as %s got %s", sensor.ErrUnsupportedMessageKind, s.name, s.desc.Kind, s.msg.TypeName())
}

func failed(err error) (Result, error) {
	return fail(Result{Stamp: -1}, err)
}

func fail(res Result, err error) (Result, error) {
	res.Outcome = Failed
	res.Stamp = -1
	res.Reason = err.Error()
	monitoring.Errorf("collection failed: %v", err)
	return res, err
}

func (c *Collector) record(ctx context.Context, start time.Time, res Result, err error) {
	if c.opts.Journal == nil {
		return
	}
	a := Attempt{
		Time:        start,
		Outcome:     res.Outcome,
		Stamp:       res.Stamp,
		MaxDelta:    res.MaxDelta,
		HasDelta:    res.HasDelta,
		CaptureTime: res.CaptureTime,
		Sensors:     len(c.opts.Sensors.Names()),
		Reason:      res.Reason,
		Duration:    c.opts.Clock.Now().Sub(start),
	}
	if err != nil && a.Reason == "" {
		a.Reason = err.Error()
	}
	if jerr := c.opts.Journal.RecordAttempt(context.WithoutCancel(ctx), a); jerr != nil {
		monitoring.Warnf("could not record capture attempt: %v", jerr)
	}
}

func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
