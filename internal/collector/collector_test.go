package collector

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/calibration.collector/internal/dataset"
	"github.com/banshee-data/calibration.collector/internal/fixed"
	"github.com/banshee-data/calibration.collector/internal/fsutil"
	"github.com/banshee-data/calibration.collector/internal/kinematics"
	"github.com/banshee-data/calibration.collector/internal/monitoring"
	"github.com/banshee-data/calibration.collector/internal/sensor"
	"github.com/banshee-data/calibration.collector/internal/tf"
)

// fakeLabeler records lock traffic into a shared log.
type fakeLabeler struct {
	name   string
	log    *lockLog
	msg    sensor.Message
	labels sensor.Labels
	locked bool
}

type lockLog struct {
	mu     sync.Mutex
	events []string
}

func (l *lockLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (f *fakeLabeler) Lock() {
	f.locked = true
	f.log.add("lock " + f.name)
}

func (f *fakeLabeler) Unlock() {
	f.locked = false
	f.log.add("unlock " + f.name)
}

func (f *fakeLabeler) Message() sensor.Message { return f.msg }
func (f *fakeLabeler) Labels() sensor.Labels   { return f.labels }

type recordingJournal struct {
	attempts []Attempt
	err      error
}

func (j *recordingJournal) RecordAttempt(ctx context.Context, a Attempt) error {
	j.attempts = append(j.attempts, a)
	return j.err
}

type fixture struct {
	fs       *fsutil.MemoryFileSystem
	store    *dataset.Store
	registry *sensor.Registry
	buffer   *tf.Buffer
	log      *lockLog
	labelers map[string]*fakeLabeler
	journal  *recordingJournal
	edges    []kinematics.Edge
}

func stampAt(sec float64) sensor.Stamp {
	return sensor.StampFromTime(time.Unix(0, int64(sec*1e9)))
}

func cameraImage(sec float64) *sensor.Image {
	return &sensor.Image{
		Header:   sensor.Header{Stamp: stampAt(sec), FrameID: "camA_optical"},
		Width:    2,
		Height:   2,
		Encoding: "rgb8",
		Step:     6,
		Data:     []byte{255, 0, 0, 0, 255, 0, 0, 0, 255, 255, 255, 255},
	}
}

func laserScan(sec float64) *sensor.LaserScan {
	return &sensor.LaserScan{
		Header:   sensor.Header{Stamp: stampAt(sec), FrameID: "laser"},
		RangeMax: 30,
		Ranges:   []fixed.Float{1, 2, 3},
	}
}

// newFixture registers camA (Image) and scanB (LaserScan) on the tree
// world -> base_link -> {camA_optical, laser}.
func newFixture(t *testing.T, camSec, scanSec float64) *fixture {
	t.Helper()
	f := &fixture{
		fs:       fsutil.NewMemoryFileSystem(),
		buffer:   tf.NewBuffer(nil, 0),
		log:      &lockLog{},
		labelers: make(map[string]*fakeLabeler),
		journal:  &recordingJournal{},
	}
	for _, link := range [][2]string{{"world", "base_link"}, {"base_link", "camA_optical"}, {"base_link", "laser"}} {
		require.NoError(t, f.buffer.Set(tf.TransformStamped{Parent: link[0], Child: link[1], Transform: tf.Identity()}, true))
	}
	f.edges = []kinematics.Edge{
		kinematics.NewEdge("base_link", "camA_optical"),
		kinematics.NewEdge("base_link", "laser"),
		kinematics.NewEdge("world", "base_link"),
	}

	f.registry = sensor.NewRegistry("world", nil, f.buffer, sensor.Timeouts{})
	require.NoError(t, f.registry.Add(&sensor.Descriptor{Name: "camA", Parent: "camA_optical", Kind: sensor.KindImage}))
	require.NoError(t, f.registry.Add(&sensor.Descriptor{Name: "scanB", Parent: "laser", Kind: sensor.KindLaserScan}))

	f.labelers["camA"] = &fakeLabeler{name: "camA", log: f.log, msg: cameraImage(camSec), labels: sensor.Labels{Detected: true}}
	f.labelers["scanB"] = &fakeLabeler{name: "scanB", log: f.log, msg: laserScan(scanSec), labels: sensor.Labels{Detected: true, Idxs: []int{1}}}

	f.store = dataset.NewStore(f.fs, "out", dataset.New(f.registry.Descriptors(), map[string]any{"world_link": "world"}))
	return f
}

func (f *fixture) collector(t *testing.T) *Collector {
	t.Helper()
	labelers := make(map[string]Labeler, len(f.labelers))
	for name, l := range f.labelers {
		labelers[name] = l
	}
	c, err := New(Options{
		Sensors:                f.registry,
		Labelers:               labelers,
		Edges:                  f.edges,
		Transforms:             f.buffer,
		Store:                  f.store,
		Journal:                f.journal,
		MaxDurationBetweenMsgs: 100 * time.Millisecond,
		TransformTimeout:       10 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) assertUnlocked(t *testing.T) {
	t.Helper()
	for name, l := range f.labelers {
		assert.False(t, l.locked, "labeler %s still locked", name)
	}
}

func quiet(t *testing.T) *[]string {
	t.Helper()
	var lines []string
	var mu sync.Mutex
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, format)
	})
	t.Cleanup(monitoring.Restore)
	return &lines
}

func TestCapture_Accepted(t *testing.T) {
	quiet(t)
	f := newFixture(t, 1000.000, 1000.050)
	c := f.collector(t)

	res, err := c.Capture(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, 0, res.Stamp)
	assert.True(t, res.HasDelta)
	assert.InDelta(t, 0.05, res.MaxDelta.Seconds(), 1e-6)
	assert.True(t, res.CaptureTime.Equal(stampAt(1000.050).Time()), "capture time is the newest stamp")
	require.Equal(t, 1, f.store.Len())

	col, ok := f.store.Collection(0)
	require.True(t, ok)
	ref, ok := col.Data["camA"].(*dataset.ImageRef)
	require.True(t, ok, "camA payload is %T", col.Data["camA"])
	assert.Equal(t, "camA_0.jpg", ref.DataFile)
	assert.Equal(t, "rgb8", ref.Encoding)
	_, ok = col.Data["scanB"].(*sensor.LaserScan)
	assert.True(t, ok, "scanB payload is %T", col.Data["scanB"])

	assert.ElementsMatch(t, []string{"camA", "scanB"}, keys(col.Labels))
	assert.ElementsMatch(t, []string{"base_link-camA_optical", "base_link-laser", "world-base_link"}, keys(col.Transforms))
	assert.Equal(t, "world", col.Transforms["world-base_link"].Parent)

	assert.True(t, f.fs.Exists(filepath.Join("out", "camA_0.jpg")))
	assert.True(t, f.fs.Exists(filepath.Join("out", dataset.DocumentName)))

	assert.Equal(t, []string{"lock camA", "lock scanB", "unlock scanB", "unlock camA"}, f.log.events)
	f.assertUnlocked(t)

	require.Len(t, f.journal.attempts, 1)
	assert.Equal(t, Accepted, f.journal.attempts[0].Outcome)
	assert.Equal(t, 2, f.journal.attempts[0].Sensors)
}

func TestCapture_SnapshotIsACopy(t *testing.T) {
	quiet(t)
	f := newFixture(t, 1000, 1000)
	c := f.collector(t)

	_, err := c.Capture(context.Background())
	require.NoError(t, err)

	f.labelers["scanB"].msg.(*sensor.LaserScan).Ranges[0] = 42
	f.labelers["scanB"].labels.Idxs[0] = 42

	col, _ := f.store.Collection(0)
	assert.Equal(t, fixed.Float(1), col.Data["scanB"].(*sensor.LaserScan).Ranges[0])
	assert.Equal(t, 1, col.Labels["scanB"].Idxs[0])
}

func TestCapture_RejectedOnSkew(t *testing.T) {
	lines := quiet(t)
	f := newFixture(t, 1000.000, 1000.300)
	c := f.collector(t)

	res, err := c.Capture(context.Background())
	require.NoError(t, err, "rejection is not an error")
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, -1, res.Stamp)
	assert.InDelta(t, 0.3, res.MaxDelta.Seconds(), 1e-6)
	assert.Equal(t, 0, f.store.Len())
	assert.Empty(t, f.fs.Files(), "rejected capture must not write files")
	f.assertUnlocked(t)

	assert.True(t, containsPrefix(*lines, "WARN rejecting collection"), "warning expected, got %v", *lines)
	require.Len(t, f.journal.attempts, 1)
	assert.Equal(t, Rejected, f.journal.attempts[0].Outcome)
}

func TestCapture_ThresholdIsInclusive(t *testing.T) {
	quiet(t)
	f := newFixture(t, 1000.0, 1000.1)
	c := f.collector(t)
	// the threshold equals the exact spread of the stamps
	c.opts.MaxDurationBetweenMsgs = stampAt(1000.1).Time().Sub(stampAt(1000.0).Time())

	res, err := c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Outcome)
}

func TestCapture_SingleSensorAlwaysPasses(t *testing.T) {
	quiet(t)
	f := newFixture(t, 1000, 0)
	registry := sensor.NewRegistry("world", nil, f.buffer, sensor.Timeouts{})
	require.NoError(t, registry.Add(&sensor.Descriptor{Name: "camA", Kind: sensor.KindImage}))
	f.registry = registry
	delete(f.labelers, "scanB")
	f.store = dataset.NewStore(f.fs, "out", dataset.New(registry.Descriptors(), nil))

	c := f.collector(t)
	c.opts.MaxDurationBetweenMsgs = 0

	res, err := c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Outcome)
	assert.False(t, res.HasDelta)
	assert.Equal(t, 1, f.store.Len())
}

func TestCapture_StampsIncrease(t *testing.T) {
	quiet(t)
	f := newFixture(t, 1000, 1000.01)
	c := f.collector(t)

	seen := map[string]bool{}
	for want := 0; want < 3; want++ {
		res, err := c.Capture(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, res.Stamp)

		col, _ := f.store.Collection(want)
		file := col.Data["camA"].(*dataset.ImageRef).DataFile
		assert.False(t, seen[file], "image file %s reused", file)
		seen[file] = true
	}
	assert.Equal(t, 3, f.store.Len())
}

func TestCapture_TransformResolutionFailed(t *testing.T) {
	quiet(t)
	f := newFixture(t, 1000, 1000)
	f.edges = append(f.edges, kinematics.NewEdge("base_link", "ghost"))
	c := f.collector(t)

	res, err := c.Capture(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransformResolutionFailed), "got %v", err)
	assert.True(t, errors.Is(err, tf.ErrTimeout), "got %v", err)
	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, 0, f.store.Len())
	assert.Empty(t, f.fs.Files())
	f.assertUnlocked(t)

	require.Len(t, f.journal.attempts, 1)
	assert.Equal(t, Failed, f.journal.attempts[0].Outcome)
	assert.Contains(t, f.journal.attempts[0].Reason, "ghost")

	// the collector stays usable
	c.opts.Edges = f.edges[:3]
	res, err = c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stamp)
}

func TestCapture_ExtrapolationFails(t *testing.T) {
	quiet(t)
	f := newFixture(t, 1000, 1000)
	require.NoError(t, f.buffer.Set(tf.TransformStamped{
		Parent: "laser", Child: "moving", Stamp: time.Unix(500, 0), Transform: tf.Identity(),
	}, false))
	f.edges = append(f.edges, kinematics.NewEdge("laser", "moving"))
	c := f.collector(t)

	_, err := c.Capture(context.Background())
	assert.ErrorIs(t, err, ErrTransformResolutionFailed)
	assert.ErrorIs(t, err, tf.ErrExtrapolation)
}

func TestCapture_UnsupportedKind(t *testing.T) {
	quiet(t)
	f := newFixture(t, 1000, 1000)
	f.labelers["scanB"].msg = &sensor.PointCloud{Header: sensor.Header{Stamp: stampAt(1000)}}
	c := f.collector(t)

	res, err := c.Capture(context.Background())
	assert.ErrorIs(t, err, sensor.ErrUnsupportedMessageKind)
	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, 0, f.store.Len())
	assert.Empty(t, f.fs.Files(), "no image may be written when a payload is invalid")
	f.assertUnlocked(t)
}

func TestCapture_NoMessage(t *testing.T) {
	quiet(t)
	f := newFixture(t, 1000, 1000)
	f.labelers["camA"].msg = nil
	c := f.collector(t)

	_, err := c.Capture(context.Background())
	assert.ErrorIs(t, err, ErrNoMessage)
	f.assertUnlocked(t)
}

func TestCapture_ImageWriteFailure(t *testing.T) {
	quiet(t)
	f := newFixture(t, 1000, 1000)
	f.fs.FailWrites = func(name string) bool { return strings.HasSuffix(name, ".jpg") }
	c := f.collector(t)

	res, err := c.Capture(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, 0, f.store.Len())
	f.assertUnlocked(t)
}

func TestCapture_PersistFailureKeepsCollection(t *testing.T) {
	quiet(t)
	f := newFixture(t, 1000, 1000)
	f.fs.FailWrites = func(name string) bool { return strings.HasSuffix(name, ".json.tmp") }
	c := f.collector(t)

	res, err := c.Capture(context.Background())
	require.Error(t, err)
	assert.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, 0, res.Stamp)
	assert.Equal(t, 1, f.store.Len())
	f.assertUnlocked(t)

	f.fs.FailWrites = nil
	require.NoError(t, f.store.Persist())
	reopened, err := dataset.Open(f.fs, "out")
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())
}

func TestCapture_JournalErrorIsNotFatal(t *testing.T) {
	lines := quiet(t)
	f := newFixture(t, 1000, 1000)
	f.journal.err = errors.New("disk full")
	c := f.collector(t)

	res, err := c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Outcome)
	assert.True(t, containsPrefix(*lines, "WARN could not record capture attempt"))
}

func TestCapture_ConcurrentCallsAreSerialized(t *testing.T) {
	quiet(t)
	f := newFixture(t, 1000, 1000)
	c := f.collector(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Capture(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, f.store.Len())
	for i, col := range f.store.Collections() {
		assert.Equal(t, i, col.Stamp)
	}
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t, 1000, 1000)

	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{
		Sensors:    f.registry,
		Labelers:   map[string]Labeler{"camA": f.labelers["camA"]},
		Transforms: f.buffer,
		Store:      f.store,
	})
	assert.ErrorIs(t, err, ErrMissingLabeler)

	c := f.collector(t)
	assert.Len(t, c.Edges(), 3)
	assert.Equal(t, 100*time.Millisecond, c.MaxDurationBetweenMsgs())
}

func TestOutcome_Text(t *testing.T) {
	for _, o := range []Outcome{Failed, Accepted, Rejected} {
		text, err := o.MarshalText()
		require.NoError(t, err)
		var back Outcome
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, o, back)
	}
	assert.Equal(t, "Outcome(9)", Outcome(9).String())
	var o Outcome
	assert.Error(t, o.UnmarshalText([]byte("maybe")))
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func containsPrefix(lines []string, prefix string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}
