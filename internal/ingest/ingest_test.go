package ingest

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/calibration.collector/internal/bus"
	"github.com/banshee-data/calibration.collector/internal/fsutil"
	"github.com/banshee-data/calibration.collector/internal/monitoring"
	"github.com/banshee-data/calibration.collector/internal/sensor"
	"github.com/banshee-data/calibration.collector/internal/tf"
	"github.com/banshee-data/calibration.collector/internal/timeutil"
)

const scanEnvelope = `{"topic":"/scan","type":"sensor_msgs/LaserScan","msg":{"header":{"seq":4,"stamp":{"secs":1000,"nsecs":50000000},"frame_id":"laser"},"angle_min":-1.5,"angle_max":1.5,"ranges":[1.25,2.5]}}`

const staticTFEnvelope = `{"topic":"/tf_static","type":"tf2_msgs/TFMessage","msg":{"transforms":[` +
	`{"header":{"frame_id":"world"},"child_frame_id":"base_link","transform":{"translation":{"x":1,"y":0,"z":0},"rotation":{"x":0,"y":0,"z":0,"w":1}}},` +
	`{"header":{"frame_id":"base_link"},"child_frame_id":"laser","transform":{"translation":{"x":0,"y":0,"z":0.5},"rotation":{"x":0,"y":0,"z":0,"w":1}}}]}}`

func quiet(t *testing.T) {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(monitoring.Restore)
}

func newDispatcher(t *testing.T) (*Dispatcher, *bus.Hub, *tf.Buffer) {
	t.Helper()
	hub := bus.NewHub(nil)
	t.Cleanup(func() { hub.Close() })
	buf := tf.NewBuffer(nil, 0)
	return NewDispatcher(hub, buf), hub, buf
}

func TestDispatcher_SensorMessage(t *testing.T) {
	d, hub, _ := newDispatcher(t)

	require.NoError(t, d.Handle([]byte(scanEnvelope)))

	msg, ok := hub.Latest("/scan")
	require.True(t, ok)
	scan, ok := msg.(*sensor.LaserScan)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "laser", scan.Header.FrameID)
	assert.Equal(t, sensor.Stamp{Secs: 1000, Nsecs: 50000000}, scan.Header.Stamp)
	assert.Len(t, scan.Ranges, 2)
	assert.Equal(t, uint64(1), d.Stats.Messages.Load())
}

func TestDispatcher_StaticTransforms(t *testing.T) {
	d, _, buf := newDispatcher(t)

	require.NoError(t, d.Handle([]byte(staticTFEnvelope)))
	assert.Equal(t, uint64(2), d.Stats.Transforms.Load())

	chain, err := buf.Chain("world", "laser")
	require.NoError(t, err)
	assert.Equal(t, []string{"world", "base_link", "laser"}, chain)

	got, err := buf.LookupTransform("world", "laser", time.Unix(5000, 0))
	require.NoError(t, err)
	tr := got.TranslationArray()
	assert.InDeltaSlice(t, []float64{1, 0, 0.5}, tr[:], 1e-9)
}

func TestDispatcher_DynamicTransform(t *testing.T) {
	d, _, buf := newDispatcher(t)

	env := `{"topic":"/tf","type":"tf2_msgs/TFMessage","msg":{"transforms":[{"header":{"stamp":{"secs":1000},"frame_id":"odom"},"child_frame_id":"base_link","transform":{"translation":{"x":2},"rotation":{"w":1}}}]}}`
	require.NoError(t, d.Handle([]byte(env)))

	_, err := buf.LookupTransform("odom", "base_link", time.Unix(1000, 0))
	require.NoError(t, err)
	_, err = buf.LookupTransform("odom", "base_link", time.Unix(1001, 0))
	assert.ErrorIs(t, err, tf.ErrExtrapolation)
}

func TestDispatcher_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"not json", `{`, ErrInvalidEnvelope},
		{"missing topic", `{"type":"sensor_msgs/LaserScan","msg":{}}`, ErrInvalidEnvelope},
		{"missing type", `{"topic":"/scan","msg":{}}`, ErrInvalidEnvelope},
		{"unsupported type", `{"topic":"/chatter","type":"std_msgs/String","msg":{"data":"hi"}}`, sensor.ErrUnsupportedMessageKind},
		{"self parent", `{"topic":"/tf","type":"tf2_msgs/TFMessage","msg":{"transforms":[{"header":{"frame_id":"a"},"child_frame_id":"a","transform":{"rotation":{"w":1}}}]}}`, tf.ErrInvalidTransform},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := newDispatcher(t)
			err := d.Handle([]byte(tt.data))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, uint64(1), d.Stats.Dropped.Load())
		})
	}
}

func TestDispatcher_PublishAfterClose(t *testing.T) {
	d, hub, _ := newDispatcher(t)
	require.NoError(t, hub.Close())
	assert.ErrorIs(t, d.Handle([]byte(scanEnvelope)), bus.ErrClosed)
}

func TestReplay(t *testing.T) {
	quiet(t)
	d, hub, buf := newDispatcher(t)

	recording := strings.Join([]string{
		staticTFEnvelope,
		"",
		"not json",
		scanEnvelope,
		`{"topic":"/chatter","type":"std_msgs/String","msg":{}}`,
	}, "\n")

	n, err := Replay(context.Background(), strings.NewReader(recording), d, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(2), d.Stats.Dropped.Load())

	_, ok := hub.Latest("/scan")
	assert.True(t, ok)
	assert.Equal(t, []string{"base_link", "laser", "world"}, buf.Frames())
}

func TestReplay_Realtime(t *testing.T) {
	quiet(t)
	d, hub, _ := newDispatcher(t)
	clock := timeutil.NewManualClock(time.Unix(0, 0))

	first := strings.Replace(scanEnvelope, `"type"`, `"t":10.0,"type"`, 1)
	second := strings.Replace(strings.Replace(scanEnvelope, `"seq":4`, `"seq":5`, 1), `"type"`, `"t":10.5,"type"`, 1)

	done := make(chan int, 1)
	go func() {
		n, _ := Replay(context.Background(), strings.NewReader(first+"\n"+second), d, ReplayOptions{Realtime: true, Clock: clock})
		done <- n
	}()

	require.Eventually(t, func() bool { return clock.PendingTimers() == 1 }, time.Second, time.Millisecond)
	msg, ok := hub.Latest("/scan")
	require.True(t, ok)
	assert.Equal(t, uint32(4), msg.MessageHeader().Seq)

	clock.Advance(500 * time.Millisecond)
	select {
	case n := <-done:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("replay did not finish")
	}
	msg, _ = hub.Latest("/scan")
	assert.Equal(t, uint32(5), msg.MessageHeader().Seq)
}

func TestReplay_Cancelled(t *testing.T) {
	quiet(t)
	d, _, _ := newDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := Replay(ctx, strings.NewReader(scanEnvelope), d, ReplayOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func TestReplayFile(t *testing.T) {
	quiet(t)
	d, _, _ := newDispatcher(t)
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, fs.WriteFile("/rec/run.jsonl", []byte(scanEnvelope+"\n"), 0644))

	n, err := ReplayFile(context.Background(), fs, "/rec/run.jsonl", d, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = ReplayFile(context.Background(), fs, "/rec/missing.jsonl", d, ReplayOptions{})
	assert.Error(t, err)
}

// fakeSocket returns queued datagrams, then read timeouts.
type fakeSocket struct {
	mu      sync.Mutex
	packets [][]byte
	rcvBuf  int
	closed  bool
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (s *fakeSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, net.ErrClosed
	}
	if len(s.packets) == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	n := copy(b, s.packets[0])
	s.packets = s.packets[1:]
	return n, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}, nil
}

func (s *fakeSocket) SetReadBuffer(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rcvBuf = n
	return nil
}

func (s *fakeSocket) SetReadDeadline(time.Time) error { return nil }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) LocalAddr() net.Addr { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7400} }

type fakeFactory struct {
	socket *fakeSocket
	err    error
}

func (f fakeFactory) ListenUDP(string, *net.UDPAddr) (UDPSocket, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.socket, nil
}

func TestUDPListener(t *testing.T) {
	quiet(t)
	d, hub, buf := newDispatcher(t)
	sock := &fakeSocket{packets: [][]byte{[]byte(staticTFEnvelope), []byte("garbage"), []byte(scanEnvelope)}}

	l := NewUDPListener(UDPListenerConfig{
		Address:    "127.0.0.1:7400",
		RcvBuf:     1 << 20,
		Dispatcher: d,
		Sockets:    fakeFactory{socket: sock},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Start(ctx) }()

	require.Eventually(t, func() bool { return d.Stats.Messages.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	_, ok := hub.Latest("/scan")
	assert.True(t, ok)
	assert.Len(t, buf.Frames(), 3)
	assert.Equal(t, uint64(1), d.Stats.Dropped.Load())
	sock.mu.Lock()
	assert.True(t, sock.closed)
	assert.Equal(t, 1<<20, sock.rcvBuf)
	sock.mu.Unlock()
}

func TestUDPListener_ListenError(t *testing.T) {
	d, _, _ := newDispatcher(t)
	l := NewUDPListener(UDPListenerConfig{
		Address:    "127.0.0.1:7400",
		Dispatcher: d,
		Sockets:    fakeFactory{err: errors.New("address in use")},
	})
	assert.Error(t, l.Start(context.Background()))
}
