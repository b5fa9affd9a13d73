// Package ingest feeds the message bus and the transform buffer from an
// external transport: JSON envelopes received over UDP or replayed from a
// JSON-lines recording.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/calibration.collector/internal/fixed"
	"github.com/banshee-data/calibration.collector/internal/monitoring"
	"github.com/banshee-data/calibration.collector/internal/sensor"
	"github.com/banshee-data/calibration.collector/internal/tf"
)

// TFMessageType is the envelope type carrying transforms.
const TFMessageType = "tf2_msgs/TFMessage"

// StaticTFTopic carries transforms that never change.
const StaticTFTopic = "/tf_static"

// ErrInvalidEnvelope reports an envelope without topic or type.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is one message on the wire.
type Envelope struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	// Time is the receive time in seconds, used to pace replays.
	Time *fixed.Float    `json:"t,omitempty"`
	Msg  json.RawMessage `json:"msg"`
}

// Publisher is the part of the message bus ingest writes to.
type Publisher interface {
	Publish(topic string, msg sensor.Message) error
}

// TransformSink stores received transforms.
type TransformSink interface {
	Set(ts tf.TransformStamped, static bool) error
}

type vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type transformStamped struct {
	Header       sensor.Header `json:"header"`
	ChildFrameID string        `json:"child_frame_id"`
	Transform    struct {
		Translation vector3    `json:"translation"`
		Rotation    quaternion `json:"rotation"`
	} `json:"transform"`
}

type tfMessage struct {
	Transforms []transformStamped `json:"transforms"`
}

// Stats counts what a Dispatcher has seen.
type Stats struct {
	Envelopes  atomic.Uint64
	Messages   atomic.Uint64
	Transforms atomic.Uint64
	Dropped    atomic.Uint64
}

// Log reports the counters through monitoring.Logf.
func (s *Stats) Log() {
	monitoring.Logf("ingest: %d envelopes, %d messages, %d transforms, %d dropped",
		s.Envelopes.Load(), s.Messages.Load(), s.Transforms.Load(), s.Dropped.Load())
}

// Dispatcher decodes envelopes and routes them to the bus or the
// transform buffer.
type Dispatcher struct {
	pub   Publisher
	tfs   TransformSink
	Stats Stats
}

func NewDispatcher(pub Publisher, tfs TransformSink) *Dispatcher {
	return &Dispatcher{pub: pub, tfs: tfs}
}

// Handle decodes one serialized envelope.
func (d *Dispatcher) Handle(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.Stats.Dropped.Add(1)
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return d.Dispatch(env)
}

// Dispatch routes a decoded envelope. A TFMessage with several transforms
// stores the valid ones and reports the first failure.
func (d *Dispatcher) Dispatch(env Envelope) error {
	d.Stats.Envelopes.Add(1)
	if env.Topic == "" || env.Type == "" {
		d.Stats.Dropped.Add(1)
		return fmt.Errorf("%w: topic %q, type %q", ErrInvalidEnvelope, env.Topic, env.Type)
	}

	if env.Type == TFMessageType {
		return d.dispatchTF(env)
	}

	msg, err := sensor.DecodeMessage(env.Type, env.Msg)
	if err != nil {
		d.Stats.Dropped.Add(1)
		return fmt.Errorf("%s: %w", env.Topic, err)
	}
	if err := d.pub.Publish(env.Topic, msg); err != nil {
		d.Stats.Dropped.Add(1)
		return fmt.Errorf("publish %s: %w", env.Topic, err)
	}
	d.Stats.Messages.Add(1)
	return nil
}

func (d *Dispatcher) dispatchTF(env Envelope) error {
	var m tfMessage
	if err := json.Unmarshal(env.Msg, &m); err != nil {
		d.Stats.Dropped.Add(1)
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}

	static := env.Topic == StaticTFTopic
	var first error
	for _, ts := range m.Transforms {
		t := ts.Transform
		tr, err := tf.NewTransform(
			[3]float64{t.Translation.X, t.Translation.Y, t.Translation.Z},
			[4]float64{t.Rotation.X, t.Rotation.Y, t.Rotation.Z, t.Rotation.W},
		)
		if err == nil {
			err = d.tfs.Set(tf.TransformStamped{
				Parent:    ts.Header.FrameID,
				Child:     ts.ChildFrameID,
				Stamp:     stampTime(ts.Header.Stamp),
				Transform: tr,
			}, static)
		}
		if err != nil {
			d.Stats.Dropped.Add(1)
			if first == nil {
				first = fmt.Errorf("%s %s->%s: %w", env.Topic, ts.Header.FrameID, ts.ChildFrameID, err)
			}
			continue
		}
		d.Stats.Transforms.Add(1)
	}
	return first
}

// stampTime maps the zero stamp to the zero time, which static transforms
// commonly carry.
func stampTime(s sensor.Stamp) time.Time {
	if s.Secs == 0 && s.Nsecs == 0 {
		return time.Time{}
	}
	return s.Time()
}
