// Package labeler keeps, per sensor, the most recent message and the labels
// currently attached to it.
package labeler

import (
	"context"
	"sync"

	"github.com/banshee-data/calibration.collector/internal/monitoring"
	"github.com/banshee-data/calibration.collector/internal/sensor"
)

// Subscriber is the part of the message bus a labeler listens on.
type Subscriber interface {
	Subscribe(topic string) (string, <-chan sensor.Message)
	Unsubscribe(id string)
	Latest(topic string) (sensor.Message, bool)
}

// Labeler holds the latest message of one sensor and its labels. Lock
// freezes both so a consumer can read a consistent pair; incoming messages
// wait until Unlock.
//
// Labels are kept when a new message arrives: they describe the pattern,
// which stays put while a collection is taken.
type Labeler struct {
	name  string
	topic string

	mu     sync.Mutex
	msg    sensor.Message
	labels sensor.Labels
	seq    uint64

	// set by Attach, consumed by Run
	subID string
	sub   <-chan sensor.Message
}

// New creates a labeler for the named sensor. The first message, typically
// the one seen during registration, may be nil.
func New(name, topic string, first sensor.Message) *Labeler {
	l := &Labeler{name: name, topic: topic}
	if first != nil {
		l.msg = first
		l.seq = 1
	}
	return l
}

func (l *Labeler) Name() string  { return l.name }
func (l *Labeler) Topic() string { return l.topic }

// Lock blocks until the labeler is free and holds it.
func (l *Labeler) Lock() { l.mu.Lock() }

// Unlock releases a labeler held by Lock.
func (l *Labeler) Unlock() { l.mu.Unlock() }

// Message returns the current message. The caller must hold the lock.
func (l *Labeler) Message() sensor.Message { return l.msg }

// Labels returns the current labels. The caller must hold the lock.
func (l *Labeler) Labels() sensor.Labels { return l.labels }

// Update replaces the current message.
func (l *Labeler) Update(msg sensor.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msg = msg
	l.seq++
}

// SetLabels replaces the current labels.
func (l *Labeler) SetLabels(labels sensor.Labels) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.labels = labels.Clone()
}

// Snapshot is a copy of a labeler's state.
type Snapshot struct {
	Sensor   string         `json:"sensor"`
	Topic    string         `json:"topic"`
	Messages uint64         `json:"messages"`
	Header   *sensor.Header `json:"header,omitempty"`
	Labels   sensor.Labels  `json:"labels"`
}

// Snapshot returns a copy of the current state without the message payload.
func (l *Labeler) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		Sensor:   l.name,
		Topic:    l.topic,
		Messages: l.seq,
		Labels:   l.labels.Clone(),
	}
	if l.msg != nil {
		h := l.msg.MessageHeader()
		s.Header = &h
	}
	return s
}

// Attach subscribes to the labeler's topic and then adopts the topic's
// latest message, so nothing published after Attach returns is missed.
// Call it before starting Run; Run attaches on its own otherwise.
func (l *Labeler) Attach(sub Subscriber) {
	l.subID, l.sub = sub.Subscribe(l.topic)
	if msg, ok := sub.Latest(l.topic); ok {
		l.mu.Lock()
		if msg != l.msg {
			l.msg = msg
			l.seq++
		}
		l.mu.Unlock()
	}
}

// Run feeds messages from the labeler's topic into Update until ctx is done
// or the subscription is closed.
func (l *Labeler) Run(ctx context.Context, sub Subscriber) {
	if l.sub == nil {
		l.Attach(sub)
	}
	id, ch := l.subID, l.sub
	defer sub.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				monitoring.Logf("labeler %s: subscription to %s closed", l.name, l.topic)
				return
			}
			l.Update(msg)
		}
	}
}
