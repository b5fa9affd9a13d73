// Package bus fans sensor messages out to any number of in-process
// subscribers, keyed by topic.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/calibration.collector/internal/sensor"
	"github.com/banshee-data/calibration.collector/internal/timeutil"
)

var (
	ErrClosed  = errors.New("bus closed")
	ErrTimeout = errors.New("timed out waiting for message")
)

type subscriber struct {
	topic string
	ch    chan sensor.Message
}

// TopicStats summarises the traffic seen on one topic.
type TopicStats struct {
	Topic       string    `json:"topic"`
	Type        string    `json:"type"`
	Count       uint64    `json:"count"`
	LastArrival time.Time `json:"last_arrival"`
	Subscribers int       `json:"subscribers"`
}

// Hub is a topic based publish/subscribe hub. Delivery is latest-wins: a
// subscriber that has not consumed its previous message gets the newer one
// in its place, so a slow reader never blocks publishers.
type Hub struct {
	clock timeutil.Clock

	mu          sync.Mutex
	subscribers map[string]*subscriber
	latest      map[string]sensor.Message
	stats       map[string]*TopicStats
	closed      bool
}

// NewHub creates an empty hub. A nil clock uses the wall clock.
func NewHub(clock timeutil.Clock) *Hub {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Hub{
		clock:       clock,
		subscribers: make(map[string]*subscriber),
		latest:      make(map[string]sensor.Message),
		stats:       make(map[string]*TopicStats),
	}
}

// Subscribe creates a channel receiving every message subsequently published
// on topic. The returned id is used to unsubscribe.
func (h *Hub) Subscribe(topic string) (string, <-chan sensor.Message) {
	id := uuid.NewString()
	ch := make(chan sensor.Message, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = &subscriber{topic: topic, ch: ch}
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subscribers[id]; ok {
		close(s.ch)
		delete(h.subscribers, id)
	}
}

// Publish delivers msg to every subscriber of topic and records it as the
// topic's latest message.
func (h *Hub) Publish(topic string, msg sensor.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	h.latest[topic] = msg
	st, ok := h.stats[topic]
	if !ok {
		st = &TopicStats{Topic: topic}
		h.stats[topic] = st
	}
	st.Type = msg.TypeName()
	st.Count++
	st.LastArrival = h.clock.Now()

	for _, s := range h.subscribers {
		if s.topic != topic {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			// drop the stale message and deliver the new one
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- msg:
			default:
			}
		}
	}
	return nil
}

// Latest returns the most recent message published on topic.
func (h *Hub) Latest(topic string) (sensor.Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg, ok := h.latest[topic]
	return msg, ok
}

// WaitForMessage returns the latest message on topic, waiting up to timeout
// for one to be published if the topic has not seen any yet.
func (h *Hub) WaitForMessage(ctx context.Context, topic string, timeout time.Duration) (sensor.Message, error) {
	id, ch := h.Subscribe(topic)
	defer h.Unsubscribe(id)

	if msg, ok := h.Latest(topic); ok {
		return msg, nil
	}

	timer := h.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-timer.C():
		return nil, fmt.Errorf("%w on %s after %s", ErrTimeout, topic, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Topics returns traffic statistics for every topic, sorted by name.
func (h *Hub) Topics() []TopicStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)
	for _, s := range h.subscribers {
		counts[s.topic]++
	}
	out := make([]TopicStats, 0, len(h.stats))
	for topic, st := range h.stats {
		c := *st
		c.Subscribers = counts[topic]
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Close closes every subscriber channel. Publishing after Close fails.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subscribers {
		close(s.ch)
		delete(h.subscribers, id)
	}
	return nil
}
