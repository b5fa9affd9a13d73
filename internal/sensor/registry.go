package sensor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/calibration.collector/internal/config"
	"github.com/banshee-data/calibration.collector/internal/kinematics"
	"github.com/banshee-data/calibration.collector/internal/monitoring"
	"github.com/banshee-data/calibration.collector/internal/tf"
)

// Setup errors returned by Register.
var (
	ErrSensorUnavailable     = errors.New("sensor unavailable")
	ErrIntrinsicsUnavailable = errors.New("camera intrinsics unavailable")
	ErrNoTransformPath       = errors.New("no transform path to world frame")
	ErrDuplicateSensor       = errors.New("duplicate sensor")
)

// MessageWaiter delivers the next message published on a topic.
type MessageWaiter interface {
	WaitForMessage(ctx context.Context, topic string, timeout time.Duration) (Message, error)
}

// Descriptor is the static description of one registered sensor. It is not
// modified after registration.
type Descriptor struct {
	Name              string            `json:"_name"`
	Parent            string            `json:"parent"`
	CalibrationParent string            `json:"calibration_parent"`
	CalibrationChild  string            `json:"calibration_child"`
	Topic             string            `json:"topic"`
	Kind              Kind              `json:"msg_type"`
	CameraInfoTopic   string            `json:"camera_info_topic,omitempty"`
	CameraInfo        *CameraInfo       `json:"camera_info,omitempty"`
	Chain             []kinematics.Edge `json:"chain"`
}

// CameraInfoTopic is the intrinsics topic published next to an image topic.
func CameraInfoTopic(imageTopic string) string {
	return path.Join(path.Dir(imageTopic), "camera_info")
}

// Timeouts bounds the waits performed while registering a sensor.
type Timeouts struct {
	Message time.Duration
	Chain   time.Duration
}

// Registry holds the descriptors of every sensor in the run.
type Registry struct {
	world    string
	waiter   MessageWaiter
	client   tf.Client
	timeouts Timeouts

	mu      sync.RWMutex
	sensors map[string]*Descriptor
}

// NewRegistry creates an empty registry whose chains end at world.
func NewRegistry(world string, waiter MessageWaiter, client tf.Client, timeouts Timeouts) *Registry {
	if timeouts.Message <= 0 {
		timeouts.Message = 30 * time.Second
	}
	if timeouts.Chain <= 0 {
		timeouts.Chain = 5 * time.Second
	}
	return &Registry{
		world:    world,
		waiter:   waiter,
		client:   client,
		timeouts: timeouts,
		sensors:  make(map[string]*Descriptor),
	}
}

// Register waits for an example message on the sensor's topic, fetches
// camera intrinsics for image sensors, resolves the chain from the sensor
// frame to the world frame and stores the resulting descriptor.
func (r *Registry) Register(ctx context.Context, name string, cfg config.SensorConfig) (*Descriptor, error) {
	if _, ok := r.Get(name); ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSensor, name)
	}

	monitoring.Logf("waiting for message on topic %s for sensor %s", cfg.TopicName, name)
	msg, err := r.waiter.WaitForMessage(ctx, cfg.TopicName, r.timeouts.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: %s on %s: %v", ErrSensorUnavailable, name, cfg.TopicName, err)
	}
	kind, err := KindOf(msg)
	if err != nil {
		return nil, fmt.Errorf("sensor %s: %w", name, err)
	}

	d := &Descriptor{
		Name:              name,
		Parent:            cfg.Link,
		CalibrationParent: cfg.ParentLink,
		CalibrationChild:  cfg.ChildLink,
		Topic:             cfg.TopicName,
		Kind:              kind,
	}

	if kind == KindImage {
		d.CameraInfoTopic = CameraInfoTopic(cfg.TopicName)
		infoMsg, err := r.waiter.WaitForMessage(ctx, d.CameraInfoTopic, r.timeouts.Message)
		if err != nil {
			return nil, fmt.Errorf("%w: %s on %s: %v", ErrIntrinsicsUnavailable, name, d.CameraInfoTopic, err)
		}
		info, ok := infoMsg.(*CameraInfo)
		if !ok {
			return nil, fmt.Errorf("%w: %s got %s on %s", ErrIntrinsicsUnavailable, name, infoMsg.TypeName(), d.CameraInfoTopic)
		}
		d.CameraInfo = info.Clone().(*CameraInfo)
	}

	if err := r.client.WaitForTransform(ctx, r.world, cfg.Link, time.Time{}, r.timeouts.Chain); err != nil {
		return nil, fmt.Errorf("%w: %s (%s to %s): %v", ErrNoTransformPath, name, cfg.Link, r.world, err)
	}
	chain, err := r.client.Chain(r.world, cfg.Link)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%s to %s): %v", ErrNoTransformPath, name, cfg.Link, r.world, err)
	}
	d.Chain = kinematics.EdgesFromChain(chain)
	if d.Chain == nil {
		d.Chain = []kinematics.Edge{}
	}

	if err := r.Add(d); err != nil {
		return nil, err
	}
	monitoring.Logf("registered sensor %s (%s, %d links to %s)", name, kind, len(d.Chain), r.world)
	return d, nil
}

// Add stores a descriptor built elsewhere.
func (r *Registry) Add(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sensors[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSensor, d.Name)
	}
	r.sensors[d.Name] = d
	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.sensors[name]
	return d, ok
}

// Names returns the registered sensor names in sorted order, which is also
// the order labelers are locked in.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sensors))
	for name := range r.sensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns a copy of the name to descriptor map.
func (r *Registry) Descriptors() map[string]*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Descriptor, len(r.sensors))
	for name, d := range r.sensors {
		out[name] = d
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sensors)
}
