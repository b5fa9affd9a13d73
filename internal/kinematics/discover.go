package kinematics

import (
	"context"
	"time"

	"github.com/banshee-data/calibration.collector/internal/monitoring"
	"github.com/banshee-data/calibration.collector/internal/tf"
)

// DefaultDiscoveryTimeout bounds the wait for each frame during discovery.
const DefaultDiscoveryTimeout = 3 * time.Second

// Discover builds the abstract transform set: for every frame the client
// knows, the chain to world is resolved and each adjacent pair becomes an
// edge. Frames that cannot be chained within timeout are logged and
// skipped. Discovery stops early only when ctx is done.
func Discover(ctx context.Context, client tf.Client, world string, timeout time.Duration) *EdgeSet {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}

	set := NewEdgeSet()
	for _, frame := range client.Frames() {
		if ctx.Err() != nil {
			monitoring.Errorf("transform discovery interrupted: %v", ctx.Err())
			break
		}

		if err := client.WaitForTransform(ctx, world, frame, time.Time{}, timeout); err != nil {
			monitoring.Errorf("could not get transform from %s to %s (max %s): %v", frame, world, timeout, err)
			continue
		}
		chain, err := client.Chain(world, frame)
		if err != nil {
			monitoring.Errorf("could not get chain from %s to %s: %v", frame, world, err)
			continue
		}

		for _, e := range EdgesFromChain(chain) {
			if set.Collides(e) {
				monitoring.Errorf("transform %s -> %s shares key %q with another link; skipped", e.Parent, e.Child, e.Key)
				continue
			}
			set.Add(e)
		}
	}

	monitoring.Logf("discovered %d transforms to collect", set.Len())
	return set
}
