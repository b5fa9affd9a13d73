package labeler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/calibration.collector/internal/bus"
	"github.com/banshee-data/calibration.collector/internal/sensor"
)

func image(seq uint32) *sensor.Image {
	return &sensor.Image{Header: sensor.Header{Seq: seq, FrameID: "cam"}}
}

func TestLabeler_UpdateAndLabels(t *testing.T) {
	l := New("cam", "/cam/image", image(1))
	l.SetLabels(sensor.Labels{Detected: true, Idxs: []int{4}})
	l.Update(image(2))

	l.Lock()
	assert.Equal(t, uint32(2), l.Message().MessageHeader().Seq)
	assert.True(t, l.Labels().Detected, "labels survive a new message")
	l.Unlock()

	snap := l.Snapshot()
	assert.Equal(t, "cam", snap.Sensor)
	assert.Equal(t, uint64(2), snap.Messages)
	require.NotNil(t, snap.Header)
	assert.Equal(t, uint32(2), snap.Header.Seq)
}

func TestLabeler_SetLabelsCopies(t *testing.T) {
	l := New("cam", "/cam/image", nil)
	idxs := []int{1, 2}
	l.SetLabels(sensor.Labels{Detected: true, Idxs: idxs})
	idxs[0] = 99

	assert.Equal(t, []int{1, 2}, l.Snapshot().Labels.Idxs)
	assert.Nil(t, l.Snapshot().Header)
}

func TestLabeler_LockBlocksUpdates(t *testing.T) {
	l := New("cam", "/cam/image", image(1))
	l.Lock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Update(image(2))
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint32(1), l.Message().MessageHeader().Seq, "message changed while locked")
	l.Unlock()
	wg.Wait()

	l.Lock()
	defer l.Unlock()
	assert.Equal(t, uint32(2), l.Message().MessageHeader().Seq)
}

func TestLabeler_Run(t *testing.T) {
	hub := bus.NewHub(nil)
	l := New("cam", "/cam/image", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, hub)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, st := range hub.Topics() {
			if st.Subscribers > 0 {
				return true
			}
		}
		hub.Publish("/cam/image", image(7))
		return false
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Publish("/cam/image", image(8)))

	require.Eventually(t, func() bool {
		return l.Snapshot().Header != nil && l.Snapshot().Header.Seq == 8
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLabeler_AttachCatchesUp(t *testing.T) {
	hub := bus.NewHub(nil)
	require.NoError(t, hub.Publish("/cam/image", image(1)))
	first, _ := hub.Latest("/cam/image")
	l := New("cam", "/cam/image", first)

	// published after the labeler was seeded but before it subscribed
	require.NoError(t, hub.Publish("/cam/image", image(2)))
	l.Attach(hub)

	snap := l.Snapshot()
	require.NotNil(t, snap.Header)
	assert.Equal(t, uint32(2), snap.Header.Seq)
	assert.Equal(t, uint64(2), snap.Messages)

	// a fresh labeler adopts the latest message once
	l2 := New("cam", "/cam/image", nil)
	l2.Attach(hub)
	assert.Equal(t, uint64(1), l2.Snapshot().Messages)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, hub)
		close(done)
	}()
	require.NoError(t, hub.Publish("/cam/image", image(3)))
	require.Eventually(t, func() bool {
		return l.Snapshot().Header.Seq == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestLabeler_RunStopsOnClose(t *testing.T) {
	hub := bus.NewHub(nil)
	l := New("cam", "/cam/image", nil)
	done := make(chan struct{})
	go func() {
		l.Run(context.Background(), hub)
		close(done)
	}()

	require.Eventually(t, func() bool {
		hub.Publish("/cam/image", image(1))
		for _, st := range hub.Topics() {
			if st.Subscribers > 0 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	hub.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after bus closed")
	}
}
