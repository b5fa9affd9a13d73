package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/calibration.collector/internal/fsutil"
	"github.com/banshee-data/calibration.collector/internal/monitoring"
	"github.com/banshee-data/calibration.collector/internal/timeutil"
)

// MaxReplayLine bounds a single envelope in a recording.
const MaxReplayLine = 64 << 20

// ReplayOptions controls Replay.
type ReplayOptions struct {
	// Realtime waits between envelopes according to their "t" field.
	Realtime bool
	// Clock paces realtime replays. Nil uses the wall clock.
	Clock timeutil.Clock
}

// Replay dispatches every envelope in r, one JSON document per line.
// Blank lines are skipped; malformed ones are logged and skipped. It
// returns the number of envelopes dispatched successfully.
func Replay(ctx context.Context, r io.Reader, d *Dispatcher, opts ReplayOptions) (int, error) {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), MaxReplayLine)

	var (
		lineNo int
		ok     int
		prev   *float64
	)
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return ok, ctx.Err()
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			d.Stats.Dropped.Add(1)
			monitoring.Warnf("replay line %d: %v", lineNo, err)
			continue
		}

		if opts.Realtime && env.Time != nil {
			t := float64(*env.Time)
			if prev != nil && t > *prev {
				if err := sleep(ctx, clock, time.Duration((t-*prev)*float64(time.Second))); err != nil {
					return ok, err
				}
			}
			prev = &t
		}

		if err := d.Dispatch(env); err != nil {
			monitoring.Warnf("replay line %d: %v", lineNo, err)
			continue
		}
		ok++
	}
	if err := sc.Err(); err != nil {
		return ok, fmt.Errorf("read recording: %w", err)
	}
	return ok, nil
}

// ReplayFile replays the recording at path.
func ReplayFile(ctx context.Context, fs fsutil.FileSystem, path string, d *Dispatcher, opts ReplayOptions) (int, error) {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	data, err := fs.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read recording: %w", err)
	}

	n, err := Replay(ctx, bytes.NewReader(data), d, opts)
	monitoring.Logf("replayed %d envelopes from %s", n, path)
	return n, err
}

func sleep(ctx context.Context, clock timeutil.Clock, d time.Duration) error {
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
