package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/calibration.collector/internal/collector"
)

// Journal records the capture attempts of one run.
type Journal struct {
	db    *DB
	runID string
}

// Journal returns a collector.Journal writing under runID.
func (db *DB) Journal(runID string) *Journal {
	return &Journal{db: db, runID: runID}
}

// RecordAttempt implements collector.Journal.
func (j *Journal) RecordAttempt(ctx context.Context, a collector.Attempt) error {
	var stamp, maxDelta, captureTime any
	if a.Stamp >= 0 {
		stamp = a.Stamp
	}
	if a.HasDelta {
		maxDelta = a.MaxDelta.Seconds()
	}
	if !a.CaptureTime.IsZero() {
		captureTime = unixSeconds(a.CaptureTime)
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO capture_attempts (
			run_id, attempted_unix, outcome, data_stamp, max_delta_s,
			capture_time_unix, sensor_count, duration_ms, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.runID, unixSeconds(a.Time), a.Outcome.String(), stamp, maxDelta,
		captureTime, a.Sensors, float64(a.Duration)/float64(time.Millisecond), a.Reason,
	)
	if err != nil {
		return fmt.Errorf("record capture attempt: %w", err)
	}
	return nil
}

// AttemptRecord is one stored capture attempt.
type AttemptRecord struct {
	ID              int64             `json:"id"`
	RunID           string            `json:"run_id"`
	AttemptedUnix   float64           `json:"attempted_unix"`
	Outcome         collector.Outcome `json:"outcome"`
	DataStamp       *int64            `json:"data_stamp,omitempty"`
	MaxDeltaSeconds *float64          `json:"max_delta_s,omitempty"`
	CaptureTimeUnix *float64          `json:"capture_time_unix,omitempty"`
	SensorCount     int               `json:"sensor_count"`
	DurationMs      float64           `json:"duration_ms"`
	Reason          string            `json:"reason,omitempty"`
}

// Attempts returns the most recent attempts, newest first. An empty runID
// matches every run; limit <= 0 returns everything.
func (db *DB) Attempts(ctx context.Context, runID string, limit int) ([]AttemptRecord, error) {
	query := `SELECT attempt_id, run_id, attempted_unix, outcome, data_stamp, max_delta_s,
			capture_time_unix, sensor_count, duration_ms, reason
		FROM capture_attempts
		WHERE (? = '' OR run_id = ?)
		ORDER BY attempt_id DESC`
	args := []any{runID, runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var (
			r           AttemptRecord
			outcome     string
			stamp       sql.NullInt64
			maxDelta    sql.NullFloat64
			captureTime sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.AttemptedUnix, &outcome, &stamp, &maxDelta,
			&captureTime, &r.SensorCount, &r.DurationMs, &r.Reason); err != nil {
			return nil, err
		}
		if err := r.Outcome.UnmarshalText([]byte(outcome)); err != nil {
			return nil, err
		}
		if stamp.Valid {
			r.DataStamp = &stamp.Int64
		}
		if maxDelta.Valid {
			r.MaxDeltaSeconds = &maxDelta.Float64
		}
		if captureTime.Valid {
			r.CaptureTimeUnix = &captureTime.Float64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OutcomeCounts returns the number of attempts per outcome for a run.
func (db *DB) OutcomeCounts(ctx context.Context, runID string) (map[collector.Outcome]int, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM capture_attempts WHERE (? = '' OR run_id = ?) GROUP BY outcome`,
		runID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[collector.Outcome]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		var o collector.Outcome
		if err := o.UnmarshalText([]byte(name)); err != nil {
			return nil, err
		}
		counts[o] = n
	}
	return counts, rows.Err()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
