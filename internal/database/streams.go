package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/metrics"
	"github.com/newpush/coach-sub004/internal/streams"
)

// Stream is the stored sample arrays of one activity plus the cached
// derived metrics. Derived is nil until computed.
type Stream struct {
	ActivityID string
	Data       canonical.StreamData
	Derived    *streams.Derived
	ComputedAt *time.Time
	UpdatedAt  time.Time
}

// SaveStream replaces the raw arrays and the derived cache of an activity
func (db *DB) SaveStream(ctx context.Context, s *Stream) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSaveStream))
	defer timer.ObserveDuration()

	data, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("failed to encode stream: %w", err)
	}
	var derived *string
	if s.Derived != nil {
		b, err := json.Marshal(s.Derived)
		if err != nil {
			return fmt.Errorf("failed to encode derived metrics: %w", err)
		}
		str := string(b)
		derived = &str
	}

	now := time.Now().UTC()
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO streams (activity_id, data_json, derived_json, computed_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(activity_id) DO UPDATE SET
			data_json = excluded.data_json,
			derived_json = excluded.derived_json,
			computed_at = excluded.computed_at,
			updated_at = excluded.updated_at
	`, s.ActivityID, string(data), derived, unixPtr(s.ComputedAt), now.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSaveStream).Inc()
		return fmt.Errorf("failed to save stream: %w", err)
	}
	s.UpdatedAt = now.Truncate(time.Second)
	return nil
}

// GetStream returns ErrNotFound when the activity has no stored stream
func (db *DB) GetStream(ctx context.Context, activityID string) (*Stream, error) {
	var data string
	var derived sql.NullString
	var computedAt *int64
	var updatedAt int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT data_json, derived_json, computed_at, updated_at FROM streams WHERE activity_id = ?
	`, activityID).Scan(&data, &derived, &computedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	s := &Stream{
		ActivityID: activityID,
		ComputedAt: timePtr(computedAt),
		UpdatedAt:  time.Unix(updatedAt, 0).UTC(),
	}
	if err := json.Unmarshal([]byte(data), &s.Data); err != nil {
		return nil, fmt.Errorf("failed to decode stream: %w", err)
	}
	if derived.Valid {
		var d streams.Derived
		if err := json.Unmarshal([]byte(derived.String), &d); err != nil {
			return nil, fmt.Errorf("failed to decode derived metrics: %w", err)
		}
		s.Derived = &d
	}
	return s, nil
}
