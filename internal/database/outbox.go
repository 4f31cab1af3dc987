package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/newpush/coach-sub004/internal/metrics"
)

// OutboxEvent is a completion event awaiting publication. IdempotencyKey is
// unique: inserting the same key twice stores one event.
type OutboxEvent struct {
	ID             int64           `json:"id"`
	EventType      string          `json:"event_type"`
	UserID         string          `json:"user_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	PublishedAt    *time.Time      `json:"published_at,omitempty"`
}

// InsertOutboxEvent stores an event unless its idempotency key was already
// used. It reports whether a new event was stored.
func (db *DB) InsertOutboxEvent(ctx context.Context, e *OutboxEvent) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpInsertOutboxEvent))
	defer timer.ObserveDuration()

	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO outbox_events (event_type, user_id, idempotency_key, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`, e.EventType, e.UserID, e.IdempotencyKey, string(e.Payload), now.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpInsertOutboxEvent).Inc()
		return false, fmt.Errorf("failed to insert outbox event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	e.ID, _ = res.LastInsertId()
	e.CreatedAt = now.Truncate(time.Second)
	return true, nil
}

// FetchOutboxEvents returns up to limit unpublished events, oldest first
func (db *DB) FetchOutboxEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpFetchOutboxEvents))
	defer timer.ObserveDuration()

	events, err := db.queryOutbox(ctx, `
		SELECT id, event_type, user_id, idempotency_key, payload, created_at, published_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT ?
	`, limit)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpFetchOutboxEvents).Inc()
		return nil, err
	}
	return events, nil
}

// MarkOutboxPublished stamps published_at on the given events
func (db *DB) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpMarkOutboxPublished))
	defer timer.ObserveDuration()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{time.Now().Unix()}
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := db.conn.ExecContext(ctx,
		`UPDATE outbox_events SET published_at = ? WHERE id IN (`+placeholders+`)`, args...); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpMarkOutboxPublished).Inc()
		return fmt.Errorf("failed to mark outbox events published: %w", err)
	}
	return nil
}

// ListOutboxEventsAfter returns the user's events with id > afterID,
// published or not, oldest first
func (db *DB) ListOutboxEventsAfter(ctx context.Context, userID string, afterID int64, limit int) ([]*OutboxEvent, error) {
	return db.queryOutbox(ctx, `
		SELECT id, event_type, user_id, idempotency_key, payload, created_at, published_at
		FROM outbox_events
		WHERE user_id = ? AND id > ?
		ORDER BY id
		LIMIT ?
	`, userID, afterID, limit)
}

// GetOutboxQueueLength returns the number of unpublished events
func (db *DB) GetOutboxQueueLength() (int, error) {
	return db.count(`SELECT COUNT(*) FROM outbox_events WHERE published_at IS NULL`)
}

func (db *DB) queryOutbox(ctx context.Context, query string, args ...any) ([]*OutboxEvent, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var payload string
		var createdAt int64
		var publishedAt *int64
		if err := rows.Scan(&e.ID, &e.EventType, &e.UserID, &e.IdempotencyKey, &payload, &createdAt, &publishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		e.PublishedAt = timePtr(publishedAt)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox events: %w", err)
	}
	return out, nil
}
