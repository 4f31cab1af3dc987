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
)

// WebhookQueueItem is an inbound provider event awaiting routing
type WebhookQueueItem struct {
	ID                  int64
	Provider            canonical.Provider
	DedupeKey           string
	Data                json.RawMessage
	ReceivedAt          time.Time
	RetryCount          int
	LastError           *string
	NextRetryAt         *time.Time
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
}

// EnqueueWebhook adds a webhook to the processing queue. A payload whose
// dedupe key is already pending is dropped; the returned bool reports
// whether a row was inserted.
func (db *DB) EnqueueWebhook(ctx context.Context, p canonical.Provider, dedupeKey string, data json.RawMessage, receivedAt time.Time) (int64, bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueWebhook))
	defer timer.ObserveDuration()

	now := time.Now().Unix()
	var id int64
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO webhook_queue (provider, dedupe_key, data, received_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING
		RETURNING id
	`, string(p), dedupeKey, string(data), receivedAt.Unix(), now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueWebhook).Inc()
		return 0, false, fmt.Errorf("failed to enqueue webhook: %w", err)
	}

	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeWebhook).Inc()
	return id, true, nil
}

// ClaimWebhook claims the next ready webhook for processing.
// Returns nil if no items are ready. Items are ready if:
// - next_retry_at is NULL or in the past
// - processing_started_at is NULL or stale (older than StaleLockTimeout)
func (db *DB) ClaimWebhook(ctx context.Context) (*WebhookQueueItem, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimWebhook))
	defer timer.ObserveDuration()

	now := time.Now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	var item WebhookQueueItem
	var provider, data string
	var nextRetryAt *int64
	var receivedAt, createdAt int64

	err := db.conn.QueryRowContext(ctx, `
		UPDATE webhook_queue
		SET processing_started_at = ?
		WHERE id = (
			SELECT id
			FROM webhook_queue
			WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND (processing_started_at IS NULL OR processing_started_at < ?)
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, provider, dedupe_key, data, received_at, retry_count, last_error, next_retry_at, created_at
	`, now.Unix(), now.Unix(), staleThreshold).Scan(
		&item.ID, &provider, &item.DedupeKey, &data, &receivedAt,
		&item.RetryCount, &item.LastError, &nextRetryAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimWebhook).Inc()
		return nil, fmt.Errorf("failed to claim webhook: %w", err)
	}

	item.Provider = canonical.Provider(provider)
	item.Data = json.RawMessage(data)
	item.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	item.NextRetryAt = timePtr(nextRetryAt)
	item.ProcessingStartedAt = &now
	item.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &item, nil
}

// DeleteWebhook removes a processed webhook from the queue
func (db *DB) DeleteWebhook(ctx context.Context, id int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteWebhook))
	defer timer.ObserveDuration()

	if _, err := db.conn.ExecContext(ctx, `DELETE FROM webhook_queue WHERE id = ?`, id); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteWebhook).Inc()
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

// ReleaseWebhook puts a failed webhook back with backoff. Returns false when
// the item exceeded MaxRetries and was dropped instead.
func (db *DB) ReleaseWebhook(ctx context.Context, id int64, retryCount int, errMsg string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseWebhook))
	defer timer.ObserveDuration()

	newRetryCount := retryCount + 1
	if newRetryCount > MaxRetries {
		if err := db.DeleteWebhook(ctx, id); err != nil {
			return false, fmt.Errorf("failed to drop webhook after max retries: %w", err)
		}
		return false, nil
	}

	_, err := db.conn.ExecContext(ctx, `
		UPDATE webhook_queue
		SET retry_count = ?,
		    last_error = ?,
		    next_retry_at = ?,
		    processing_started_at = NULL
		WHERE id = ?
	`, newRetryCount, errMsg, nextRetryAt(time.Now(), newRetryCount).Unix(), id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseWebhook).Inc()
		return false, fmt.Errorf("failed to release webhook: %w", err)
	}
	return true, nil
}

// GetQueueLength returns the number of items in the webhook queue
func (db *DB) GetQueueLength() (int, error) {
	return db.count(`SELECT COUNT(*) FROM webhook_queue`)
}

// GetReadyQueueLength returns the number of webhooks ready to process
func (db *DB) GetReadyQueueLength() (int, error) {
	now := time.Now()
	return db.count(`
		SELECT COUNT(*) FROM webhook_queue
		WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND (processing_started_at IS NULL OR processing_started_at < ?)
	`, now.Unix(), now.Add(-StaleLockTimeout).Unix())
}

// GetProcessingWebhookQueueLength returns the number of webhooks currently claimed
func (db *DB) GetProcessingWebhookQueueLength() (int, error) {
	return db.count(`
		SELECT COUNT(*) FROM webhook_queue
		WHERE processing_started_at IS NOT NULL AND processing_started_at >= ?
	`, time.Now().Add(-StaleLockTimeout).Unix())
}

func (db *DB) count(query string, args ...any) (int, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetQueueLength))
	defer timer.ObserveDuration()

	var n int
	if err := db.conn.QueryRow(query, args...).Scan(&n); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetQueueLength).Inc()
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}
