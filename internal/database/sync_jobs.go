package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/metrics"
)

// SyncJob is a queued window sync for one (user, provider, entity)
type SyncJob struct {
	ID                  int64
	UserID              string
	Provider            canonical.Provider
	Entity              canonical.EntityType
	Window              canonical.Window
	IdempotencyKey      *string
	RetryCount          int
	LastError           *string
	NextRetryAt         *time.Time
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
}

// EnqueueSyncJob adds a sync job to the queue. When idempotencyKey is set and
// has been used before, nothing is enqueued and the returned id is 0.
func (db *DB) EnqueueSyncJob(ctx context.Context, job SyncJob) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueSyncJob))
	defer timer.ObserveDuration()

	now := time.Now().Unix()
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if job.IdempotencyKey != nil {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO idempotency_keys (key, created_at) VALUES (?, ?)
				ON CONFLICT(key) DO NOTHING
			`, *job.IdempotencyKey, now)
			if err != nil {
				return fmt.Errorf("failed to record idempotency key: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO sync_jobs (user_id, provider, entity, window_start, window_end, idempotency_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, job.UserID, string(job.Provider), string(job.Entity), job.Window.Start.Unix(), job.Window.End.Unix(),
			job.IdempotencyKey, now)
		if err != nil {
			return fmt.Errorf("failed to insert sync job: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueSyncJob).Inc()
		return 0, fmt.Errorf("failed to enqueue sync job: %w", err)
	}
	if id != 0 {
		metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeSyncJob).Inc()
	}
	return id, nil
}

// ClaimSyncJob claims the next ready sync job whose provider is not in
// skip. Returns nil if no items are ready. Uses UPDATE to atomically claim the
// job, preventing races between concurrent workers.
func (db *DB) ClaimSyncJob(ctx context.Context, skip ...canonical.Provider) (*SyncJob, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimSyncJob))
	defer timer.ObserveDuration()

	now := time.Now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	filter := ""
	args := []any{now.Unix(), now.Unix(), staleThreshold}
	for _, p := range skip {
		filter += " AND provider != ?"
		args = append(args, string(p))
	}

	var job SyncJob
	var provider, entity string
	var windowStart, windowEnd, createdAt int64
	var nextRetryAt *int64

	err := db.conn.QueryRowContext(ctx, `
		UPDATE sync_jobs
		SET processing_started_at = ?
		WHERE id = (
			SELECT id
			FROM sync_jobs
			WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND (processing_started_at IS NULL OR processing_started_at < ?)`+filter+`
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, user_id, provider, entity, window_start, window_end, idempotency_key,
		          retry_count, last_error, next_retry_at, created_at
	`, args...).Scan(
		&job.ID, &job.UserID, &provider, &entity, &windowStart, &windowEnd, &job.IdempotencyKey,
		&job.RetryCount, &job.LastError, &nextRetryAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimSyncJob).Inc()
		return nil, fmt.Errorf("failed to claim sync job: %w", err)
	}

	job.Provider = canonical.Provider(provider)
	job.Entity = canonical.EntityType(entity)
	job.Window = canonical.NewWindow(time.Unix(windowStart, 0).UTC(), time.Unix(windowEnd, 0).UTC())
	job.NextRetryAt = timePtr(nextRetryAt)
	job.ProcessingStartedAt = &now
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &job, nil
}

// DeleteSyncJob deletes a processed sync job from the queue
func (db *DB) DeleteSyncJob(ctx context.Context, id int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteSyncJob))
	defer timer.ObserveDuration()

	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_jobs WHERE id = ?`, id); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteSyncJob).Inc()
		return fmt.Errorf("failed to delete sync job: %w", err)
	}
	return nil
}

// ReleaseSyncJob releases a failed sync job back to the queue with backoff:
// 1min, 5min, 15min, 30min, 1hr, etc. Returns false if it was dropped after
// MaxRetries.
func (db *DB) ReleaseSyncJob(ctx context.Context, id int64, retryCount int, errMsg string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseSyncJob))
	defer timer.ObserveDuration()

	newRetryCount := retryCount + 1
	if newRetryCount > MaxRetries {
		if err := db.DeleteSyncJob(ctx, id); err != nil {
			return false, fmt.Errorf("failed to drop sync job after max retries: %w", err)
		}
		return false, nil
	}

	_, err := db.conn.ExecContext(ctx, `
		UPDATE sync_jobs
		SET retry_count = ?,
		    last_error = ?,
		    next_retry_at = ?,
		    processing_started_at = NULL
		WHERE id = ?
	`, newRetryCount, errMsg, nextRetryAt(time.Now(), newRetryCount).Unix(), id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseSyncJob).Inc()
		return false, fmt.Errorf("failed to release sync job: %w", err)
	}
	return true, nil
}

// DeferSyncJob puts a claimed job back untouched until at, without counting
// a retry. Used when the provider's circuit is open.
func (db *DB) DeferSyncJob(ctx context.Context, id int64, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE sync_jobs SET next_retry_at = ?, processing_started_at = NULL WHERE id = ?
	`, at.Unix(), id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseSyncJob).Inc()
		return fmt.Errorf("failed to defer sync job: %w", err)
	}
	return nil
}

// GetSyncJobQueueLength returns the number of sync jobs in the queue
func (db *DB) GetSyncJobQueueLength() (int, error) {
	return db.count(`SELECT COUNT(*) FROM sync_jobs`)
}

// GetReadySyncJobQueueLength returns the number of sync jobs ready to process
func (db *DB) GetReadySyncJobQueueLength() (int, error) {
	now := time.Now()
	return db.count(`
		SELECT COUNT(*) FROM sync_jobs
		WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND (processing_started_at IS NULL OR processing_started_at < ?)
	`, now.Unix(), now.Add(-StaleLockTimeout).Unix())
}

// GetProcessingSyncJobQueueLength returns the number of sync jobs currently claimed
func (db *DB) GetProcessingSyncJobQueueLength() (int, error) {
	return db.count(`
		SELECT COUNT(*) FROM sync_jobs
		WHERE processing_started_at IS NOT NULL AND processing_started_at >= ?
	`, time.Now().Add(-StaleLockTimeout).Unix())
}

// PurgeIdempotencyKeys forgets keys older than cutoff
func (db *DB) PurgeIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
