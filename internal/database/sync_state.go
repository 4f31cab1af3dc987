package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/metrics"
)

// SyncStatus is a state of the per-(user, provider, entity) sync machine
type SyncStatus string

const (
	SyncIdle    SyncStatus = "IDLE"
	SyncSyncing SyncStatus = "SYNCING"
	SyncSuccess SyncStatus = "SUCCESS"
	SyncFailed  SyncStatus = "FAILED"
)

// ErrSyncInProgress is returned by BeginSync while another run holds the state
var ErrSyncInProgress = errors.New("sync already in progress")

// SyncKey identifies one sync state machine
type SyncKey struct {
	UserID   string
	Provider canonical.Provider
	Entity   canonical.EntityType
}

// SyncState is the persisted state of one sync machine
type SyncState struct {
	SyncKey
	Status          SyncStatus
	RunID           string
	StartedAt       *time.Time
	Window          canonical.Window
	LastSuccessAt   *time.Time
	LastError       *string
	RecordsUpserted int
	UpdatedAt       time.Time
}

// SyncRun is returned by BeginSync
type SyncRun struct {
	ID string
	// TookOver is set when a crashed run's SYNCING state was taken over
	TookOver bool
	// Previous is the stale run id that was taken over
	Previous string
}

// BeginSync moves the machine to SYNCING. A SYNCING state younger than
// staleAfter belongs to a live run and yields ErrSyncInProgress; an older one
// is assumed crashed and taken over.
func (db *DB) BeginSync(ctx context.Context, key SyncKey, window canonical.Window, staleAfter time.Duration) (*SyncRun, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpBeginSync))
	defer timer.ObserveDuration()

	now := time.Now()
	run := &SyncRun{ID: uuid.NewString()}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		var runID sql.NullString
		var startedAt *int64
		err := tx.QueryRowContext(ctx, `
			SELECT status, run_id, started_at FROM sync_state
			WHERE user_id = ? AND provider = ? AND entity = ?
		`, key.UserID, string(key.Provider), string(key.Entity)).Scan(&status, &runID, &startedAt)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read sync state: %w", err)
		}

		if err == nil && SyncStatus(status) == SyncSyncing {
			if startedAt != nil && now.Sub(time.Unix(*startedAt, 0)) < staleAfter {
				return ErrSyncInProgress
			}
			run.TookOver = true
			run.Previous = runID.String
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_state (user_id, provider, entity, status, run_id, started_at, window_start, window_end, records_upserted, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT(user_id, provider, entity) DO UPDATE SET
				status = excluded.status,
				run_id = excluded.run_id,
				started_at = excluded.started_at,
				window_start = excluded.window_start,
				window_end = excluded.window_end,
				records_upserted = 0,
				updated_at = excluded.updated_at
		`, key.UserID, string(key.Provider), string(key.Entity), string(SyncSyncing), run.ID,
			now.Unix(), window.Start.Unix(), window.End.Unix(), now.Unix())
		if err != nil {
			return fmt.Errorf("failed to enter SYNCING: %w", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrSyncInProgress) {
			metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpBeginSync).Inc()
		}
		return nil, err
	}
	return run, nil
}

// FinishSync records the outcome of runID. A nil syncErr means SUCCESS, which
// stamps last_success_at and clears the previous error. A run that has since
// been taken over leaves the state alone.
func (db *DB) FinishSync(ctx context.Context, key SyncKey, runID string, upserted int, syncErr error) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpFinishSync))
	defer timer.ObserveDuration()

	now := time.Now().Unix()
	var res sql.Result
	var err error
	if syncErr == nil {
		res, err = db.conn.ExecContext(ctx, `
			UPDATE sync_state
			SET status = ?, last_success_at = ?, last_error = NULL, records_upserted = ?, updated_at = ?
			WHERE user_id = ? AND provider = ? AND entity = ? AND run_id = ?
		`, string(SyncSuccess), now, upserted, now, key.UserID, string(key.Provider), string(key.Entity), runID)
	} else {
		res, err = db.conn.ExecContext(ctx, `
			UPDATE sync_state
			SET status = ?, last_error = ?, records_upserted = ?, updated_at = ?
			WHERE user_id = ? AND provider = ? AND entity = ? AND run_id = ?
		`, string(SyncFailed), syncErr.Error(), upserted, now, key.UserID, string(key.Provider), string(key.Entity), runID)
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpFinishSync).Inc()
		return fmt.Errorf("failed to finish sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync run %s no longer owns %s/%s/%s", runID, key.UserID, key.Provider, key.Entity)
	}
	return nil
}

// GetSyncState returns the machine's state; a never-run machine is IDLE
func (db *DB) GetSyncState(ctx context.Context, key SyncKey) (*SyncState, error) {
	st := &SyncState{SyncKey: key, Status: SyncIdle}

	var status string
	var runID, lastError sql.NullString
	var startedAt, windowStart, windowEnd, lastSuccess *int64
	var updatedAt int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT status, run_id, started_at, window_start, window_end, last_success_at, last_error, records_upserted, updated_at
		FROM sync_state WHERE user_id = ? AND provider = ? AND entity = ?
	`, key.UserID, string(key.Provider), string(key.Entity)).Scan(
		&status, &runID, &startedAt, &windowStart, &windowEnd, &lastSuccess, &lastError, &st.RecordsUpserted, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}

	st.Status = SyncStatus(status)
	st.RunID = runID.String
	st.StartedAt = timePtr(startedAt)
	st.LastSuccessAt = timePtr(lastSuccess)
	if lastError.Valid {
		st.LastError = &lastError.String
	}
	if windowStart != nil && windowEnd != nil {
		st.Window = canonical.NewWindow(time.Unix(*windowStart, 0).UTC(), time.Unix(*windowEnd, 0).UTC())
	}
	st.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return st, nil
}
