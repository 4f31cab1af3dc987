package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/merge"
	"github.com/newpush/coach-sub004/internal/metrics"
)

// UpsertResult reports what an upsert did to the stored row
type UpsertResult string

const (
	Inserted     UpsertResult = metrics.UpsertInserted
	Updated      UpsertResult = metrics.UpsertUpdated
	Unchanged    UpsertResult = metrics.UpsertUnchanged
	Conflict     UpsertResult = metrics.UpsertConflict
	Reclassified UpsertResult = metrics.UpsertReclassed
)

const activityColumns = `id, user_id, provider, external_id, name, sport, start_time, local_date, duration_sec,
	distance_m, avg_power, max_power, avg_hr, max_hr, tss, status, planned_external_id,
	duplicate, source_updated_at, raw_json, created_at, updated_at`

// UpsertActivity merges incoming into the stored activity with the same
// (user, provider, external id) inside one transaction. A merge conflict keeps
// the stored row and returns Conflict with the wrapped merge error.
// Newly inserted activities are soft-flagged as duplicates when another
// provider already holds a matching workout.
func (db *DB) UpsertActivity(ctx context.Context, incoming canonical.Activity) (UpsertResult, *canonical.Activity, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertActivity))
	defer timer.ObserveDuration()

	var result UpsertResult
	var stored canonical.Activity
	var mergeErr error

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getActivity(ctx, tx, incoming.UserID, incoming.Provider, incoming.ExternalID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		merged, err := merge.Activity(existing, incoming)
		if err != nil {
			result, stored, mergeErr = Conflict, *existing, err
			return nil
		}

		now := time.Now().UTC().Truncate(time.Second)
		if existing == nil {
			merged.ID = uuid.NewString()
			merged.CreatedAt = now
			merged.UpdatedAt = now
			dup, err := hasDuplicate(ctx, tx, merged)
			if err != nil {
				return err
			}
			merged.Duplicate = merged.Duplicate || dup
			if err := insertActivity(ctx, tx, &merged); err != nil {
				return err
			}
			result, stored = Inserted, merged
			return nil
		}

		if activityEqual(*existing, merged) {
			result, stored = Unchanged, *existing
			return nil
		}
		merged.UpdatedAt = now
		if err := updateActivity(ctx, tx, &merged); err != nil {
			return err
		}
		result, stored = Updated, merged
		return nil
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertActivity).Inc()
		return "", nil, fmt.Errorf("failed to upsert activity: %w", err)
	}
	metrics.RecordsUpsertedTotal.WithLabelValues(string(canonical.EntityActivities), string(result)).Inc()
	return result, &stored, mergeErr
}

// GetActivity returns ErrNotFound when absent
func (db *DB) GetActivity(ctx context.Context, userID string, p canonical.Provider, externalID string) (*canonical.Activity, error) {
	return getActivity(ctx, db.conn, userID, p, externalID)
}

// GetActivityByID looks up an activity by its internal id
func (db *DB) GetActivityByID(ctx context.Context, id string) (*canonical.Activity, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = ?`, id)
	a, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return a, nil
}

// ListActivities returns the user's activities whose local day falls within
// the window, oldest first
func (db *DB) ListActivities(ctx context.Context, userID string, w canonical.Window) ([]*canonical.Activity, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+activityColumns+` FROM activities
		WHERE user_id = ? AND local_date >= ? AND local_date <= ?
		ORDER BY local_date, start_time, provider, external_id
	`, userID, w.Start.Unix(), w.End.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var out []*canonical.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteActivity hard-deletes the activity and its stream. Deleting an
// absent activity is a no-op; the returned activity is nil in that case.
func (db *DB) DeleteActivity(ctx context.Context, userID string, p canonical.Provider, externalID string) (*canonical.Activity, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteActivity))
	defer timer.ObserveDuration()

	var deleted *canonical.Activity
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getActivity(ctx, tx, userID, p, externalID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM activities WHERE id = ?`, a.ID); err != nil {
			return err
		}
		deleted = a
		return nil
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteActivity).Inc()
		return nil, fmt.Errorf("failed to delete activity: %w", err)
	}
	return deleted, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getActivity(ctx context.Context, q querier, userID string, p canonical.Provider, externalID string) (*canonical.Activity, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+activityColumns+` FROM activities
		WHERE user_id = ? AND provider = ? AND external_id = ?
	`, userID, string(p), externalID)
	a, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return a, nil
}

// hasDuplicate looks for a likely twin of a from another provider
func hasDuplicate(ctx context.Context, tx *sql.Tx, a canonical.Activity) (bool, error) {
	tolerance := int64(merge.DuplicateStartTolerance / time.Second)
	rows, err := tx.QueryContext(ctx, `
		SELECT `+activityColumns+` FROM activities
		WHERE user_id = ? AND provider != ? AND duplicate = 0 AND start_time BETWEEN ? AND ?
	`, a.UserID, string(a.Provider), a.StartTime.Unix()-tolerance, a.StartTime.Unix()+tolerance)
	if err != nil {
		return false, fmt.Errorf("failed to query duplicate candidates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		other, err := scanActivity(rows)
		if err != nil {
			return false, fmt.Errorf("failed to scan duplicate candidate: %w", err)
		}
		if merge.IsLikelyDuplicate(a, *other) {
			return true, nil
		}
	}
	return false, rows.Err()
}

func activityArgs(a *canonical.Activity) ([]any, error) {
	raw, err := encodeRaw(a.Raw)
	if err != nil {
		return nil, err
	}
	return []any{
		a.Name, a.Sport, a.StartTime.Unix(), a.Day().Unix(), a.DurationSec,
		a.DistanceM, a.AvgPower, a.MaxPower, a.AvgHR, a.MaxHR, a.TSS, string(a.Status), a.PlannedExternalID,
		boolToInt(a.Duplicate), unixPtr(a.SourceUpdatedAt), raw,
	}, nil
}

func insertActivity(ctx context.Context, tx *sql.Tx, a *canonical.Activity) error {
	args, err := activityArgs(a)
	if err != nil {
		return err
	}
	args = append([]any{a.ID, a.UserID, string(a.Provider), a.ExternalID}, args...)
	args = append(args, a.CreatedAt.Unix(), a.UpdatedAt.Unix())
	_, err = tx.ExecContext(ctx, `INSERT INTO activities (`+activityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

func updateActivity(ctx context.Context, tx *sql.Tx, a *canonical.Activity) error {
	args, err := activityArgs(a)
	if err != nil {
		return err
	}
	args = append(args, a.UpdatedAt.Unix(), a.ID)
	_, err = tx.ExecContext(ctx, `
		UPDATE activities SET
			name = ?, sport = ?, start_time = ?, local_date = ?, duration_sec = ?,
			distance_m = ?, avg_power = ?, max_power = ?, avg_hr = ?, max_hr = ?, tss = ?, status = ?, planned_external_id = ?,
			duplicate = ?, source_updated_at = ?, raw_json = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update activity: %w", err)
	}
	return nil
}

// activityEqual compares the persisted columns of two activities
func activityEqual(a, b canonical.Activity) bool {
	aa, errA := activityArgs(&a)
	bb, errB := activityArgs(&b)
	return errA == nil && errB == nil && reflect.DeepEqual(aa, bb)
}

func scanActivity(s scanner) (*canonical.Activity, error) {
	var a canonical.Activity
	var provider, status string
	var startTime, localDate, createdAt, updatedAt int64
	var duplicate int
	var sourceUpdatedAt *int64
	var raw sql.NullString

	err := s.Scan(
		&a.ID, &a.UserID, &provider, &a.ExternalID, &a.Name, &a.Sport, &startTime, &localDate, &a.DurationSec,
		&a.DistanceM, &a.AvgPower, &a.MaxPower, &a.AvgHR, &a.MaxHR, &a.TSS, &status, &a.PlannedExternalID,
		&duplicate, &sourceUpdatedAt, &raw, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Provider = canonical.Provider(provider)
	a.Status = canonical.Status(status)
	a.StartTime = time.Unix(startTime, 0).UTC()
	a.LocalDate = time.Unix(localDate, 0).UTC()
	a.Duplicate = duplicate != 0
	a.SourceUpdatedAt = timePtr(sourceUpdatedAt)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if a.Raw, err = decodeRaw(raw); err != nil {
		return nil, err
	}
	return &a, nil
}

func encodeRaw(p canonical.RawPayload) (*string, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw payload: %w", err)
	}
	s := string(b)
	return &s, nil
}

func decodeRaw(s sql.NullString) (canonical.RawPayload, error) {
	if !s.Valid {
		return nil, nil
	}
	p, err := canonical.ParsePayload([]byte(s.String))
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw payload: %w", err)
	}
	return p, nil
}
