package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/merge"
	"github.com/newpush/coach-sub004/internal/metrics"
)

const wellnessColumns = `user_id, date, provider, resting_hr, hrv, hrv_sdnn, sleep_sec, sleep_score,
	readiness, weight_kg, tss, source_updated_at, raw_json, created_at, updated_at`

// UpsertWellness merges incoming into the record for (user, day) in one
// transaction. Which provider's fields win is decided by merge.Wellness.
func (db *DB) UpsertWellness(ctx context.Context, incoming canonical.WellnessRecord) (UpsertResult, *canonical.WellnessRecord, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertWellness))
	defer timer.ObserveDuration()

	incoming.Date = canonical.Day(incoming.Date)

	var result UpsertResult
	var stored canonical.WellnessRecord
	var mergeErr error

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getWellness(ctx, tx, incoming.UserID, incoming.Date)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		merged, err := merge.Wellness(existing, incoming)
		if err != nil {
			result, stored, mergeErr = Conflict, *existing, err
			return nil
		}

		now := time.Now().UTC().Truncate(time.Second)
		if existing == nil {
			merged.CreatedAt = now
			merged.UpdatedAt = now
			args, err := wellnessArgs(&merged)
			if err != nil {
				return err
			}
			args = append([]any{merged.UserID, merged.Date.Unix()}, args...)
			args = append(args, merged.CreatedAt.Unix(), merged.UpdatedAt.Unix())
			if _, err := tx.ExecContext(ctx, `INSERT INTO wellness (`+wellnessColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
				return fmt.Errorf("failed to insert wellness: %w", err)
			}
			result, stored = Inserted, merged
			return nil
		}

		before, err := wellnessArgs(existing)
		if err != nil {
			return err
		}
		after, err := wellnessArgs(&merged)
		if err != nil {
			return err
		}
		if reflect.DeepEqual(before, after) {
			result, stored = Unchanged, *existing
			return nil
		}

		merged.UpdatedAt = now
		after = append(after, merged.UpdatedAt.Unix(), merged.UserID, merged.Date.Unix())
		if _, err := tx.ExecContext(ctx, `
			UPDATE wellness SET
				provider = ?, resting_hr = ?, hrv = ?, hrv_sdnn = ?, sleep_sec = ?, sleep_score = ?,
				readiness = ?, weight_kg = ?, tss = ?, source_updated_at = ?, raw_json = ?, updated_at = ?
			WHERE user_id = ? AND date = ?`, after...); err != nil {
			return fmt.Errorf("failed to update wellness: %w", err)
		}
		result, stored = Updated, merged
		return nil
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertWellness).Inc()
		return "", nil, fmt.Errorf("failed to upsert wellness: %w", err)
	}
	metrics.RecordsUpsertedTotal.WithLabelValues(string(canonical.EntityWellness), string(result)).Inc()
	return result, &stored, mergeErr
}

// GetWellness returns ErrNotFound when no record exists for the day
func (db *DB) GetWellness(ctx context.Context, userID string, day time.Time) (*canonical.WellnessRecord, error) {
	return getWellness(ctx, db.conn, userID, canonical.Day(day))
}

// ListWellness returns the user's wellness records within the window
func (db *DB) ListWellness(ctx context.Context, userID string, w canonical.Window) ([]*canonical.WellnessRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+wellnessColumns+` FROM wellness
		WHERE user_id = ? AND date BETWEEN ? AND ?
		ORDER BY date
	`, userID, w.Start.Unix(), w.End.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list wellness: %w", err)
	}
	defer rows.Close()

	var out []*canonical.WellnessRecord
	for rows.Next() {
		rec, err := scanWellness(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wellness: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteWellness removes the day's record if it was written by p. It
// reports whether a row was removed.
func (db *DB) DeleteWellness(ctx context.Context, userID string, p canonical.Provider, day time.Time) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteWellness))
	defer timer.ObserveDuration()

	res, err := db.conn.ExecContext(ctx, `DELETE FROM wellness WHERE user_id = ? AND date = ? AND provider = ?`,
		userID, canonical.Day(day).Unix(), string(p))
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteWellness).Inc()
		return false, fmt.Errorf("failed to delete wellness: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func getWellness(ctx context.Context, q querier, userID string, day time.Time) (*canonical.WellnessRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+wellnessColumns+` FROM wellness WHERE user_id = ? AND date = ?`,
		userID, day.Unix())
	rec, err := scanWellness(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wellness: %w", err)
	}
	return rec, nil
}

func wellnessArgs(w *canonical.WellnessRecord) ([]any, error) {
	raw, err := encodeRaw(w.Raw)
	if err != nil {
		return nil, err
	}
	return []any{
		string(w.Provider), w.RestingHR, w.HRV, w.HRVSDNN, w.SleepSec, w.SleepScore,
		w.Readiness, w.WeightKg, w.TSS, unixPtr(w.SourceUpdatedAt), raw,
	}, nil
}

func scanWellness(s scanner) (*canonical.WellnessRecord, error) {
	var w canonical.WellnessRecord
	var provider string
	var date, createdAt, updatedAt int64
	var sourceUpdatedAt *int64
	var raw sql.NullString

	err := s.Scan(
		&w.UserID, &date, &provider, &w.RestingHR, &w.HRV, &w.HRVSDNN, &w.SleepSec, &w.SleepScore,
		&w.Readiness, &w.WeightKg, &w.TSS, &sourceUpdatedAt, &raw, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Date = time.Unix(date, 0).UTC()
	w.Provider = canonical.Provider(provider)
	w.SourceUpdatedAt = timePtr(sourceUpdatedAt)
	w.CreatedAt = time.Unix(createdAt, 0).UTC()
	w.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if w.Raw, err = decodeRaw(raw); err != nil {
		return nil, err
	}
	return &w, nil
}
