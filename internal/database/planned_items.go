package database

import (
	"context"
	"database/sql"
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

const plannedColumns = `id, user_id, provider, external_id, category, date, name, description, sport,
	planned_tss, planned_duration_sec, status, source_updated_at, raw_json, created_at, updated_at`

// UpsertPlannedItem merges incoming into the stored item. When the category
// changed, the old representation is deleted and the new one inserted in the
// same transaction, and the result is Reclassified.
func (db *DB) UpsertPlannedItem(ctx context.Context, incoming canonical.PlannedItem) (UpsertResult, *canonical.PlannedItem, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertPlannedItem))
	defer timer.ObserveDuration()

	incoming.Date = canonical.Day(incoming.Date)

	var result UpsertResult
	var stored canonical.PlannedItem
	var mergeErr error

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getPlannedItem(ctx, tx, incoming.UserID, incoming.Provider, incoming.ExternalID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		now := time.Now().UTC().Truncate(time.Second)

		if existing != nil && incoming.Category != "" && existing.Category != incoming.Category {
			res, err := tx.ExecContext(ctx, `DELETE FROM planned_items WHERE id = ?`, existing.ID)
			if err != nil {
				return fmt.Errorf("failed to delete reclassified planned item: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("reclassified planned item %s vanished", existing.ID)
			}
			item := incoming
			item.ID = uuid.NewString()
			item.CreatedAt, item.UpdatedAt = now, now
			if err := insertPlannedItem(ctx, tx, &item); err != nil {
				return err
			}
			result, stored = Reclassified, item
			return nil
		}

		merged, err := merge.PlannedItem(existing, incoming)
		if err != nil {
			result, stored, mergeErr = Conflict, *existing, err
			return nil
		}

		if existing == nil {
			merged.ID = uuid.NewString()
			merged.CreatedAt, merged.UpdatedAt = now, now
			if err := insertPlannedItem(ctx, tx, &merged); err != nil {
				return err
			}
			result, stored = Inserted, merged
			return nil
		}

		changed, err := updatePlannedItemIfChanged(ctx, tx, existing, &merged, now)
		if err != nil {
			return err
		}
		if !changed {
			result, stored = Unchanged, *existing
			return nil
		}
		result, stored = Updated, merged
		return nil
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertPlannedItem).Inc()
		return "", nil, fmt.Errorf("failed to upsert planned item: %w", err)
	}
	metrics.RecordsUpsertedTotal.WithLabelValues(string(canonical.EntityPlanned), string(result)).Inc()
	return result, &stored, mergeErr
}

// MarkPlannedItemCompleted moves a paired planned item to COMPLETED unless
// it already holds a terminal status. Returns false when nothing changed or
// the item does not exist.
func (db *DB) MarkPlannedItemCompleted(ctx context.Context, userID string, p canonical.Provider, externalID string) (bool, error) {
	var changed bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getPlannedItem(ctx, tx, userID, p, externalID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		merged := *existing
		merged.Status = merge.Status(existing.Status, canonical.StatusCompleted)
		changed, err = updatePlannedItemIfChanged(ctx, tx, existing, &merged, time.Now().UTC().Truncate(time.Second))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to complete planned item: %w", err)
	}
	return changed, nil
}

// GetPlannedItem returns ErrNotFound when absent
func (db *DB) GetPlannedItem(ctx context.Context, userID string, p canonical.Provider, externalID string) (*canonical.PlannedItem, error) {
	return getPlannedItem(ctx, db.conn, userID, p, externalID)
}

// ListPlannedItems returns the user's planned items dated within the window
func (db *DB) ListPlannedItems(ctx context.Context, userID string, w canonical.Window) ([]*canonical.PlannedItem, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+plannedColumns+` FROM planned_items
		WHERE user_id = ? AND date BETWEEN ? AND ?
		ORDER BY date, provider, external_id
	`, userID, w.Start.Unix(), w.End.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list planned items: %w", err)
	}
	defer rows.Close()

	var out []*canonical.PlannedItem
	for rows.Next() {
		item, err := scanPlannedItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan planned item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// DeletePlannedItem removes the item; deleting an absent item is a no-op
func (db *DB) DeletePlannedItem(ctx context.Context, userID string, p canonical.Provider, externalID string) (*canonical.PlannedItem, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeletePlannedItem))
	defer timer.ObserveDuration()

	var deleted *canonical.PlannedItem
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		item, err := getPlannedItem(ctx, tx, userID, p, externalID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM planned_items WHERE id = ?`, item.ID); err != nil {
			return err
		}
		deleted = item
		return nil
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeletePlannedItem).Inc()
		return nil, fmt.Errorf("failed to delete planned item: %w", err)
	}
	return deleted, nil
}

func getPlannedItem(ctx context.Context, q querier, userID string, p canonical.Provider, externalID string) (*canonical.PlannedItem, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+plannedColumns+` FROM planned_items
		WHERE user_id = ? AND provider = ? AND external_id = ?
	`, userID, string(p), externalID)
	item, err := scanPlannedItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get planned item: %w", err)
	}
	return item, nil
}

func plannedArgs(p *canonical.PlannedItem) ([]any, error) {
	raw, err := encodeRaw(p.Raw)
	if err != nil {
		return nil, err
	}
	return []any{
		string(p.Category), p.Date.Unix(), p.Name, p.Description, p.Sport,
		p.PlannedTSS, p.PlannedDurationSec, string(p.Status), unixPtr(p.SourceUpdatedAt), raw,
	}, nil
}

func insertPlannedItem(ctx context.Context, tx *sql.Tx, p *canonical.PlannedItem) error {
	args, err := plannedArgs(p)
	if err != nil {
		return err
	}
	args = append([]any{p.ID, p.UserID, string(p.Provider), p.ExternalID}, args...)
	args = append(args, p.CreatedAt.Unix(), p.UpdatedAt.Unix())
	if _, err := tx.ExecContext(ctx, `INSERT INTO planned_items (`+plannedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return fmt.Errorf("failed to insert planned item: %w", err)
	}
	return nil
}

func updatePlannedItemIfChanged(ctx context.Context, tx *sql.Tx, existing, merged *canonical.PlannedItem, now time.Time) (bool, error) {
	before, err := plannedArgs(existing)
	if err != nil {
		return false, err
	}
	after, err := plannedArgs(merged)
	if err != nil {
		return false, err
	}
	if reflect.DeepEqual(before, after) {
		return false, nil
	}

	merged.UpdatedAt = now
	after = append(after, now.Unix(), merged.ID)
	if _, err := tx.ExecContext(ctx, `
		UPDATE planned_items SET
			category = ?, date = ?, name = ?, description = ?, sport = ?,
			planned_tss = ?, planned_duration_sec = ?, status = ?, source_updated_at = ?, raw_json = ?, updated_at = ?
		WHERE id = ?`, after...); err != nil {
		return false, fmt.Errorf("failed to update planned item: %w", err)
	}
	return true, nil
}

func scanPlannedItem(s scanner) (*canonical.PlannedItem, error) {
	var p canonical.PlannedItem
	var provider, category, status string
	var date, createdAt, updatedAt int64
	var sourceUpdatedAt *int64
	var raw sql.NullString

	err := s.Scan(
		&p.ID, &p.UserID, &provider, &p.ExternalID, &category, &date, &p.Name, &p.Description, &p.Sport,
		&p.PlannedTSS, &p.PlannedDurationSec, &status, &sourceUpdatedAt, &raw, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Provider = canonical.Provider(provider)
	p.Category = canonical.PlannedCategory(category)
	p.Status = canonical.Status(status)
	p.Date = time.Unix(date, 0).UTC()
	p.SourceUpdatedAt = timePtr(sourceUpdatedAt)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if p.Raw, err = decodeRaw(raw); err != nil {
		return nil, err
	}
	return &p, nil
}
