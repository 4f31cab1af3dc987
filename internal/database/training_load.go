package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/load"
	"github.com/newpush/coach-sub004/internal/metrics"
)

// ReplaceTrainingLoad swaps every stored point in the window for points
func (db *DB) ReplaceTrainingLoad(ctx context.Context, userID string, w canonical.Window, points []load.Point) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReplaceTrainingLoad))
	defer timer.ObserveDuration()

	now := time.Now().Unix()
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM training_load WHERE user_id = ? AND date BETWEEN ? AND ?`,
			userID, w.Start.Unix(), w.End.Unix()); err != nil {
			return fmt.Errorf("failed to clear training load: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO training_load (user_id, date, stress, chronic, acute, balance, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare training load insert: %w", err)
		}
		defer stmt.Close()

		for _, p := range points {
			day := canonical.Day(p.Date)
			if !w.Contains(day) {
				continue
			}
			if _, err := stmt.ExecContext(ctx, userID, day.Unix(), p.Stress, p.Chronic, p.Acute, p.Balance, now); err != nil {
				return fmt.Errorf("failed to insert training load point: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReplaceTrainingLoad).Inc()
		return err
	}
	return nil
}

// ListTrainingLoad returns stored points within the window, oldest first
func (db *DB) ListTrainingLoad(ctx context.Context, userID string, w canonical.Window) ([]load.Point, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT date, stress, chronic, acute, balance FROM training_load
		WHERE user_id = ? AND date BETWEEN ? AND ?
		ORDER BY date
	`, userID, w.Start.Unix(), w.End.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list training load: %w", err)
	}
	defer rows.Close()

	var out []load.Point
	for rows.Next() {
		p, err := scanLoadPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan training load point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestTrainingLoadBefore returns the newest point dated strictly before
// day, or ErrNotFound
func (db *DB) LatestTrainingLoadBefore(ctx context.Context, userID string, day time.Time) (*load.Point, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT date, stress, chronic, acute, balance FROM training_load
		WHERE user_id = ? AND date < ?
		ORDER BY date DESC LIMIT 1
	`, userID, canonical.Day(day).Unix())
	p, err := scanLoadPoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest training load: %w", err)
	}
	return &p, nil
}

func scanLoadPoint(s scanner) (load.Point, error) {
	var p load.Point
	var date int64
	if err := s.Scan(&date, &p.Stress, &p.Chronic, &p.Acute, &p.Balance); err != nil {
		return p, err
	}
	p.Date = time.Unix(date, 0).UTC()
	return p, nil
}
