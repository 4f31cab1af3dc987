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

// Integration is a user's connection to one provider
type Integration struct {
	UserID      string
	Provider    canonical.Provider
	AthleteID   string
	AccessToken string
	APIKey      string
	// Timezone is the athlete's IANA zone; empty means UTC
	Timezone    string
	NeedsReauth bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertIntegration stores credentials and clears the reauth flag
func (db *DB) UpsertIntegration(ctx context.Context, in *Integration) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertIntegration))
	defer timer.ObserveDuration()

	now := time.Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO integrations (user_id, provider, athlete_id, access_token, api_key, timezone, needs_reauth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			athlete_id = excluded.athlete_id,
			access_token = excluded.access_token,
			api_key = excluded.api_key,
			timezone = excluded.timezone,
			needs_reauth = 0,
			updated_at = excluded.updated_at
	`, in.UserID, string(in.Provider), in.AthleteID, in.AccessToken, in.APIKey, in.Timezone, now.Unix(), now.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertIntegration).Inc()
		return fmt.Errorf("failed to upsert integration: %w", err)
	}
	return nil
}

// GetIntegration returns ErrNotFound when the user has not connected the provider
func (db *DB) GetIntegration(ctx context.Context, userID string, p canonical.Provider) (*Integration, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetIntegration))
	defer timer.ObserveDuration()

	row := db.conn.QueryRowContext(ctx, `
		SELECT user_id, provider, athlete_id, access_token, api_key, timezone, needs_reauth, created_at, updated_at
		FROM integrations WHERE user_id = ? AND provider = ?
	`, userID, string(p))

	in, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetIntegration).Inc()
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return in, nil
}

// ListIntegrations returns the user's integrations ordered by provider.
// An empty userID lists every user's.
func (db *DB) ListIntegrations(ctx context.Context, userID string) ([]*Integration, error) {
	query := `
		SELECT user_id, provider, athlete_id, access_token, api_key, timezone, needs_reauth, created_at, updated_at
		FROM integrations`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY user_id, provider`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var out []*Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// MarkNeedsReauth flags credentials the provider rejected
func (db *DB) MarkNeedsReauth(ctx context.Context, userID string, p canonical.Provider) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE integrations SET needs_reauth = 1, updated_at = ? WHERE user_id = ? AND provider = ?
	`, time.Now().Unix(), userID, string(p))
	if err != nil {
		return fmt.Errorf("failed to mark integration for reauth: %w", err)
	}
	return nil
}

// FindIntegrationByAthlete resolves a provider-side athlete id to our user
func (db *DB) FindIntegrationByAthlete(ctx context.Context, p canonical.Provider, athleteID string) (*Integration, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT user_id, provider, athlete_id, access_token, api_key, timezone, needs_reauth, created_at, updated_at
		FROM integrations WHERE provider = ? AND athlete_id = ?
		LIMIT 1
	`, string(p), athleteID)

	in, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find integration by athlete: %w", err)
	}
	return in, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntegration(s scanner) (*Integration, error) {
	var in Integration
	var provider string
	var athleteID, accessToken, apiKey, timezone sql.NullString
	var needsReauth int
	var createdAt, updatedAt int64
	if err := s.Scan(&in.UserID, &provider, &athleteID, &accessToken, &apiKey, &timezone, &needsReauth, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	in.Provider = canonical.Provider(provider)
	in.AthleteID = athleteID.String
	in.AccessToken = accessToken.String
	in.APIKey = apiKey.String
	in.Timezone = timezone.String
	in.NeedsReauth = needsReauth != 0
	in.CreatedAt = time.Unix(createdAt, 0).UTC()
	in.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &in, nil
}
