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

// Circuit breaker states
const (
	CircuitClosed   = "closed"
	CircuitHalfOpen = "half_open"
	CircuitOpen     = "open"
)

// CircuitBreakerState is the persisted rate-limit breaker of one provider
type CircuitBreakerState struct {
	Provider             canonical.Provider
	State                string
	OpenedAt             *time.Time
	ClosesAt             *time.Time
	Last429At            *time.Time
	ConsecutiveSuccesses int
	UpdatedAt            time.Time
}

// GetCircuitBreakerState returns the provider's breaker; a provider that
// never tripped is closed
func (db *DB) GetCircuitBreakerState(ctx context.Context, p canonical.Provider) (*CircuitBreakerState, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetCircuitBreakerState))
	defer timer.ObserveDuration()

	state := CircuitBreakerState{Provider: p}
	var openedAt, closesAt, last429At *int64
	var updatedAt int64

	err := db.conn.QueryRowContext(ctx, `
		SELECT state, opened_at, closes_at, last_429_at, consecutive_successes, updated_at
		FROM circuit_breaker
		WHERE provider = ?
	`, string(p)).Scan(&state.State, &openedAt, &closesAt, &last429At, &state.ConsecutiveSuccesses, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		state.State = CircuitClosed
		state.UpdatedAt = time.Now()
		return &state, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetCircuitBreakerState).Inc()
		return nil, fmt.Errorf("failed to get circuit breaker state: %w", err)
	}

	state.OpenedAt = timePtr(openedAt)
	state.ClosesAt = timePtr(closesAt)
	state.Last429At = timePtr(last429At)
	state.UpdatedAt = time.Unix(updatedAt, 0)
	return &state, nil
}

// OpenCircuitBreaker trips the provider's breaker for cooldown
func (db *DB) OpenCircuitBreaker(ctx context.Context, p canonical.Provider, cooldown time.Duration) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpOpenCircuitBreaker))
	defer timer.ObserveDuration()

	now := time.Now()
	closesAt := now.Add(cooldown)

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO circuit_breaker (provider, state, opened_at, closes_at, last_429_at, consecutive_successes, updated_at)
		VALUES (?, 'open', ?, ?, ?, 0, ?)
		ON CONFLICT(provider) DO UPDATE SET
			state = 'open',
			opened_at = excluded.opened_at,
			closes_at = excluded.closes_at,
			last_429_at = excluded.last_429_at,
			consecutive_successes = 0,
			updated_at = excluded.updated_at
	`, string(p), now.Unix(), closesAt.Unix(), now.Unix(), now.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpOpenCircuitBreaker).Inc()
		return fmt.Errorf("failed to open circuit breaker: %w", err)
	}
	return nil
}

// TransitionCircuitBreakerToHalfOpen moves an open breaker to half_open
func (db *DB) TransitionCircuitBreakerToHalfOpen(ctx context.Context, p canonical.Provider) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpTransitionCircuitBreaker))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE circuit_breaker
		SET state = 'half_open',
		    consecutive_successes = 0,
		    updated_at = ?
		WHERE provider = ? AND state = 'open'
	`, time.Now().Unix(), string(p))
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpTransitionCircuitBreaker).Inc()
		return fmt.Errorf("failed to half-open circuit breaker: %w", err)
	}
	return nil
}

// TransitionCircuitBreakerToClosed resets the provider's breaker
func (db *DB) TransitionCircuitBreakerToClosed(ctx context.Context, p canonical.Provider) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpTransitionCircuitBreaker))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE circuit_breaker
		SET state = 'closed',
		    opened_at = NULL,
		    closes_at = NULL,
		    consecutive_successes = 0,
		    updated_at = ?
		WHERE provider = ?
	`, time.Now().Unix(), string(p))
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpTransitionCircuitBreaker).Inc()
		return fmt.Errorf("failed to close circuit breaker: %w", err)
	}
	return nil
}

// IncrementCircuitBreakerSuccesses counts a success while half_open
func (db *DB) IncrementCircuitBreakerSuccesses(ctx context.Context, p canonical.Provider) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE circuit_breaker
		SET consecutive_successes = consecutive_successes + 1,
		    updated_at = ?
		WHERE provider = ? AND state = 'half_open'
	`, time.Now().Unix(), string(p))
	return err
}
