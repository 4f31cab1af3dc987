package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/database"
	"github.com/newpush/coach-sub004/internal/provider"
)

// idempotencyRetention bounds how long scheduler keys are remembered
const idempotencyRetention = 48 * time.Hour

// plannedAheadDays is how far past today scheduled planned-item syncs reach
const plannedAheadDays = 14

// Scheduler periodically enqueues trailing-window sync jobs for every
// connected integration. Keys are bucketed by hour, so restarts and
// overlapping ticks within the same hour enqueue each job once.
type Scheduler struct {
	db           *database.DB
	registry     *provider.Registry
	interval     time.Duration
	lookbackDays int
	logger       *slog.Logger
	now          func() time.Time
}

// NewScheduler creates a scheduler
func NewScheduler(db *database.DB, registry *provider.Registry, interval time.Duration, lookbackDays int) *Scheduler {
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	return &Scheduler{
		db:           db,
		registry:     registry,
		interval:     interval,
		lookbackDays: lookbackDays,
		logger:       slog.Default().With("component", "scheduler"),
		now:          time.Now,
	}
}

// Start enqueues immediately and then on every tick until ctx is canceled
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := s.Tick(ctx); err != nil {
			s.logger.Error("Scheduled enqueue failed", "error", err)
		} else if n > 0 {
			s.logger.Info("Enqueued scheduled sync jobs", "count", n)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping")
			return
		case <-ticker.C:
		}
	}
}

// Tick enqueues one round of jobs and returns how many were new
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now().UTC()
	integrations, err := s.db.ListIntegrations(ctx, "")
	if err != nil {
		return 0, err
	}

	today := canonical.Day(now)
	bucket := now.Truncate(time.Hour).Format("2006-01-02T15")
	enqueued := 0
	for _, in := range integrations {
		if in.NeedsReauth {
			continue
		}
		adapter, err := s.registry.Get(in.Provider)
		if err != nil {
			continue
		}
		for _, entity := range []canonical.EntityType{canonical.EntityActivities, canonical.EntityWellness, canonical.EntityPlanned} {
			if !adapter.Supports(entity) {
				continue
			}
			window := canonical.Window{Start: today.AddDate(0, 0, -(s.lookbackDays - 1)), End: today}
			if entity == canonical.EntityPlanned {
				window.End = today.AddDate(0, 0, plannedAheadDays)
			}
			key := fmt.Sprintf("scheduled:%s:%s:%s:%s", in.UserID, in.Provider, entity, bucket)
			id, err := s.db.EnqueueSyncJob(ctx, database.SyncJob{
				UserID:         in.UserID,
				Provider:       in.Provider,
				Entity:         entity,
				Window:         window,
				IdempotencyKey: &key,
			})
			if err != nil {
				return enqueued, err
			}
			if id != 0 {
				enqueued++
			}
		}
	}

	if purged, err := s.db.PurgeIdempotencyKeys(ctx, now.Add(-idempotencyRetention)); err != nil {
		s.logger.Warn("Failed to purge idempotency keys", "error", err)
	} else if purged > 0 {
		s.logger.Debug("Purged idempotency keys", "count", purged)
	}
	return enqueued, nil
}
