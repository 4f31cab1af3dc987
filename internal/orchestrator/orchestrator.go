// Package orchestrator coordinates provider syncs: it fetches a bounded
// window through an adapter, folds every record into the store, derives
// stream and load metrics, and records the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/database"
	"github.com/newpush/coach-sub004/internal/load"
	"github.com/newpush/coach-sub004/internal/provider"
	"github.com/newpush/coach-sub004/internal/streams"
	"github.com/newpush/coach-sub004/internal/zones"
)

var (
	// ErrNoIntegration is returned when the user has not connected a provider
	ErrNoIntegration = errors.New("no integration for user")
	// ErrNeedsReauth is returned for integrations whose credentials were rejected
	ErrNeedsReauth = errors.New("integration needs reauthorization")
	// ErrUnsupported is returned when the provider does not serve the entity
	ErrUnsupported = errors.New("entity not supported by provider")
)

// Config holds the orchestrator tunables
type Config struct {
	// UserConcurrency caps in-flight syncs per user across providers
	UserConcurrency int64
	// StaleAfter is how old a SYNCING state must be before it is taken over
	StaleAfter time.Duration
	// LoadSeedDays is how far back load is rebuilt when no earlier point exists
	LoadSeedDays int
	// ProjectionDays is how far ahead planned stress is projected
	ProjectionDays int
	// OverreachBalance is the balance below which a forecast event is emitted
	OverreachBalance float64

	Streams streams.Config
	Load    load.Config
}

// DefaultConfig returns the product defaults
func DefaultConfig() Config {
	return Config{
		UserConcurrency:  2,
		StaleAfter:       30 * time.Minute,
		LoadSeedDays:     180,
		ProjectionDays:   14,
		OverreachBalance: -30,
		Streams:          streams.DefaultConfig(),
		Load:             load.DefaultConfig(),
	}
}

// ZoneSource resolves a user's zone profile
type ZoneSource interface {
	For(userID string) zones.Profile
}

// Orchestrator runs syncs. Safe for concurrent use.
type Orchestrator struct {
	db       *database.DB
	registry *provider.Registry
	zones    ZoneSource
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[database.SyncKey]*call
	users    map[string]*semaphore.Weighted
	// accounts serializes runs per (user, provider) across entity types
	accounts map[accountKey]*semaphore.Weighted
}

type accountKey struct {
	userID   string
	provider canonical.Provider
}

// call is one in-flight sync that later triggers may wait on
type call struct {
	window canonical.Window
	done   chan struct{}
	result Result
	err    error
}

// New creates an orchestrator
func New(db *database.DB, registry *provider.Registry, zoneSource ZoneSource, cfg Config) *Orchestrator {
	if cfg.UserConcurrency <= 0 {
		cfg.UserConcurrency = 1
	}
	return &Orchestrator{
		db:       db,
		registry: registry,
		zones:    zoneSource,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		inflight: make(map[database.SyncKey]*call),
		users:    make(map[string]*semaphore.Weighted),
		accounts: make(map[accountKey]*semaphore.Weighted),
	}
}

// Request names one provider/entity sync over a window of days
type Request struct {
	UserID   string
	Provider canonical.Provider
	Entity   canonical.EntityType
	Window   canonical.Window
}

func (r Request) key() database.SyncKey {
	return database.SyncKey{UserID: r.UserID, Provider: r.Provider, Entity: r.Entity}
}

// SyncActivities syncs activities from every connected provider that serves them
func (o *Orchestrator) SyncActivities(ctx context.Context, userID string, start, end time.Time) (Summary, error) {
	return o.syncAll(ctx, userID, canonical.EntityActivities, canonical.NewWindow(start, end))
}

// SyncWellness syncs wellness from every connected provider that serves it
func (o *Orchestrator) SyncWellness(ctx context.Context, userID string, start, end time.Time) (Summary, error) {
	return o.syncAll(ctx, userID, canonical.EntityWellness, canonical.NewWindow(start, end))
}

// SyncPlannedItems syncs planned items from every connected provider that serves them
func (o *Orchestrator) SyncPlannedItems(ctx context.Context, userID string, start, end time.Time) (Summary, error) {
	return o.syncAll(ctx, userID, canonical.EntityPlanned, canonical.NewWindow(start, end))
}

// SyncEntity dispatches to the entity's sync operation
func (o *Orchestrator) SyncEntity(ctx context.Context, userID string, entity canonical.EntityType, start, end time.Time) (Summary, error) {
	if !entity.Valid() {
		return Summary{}, fmt.Errorf("unknown entity type %q", entity)
	}
	return o.syncAll(ctx, userID, entity, canonical.NewWindow(start, end))
}

// syncAll fans one entity sync out over the user's providers. Provider
// failures are reported per result; the returned error is non-nil only when
// nothing could be attempted.
func (o *Orchestrator) syncAll(ctx context.Context, userID string, entity canonical.EntityType, w canonical.Window) (Summary, error) {
	integrations, err := o.db.ListIntegrations(ctx, userID)
	if err != nil {
		return Summary{}, err
	}

	var reqs []Request
	for _, in := range integrations {
		adapter, err := o.registry.Get(in.Provider)
		if err != nil || !adapter.Supports(entity) {
			continue
		}
		reqs = append(reqs, Request{UserID: userID, Provider: in.Provider, Entity: entity, Window: w})
	}
	if len(reqs) == 0 {
		return Summary{}, fmt.Errorf("%w: %s has no provider for %s", ErrNoIntegration, userID, entity)
	}

	results := make([]Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := o.Sync(gctx, req)
			if err != nil && res.Outcome == "" {
				res = Result{Provider: req.Provider, Entity: req.Entity, Window: req.Window, Outcome: OutcomeFailed, Error: err.Error()}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return newSummary(results), nil
}

// Sync runs one provider/entity sync. A trigger for a (user, provider,
// entity) that is already syncing waits for the in-flight run and shares its
// result when that run's window covers the request; otherwise it runs next.
// Runs for other entity types of the same (user, provider) queue behind the
// active one, and at most UserConcurrency providers fetch for a user at once.
func (o *Orchestrator) Sync(ctx context.Context, req Request) (Result, error) {
	if req.Window.Empty() {
		return Result{}, fmt.Errorf("empty sync window %s", req.Window)
	}
	key := req.key()

	var c *call
	for {
		o.mu.Lock()
		running, ok := o.inflight[key]
		if !ok {
			c = &call{window: req.Window, done: make(chan struct{})}
			o.inflight[key] = c
			o.mu.Unlock()
			break
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-running.done:
		}
		if running.err == nil && running.window.Covers(req.Window) {
			o.logger.Debug("Sync coalesced into in-flight run",
				"user_id", req.UserID, "provider", req.Provider, "entity", req.Entity)
			coalescedTotal(req)
			res := running.result
			res.Coalesced = true
			return res, nil
		}
	}

	defer func() {
		o.mu.Lock()
		delete(o.inflight, key)
		o.mu.Unlock()
		close(c.done)
	}()

	account := o.accountSemaphore(req.UserID, req.Provider)
	if err := account.Acquire(ctx, 1); err != nil {
		c.err = err
		return Result{}, err
	}
	defer account.Release(1)

	sem := o.userSemaphore(req.UserID)
	if err := sem.Acquire(ctx, 1); err != nil {
		c.err = err
		return Result{}, err
	}
	defer sem.Release(1)

	c.result, c.err = o.run(ctx, req)
	return c.result, c.err
}

func (o *Orchestrator) userSemaphore(userID string) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.users[userID]
	if !ok {
		sem = semaphore.NewWeighted(o.cfg.UserConcurrency)
		o.users[userID] = sem
	}
	return sem
}

func (o *Orchestrator) accountSemaphore(userID string, p canonical.Provider) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := accountKey{userID: userID, provider: p}
	sem, ok := o.accounts[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		o.accounts[key] = sem
	}
	return sem
}

// location returns the athlete's timezone, UTC when unset or unknown
func (o *Orchestrator) location(in *database.Integration) *time.Location {
	if in == nil || in.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(in.Timezone)
	if err != nil {
		o.logger.Warn("Unknown integration timezone, using UTC",
			"user_id", in.UserID, "provider", in.Provider, "timezone", in.Timezone)
		return time.UTC
	}
	return loc
}

// localToday is the athlete's current calendar day
func (o *Orchestrator) localToday(loc *time.Location) time.Time {
	return canonical.Day(o.now().In(loc))
}

// userLocation picks the first configured timezone among the user's integrations
func (o *Orchestrator) userLocation(ctx context.Context, userID string) *time.Location {
	integrations, err := o.db.ListIntegrations(ctx, userID)
	if err != nil {
		return time.UTC
	}
	for _, in := range integrations {
		if in.Timezone != "" {
			return o.location(in)
		}
	}
	return time.UTC
}
