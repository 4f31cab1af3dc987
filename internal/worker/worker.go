package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/database"
	"github.com/newpush/coach-sub004/internal/metrics"
	"github.com/newpush/coach-sub004/internal/orchestrator"
	"github.com/newpush/coach-sub004/internal/provider"
	"github.com/newpush/coach-sub004/internal/webhook"
)

// Router routes queued webhook deliveries
type Router interface {
	Route(ctx context.Context, d webhook.Delivery) (webhook.Outcome, error)
}

// Syncer runs one provider sync
type Syncer interface {
	Sync(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

// cooldowner is implemented by adapters that know when their rate limit resets
type cooldowner interface {
	Cooldown(now time.Time) time.Duration
}

// Config tunes the worker pool
type Config struct {
	Count             int
	PollInterval      time.Duration
	RateLimitCooldown time.Duration
	// RecoveryCount is the consecutive successes that close a half-open circuit
	RecoveryCount int
	// InProgressDelay postpones jobs whose sync is running elsewhere
	InProgressDelay time.Duration
}

// DefaultConfig returns the pool defaults
func DefaultConfig() Config {
	return Config{
		Count:             2,
		PollInterval:      500 * time.Millisecond,
		RateLimitCooldown: 15 * time.Minute,
		RecoveryCount:     3,
		InProgressDelay:   time.Minute,
	}
}

// Worker drains the webhook queue and the sync job queue. Webhooks always
// take priority; sync jobs for providers whose circuit is open stay queued.
type Worker struct {
	db       *database.DB
	router   Router
	syncer   Syncer
	registry *provider.Registry
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker creates a new worker
func NewWorker(db *database.DB, router Router, syncer Syncer, registry *provider.Registry, cfg Config) *Worker {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	return &Worker{
		db:       db,
		router:   router,
		syncer:   syncer,
		registry: registry,
		cfg:      cfg,
		logger:   slog.Default().With("component", "worker"),
		now:      time.Now,
	}
}

// Start runs cfg.Count polling goroutines and blocks until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting workers (webhooks + sync jobs + circuit breaker)", "count", w.cfg.Count)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			metrics.WorkersActive.Inc()
			defer metrics.WorkersActive.Dec()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()

	w.logger.Info("Stopping workers")
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context, id int) {
	logger := w.logger.With("worker_id", id)
	for {
		if ctx.Err() != nil {
			return
		}
		if !w.poll(ctx, logger) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
}

// poll runs one cycle and reports whether it found work
func (w *Worker) poll(ctx context.Context, logger *slog.Logger) bool {
	states, err := w.circuitStates(ctx)
	if err != nil {
		logger.Error("Failed to check circuit breakers", "error", err)
		return false
	}

	item, err := w.db.ClaimWebhook(ctx)
	if err != nil {
		logger.Error("Failed to claim webhook", "error", err)
		return false
	}
	if item != nil {
		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeWebhookFound).Inc()
		if w.processWebhook(ctx, logger, item) {
			w.recordSuccess(ctx, states, item.Provider)
		}
		return true
	}

	var open []canonical.Provider
	for p, s := range states {
		if s.State == database.CircuitOpen {
			open = append(open, p)
		}
	}

	job, err := w.db.ClaimSyncJob(ctx, open...)
	if err != nil {
		logger.Error("Failed to claim sync job", "error", err)
		return false
	}
	if job != nil {
		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeSyncJobFound).Inc()
		if w.processSyncJob(ctx, logger, job) {
			w.recordSuccess(ctx, states, job.Provider)
		}
		return true
	}

	if len(open) > 0 {
		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeCircuitOpen).Inc()
	} else {
		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeIdle).Inc()
	}
	return false
}

// circuitStates loads and advances every provider's circuit breaker
func (w *Worker) circuitStates(ctx context.Context) (map[canonical.Provider]*database.CircuitBreakerState, error) {
	states := make(map[canonical.Provider]*database.CircuitBreakerState)
	for _, p := range w.registry.Names() {
		state, err := w.db.GetCircuitBreakerState(ctx, p)
		if err != nil {
			return nil, err
		}
		if err := w.handleCircuitBreakerTransitions(ctx, state); err != nil {
			w.logger.Error("Failed to handle circuit transitions", "provider", p, "error", err)
		}
		states[p] = state
	}
	return states, nil
}

// handleCircuitBreakerTransitions moves an open circuit to half_open once its
// cooldown elapsed, and a half_open circuit to closed after enough successes.
// The passed state is updated in place.
func (w *Worker) handleCircuitBreakerTransitions(ctx context.Context, state *database.CircuitBreakerState) error {
	now := w.now()
	label := string(state.Provider)

	switch state.State {
	case database.CircuitOpen:
		if state.ClosesAt != nil && now.After(*state.ClosesAt) {
			w.logger.Info("Circuit breaker cooldown elapsed, transitioning to half_open", "provider", state.Provider)
			if err := w.db.TransitionCircuitBreakerToHalfOpen(ctx, state.Provider); err != nil {
				return fmt.Errorf("failed to transition to half_open: %w", err)
			}
			state.State = database.CircuitHalfOpen
			state.ConsecutiveSuccesses = 0
			metrics.CircuitBreakerState.WithLabelValues(label).Set(1)
		}

	case database.CircuitHalfOpen:
		if state.ConsecutiveSuccesses >= w.cfg.RecoveryCount {
			w.logger.Info("Circuit breaker recovered after consecutive successes",
				"provider", state.Provider, "successes", state.ConsecutiveSuccesses)
			if err := w.db.TransitionCircuitBreakerToClosed(ctx, state.Provider); err != nil {
				return fmt.Errorf("failed to transition to closed: %w", err)
			}
			state.State = database.CircuitClosed
			metrics.CircuitBreakerState.WithLabelValues(label).Set(0)
			metrics.CircuitBreakerRecovered.WithLabelValues(label).Inc()
		}
	}
	return nil
}

func (w *Worker) recordSuccess(ctx context.Context, states map[canonical.Provider]*database.CircuitBreakerState, p canonical.Provider) {
	if s, ok := states[p]; ok && s.State == database.CircuitHalfOpen {
		if err := w.db.IncrementCircuitBreakerSuccesses(ctx, p); err != nil {
			w.logger.Error("Failed to count circuit breaker success", "provider", p, "error", err)
		}
	}
}

// cooldown picks the wait after a rate limit: the provider's Retry-After,
// then the adapter's own reset estimate, then the configured default.
func (w *Worker) cooldown(p canonical.Provider, err error) time.Duration {
	if d := provider.RetryAfter(err); d > 0 {
		return d
	}
	if a, getErr := w.registry.Get(p); getErr == nil {
		if c, ok := a.(cooldowner); ok {
			if d := c.Cooldown(w.now()); d > 0 {
				return d
			}
		}
	}
	return w.cfg.RateLimitCooldown
}

// openCircuit opens the provider's breaker and returns when it closes
func (w *Worker) openCircuit(ctx context.Context, p canonical.Provider, err error) time.Time {
	cooldown := w.cooldown(p, err)
	w.logger.Warn("Rate limit hit, opening circuit breaker", "provider", p, "cooldown", cooldown)
	if openErr := w.db.OpenCircuitBreaker(ctx, p, cooldown); openErr != nil {
		w.logger.Error("Failed to open circuit breaker", "provider", p, "error", openErr)
	} else {
		metrics.CircuitBreakerOpened.WithLabelValues(string(p)).Inc()
		metrics.CircuitBreakerState.WithLabelValues(string(p)).Set(2)
	}
	return w.now().Add(cooldown)
}

// processWebhook routes one queued delivery and reports success
func (w *Worker) processWebhook(ctx context.Context, logger *slog.Logger, item *database.WebhookQueueItem) bool {
	start := time.Now()
	logger = logger.With("webhook_id", item.ID, "provider", item.Provider)
	logger.Info("Processing webhook", "retry_count", item.RetryCount)

	out, err := w.router.Route(ctx, webhook.Delivery{Provider: item.Provider, Body: item.Data, ReceivedAt: item.ReceivedAt})
	duration := time.Since(start).Seconds()
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		logger.Error("Failed to process webhook", "error", err)
		if provider.IsRateLimited(err) {
			w.openCircuit(ctx, item.Provider, err)
		}
		metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeWebhook, metrics.ResultFailure).Observe(duration)
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeWebhook, metrics.ResultRetry).Inc()
		metrics.QueueRetryTotal.WithLabelValues(metrics.QueueTypeWebhook, strconv.Itoa(item.RetryCount+1)).Inc()
		w.releaseWebhook(ctx, logger, item, err.Error())
		return false
	}

	if err := w.db.DeleteWebhook(ctx, item.ID); err != nil {
		logger.Error("Failed to delete completed webhook", "error", err)
		return false
	}
	result := metrics.ResultSuccess
	if !out.Handled {
		result = metrics.ResultDropped
	}
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeWebhook, metrics.ResultSuccess).Observe(duration)
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeWebhook, result).Inc()
	logger.Info("Webhook processed", "handled", out.Handled, "message", out.Message)
	return true
}

// processSyncJob runs one queued sync and reports success
func (w *Worker) processSyncJob(ctx context.Context, logger *slog.Logger, job *database.SyncJob) bool {
	start := time.Now()
	logger = logger.With("job_id", job.ID, "user_id", job.UserID, "provider", job.Provider, "entity", job.Entity)
	logger.Info("Processing sync job", "window", job.Window.String(), "retry_count", job.RetryCount)

	res, err := w.syncer.Sync(ctx, orchestrator.Request{
		UserID:   job.UserID,
		Provider: job.Provider,
		Entity:   job.Entity,
		Window:   job.Window,
	})
	duration := time.Since(start).Seconds()

	if err == nil {
		if err := w.db.DeleteSyncJob(ctx, job.ID); err != nil {
			logger.Error("Failed to delete completed sync job", "error", err)
			return false
		}
		metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultSuccess).Observe(duration)
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultSuccess).Inc()
		logger.Info("Sync job processed", "upserted", res.Upserted, "coalesced", res.Coalesced)
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultFailure).Observe(duration)
	switch {
	case provider.IsRateLimited(err):
		until := w.openCircuit(ctx, job.Provider, err)
		w.deferSyncJob(ctx, logger, job, until)

	case errors.Is(err, database.ErrSyncInProgress):
		w.deferSyncJob(ctx, logger, job, w.now().Add(w.cfg.InProgressDelay))

	case provider.IsAuthExpired(err), provider.IsMalformed(err),
		errors.Is(err, orchestrator.ErrNeedsReauth),
		errors.Is(err, orchestrator.ErrNoIntegration),
		errors.Is(err, orchestrator.ErrUnsupported):
		logger.Warn("Dropping sync job that cannot succeed on retry", "error", err)
		if delErr := w.db.DeleteSyncJob(ctx, job.ID); delErr != nil {
			logger.Error("Failed to delete sync job", "error", delErr)
		}
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultDropped).Inc()

	default:
		logger.Error("Failed to process sync job", "error", err)
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultRetry).Inc()
		metrics.QueueRetryTotal.WithLabelValues(metrics.QueueTypeSyncJob, strconv.Itoa(job.RetryCount+1)).Inc()
		w.releaseSyncJob(ctx, logger, job, err.Error())
	}
	return false
}

func (w *Worker) deferSyncJob(ctx context.Context, logger *slog.Logger, job *database.SyncJob, until time.Time) {
	if err := w.db.DeferSyncJob(ctx, job.ID, until); err != nil {
		logger.Error("Failed to defer sync job", "error", err)
		return
	}
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultRetry).Inc()
	logger.Info("Sync job deferred", "until", until)
}

// releaseWebhook releases a webhook back to the queue with exponential backoff
func (w *Worker) releaseWebhook(ctx context.Context, logger *slog.Logger, item *database.WebhookQueueItem, errorMsg string) {
	shouldRetry, err := w.db.ReleaseWebhook(ctx, item.ID, item.RetryCount, errorMsg)
	if err != nil {
		logger.Error("Failed to release webhook", "error", err)
		return
	}
	if !shouldRetry {
		logger.Warn("Webhook exceeded max retries, dropped", "retry_count", item.RetryCount)
		return
	}
	logger.Info("Webhook released for retry", "retry_count", item.RetryCount+1)
}

// releaseSyncJob releases a sync job back to the queue with exponential backoff
func (w *Worker) releaseSyncJob(ctx context.Context, logger *slog.Logger, job *database.SyncJob, errorMsg string) {
	shouldRetry, err := w.db.ReleaseSyncJob(ctx, job.ID, job.RetryCount, errorMsg)
	if err != nil {
		logger.Error("Failed to release sync job", "error", err)
		return
	}
	if !shouldRetry {
		logger.Warn("Sync job exceeded max retries, dropped", "retry_count", job.RetryCount)
		return
	}
	logger.Info("Sync job released for retry", "retry_count", job.RetryCount+1)
}
