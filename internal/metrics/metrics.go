package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Queue types
	QueueTypeWebhook = "webhook"
	QueueTypeSyncJob = "sync_job"
	QueueTypeOutbox  = "outbox"

	// Queue results
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultDropped = "dropped"
	ResultFailure = "failure"

	// Worker outcomes
	OutcomeWebhookFound = "webhook_found"
	OutcomeSyncJobFound = "sync_job_found"
	OutcomeIdle         = "idle"
	OutcomeCircuitOpen  = "circuit_open"

	// RouteUnmatched labels requests no route pattern matched
	RouteUnmatched = "unmatched"

	// Provider API operations
	OpListActivities     = "list_activities"
	OpGetStreams         = "get_streams"
	OpListWellness       = "list_wellness"
	OpListEvents         = "list_events"
	OpListRecovery       = "list_recovery"
	OpListSleep          = "list_sleep"
	OpReadFitFiles       = "read_fit_files"
	OpCreateSubscription = "create_subscription"
	OpDeleteSubscription = "delete_subscription"
	OpListSubscriptions  = "list_subscriptions"

	// Rate limit types
	RateLimitOverall15Min = "overall_15min"
	RateLimitOverallDaily = "overall_daily"
	RateLimitRead15Min    = "read_15min"
	RateLimitReadDaily    = "read_daily"

	// Rate limit buckets
	BucketLimit = "limit"
	BucketUsage = "usage"

	// Upsert results
	UpsertInserted  = "inserted"
	UpsertUpdated   = "updated"
	UpsertUnchanged = "unchanged"
	UpsertConflict  = "conflict"
	UpsertReclassed = "reclassified"

	// Webhook routing results
	RouteHandled    = "handled"
	RouteNotHandled = "not_handled"
	RouteError      = "error"

	// Database operations
	DBOpEnqueueWebhook           = "enqueue_webhook"
	DBOpClaimWebhook             = "claim_webhook"
	DBOpDeleteWebhook            = "delete_webhook"
	DBOpReleaseWebhook           = "release_webhook"
	DBOpEnqueueSyncJob           = "enqueue_sync_job"
	DBOpClaimSyncJob             = "claim_sync_job"
	DBOpDeleteSyncJob            = "delete_sync_job"
	DBOpReleaseSyncJob           = "release_sync_job"
	DBOpUpsertActivity           = "upsert_activity"
	DBOpDeleteActivity           = "delete_activity"
	DBOpUpsertWellness           = "upsert_wellness"
	DBOpDeleteWellness           = "delete_wellness"
	DBOpUpsertPlannedItem        = "upsert_planned_item"
	DBOpDeletePlannedItem        = "delete_planned_item"
	DBOpSaveStream               = "save_stream"
	DBOpReplaceTrainingLoad      = "replace_training_load"
	DBOpBeginSync                = "begin_sync"
	DBOpFinishSync               = "finish_sync"
	DBOpInsertOutboxEvent        = "insert_outbox_event"
	DBOpFetchOutboxEvents        = "fetch_outbox_events"
	DBOpMarkOutboxPublished      = "mark_outbox_published"
	DBOpGetIntegration           = "get_integration"
	DBOpUpsertIntegration        = "upsert_integration"
	DBOpGetCircuitBreakerState   = "get_circuit_breaker_state"
	DBOpOpenCircuitBreaker       = "open_circuit_breaker"
	DBOpTransitionCircuitBreaker = "transition_circuit_breaker"
	DBOpGetQueueLength           = "get_queue_length"
	DBOpGetReadySyncJobs         = "get_ready_sync_jobs"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route", "status_code"},
	)
)

// Queue Metrics
var (
	QueueDepthTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_total",
			Help: "Total number of items in queue (all states)",
		},
		[]string{"queue_type"},
	)

	QueueDepthReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_ready",
			Help: "Number of items ready for processing",
		},
		[]string{"queue_type"},
	)

	QueueDepthProcessing = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_processing",
			Help: "Number of items currently being processed",
		},
		[]string{"queue_type"},
	)

	QueueEnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueue_total",
			Help: "Total number of items enqueued",
		},
		[]string{"queue_type"},
	)

	QueueDequeueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dequeue_total",
			Help: "Total number of items dequeued with outcome",
		},
		[]string{"queue_type", "result"},
	)

	QueueProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_processing_duration_seconds",
			Help:    "Time spent processing queue items",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue_type", "result"},
	)

	QueueRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_retry_total",
			Help: "Total number of retry attempts",
		},
		[]string{"queue_type", "retry_count"},
	)
)

// Worker Metrics
var (
	WorkerPollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_poll_cycles_total",
			Help: "Total number of worker poll cycles by outcome",
		},
		[]string{"outcome"},
	)

	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_active",
			Help: "Number of worker goroutines currently running",
		},
	)
)

// Provider API Metrics
var (
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_api_requests_total",
			Help: "Total number of provider API requests",
		},
		[]string{"provider", "operation", "status_code"},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_api_request_duration_seconds",
			Help:    "Provider API request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)

	StravaRateLimitUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strava_rate_limit_usage",
			Help: "Strava API rate limit usage",
		},
		[]string{"limit_type", "bucket"},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation"},
	)
)

// Sync Metrics
var (
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of sync runs by outcome",
		},
		[]string{"provider", "entity", "outcome"},
	)

	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_run_duration_seconds",
			Help:    "Duration of a single provider/entity sync run",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "entity"},
	)

	SyncCoalescedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_coalesced_total",
			Help: "Sync triggers served by an in-flight run instead of starting a new one",
		},
		[]string{"provider", "entity"},
	)

	RecordsUpsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "records_upserted_total",
			Help: "Total number of record upserts by result",
		},
		[]string{"entity", "result"},
	)

	NormalizationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normalization_errors_total",
			Help: "Provider records skipped because they could not be normalized",
		},
		[]string{"provider", "entity"},
	)

	RecordsFilteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "records_filtered_total",
			Help: "Provider records filtered out as not genuine entities",
		},
		[]string{"provider", "entity"},
	)

	StreamsComputedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streams_computed_total",
			Help: "Stream derived-metric computations by trigger",
		},
		[]string{"trigger"},
	)

	OverreachForecastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "overreach_forecasts_total",
			Help: "Load projections that crossed the overreach threshold",
		},
	)
)

// Webhook Metrics
var (
	WebhookEventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_received_total",
			Help: "Total number of webhook payloads accepted at ingress",
		},
		[]string{"provider"},
	)

	WebhookEventsRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_routed_total",
			Help: "Total number of webhook events routed by event type and result",
		},
		[]string{"provider", "event_type", "result"},
	)
)

// Outbox Metrics
var (
	OutboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox events published to the broker by result",
		},
		[]string{"event_type", "result"},
	)
)

// Circuit Breaker Metrics
var (
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider"},
	)

	CircuitBreakerOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_opened_total",
			Help: "Total number of times circuit breaker opened due to rate limits",
		},
		[]string{"provider"},
	)

	CircuitBreakerRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_recovered_total",
			Help: "Total number of times circuit breaker recovered to closed state",
		},
		[]string{"provider"},
	)
)
