package database

// Schema contains all SQL statements for creating tables and indexes
const Schema = `
-- Integrations: per-user, per-provider credentials
CREATE TABLE IF NOT EXISTS integrations (
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,

    athlete_id TEXT,
    access_token TEXT,
    api_key TEXT,
    timezone TEXT,
    needs_reauth INTEGER NOT NULL DEFAULT 0,

    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    PRIMARY KEY (user_id, provider)
);

-- Sync state machine per (user, provider, entity): IDLE -> SYNCING -> SUCCESS | FAILED
CREATE TABLE IF NOT EXISTS sync_state (
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    entity TEXT NOT NULL,

    status TEXT NOT NULL DEFAULT 'IDLE',
    run_id TEXT,
    started_at INTEGER,
    window_start INTEGER,
    window_end INTEGER,
    last_success_at INTEGER,
    last_error TEXT,
    records_upserted INTEGER NOT NULL DEFAULT 0,

    updated_at INTEGER NOT NULL,

    PRIMARY KEY (user_id, provider, entity)
);

-- Activities: at most one per (user, provider, external id)
CREATE TABLE IF NOT EXISTS activities (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    external_id TEXT NOT NULL,

    name TEXT,
    sport TEXT,
    start_time INTEGER NOT NULL,
    -- athlete's local calendar day, same frame as wellness.date
    local_date INTEGER NOT NULL,
    duration_sec INTEGER,
    distance_m REAL,
    avg_power REAL,
    max_power REAL,
    avg_hr REAL,
    max_hr REAL,
    tss REAL,

    status TEXT NOT NULL DEFAULT '',
    planned_external_id TEXT,
    duplicate INTEGER NOT NULL DEFAULT 0,
    source_updated_at INTEGER,
    raw_json TEXT,

    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    UNIQUE (user_id, provider, external_id)
);

-- Wellness: at most one per (user, UTC-normalized day)
CREATE TABLE IF NOT EXISTS wellness (
    user_id TEXT NOT NULL,
    date INTEGER NOT NULL,
    provider TEXT NOT NULL,

    resting_hr REAL,
    hrv REAL,
    hrv_sdnn REAL,
    sleep_sec INTEGER,
    sleep_score REAL,
    readiness REAL,
    weight_kg REAL,
    tss REAL,

    source_updated_at INTEGER,
    raw_json TEXT,

    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    PRIMARY KEY (user_id, date)
);

-- Planned items: workouts, races and calendar notes
CREATE TABLE IF NOT EXISTS planned_items (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    external_id TEXT NOT NULL,

    category TEXT NOT NULL,
    date INTEGER NOT NULL,
    name TEXT,
    description TEXT,
    sport TEXT,
    planned_tss REAL,
    planned_duration_sec INTEGER,
    status TEXT NOT NULL DEFAULT '',

    source_updated_at INTEGER,
    raw_json TEXT,

    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    UNIQUE (user_id, provider, external_id)
);

-- Streams: raw arrays and cached derived metrics, one per activity
CREATE TABLE IF NOT EXISTS streams (
    activity_id TEXT PRIMARY KEY,
    data_json TEXT NOT NULL,
    derived_json TEXT,
    computed_at INTEGER,
    updated_at INTEGER NOT NULL,

    FOREIGN KEY (activity_id) REFERENCES activities(id) ON DELETE CASCADE
);

-- Training load points, recomputed per window
CREATE TABLE IF NOT EXISTS training_load (
    user_id TEXT NOT NULL,
    date INTEGER NOT NULL,
    stress REAL NOT NULL,
    chronic REAL NOT NULL,
    acute REAL NOT NULL,
    balance REAL NOT NULL,
    updated_at INTEGER NOT NULL,

    PRIMARY KEY (user_id, date)
);

-- Webhook queue: inbound provider events awaiting routing
CREATE TABLE IF NOT EXISTS webhook_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    provider TEXT NOT NULL,
    dedupe_key TEXT NOT NULL,
    data TEXT NOT NULL,
    received_at INTEGER NOT NULL,

    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_retry_at INTEGER,
    processing_started_at INTEGER,

    created_at INTEGER NOT NULL
);

-- Sync jobs: queued window syncs
CREATE TABLE IF NOT EXISTS sync_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    entity TEXT NOT NULL,
    window_start INTEGER NOT NULL,
    window_end INTEGER NOT NULL,
    idempotency_key TEXT,

    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_retry_at INTEGER,
    processing_started_at INTEGER,

    created_at INTEGER NOT NULL
);

-- Idempotency keys outlive the jobs they created
CREATE TABLE IF NOT EXISTS idempotency_keys (
    key TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);

-- Outbox: completion events awaiting publication
CREATE TABLE IF NOT EXISTS outbox_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL,
    user_id TEXT NOT NULL,
    idempotency_key TEXT NOT NULL UNIQUE,
    payload TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    published_at INTEGER
);

-- Circuit breaker per provider
CREATE TABLE IF NOT EXISTS circuit_breaker (
    provider TEXT PRIMARY KEY,
    state TEXT NOT NULL DEFAULT 'closed',
    opened_at INTEGER,
    closes_at INTEGER,
    last_429_at INTEGER,
    consecutive_successes INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activities_user_start ON activities(user_id, start_time);
CREATE INDEX IF NOT EXISTS idx_activities_user_local_date ON activities(user_id, local_date);
CREATE INDEX IF NOT EXISTS idx_wellness_user_date ON wellness(user_id, date);
CREATE INDEX IF NOT EXISTS idx_planned_user_date ON planned_items(user_id, date);

-- Dedupe only while pending; the row is deleted once processed
CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_queue_dedupe ON webhook_queue(dedupe_key);
CREATE INDEX IF NOT EXISTS idx_webhook_queue_ready ON webhook_queue(next_retry_at, processing_started_at);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_ready ON sync_jobs(next_retry_at, processing_started_at);
CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox_events(published_at, id);
CREATE INDEX IF NOT EXISTS idx_outbox_user ON outbox_events(user_id, id);
`
