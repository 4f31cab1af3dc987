package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newpush/coach-sub004/internal/canonical"
)

func TestWebhookQueue(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	body := json.RawMessage(`{"object_type":"activity","object_id":123,"aspect_type":"create"}`)

	id, inserted, err := db.EnqueueWebhook(ctx, canonical.ProviderStrava, "strava:activity:123:create", body, time.Now())
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, id)

	// Identical delivery while pending is deduplicated
	_, inserted, err = db.EnqueueWebhook(ctx, canonical.ProviderStrava, "strava:activity:123:create", body, time.Now())
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := db.GetQueueLength()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := db.ClaimWebhook(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, canonical.ProviderStrava, item.Provider)
	assert.JSONEq(t, string(body), string(item.Data))

	// Claimed items are invisible to other workers
	again, err := db.ClaimWebhook(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	processing, err := db.GetProcessingWebhookQueueLength()
	require.NoError(t, err)
	assert.Equal(t, 1, processing)

	released, err := db.ReleaseWebhook(ctx, item.ID, item.RetryCount, "boom")
	require.NoError(t, err)
	assert.True(t, released)

	// Backoff keeps it from being claimed immediately
	again, err = db.ClaimWebhook(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	ready, err := db.GetReadyQueueLength()
	require.NoError(t, err)
	assert.Equal(t, 0, ready)

	// Exceeding MaxRetries drops the item
	released, err = db.ReleaseWebhook(ctx, item.ID, MaxRetries, "boom")
	require.NoError(t, err)
	assert.False(t, released)
	n, err = db.GetQueueLength()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Once processed, the same key may be enqueued again
	_, inserted, err = db.EnqueueWebhook(ctx, canonical.ProviderStrava, "strava:activity:123:create", body, time.Now())
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestSyncJobQueue(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	window := canonical.NewWindow(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	key := "schedule:u1:strava:activities:2026-03-02T10"

	job := SyncJob{UserID: "u1", Provider: canonical.ProviderStrava, Entity: canonical.EntityActivities, Window: window, IdempotencyKey: &key}
	id, err := db.EnqueueSyncJob(ctx, job)
	require.NoError(t, err)
	assert.NotZero(t, id)

	dup, err := db.EnqueueSyncJob(ctx, job)
	require.NoError(t, err)
	assert.Zero(t, dup)

	_, err = db.EnqueueSyncJob(ctx, SyncJob{UserID: "u1", Provider: canonical.ProviderIntervals, Entity: canonical.EntityWellness, Window: window})
	require.NoError(t, err)

	n, err := db.GetSyncJobQueueLength()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Skipping strava hands out the intervals job first
	claimed, err := db.ClaimSyncJob(ctx, canonical.ProviderStrava)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, canonical.ProviderIntervals, claimed.Provider)
	assert.Nil(t, claimed.IdempotencyKey)
	require.NoError(t, db.DeleteSyncJob(ctx, claimed.ID))

	claimed, err = db.ClaimSyncJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, id, claimed.ID)
	assert.Equal(t, window, claimed.Window)
	assert.Equal(t, canonical.EntityActivities, claimed.Entity)

	require.NoError(t, db.DeferSyncJob(ctx, claimed.ID, time.Now().Add(time.Hour)))
	next, err := db.ClaimSyncJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	ready, err := db.GetReadySyncJobQueueLength()
	require.NoError(t, err)
	assert.Equal(t, 0, ready)

	// Keys outlive their jobs until purged
	require.NoError(t, db.DeleteSyncJob(ctx, claimed.ID))
	dup, err = db.EnqueueSyncJob(ctx, job)
	require.NoError(t, err)
	assert.Zero(t, dup)

	purged, err := db.PurgeIdempotencyKeys(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	id, err = db.EnqueueSyncJob(ctx, job)
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestOutbox(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	e := &OutboxEvent{
		EventType:      "sync.completed",
		UserID:         "u1",
		IdempotencyKey: "sync.completed:u1:strava:activities:2026-03-01:2026-03-02:abc",
		Payload:        json.RawMessage(`{"upserted":2}`),
	}
	stored, err := db.InsertOutboxEvent(ctx, e)
	require.NoError(t, err)
	assert.True(t, stored)
	assert.NotZero(t, e.ID)

	again := *e
	again.ID = 0
	stored, err = db.InsertOutboxEvent(ctx, &again)
	require.NoError(t, err)
	assert.False(t, stored)

	_, err = db.InsertOutboxEvent(ctx, &OutboxEvent{
		EventType: "load.overreach_forecast", UserID: "u2", IdempotencyKey: "k2", Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	depth, err := db.GetOutboxQueueLength()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	batch, err := db.FetchOutboxEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, e.ID, batch[0].ID)
	assert.JSONEq(t, `{"upserted":2}`, string(batch[0].Payload))

	require.NoError(t, db.MarkOutboxPublished(ctx, []int64{batch[0].ID}))
	batch, err = db.FetchOutboxEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "u2", batch[0].UserID)

	// The per-user feed includes published events
	feed, err := db.ListOutboxEventsAfter(ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.NotNil(t, feed[0].PublishedAt)

	feed, err = db.ListOutboxEventsAfter(ctx, "u1", e.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, feed)
}
