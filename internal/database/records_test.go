package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/merge"
)

func testActivity(extID string, start time.Time) canonical.Activity {
	return canonical.Activity{
		UserID:      "u1",
		Provider:    canonical.ProviderStrava,
		ExternalID:  extID,
		Name:        ptr("Morning Run"),
		Sport:       ptr("Run"),
		StartTime:   start,
		DurationSec: ptr(3600),
		DistanceM:   ptr(10000.0),
		Status:      canonical.StatusCompleted,
		Raw:         canonical.RawPayload{"id": "a1", "kudos_count": 3.0},
	}
}

func TestUpsertActivityIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	in := testActivity("a1", time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC))

	res, first, err := db.UpsertActivity(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)
	assert.NotEmpty(t, first.ID)

	res, second, err := db.UpsertActivity(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)
	assert.Equal(t, first.ID, second.ID)

	stored, err := db.GetActivity(ctx, "u1", canonical.ProviderStrava, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Morning Run", *stored.Name)
	assert.Equal(t, 3600, *stored.DurationSec)
	assert.Equal(t, in.Raw, stored.Raw)

	all, err := db.ListActivities(ctx, "u1", canonical.NewWindow(in.StartTime, in.StartTime))
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestListActivitiesByLocalDay(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	// evening run in UTC-8 stored on its local day
	in := testActivity("late", time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC))
	in.LocalDate = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	_, _, err := db.UpsertActivity(ctx, in)
	require.NoError(t, err)

	local, err := db.ListActivities(ctx, "u1", canonical.NewWindow(in.LocalDate, in.LocalDate))
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.True(t, local[0].LocalDate.Equal(in.LocalDate))
	assert.True(t, local[0].StartTime.Equal(in.StartTime))

	utcDay, err := db.ListActivities(ctx, "u1", canonical.NewWindow(in.StartTime, in.StartTime))
	require.NoError(t, err)
	assert.Empty(t, utcDay)

	// a resync without a local day keeps the stored one
	again := in
	again.LocalDate = time.Time{}
	res, _, err := db.UpsertActivity(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)
}

func TestUpsertActivityNonDestructive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

	_, _, err := db.UpsertActivity(ctx, testActivity("a1", start))
	require.NoError(t, err)

	partial := canonical.Activity{
		UserID: "u1", Provider: canonical.ProviderStrava, ExternalID: "a1", StartTime: start,
		AvgHR: ptr(151.0),
		Raw:   canonical.RawPayload{"kudos_count": 5.0},
	}
	res, stored, err := db.UpsertActivity(ctx, partial)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)
	assert.Equal(t, "Morning Run", *stored.Name)
	assert.Equal(t, 10000.0, *stored.DistanceM)
	assert.Equal(t, 151.0, *stored.AvgHR)
	assert.Equal(t, canonical.RawPayload{"id": "a1", "kudos_count": 5.0}, stored.Raw)
}

func TestUpsertActivityStaleTerminalOverwrite(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

	in := testActivity("a1", start)
	in.SourceUpdatedAt = ptr(start.Add(2 * time.Hour))
	_, _, err := db.UpsertActivity(ctx, in)
	require.NoError(t, err)

	stale := testActivity("a1", start)
	stale.Status = canonical.StatusExecuting
	stale.SourceUpdatedAt = ptr(start.Add(time.Hour))
	_, _, err = db.UpsertActivity(ctx, stale)
	require.NoError(t, err)

	stored, err := db.GetActivity(ctx, "u1", canonical.ProviderStrava, "a1")
	require.NoError(t, err)
	assert.Equal(t, canonical.StatusCompleted, stored.Status)
	assert.Equal(t, start.Add(2*time.Hour), *stored.SourceUpdatedAt)
}

func TestUpsertActivityFlagsCrossProviderDuplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

	_, original, err := db.UpsertActivity(ctx, testActivity("a1", start))
	require.NoError(t, err)
	assert.False(t, original.Duplicate)

	twin := testActivity("i55", start.Add(30*time.Second))
	twin.Provider = canonical.ProviderIntervals
	twin.DurationSec = ptr(3550)
	_, stored, err := db.UpsertActivity(ctx, twin)
	require.NoError(t, err)
	assert.True(t, stored.Duplicate)

	other := testActivity("i56", start.Add(5*time.Hour))
	other.Provider = canonical.ProviderIntervals
	_, stored, err = db.UpsertActivity(ctx, other)
	require.NoError(t, err)
	assert.False(t, stored.Duplicate)
}

func TestDeleteActivityIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, _, err := db.UpsertActivity(ctx, testActivity("a1", time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	deleted, err := db.DeleteActivity(ctx, "u1", canonical.ProviderStrava, "a1")
	require.NoError(t, err)
	require.NotNil(t, deleted)
	assert.Equal(t, "a1", deleted.ExternalID)

	deleted, err = db.DeleteActivity(ctx, "u1", canonical.ProviderStrava, "a1")
	require.NoError(t, err)
	assert.Nil(t, deleted)

	_, err = db.GetActivity(ctx, "u1", canonical.ProviderStrava, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertWellnessPrefersNewerSource(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	res, _, err := db.UpsertWellness(ctx, canonical.WellnessRecord{
		UserID: "u1", Date: day.Add(9 * time.Hour), Provider: canonical.ProviderIntervals,
		RestingHR: ptr(48.0), WeightKg: ptr(71.5),
		SourceUpdatedAt: ptr(day.Add(8 * time.Hour)),
	})
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)

	res, stored, err := db.UpsertWellness(ctx, canonical.WellnessRecord{
		UserID: "u1", Date: day, Provider: canonical.ProviderWhoop,
		RestingHR: ptr(46.0), HRV: ptr(82.0),
		SourceUpdatedAt: ptr(day.Add(10 * time.Hour)),
	})
	require.NoError(t, err)
	assert.Equal(t, Updated, res)
	assert.Equal(t, canonical.ProviderWhoop, stored.Provider)
	assert.Equal(t, 46.0, *stored.RestingHR)
	assert.Equal(t, 82.0, *stored.HRV)
	assert.Equal(t, 71.5, *stored.WeightKg)

	list, err := db.ListWellness(ctx, "u1", canonical.NewWindow(day, day))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, day, list[0].Date)

	removed, err := db.DeleteWellness(ctx, "u1", canonical.ProviderIntervals, day)
	require.NoError(t, err)
	assert.False(t, removed)
	removed, err = db.DeleteWellness(ctx, "u1", canonical.ProviderWhoop, day)
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestPlannedItemReclassification(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	note := canonical.PlannedItem{
		UserID: "u1", Provider: canonical.ProviderIntervals, ExternalID: "e1",
		Category: canonical.CategoryNote, Date: day, Name: ptr("Maybe intervals"),
		Status: canonical.StatusPending,
	}
	res, first, err := db.UpsertPlannedItem(ctx, note)
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)

	workout := note
	workout.Category = canonical.CategoryWorkout
	workout.Name = ptr("5x5min threshold")
	workout.Sport = ptr("Ride")
	workout.PlannedTSS = ptr(85.0)
	res, second, err := db.UpsertPlannedItem(ctx, workout)
	require.NoError(t, err)
	assert.Equal(t, Reclassified, res)
	assert.NotEqual(t, first.ID, second.ID)

	items, err := db.ListPlannedItems(ctx, "u1", canonical.NewWindow(day, day))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, canonical.CategoryWorkout, items[0].Category)
	assert.Equal(t, second.ID, items[0].ID)

	// Redelivery of the same workout is a no-op
	res, _, err = db.UpsertPlannedItem(ctx, workout)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)
}

func TestMarkPlannedItemCompleted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	_, _, err := db.UpsertPlannedItem(ctx, canonical.PlannedItem{
		UserID: "u1", Provider: canonical.ProviderIntervals, ExternalID: "e1",
		Category: canonical.CategoryWorkout, Date: day, Status: canonical.StatusPending,
	})
	require.NoError(t, err)

	changed, err := db.MarkPlannedItemCompleted(ctx, "u1", canonical.ProviderIntervals, "e1")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = db.MarkPlannedItemCompleted(ctx, "u1", canonical.ProviderIntervals, "e1")
	require.NoError(t, err)
	assert.False(t, changed)

	// A later PENDING delivery does not reopen it
	_, stored, err := db.UpsertPlannedItem(ctx, canonical.PlannedItem{
		UserID: "u1", Provider: canonical.ProviderIntervals, ExternalID: "e1",
		Category: canonical.CategoryWorkout, Date: day, Status: canonical.StatusPending,
	})
	require.NoError(t, err)
	assert.Equal(t, canonical.StatusCompleted, stored.Status)

	changed, err = db.MarkPlannedItemCompleted(ctx, "u1", canonical.ProviderIntervals, "missing")
	require.NoError(t, err)
	assert.False(t, changed)

	deleted, err := db.DeletePlannedItem(ctx, "u1", canonical.ProviderIntervals, "e1")
	require.NoError(t, err)
	require.NotNil(t, deleted)
	deleted, err = db.DeletePlannedItem(ctx, "u1", canonical.ProviderIntervals, "e1")
	require.NoError(t, err)
	assert.Nil(t, deleted)
}

func TestUpsertConflictKeepsExisting(t *testing.T) {
	// Identity is the lookup key, so a mismatch can only come from merge itself
	existing := testActivity("a1", time.Now())
	incoming := testActivity("a2", time.Now())
	got, err := merge.Activity(&existing, incoming)
	require.ErrorIs(t, err, merge.ErrConflictUnresolvable)
	assert.Equal(t, "a1", got.ExternalID)
}
