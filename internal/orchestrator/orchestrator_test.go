package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/database"
	"github.com/newpush/coach-sub004/internal/provider"
	"github.com/newpush/coach-sub004/internal/streams"
	"github.com/newpush/coach-sub004/internal/zones"
)

func ptr[T any](v T) *T { return &v }

var (
	day0  = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	clock = day0.Add(36 * time.Hour) // 2026-03-11 12:00 UTC
)

// fakeAdapter serves canned records keyed by external id
type fakeAdapter struct {
	name canonical.Provider

	mu       sync.Mutex
	records  map[canonical.EntityType][]*canonical.Record
	fetchErr error
	windows  []canonical.Window
	block    chan struct{}
	started  chan struct{}
	gauge    *inFlight
}

// inFlight tracks concurrent fetches, optionally shared across adapters
type inFlight struct {
	mu     sync.Mutex
	active int
	peak   int
}

func (g *inFlight) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
}

func (g *inFlight) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
}

func (g *inFlight) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func newFakeAdapter(name canonical.Provider) *fakeAdapter {
	return &fakeAdapter{name: name, records: make(map[canonical.EntityType][]*canonical.Record)}
}

func (f *fakeAdapter) Name() canonical.Provider { return f.name }
func (f *fakeAdapter) Supports(canonical.EntityType) bool { return true }

func (f *fakeAdapter) set(entity canonical.EntityType, recs ...*canonical.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[entity] = recs
}

func (f *fakeAdapter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

func (f *fakeAdapter) FetchWindow(ctx context.Context, _ provider.Credentials, entity canonical.EntityType, start, end time.Time) ([]provider.RawRecord, error) {
	f.mu.Lock()
	f.windows = append(f.windows, canonical.NewWindow(start, end))
	block, started, gauge := f.block, f.started, f.gauge
	recs := f.records[entity]
	err := f.fetchErr
	f.mu.Unlock()

	if gauge != nil {
		gauge.enter()
		defer gauge.leave()
	}
	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	raws := make([]provider.RawRecord, 0, len(recs))
	for i, r := range recs {
		id := "filtered"
		if r != nil {
			id = r.ExternalID()
		}
		payload, _ := json.Marshal(map[string]int{"index": i})
		raws = append(raws, provider.RawRecord{Kind: entity, ExternalID: id, Payload: payload})
	}
	return raws, nil
}

func (f *fakeAdapter) Normalize(raw provider.RawRecord) (*canonical.Record, error) {
	if raw.ExternalID == "bad" {
		return nil, provider.Normalization(f.name, raw.ExternalID, errors.New("missing start date"))
	}
	var idx map[string]int
	if err := json.Unmarshal(raw.Payload, &idx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[raw.Kind][idx["index"]]
	if rec == nil {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

type staticZones zones.Profile

func (z staticZones) For(string) zones.Profile { return zones.Profile(z) }

type fixture struct {
	db      *database.DB
	adapter *fakeAdapter
	orch    *Orchestrator
}

func newFixture(t *testing.T, profile zones.Profile) *fixture {
	t.Helper()
	db, err := database.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Init())

	ctx := context.Background()
	require.NoError(t, db.UpsertIntegration(ctx, &database.Integration{
		UserID: "u1", Provider: canonical.ProviderIntervals, AthleteID: "i1", APIKey: "key",
	}))

	adapter := newFakeAdapter(canonical.ProviderIntervals)
	o := New(db, provider.NewRegistry(adapter), staticZones(profile), DefaultConfig())
	o.now = func() time.Time { return clock }
	return &fixture{db: db, adapter: adapter, orch: o}
}

func activityRecord(extID string, start time.Time, tss float64) *canonical.Record {
	return &canonical.Record{Kind: canonical.EntityActivities, Activity: &canonical.Activity{
		ExternalID:  extID,
		Name:        ptr("Ride"),
		Sport:       ptr("Ride"),
		StartTime:   start,
		DurationSec: ptr(3600),
		TSS:         ptr(tss),
		Status:      canonical.StatusCompleted,
	}}
}

func plannedRecord(extID string, category canonical.PlannedCategory, date time.Time, tss *float64) *canonical.Record {
	return &canonical.Record{Kind: canonical.EntityPlanned, Planned: &canonical.PlannedItem{
		ExternalID: extID,
		Category:   category,
		Date:       date,
		PlannedTSS: tss,
		Status:     canonical.StatusPending,
	}}
}

func outboxEvents(t *testing.T, db *database.DB, eventType string) []*database.OutboxEvent {
	t.Helper()
	all, err := db.ListOutboxEventsAfter(context.Background(), "u1", 0, 100)
	require.NoError(t, err)
	var out []*database.OutboxEvent
	for _, e := range all {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestSyncActivitiesUpsertsAndRecomputesLoad(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	ctx := context.Background()
	f.adapter.set(canonical.EntityActivities, activityRecord("a1", day0.Add(7*time.Hour), 100))

	summary, err := f.orch.SyncActivities(ctx, "u1", day0.AddDate(0, 0, -2), day0.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, summary.Outcome)
	assert.Equal(t, 1, summary.Upserted)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, 1, summary.Results[0].Inserted)

	// Never fetches past the athlete's local today
	require.Len(t, f.adapter.windows, 1)
	assert.Equal(t, day0.AddDate(0, 0, 1), f.adapter.windows[0].End)

	points, err := f.db.ListTrainingLoad(ctx, "u1", canonical.NewWindow(day0.AddDate(0, 0, -1), day0.AddDate(0, 0, 1)))
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 0.0, points[0].Stress)
	assert.Equal(t, 100.0, points[1].Stress)
	assert.InDelta(t, 100.0/42, points[1].Chronic, 1e-9)
	assert.InDelta(t, 100.0/7, points[1].Acute, 1e-9)
	// The rest day after still decays
	assert.Less(t, points[2].Acute, points[1].Acute)

	state, err := f.db.GetSyncState(ctx, database.SyncKey{UserID: "u1", Provider: canonical.ProviderIntervals, Entity: canonical.EntityActivities})
	require.NoError(t, err)
	assert.Equal(t, database.SyncSuccess, state.Status)
	assert.Equal(t, 1, state.RecordsUpserted)
	assert.NotNil(t, state.LastSuccessAt)

	// Redelivery is idempotent and publishes nothing new
	summary, err = f.orch.SyncActivities(ctx, "u1", day0.AddDate(0, 0, -2), day0.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Upserted)
	assert.Equal(t, 1, summary.Results[0].Unchanged)

	all, err := f.db.ListActivities(ctx, "u1", canonical.NewWindow(day0, day0))
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, outboxEvents(t, f.db, EventSyncCompleted), 1)
}

func TestSyncSkipsUnnormalizableRecords(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	ctx := context.Background()
	f.adapter.set(canonical.EntityActivities,
		activityRecord("a1", day0.Add(7*time.Hour), 50),
		activityRecord("bad", day0.Add(9*time.Hour), 50),
		nil,
		activityRecord("a2", day0.Add(17*time.Hour), 30),
	)

	res, err := f.orch.Sync(ctx, Request{UserID: "u1", Provider: canonical.ProviderIntervals, Entity: canonical.EntityActivities, Window: canonical.NewWindow(day0, day0)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 2, res.Upserted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Filtered)
}

func TestSyncAuthExpiredFlagsIntegration(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	ctx := context.Background()
	f.adapter.fetchErr = &provider.Error{Kind: provider.KindAuthExpired, Provider: canonical.ProviderIntervals, Op: "list_activities", StatusCode: 401}
	req := Request{UserID: "u1", Provider: canonical.ProviderIntervals, Entity: canonical.EntityActivities, Window: canonical.NewWindow(day0, day0)}

	res, err := f.orch.Sync(ctx, req)
	require.Error(t, err)
	assert.True(t, provider.IsAuthExpired(err))
	assert.Equal(t, OutcomeAuthExpired, res.Outcome)

	in, err := f.db.GetIntegration(ctx, "u1", canonical.ProviderIntervals)
	require.NoError(t, err)
	assert.True(t, in.NeedsReauth)

	state, err := f.db.GetSyncState(ctx, req.key())
	require.NoError(t, err)
	assert.Equal(t, database.SyncFailed, state.Status)
	require.NotNil(t, state.LastError)
	assert.Contains(t, *state.LastError, "auth_expired")

	// Further syncs are refused without calling the provider
	_, err = f.orch.Sync(ctx, req)
	assert.ErrorIs(t, err, ErrNeedsReauth)
	assert.Equal(t, 1, f.adapter.calls())
}

func TestSyncRateLimitLeavesDataIntact(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	ctx := context.Background()
	req := Request{UserID: "u1", Provider: canonical.ProviderIntervals, Entity: canonical.EntityActivities, Window: canonical.NewWindow(day0, day0)}
	f.adapter.set(canonical.EntityActivities, activityRecord("a1", day0.Add(7*time.Hour), 100))
	_, err := f.orch.Sync(ctx, req)
	require.NoError(t, err)

	f.adapter.fetchErr = &provider.Error{Kind: provider.KindRateLimited, Provider: canonical.ProviderIntervals, RetryAfter: time.Minute}
	res, err := f.orch.Sync(ctx, req)
	require.Error(t, err)
	assert.Equal(t, OutcomeRateLimited, res.Outcome)
	assert.Equal(t, time.Minute, provider.RetryAfter(err))

	stored, err := f.db.GetActivity(ctx, "u1", canonical.ProviderIntervals, "a1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, *stored.TSS)
}

func TestSyncCoalescesConcurrentTriggers(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	ctx := context.Background()
	f.adapter.set(canonical.EntityActivities, activityRecord("a1", day0.Add(7*time.Hour), 100))
	f.adapter.block = make(chan struct{})
	f.adapter.started = make(chan struct{}, 4)

	req := Request{UserID: "u1", Provider: canonical.ProviderIntervals, Entity: canonical.EntityActivities, Window: canonical.NewWindow(day0.AddDate(0, 0, -2), day0)}
	results := make([]Result, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = f.orch.Sync(ctx, req)
	}()
	<-f.adapter.started

	narrower := req
	narrower.Window = canonical.NewWindow(day0, day0)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = f.orch.Sync(ctx, narrower)
	}()
	time.Sleep(100 * time.Millisecond)
	close(f.adapter.block)
	wg.Wait()

	assert.Equal(t, 1, f.adapter.calls())
	assert.False(t, results[0].Coalesced)
	assert.True(t, results[1].Coalesced)
	assert.Equal(t, results[0].Upserted, results[1].Upserted)
}

func TestSyncSerializesEntitiesPerProvider(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	ctx := context.Background()
	gauge := &inFlight{}
	f.adapter.gauge = gauge
	f.adapter.block = make(chan struct{})
	f.adapter.started = make(chan struct{}, 4)

	var wg sync.WaitGroup
	for _, entity := range []canonical.EntityType{canonical.EntityActivities, canonical.EntityWellness} {
		wg.Add(1)
		go func(entity canonical.EntityType) {
			defer wg.Done()
			res, err := f.orch.Sync(ctx, Request{UserID: "u1", Provider: canonical.ProviderIntervals, Entity: entity, Window: canonical.NewWindow(day0, day0)})
			assert.NoError(t, err)
			assert.False(t, res.Coalesced)
		}(entity)
	}
	<-f.adapter.started
	select {
	case <-f.adapter.started:
		t.Fatal("second entity sync fetched while the first was still running")
	case <-time.After(100 * time.Millisecond):
	}
	close(f.adapter.block)
	wg.Wait()

	assert.Equal(t, 2, f.adapter.calls())
	assert.Equal(t, 1, gauge.max())
}

func TestSyncCapsConcurrentProvidersPerUser(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	ctx := context.Background()
	gauge := &inFlight{}
	block := make(chan struct{})
	started := make(chan struct{}, 8)

	registry := provider.NewRegistry()
	adapters := []*fakeAdapter{f.adapter, newFakeAdapter(canonical.ProviderStrava), newFakeAdapter(canonical.ProviderWhoop)}
	for _, a := range adapters {
		a.gauge, a.block, a.started = gauge, block, started
		registry.Register(a)
		require.NoError(t, f.db.UpsertIntegration(ctx, &database.Integration{UserID: "u1", Provider: a.name, AthleteID: "athlete"}))
	}
	cfg := DefaultConfig()
	cfg.UserConcurrency = 2
	o := New(f.db, registry, staticZones(zones.DefaultProfile()), cfg)
	o.now = func() time.Time { return clock }

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		summary, err := o.SyncActivities(ctx, "u1", day0, day0)
		assert.NoError(t, err)
		assert.Len(t, summary.Results, 3)
	}()
	<-started
	<-started
	select {
	case <-started:
		t.Fatal("third provider fetched past the per-user cap")
	case <-time.After(100 * time.Millisecond):
	}
	close(block)
	wg.Wait()

	assert.Equal(t, 2, gauge.max())
	for _, a := range adapters {
		assert.Equal(t, 1, a.calls(), a.name)
	}
}

func TestSyncAttributesActivityToAthleteLocalDay(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	ctx := context.Background()
	require.NoError(t, f.db.UpsertIntegration(ctx, &database.Integration{
		UserID: "u1", Provider: canonical.ProviderIntervals, AthleteID: "i1", APIKey: "key", Timezone: "America/Los_Angeles",
	}))
	prev := day0.AddDate(0, 0, -1)

	// 19:30 PDT on 2026-03-09 is 02:30 UTC on 2026-03-10
	f.adapter.set(canonical.EntityActivities, activityRecord("evening", day0.Add(150*time.Minute), 40))
	f.adapter.set(canonical.EntityWellness, &canonical.Record{Kind: canonical.EntityWellness, Wellness: &canonical.WellnessRecord{Date: prev, TSS: ptr(40.0)}})

	_, err := f.orch.SyncActivities(ctx, "u1", prev, day0)
	require.NoError(t, err)
	_, err = f.orch.SyncWellness(ctx, "u1", prev, prev)
	require.NoError(t, err)

	stored, err := f.db.GetActivity(ctx, "u1", canonical.ProviderIntervals, "evening")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-09", canonical.FormatDay(stored.Day()))

	points, err := f.db.ListTrainingLoad(ctx, "u1", canonical.NewWindow(prev, day0))
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 40.0, points[0].Stress)
	assert.Equal(t, 0.0, points[1].Stress)
}

func TestSyncPlannedReclassification(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	ctx := context.Background()
	day := day0.AddDate(0, 0, 3)
	req := Request{UserID: "u1", Provider: canonical.ProviderIntervals, Entity: canonical.EntityPlanned, Window: canonical.NewWindow(day0, day0.AddDate(0, 0, 28))}

	f.adapter.set(canonical.EntityPlanned, plannedRecord("e1", canonical.CategoryNote, day, nil))
	res, err := f.orch.Sync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	// Planned windows are not capped at today
	assert.Equal(t, day0.AddDate(0, 0, 28), f.adapter.windows[0].End)

	f.adapter.set(canonical.EntityPlanned, plannedRecord("e1", canonical.CategoryWorkout, day, ptr(80.0)))
	res, err = f.orch.Sync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reclassified)

	items, err := f.db.ListPlannedItems(ctx, "u1", req.Window)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, canonical.CategoryWorkout, items[0].Category)
	assert.Equal(t, 80.0, *items[0].PlannedTSS)
}

func TestSyncPairingCompletesPlannedItem(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	ctx := context.Background()
	f.adapter.set(canonical.EntityPlanned, plannedRecord("e1", canonical.CategoryWorkout, day0, ptr(90.0)))
	_, err := f.orch.SyncPlannedItems(ctx, "u1", day0, day0)
	require.NoError(t, err)

	rec := activityRecord("a1", day0.Add(7*time.Hour), 95)
	rec.Activity.PlannedExternalID = ptr("e1")
	f.adapter.set(canonical.EntityActivities, rec)
	_, err = f.orch.SyncActivities(ctx, "u1", day0, day0)
	require.NoError(t, err)

	item, err := f.db.GetPlannedItem(ctx, "u1", canonical.ProviderIntervals, "e1")
	require.NoError(t, err)
	assert.Equal(t, canonical.StatusCompleted, item.Status)
}

func TestSyncWellnessDropsOutOfWindowDays(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	ctx := context.Background()
	f.adapter.set(canonical.EntityWellness,
		&canonical.Record{Kind: canonical.EntityWellness, Wellness: &canonical.WellnessRecord{Date: day0.AddDate(0, 0, -1), RestingHR: ptr(50.0)}},
		&canonical.Record{Kind: canonical.EntityWellness, Wellness: &canonical.WellnessRecord{Date: day0, RestingHR: ptr(48.0), TSS: ptr(40.0)}},
	)

	summary, err := f.orch.SyncWellness(ctx, "u1", day0, day0)
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, 1, summary.Results[0].Inserted)
	assert.Equal(t, 1, summary.Results[0].Filtered)

	points, err := f.db.ListTrainingLoad(ctx, "u1", canonical.NewWindow(day0, day0))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 40.0, points[0].Stress)
}

func TestSyncFutureWindowFetchesNothing(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	res, err := f.orch.Sync(context.Background(), Request{
		UserID: "u1", Provider: canonical.ProviderIntervals, Entity: canonical.EntityActivities,
		Window: canonical.NewWindow(day0.AddDate(0, 0, 5), day0.AddDate(0, 0, 9)),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Zero(t, f.adapter.calls())
}

func TestSyncWithoutIntegration(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	_, err := f.orch.SyncActivities(context.Background(), "nobody", day0, day0)
	assert.ErrorIs(t, err, ErrNoIntegration)
}

func TestSyncCanceledBetweenRecords(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	f.adapter.set(canonical.EntityActivities, activityRecord("a1", day0.Add(7*time.Hour), 100))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := Request{UserID: "u1", Provider: canonical.ProviderIntervals, Entity: canonical.EntityActivities, Window: canonical.NewWindow(day0, day0)}
	_, err := f.orch.Sync(ctx, req)
	require.ErrorIs(t, err, context.Canceled)

	_, err = f.db.GetActivity(context.Background(), "u1", canonical.ProviderIntervals, "a1")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSyncDerivesPowerStressFromStream(t *testing.T) {
	profile := zones.DefaultProfile()
	profile.FTP = ptr(200.0)
	f := newFixture(t, profile)
	ctx := context.Background()

	n := 3600
	data := &canonical.StreamData{Time: make([]float64, n), Power: make([]float64, n), HeartRate: make([]float64, n)}
	for i := 0; i < n; i++ {
		data.Time[i] = float64(i)
		data.Power[i] = 200
		data.HeartRate[i] = 150
	}
	rec := activityRecord("a1", day0.Add(7*time.Hour), 0)
	rec.Activity.TSS = nil
	rec.Activity.Stream = data
	f.adapter.set(canonical.EntityActivities, rec)

	_, err := f.orch.SyncActivities(ctx, "u1", day0, day0)
	require.NoError(t, err)

	stored, err := f.db.GetActivity(ctx, "u1", canonical.ProviderIntervals, "a1")
	require.NoError(t, err)
	require.NotNil(t, stored.TSS)
	assert.InDelta(t, 100.0, *stored.TSS, 0.01)

	s, err := f.db.GetStream(ctx, stored.ID)
	require.NoError(t, err)
	require.NotNil(t, s.Derived)
	assert.Len(t, s.Derived.PowerZoneTimes, 7)
	assert.Equal(t, n, s.Derived.HRZoneTimes[2])

	points, err := f.db.ListTrainingLoad(ctx, "u1", canonical.NewWindow(day0, day0))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.InDelta(t, 100.0, points[0].Stress, 0.01)
}

func TestStreamMetricsRefreshesStaleZones(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	ctx := context.Background()
	_, a, err := f.db.UpsertActivity(ctx, canonical.Activity{
		UserID: "u1", Provider: canonical.ProviderIntervals, ExternalID: "a1", StartTime: day0, Status: canonical.StatusCompleted,
	})
	require.NoError(t, err)

	data := canonical.StreamData{Time: []float64{0, 1, 2, 3}, HeartRate: []float64{100, 130, 150, 230}}
	old := streams.Compute(&data, streams.ZoneSet{HeartRate: []streams.Zone{{Min: 0, Max: 140}, {Min: 140, Max: 250}}}, streams.DefaultConfig())
	require.NoError(t, f.db.SaveStream(ctx, &database.Stream{ActivityID: a.ID, Data: data, Derived: &old}))

	derived, err := f.orch.StreamMetrics(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 0, 1}, derived.HRZoneTimes)

	s, err := f.db.GetStream(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, s.Derived.HRZoneTimes, 5)

	// Up to date caches are returned as stored
	again, err := f.orch.StreamMetrics(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, derived.HRZoneTimes, again.HRZoneTimes)
}

func TestDeleteRecordRecomputesLoad(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	ctx := context.Background()
	f.adapter.set(canonical.EntityActivities, activityRecord("a1", day0.Add(7*time.Hour), 100))
	_, err := f.orch.SyncActivities(ctx, "u1", day0, day0)
	require.NoError(t, err)

	req := DeleteRequest{UserID: "u1", Provider: canonical.ProviderIntervals, Entity: canonical.EntityActivities, ExternalID: "a1"}
	removed, err := f.orch.DeleteRecord(ctx, req)
	require.NoError(t, err)
	assert.True(t, removed)

	points, err := f.db.ListTrainingLoad(ctx, "u1", canonical.NewWindow(day0, day0))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 0.0, points[0].Stress)

	removed, err = f.orch.DeleteRecord(ctx, req)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestProjectLoadEmitsOverreachOnce(t *testing.T) {
	f := newFixture(t, zones.DefaultProfile())
	ctx := context.Background()
	tomorrow := canonical.Day(clock).AddDate(0, 0, 1)
	f.adapter.set(canonical.EntityPlanned,
		plannedRecord("e1", canonical.CategoryWorkout, tomorrow, ptr(300.0)),
		plannedRecord("e2", canonical.CategoryNote, tomorrow.AddDate(0, 0, 1), ptr(500.0)),
	)
	_, err := f.orch.SyncPlannedItems(ctx, "u1", tomorrow, tomorrow.AddDate(0, 0, 7))
	require.NoError(t, err)

	p, err := f.orch.ProjectLoad(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, p.Points, 14)
	assert.Equal(t, 300.0, p.Points[0].Stress)
	assert.Equal(t, 0.0, p.Points[1].Stress)
	require.NotNil(t, p.Overreach)
	assert.Equal(t, tomorrow, p.Overreach.Date)

	events := outboxEvents(t, f.db, EventOverreachForecast)
	require.Len(t, events, 1)
	var payload OverreachForecast
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, canonical.FormatDay(tomorrow), payload.CrossesOn)
}
