package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/database"
	"github.com/newpush/coach-sub004/internal/metrics"
	"github.com/newpush/coach-sub004/internal/provider"
	"github.com/newpush/coach-sub004/internal/streams"
)

// runState tracks what one run touched
type runState struct {
	res     Result
	changes []string
	// earliest is the first calendar day whose stress inputs changed
	earliest *time.Time
	planned  bool
	// loc is the athlete's timezone, used when an adapter gives no local day
	loc *time.Location
}

func (s *runState) touch(day time.Time) {
	day = canonical.Day(day)
	if s.earliest == nil || day.Before(*s.earliest) {
		s.earliest = &day
	}
}

func (s *runState) record(externalID string, res database.UpsertResult) {
	s.res.count(res)
	if res != database.Unchanged && res != database.Conflict {
		s.changes = append(s.changes, externalID+":"+string(res))
	}
}

// run executes one provider/entity sync. The caller holds the in-flight slot
// and the user's semaphore.
func (o *Orchestrator) run(ctx context.Context, req Request) (Result, error) {
	st := &runState{res: Result{Provider: req.Provider, Entity: req.Entity, Window: req.Window}}
	start := time.Now()
	defer func() {
		metrics.SyncRunDuration.WithLabelValues(string(req.Provider), string(req.Entity)).Observe(time.Since(start).Seconds())
		metrics.SyncRunsTotal.WithLabelValues(string(req.Provider), string(req.Entity), string(st.res.Outcome)).Inc()
	}()

	fail := func(err error) (Result, error) {
		st.res.Outcome = outcomeOf(err)
		st.res.Error = err.Error()
		return st.res, err
	}

	in, err := o.db.GetIntegration(ctx, req.UserID, req.Provider)
	if errors.Is(err, database.ErrNotFound) {
		return fail(fmt.Errorf("%w: %s/%s", ErrNoIntegration, req.UserID, req.Provider))
	}
	if err != nil {
		return fail(err)
	}
	if in.NeedsReauth {
		return fail(fmt.Errorf("%w: %s/%s", ErrNeedsReauth, req.UserID, req.Provider))
	}
	adapter, err := o.registry.Get(req.Provider)
	if err != nil {
		return fail(err)
	}
	if !adapter.Supports(req.Entity) {
		return fail(fmt.Errorf("%w: %s/%s", ErrUnsupported, req.Provider, req.Entity))
	}

	window := req.Window
	if req.Entity != canonical.EntityPlanned {
		today := o.localToday(o.location(in))
		if window.End.After(today) {
			window.End = today
		}
	}
	st.res.Window = window
	st.loc = o.location(in)

	logger := o.logger.With(
		"user_id", req.UserID,
		"provider", req.Provider,
		"entity", req.Entity,
		"window_start", canonical.FormatDay(window.Start),
		"window_end", canonical.FormatDay(window.End),
	)
	if window.Empty() {
		logger.Debug("Sync window lies entirely in the future, nothing to fetch")
		st.res.Outcome = OutcomeSuccess
		return st.res, nil
	}

	key := req.key()
	syncRun, err := o.db.BeginSync(ctx, key, window, o.cfg.StaleAfter)
	if err != nil {
		if errors.Is(err, database.ErrSyncInProgress) {
			logger.Info("Sync already running elsewhere")
		}
		return fail(err)
	}
	if syncRun.TookOver {
		logger.Warn("Took over crashed sync run", "previous_run_id", syncRun.Previous, "run_id", syncRun.ID)
	}

	abort := func(err error) (Result, error) {
		finishCtx := context.WithoutCancel(ctx)
		if provider.IsAuthExpired(err) {
			if markErr := o.db.MarkNeedsReauth(finishCtx, req.UserID, req.Provider); markErr != nil {
				logger.Error("Failed to flag integration for reauth", "error", markErr)
			}
		}
		if finErr := o.db.FinishSync(finishCtx, key, syncRun.ID, st.res.Upserted, err); finErr != nil {
			logger.Error("Failed to record sync failure", "error", finErr)
		}
		logger.Error("Sync failed", "error", err, "upserted", st.res.Upserted)
		return fail(err)
	}

	creds := provider.Credentials{
		UserID:      in.UserID,
		AthleteID:   in.AthleteID,
		AccessToken: in.AccessToken,
		APIKey:      in.APIKey,
	}
	raws, err := adapter.FetchWindow(ctx, creds, req.Entity, window.Start, window.End)
	if err != nil {
		return abort(fmt.Errorf("failed to fetch %s: %w", req.Entity, err))
	}

	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}

		rec, err := adapter.Normalize(raw)
		if err != nil {
			st.res.Skipped++
			metrics.NormalizationErrorsTotal.WithLabelValues(string(req.Provider), string(req.Entity)).Inc()
			logger.Warn("Skipping record that failed normalization", "external_id", raw.ExternalID, "error", err)
			continue
		}
		if rec == nil {
			st.res.Filtered++
			metrics.RecordsFilteredTotal.WithLabelValues(string(req.Provider), string(req.Entity)).Inc()
			continue
		}

		if err := o.apply(ctx, logger, adapter, creds, window, rec, st); err != nil {
			return abort(err)
		}
	}

	if st.earliest != nil {
		today := o.localToday(o.location(in))
		if err := o.RecomputeLoad(ctx, req.UserID, canonical.NewWindow(*st.earliest, maxTime(today, window.End))); err != nil {
			return abort(err)
		}
	} else if st.planned {
		if _, err := o.ProjectLoad(ctx, req.UserID); err != nil {
			return abort(err)
		}
	}

	if err := o.db.FinishSync(ctx, key, syncRun.ID, st.res.Upserted, nil); err != nil {
		return fail(err)
	}
	st.res.Outcome = OutcomeSuccess

	if st.res.Upserted > 0 {
		if err := o.emitSyncCompleted(ctx, req.UserID, st); err != nil {
			logger.Error("Failed to record sync completion event", "error", err)
		}
	}

	logger.Info("Sync finished",
		"upserted", st.res.Upserted,
		"unchanged", st.res.Unchanged,
		"skipped", st.res.Skipped,
		"filtered", st.res.Filtered,
		"conflicts", st.res.Conflicts,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return st.res, nil
}

// apply folds one normalized record into the store. Only window-level
// failures are returned; record-level problems are logged and counted.
func (o *Orchestrator) apply(ctx context.Context, logger *slog.Logger, adapter provider.Adapter, creds provider.Credentials, window canonical.Window, rec *canonical.Record, st *runState) error {
	userID := creds.UserID
	switch {
	case rec.Activity != nil:
		a := *rec.Activity
		a.UserID = userID
		if a.Provider == "" {
			a.Provider = adapter.Name()
		}
		if a.LocalDate.IsZero() {
			a.LocalDate = canonical.LocalDay(a.StartTime, st.loc)
		}
		result, stored, err := o.db.UpsertActivity(ctx, a)
		if result == database.Conflict {
			st.record(a.ExternalID, result)
			logger.Warn("Discarding conflicting activity", "external_id", a.ExternalID, "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		st.record(a.ExternalID, result)
		if result != database.Unchanged {
			st.touch(stored.Day())
		}

		if stored.PlannedExternalID != nil {
			if _, err := o.db.MarkPlannedItemCompleted(ctx, userID, stored.Provider, *stored.PlannedExternalID); err != nil {
				return err
			}
		}
		return o.attachStream(ctx, logger, adapter, creds, stored, a.Stream, result, st)

	case rec.Wellness != nil:
		w := *rec.Wellness
		w.UserID = userID
		if w.Provider == "" {
			w.Provider = adapter.Name()
		}
		if !window.Contains(w.Date) {
			st.res.Filtered++
			metrics.RecordsFilteredTotal.WithLabelValues(string(adapter.Name()), string(canonical.EntityWellness)).Inc()
			return nil
		}
		result, _, err := o.db.UpsertWellness(ctx, w)
		if result == database.Conflict {
			st.record(canonical.FormatDay(w.Date), result)
			logger.Warn("Discarding conflicting wellness record", "date", canonical.FormatDay(w.Date), "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		st.record(canonical.FormatDay(w.Date), result)
		if result != database.Unchanged {
			st.touch(w.Date)
		}
		return nil

	case rec.Planned != nil:
		p := *rec.Planned
		p.UserID = userID
		if p.Provider == "" {
			p.Provider = adapter.Name()
		}
		result, _, err := o.db.UpsertPlannedItem(ctx, p)
		if result == database.Conflict {
			st.record(p.ExternalID, result)
			logger.Warn("Discarding conflicting planned item", "external_id", p.ExternalID, "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		st.record(p.ExternalID, result)
		if result != database.Unchanged {
			st.planned = true
		}
		return nil
	}

	st.res.Skipped++
	logger.Warn("Adapter returned an empty record", "kind", rec.Kind)
	return nil
}

// attachStream stores and derives metrics for an activity's samples. Inline
// samples are always stored; otherwise the adapter is asked only when the
// activity changed and nothing is stored yet.
func (o *Orchestrator) attachStream(ctx context.Context, logger *slog.Logger, adapter provider.Adapter, creds provider.Credentials, stored *canonical.Activity, inline *canonical.StreamData, result database.UpsertResult, st *runState) error {
	data := inline
	trigger := "inline"
	if data == nil {
		fetcher, ok := adapter.(provider.StreamFetcher)
		if !ok || result == database.Unchanged {
			return nil
		}
		_, err := o.db.GetStream(ctx, stored.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return err
		}

		fetched, err := fetcher.FetchStream(ctx, creds, stored.ExternalID)
		if err != nil {
			if provider.IsRateLimited(err) || provider.IsAuthExpired(err) {
				return fmt.Errorf("failed to fetch stream: %w", err)
			}
			logger.Warn("Skipping stream for activity", "external_id", stored.ExternalID, "error", err)
			return nil
		}
		data = fetched
		trigger = "fetched"
	}
	if data.Len() == 0 {
		return nil
	}

	profile := o.zones.For(stored.UserID)
	derived := streams.Compute(data, profile.ZoneSet(), o.cfg.Streams)
	now := time.Now().UTC()
	if err := o.db.SaveStream(ctx, &database.Stream{
		ActivityID: stored.ID,
		Data:       *data,
		Derived:    &derived,
		ComputedAt: &now,
	}); err != nil {
		return err
	}
	metrics.StreamsComputedTotal.WithLabelValues(trigger).Inc()

	if stored.TSS != nil || derived.NormalizedPower == nil || profile.FTP == nil || stored.DurationSec == nil {
		return nil
	}
	tss := streams.PowerTrainingStress(float64(*stored.DurationSec), *derived.NormalizedPower, *profile.FTP)
	if tss <= 0 {
		return nil
	}
	withTSS := *stored
	withTSS.TSS = &tss
	res, _, err := o.db.UpsertActivity(ctx, withTSS)
	if err != nil {
		return err
	}
	if res == database.Updated {
		st.touch(stored.Day())
		if result == database.Unchanged {
			st.record(stored.ExternalID, res)
		}
	}
	return nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
