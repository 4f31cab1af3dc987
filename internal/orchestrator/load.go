package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/database"
	"github.com/newpush/coach-sub004/internal/load"
	"github.com/newpush/coach-sub004/internal/merge"
)

// RecomputeLoad rebuilds the stored load curve over w from the day before
// w.Start onward. A gap since the last stored point is filled in; with no
// earlier point the rebuild starts LoadSeedDays before w.Start from zero.
// The planned-stress projection is refreshed afterwards.
func (o *Orchestrator) RecomputeLoad(ctx context.Context, userID string, w canonical.Window) error {
	if w.Empty() {
		return nil
	}

	var seed load.State
	prev, err := o.db.LatestTrainingLoadBefore(ctx, userID, w.Start)
	switch {
	case errors.Is(err, database.ErrNotFound):
		w.Start = w.Start.AddDate(0, 0, -o.cfg.LoadSeedDays)
	case err != nil:
		return err
	default:
		seed = prev.State()
		if next := canonical.Day(prev.Date).AddDate(0, 0, 1); next.Before(w.Start) {
			w.Start = next
		}
	}

	activities, err := o.db.ListActivities(ctx, userID, w)
	if err != nil {
		return err
	}
	wellness, err := o.db.ListWellness(ctx, userID, w)
	if err != nil {
		return err
	}

	days := load.Combine(activityDays(activities), wellnessDays(wellness))
	points := load.Series(o.cfg.Load, seed, days, w)
	if err := o.db.ReplaceTrainingLoad(ctx, userID, w, points); err != nil {
		return fmt.Errorf("failed to store training load: %w", err)
	}
	o.logger.Debug("Training load recomputed", "user_id", userID, "window_start", canonical.FormatDay(w.Start),
		"window_end", canonical.FormatDay(w.End), "points", len(points))

	_, err = o.ProjectLoad(ctx, userID)
	return err
}

// activityDays sums per-day stress over activities that count toward load.
// Soft-flagged duplicates and abandoned sessions are excluded.
func activityDays(activities []*canonical.Activity) []load.DaySource {
	byDay := make(map[time.Time]*load.DaySource)
	var order []time.Time
	for _, a := range activities {
		if a.TSS == nil || a.Duplicate || a.Status == canonical.StatusCanceled || a.Status == canonical.StatusFailed {
			continue
		}
		day := a.Day()
		src, ok := byDay[day]
		if !ok {
			src = &load.DaySource{Date: day}
			byDay[day] = src
			order = append(order, day)
		}
		src.Stress += *a.TSS
		src.Richness++
		at := a.SourceUpdatedAt
		if at == nil {
			at = &a.UpdatedAt
		}
		if src.UpdatedAt == nil || at.After(*src.UpdatedAt) {
			t := *at
			src.UpdatedAt = &t
		}
	}

	out := make([]load.DaySource, 0, len(order))
	for _, day := range order {
		out = append(out, *byDay[day])
	}
	return out
}

func wellnessDays(records []*canonical.WellnessRecord) []load.DaySource {
	out := make([]load.DaySource, 0, len(records))
	for _, w := range records {
		if w.TSS == nil {
			continue
		}
		at := w.SourceUpdatedAt
		if at == nil {
			at = &w.UpdatedAt
		}
		out = append(out, load.DaySource{Date: w.Date, Stress: *w.TSS, UpdatedAt: at, Richness: merge.Richness(*w)})
	}
	return out
}

// Projection is the forecast load curve built from planned sessions
type Projection struct {
	Current   load.State   `json:"current"`
	Points    []load.Point `json:"points"`
	Overreach *load.Point  `json:"overreach,omitempty"`
}

// ProjectLoad walks the load recurrence over the next ProjectionDays using
// the planned stress of structured sessions. When the balance is forecast to
// drop below OverreachBalance a forecast event is recorded once per
// (user, crossing day, forecast day).
func (o *Orchestrator) ProjectLoad(ctx context.Context, userID string) (*Projection, error) {
	if o.cfg.ProjectionDays <= 0 {
		return &Projection{}, nil
	}
	today := o.localToday(o.userLocation(ctx, userID))
	tomorrow := today.AddDate(0, 0, 1)

	var current load.State
	latest, err := o.db.LatestTrainingLoadBefore(ctx, userID, tomorrow)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		current = latest.State()
		// Rest days between the last stored point and today still decay
		if gap := int(today.Sub(canonical.Day(latest.Date)).Hours() / 24); gap > 0 {
			rest := load.Project(o.cfg.Load, current, nil, canonical.Day(latest.Date).AddDate(0, 0, 1), gap)
			current = rest[len(rest)-1].State()
		}
	}

	items, err := o.db.ListPlannedItems(ctx, userID, canonical.NewWindow(tomorrow, today.AddDate(0, 0, o.cfg.ProjectionDays)))
	if err != nil {
		return nil, err
	}
	var planned []load.DayStress
	for _, it := range items {
		if !it.Category.Structured() || it.PlannedTSS == nil || it.Status == canonical.StatusCanceled {
			continue
		}
		planned = append(planned, load.DayStress{Date: it.Date, Stress: *it.PlannedTSS})
	}

	p := &Projection{
		Current: current,
		Points:  load.Project(o.cfg.Load, current, planned, tomorrow, o.cfg.ProjectionDays),
	}
	p.Overreach = load.FirstOverreached(p.Points, o.cfg.OverreachBalance)
	if p.Overreach != nil {
		if err := o.emitOverreach(ctx, userID, today, p.Overreach); err != nil {
			return nil, err
		}
	}
	return p, nil
}
