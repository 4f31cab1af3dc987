package orchestrator

import (
	"context"
	"time"

	"github.com/newpush/coach-sub004/internal/metrics"
	"github.com/newpush/coach-sub004/internal/streams"
)

// StreamMetrics returns the derived metrics of an activity's stored stream.
// A missing cache is computed; a cached histogram that no longer fits the
// user's zones is recomputed. Either way the refreshed cache is stored.
func (o *Orchestrator) StreamMetrics(ctx context.Context, activityID string) (*streams.Derived, error) {
	a, err := o.db.GetActivityByID(ctx, activityID)
	if err != nil {
		return nil, err
	}
	s, err := o.db.GetStream(ctx, activityID)
	if err != nil {
		return nil, err
	}

	profile := o.zones.For(a.UserID)
	var derived streams.Derived
	var trigger string
	if s.Derived == nil {
		derived = streams.Compute(&s.Data, profile.ZoneSet(), o.cfg.Streams)
		trigger = "on_demand"
	} else {
		var changed bool
		derived, changed = streams.RefreshZones(*s.Derived, &s.Data, profile.ZoneSet())
		if !changed {
			return s.Derived, nil
		}
		trigger = "zones_changed"
	}

	now := time.Now().UTC()
	s.Derived = &derived
	s.ComputedAt = &now
	if err := o.db.SaveStream(ctx, s); err != nil {
		return nil, err
	}
	metrics.StreamsComputedTotal.WithLabelValues(trigger).Inc()
	o.logger.Debug("Stream metrics refreshed", "activity_id", activityID, "trigger", trigger)
	return &derived, nil
}
