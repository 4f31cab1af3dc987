package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
)

// DeleteRequest names one record to remove. Day identifies wellness
// records, ExternalID the others.
type DeleteRequest struct {
	UserID     string
	Provider   canonical.Provider
	Entity     canonical.EntityType
	ExternalID string
	Day        time.Time
}

// DeleteRecord hard-deletes a record and refreshes the aggregates that
// depended on it. Deleting an absent record is a successful no-op; the
// returned bool reports whether anything was removed.
func (o *Orchestrator) DeleteRecord(ctx context.Context, req DeleteRequest) (bool, error) {
	logger := o.logger.With("user_id", req.UserID, "provider", req.Provider, "entity", req.Entity)
	today := o.localToday(o.userLocation(ctx, req.UserID))

	switch req.Entity {
	case canonical.EntityActivities:
		deleted, err := o.db.DeleteActivity(ctx, req.UserID, req.Provider, req.ExternalID)
		if err != nil || deleted == nil {
			return false, err
		}
		logger.Info("Activity deleted", "external_id", req.ExternalID)
		return true, o.RecomputeLoad(ctx, req.UserID, canonical.NewWindow(deleted.Day(), maxTime(today, deleted.Day())))

	case canonical.EntityWellness:
		day := canonical.Day(req.Day)
		removed, err := o.db.DeleteWellness(ctx, req.UserID, req.Provider, day)
		if err != nil || !removed {
			return false, err
		}
		logger.Info("Wellness record deleted", "date", canonical.FormatDay(day))
		return true, o.RecomputeLoad(ctx, req.UserID, canonical.NewWindow(day, maxTime(today, day)))

	case canonical.EntityPlanned:
		deleted, err := o.db.DeletePlannedItem(ctx, req.UserID, req.Provider, req.ExternalID)
		if err != nil || deleted == nil {
			return false, err
		}
		logger.Info("Planned item deleted", "external_id", req.ExternalID)
		_, err = o.ProjectLoad(ctx, req.UserID)
		return true, err
	}
	return false, fmt.Errorf("unknown entity type %q", req.Entity)
}
