package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
)

const intervalsSchema = `{
	"type": "object",
	"required": ["events"],
	"properties": {
		"secret": {"type": "string"},
		"events": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["athlete_id", "type"],
				"properties": {
					"athlete_id": {"type": "string", "minLength": 1},
					"type": {"type": "string", "minLength": 1},
					"timestamp": {"type": "string"},
					"activity": {"type": "object"},
					"records": {"type": "array"}
				}
			}
		}
	}
}`

// Intervals.icu event types
const (
	IntervalsActivityUploaded = "ACTIVITY_UPLOADED"
	IntervalsActivityAnalyzed = "ACTIVITY_ANALYZED"
	IntervalsActivityUpdated  = "ACTIVITY_UPDATED"
	IntervalsActivityDeleted  = "ACTIVITY_DELETED"
	IntervalsWellnessUpdated  = "WELLNESS_UPDATED"
	IntervalsCalendarUpdated  = "CALENDAR_UPDATED"
)

type intervalsDelivery struct {
	Events []struct {
		AthleteID string                 `json:"athlete_id"`
		Type      string                 `json:"type"`
		Activity  canonical.RawPayload   `json:"activity"`
		Records   []canonical.RawPayload `json:"records"`
	} `json:"events"`
}

// IntervalsMapper maps Intervals.icu webhook deliveries, which batch
// several events and embed the affected activity or wellness days.
type IntervalsMapper struct{}

func (IntervalsMapper) Provider() canonical.Provider { return canonical.ProviderIntervals }

func (IntervalsMapper) Schema() string { return intervalsSchema }

func (IntervalsMapper) Decode(body []byte) ([]Event, error) {
	var d intervalsDelivery
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("failed to decode intervals delivery: %w", err)
	}

	events := make([]Event, 0, len(d.Events))
	for _, raw := range d.Events {
		e := Event{Type: raw.Type, OwnerID: raw.AthleteID}
		if raw.Activity != nil {
			e.Entity = canonical.EntityActivities
			if id := raw.Activity.String("id"); id != nil {
				e.ObjectID = *id
			}
			e.Timestamp = raw.Activity.Time("start_date_local")
			if e.Timestamp == nil {
				e.Timestamp = raw.Activity.Time("start_date")
			}
		}
		for _, rec := range raw.Records {
			if day := rec.Time("id"); day != nil {
				e.Days = append(e.Days, *day)
			}
		}
		events = append(events, e)
	}
	return events, nil
}

func (IntervalsMapper) Plan(e Event, receivedAt time.Time) (Plan, bool) {
	switch e.Type {
	case IntervalsActivityUploaded, IntervalsActivityAnalyzed, IntervalsActivityUpdated:
		return Plan{Syncs: []SyncSpec{{Entity: canonical.EntityActivities, Window: recordWindow(e, receivedAt)}}}, true
	case IntervalsActivityDeleted:
		if e.ObjectID == "" {
			return Plan{Syncs: []SyncSpec{{Entity: canonical.EntityActivities, Window: Trailing(receivedAt)}}}, true
		}
		return Plan{
			Delete: &Target{Entity: canonical.EntityActivities, ExternalID: e.ObjectID},
			Syncs:  []SyncSpec{{Entity: canonical.EntityActivities, Window: recordWindow(e, receivedAt)}},
		}, true
	case IntervalsWellnessUpdated:
		return Plan{Syncs: []SyncSpec{{Entity: canonical.EntityWellness, Window: Span(e.Days, receivedAt)}}}, true
	case IntervalsCalendarUpdated:
		return Plan{Syncs: []SyncSpec{{Entity: canonical.EntityPlanned, Window: Calendar(receivedAt)}}}, true
	}
	return Plan{}, false
}
