package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
)

const stravaSchema = `{
	"type": "object",
	"required": ["object_type", "object_id", "aspect_type", "owner_id"],
	"properties": {
		"object_type": {"enum": ["activity", "athlete"]},
		"object_id": {"type": "integer"},
		"aspect_type": {"enum": ["create", "update", "delete"]},
		"owner_id": {"type": "integer"},
		"subscription_id": {"type": "integer"},
		"event_time": {"type": "integer"},
		"updates": {"type": "object"}
	}
}`

// Strava event types
const (
	StravaActivityCreate     = "activity.create"
	StravaActivityUpdate     = "activity.update"
	StravaActivityDelete     = "activity.delete"
	StravaAthleteUpdate      = "athlete.update"
	StravaAthleteDeauthorize = "athlete.deauthorize"
)

type stravaEvent struct {
	ObjectType string         `json:"object_type"`
	ObjectID   int64          `json:"object_id"`
	AspectType string         `json:"aspect_type"`
	OwnerID    int64          `json:"owner_id"`
	EventTime  int64          `json:"event_time"`
	Updates    map[string]any `json:"updates"`
}

// StravaMapper maps Strava push subscription events. Strava events carry no
// activity date, so updates rely on the stored activity's start time.
type StravaMapper struct{}

func (StravaMapper) Provider() canonical.Provider { return canonical.ProviderStrava }

func (StravaMapper) Schema() string { return stravaSchema }

func (StravaMapper) Decode(body []byte) ([]Event, error) {
	var raw stravaEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode strava event: %w", err)
	}

	e := Event{
		Type:    raw.ObjectType + "." + raw.AspectType,
		OwnerID: strconv.FormatInt(raw.OwnerID, 10),
	}
	switch raw.ObjectType {
	case "activity":
		e.Entity = canonical.EntityActivities
		e.ObjectID = strconv.FormatInt(raw.ObjectID, 10)
	case "athlete":
		if v, _ := raw.Updates["authorized"].(string); v == "false" {
			e.Type = StravaAthleteDeauthorize
			e.Revoked = true
		}
	}
	return []Event{e}, nil
}

func (StravaMapper) Plan(e Event, receivedAt time.Time) (Plan, bool) {
	switch e.Type {
	case StravaActivityCreate:
		return Plan{Syncs: []SyncSpec{{Entity: canonical.EntityActivities, Window: Trailing(receivedAt)}}}, true
	case StravaActivityUpdate:
		return Plan{Syncs: []SyncSpec{{Entity: canonical.EntityActivities, Window: recordWindow(e, receivedAt)}}}, true
	case StravaActivityDelete:
		return Plan{
			Delete: &Target{Entity: canonical.EntityActivities, ExternalID: e.ObjectID},
			Syncs:  []SyncSpec{{Entity: canonical.EntityActivities, Window: recordWindow(e, receivedAt)}},
		}, true
	case StravaAthleteDeauthorize:
		return Plan{Deauthorize: true}, true
	}
	return Plan{}, false
}
