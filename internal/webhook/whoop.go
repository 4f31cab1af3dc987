package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
)

const whoopSchema = `{
	"type": "object",
	"required": ["user_id", "type"],
	"properties": {
		"user_id": {"type": "integer"},
		"id": {"type": ["integer", "string"]},
		"type": {"type": "string", "pattern": "^[a-z_]+\\.[a-z_]+$"},
		"trace_id": {"type": "string"}
	}
}`

// Whoop event types
const (
	WhoopRecoveryUpdated = "recovery.updated"
	WhoopRecoveryDeleted = "recovery.deleted"
	WhoopSleepUpdated    = "sleep.updated"
	WhoopSleepDeleted    = "sleep.deleted"
)

type whoopEvent struct {
	UserID int64  `json:"user_id"`
	Type   string `json:"type"`
}

// WhoopMapper maps Whoop webhooks. Whoop only names the changed object, and
// its recovery and sleep are folded into the day's wellness record, so every
// handled event resyncs the trailing wellness window. Deleting a whole day
// would discard other providers' fields, so deletions resync instead.
type WhoopMapper struct{}

func (WhoopMapper) Provider() canonical.Provider { return canonical.ProviderWhoop }

func (WhoopMapper) Schema() string { return whoopSchema }

func (WhoopMapper) Decode(body []byte) ([]Event, error) {
	var raw whoopEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode whoop event: %w", err)
	}
	return []Event{{Type: raw.Type, OwnerID: fmt.Sprintf("%d", raw.UserID), Entity: canonical.EntityWellness}}, nil
}

func (WhoopMapper) Plan(e Event, receivedAt time.Time) (Plan, bool) {
	switch e.Type {
	case WhoopRecoveryUpdated, WhoopSleepUpdated, WhoopRecoveryDeleted, WhoopSleepDeleted:
		return Plan{Syncs: []SyncSpec{{Entity: canonical.EntityWellness, Window: Trailing(receivedAt)}}}, true
	}
	return Plan{}, false
}
