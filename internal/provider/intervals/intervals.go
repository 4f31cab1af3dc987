// Package intervals adapts the Intervals.icu API: activities with their
// paired planned events, daily wellness and calendar events.
package intervals

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/metrics"
	"github.com/newpush/coach-sub004/internal/provider"
)

const DefaultBaseURL = "https://intervals.icu/api/v1"

// Adapter implements provider.Adapter and provider.StreamFetcher
type Adapter struct {
	api *provider.HTTPClient
}

// New creates an Intervals.icu adapter authenticating with the athlete's API key
func New(baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		api: provider.NewHTTPClient(canonical.ProviderIntervals, baseURL, func(req *http.Request, creds provider.Credentials) {
			req.SetBasicAuth("API_KEY", creds.APIKey)
		}),
	}
}

func (a *Adapter) Name() canonical.Provider {
	return canonical.ProviderIntervals
}

func (a *Adapter) Supports(entity canonical.EntityType) bool {
	return entity.Valid()
}

// FetchWindow lists records dated within [start, end] inclusive
func (a *Adapter) FetchWindow(ctx context.Context, creds provider.Credentials, entity canonical.EntityType, start, end time.Time) ([]provider.RawRecord, error) {
	athlete := creds.AthleteID
	if athlete == "" {
		athlete = "0"
	}
	params := url.Values{
		"oldest": {canonical.FormatDay(start)},
		"newest": {canonical.FormatDay(end)},
	}

	var resource, op string
	switch entity {
	case canonical.EntityActivities:
		resource, op = "activities", metrics.OpListActivities
	case canonical.EntityWellness:
		resource, op = "wellness", metrics.OpListWellness
	case canonical.EntityPlanned:
		resource, op = "events", metrics.OpListEvents
	default:
		return nil, nil
	}

	path := fmt.Sprintf("/athlete/%s/%s?%s", url.PathEscape(athlete), resource, params.Encode())
	var items []json.RawMessage
	if err := a.api.GetJSON(ctx, op, path, creds, &items); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", resource, err)
	}

	records := make([]provider.RawRecord, 0, len(items))
	for _, item := range items {
		var head struct {
			ID any `json:"id"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			return nil, &provider.Error{Kind: provider.KindMalformed, Provider: canonical.ProviderIntervals, Op: op, Err: err}
		}
		records = append(records, provider.RawRecord{
			Kind:       entity,
			ExternalID: idString(head.ID),
			Payload:    item,
		})
	}
	return records, nil
}

// Normalize dispatches on the record kind
func (a *Adapter) Normalize(raw provider.RawRecord) (*canonical.Record, error) {
	payload, err := canonical.ParsePayload(raw.Payload)
	if err != nil {
		return nil, provider.Normalization(canonical.ProviderIntervals, raw.ExternalID, err)
	}
	if payload == nil {
		return nil, provider.Normalization(canonical.ProviderIntervals, raw.ExternalID, fmt.Errorf("empty payload"))
	}

	switch raw.Kind {
	case canonical.EntityActivities:
		return normalizeActivity(raw.ExternalID, payload)
	case canonical.EntityWellness:
		return normalizeWellness(raw.ExternalID, payload)
	case canonical.EntityPlanned:
		return normalizeEvent(raw.ExternalID, payload)
	}
	return nil, provider.Normalization(canonical.ProviderIntervals, raw.ExternalID, fmt.Errorf("unsupported kind %q", raw.Kind))
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
