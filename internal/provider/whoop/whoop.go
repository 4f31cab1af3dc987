// Package whoop folds WHOOP recovery and sleep records into daily wellness.
package whoop

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

const (
	DefaultBaseURL = "https://api.prod.whoop.com/developer"
	pageLimit      = 25
)

type Adapter struct {
	api *provider.HTTPClient
}

func New(baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		api: provider.NewHTTPClient(canonical.ProviderWhoop, baseURL, func(req *http.Request, creds provider.Credentials) {
			req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		}),
	}
}

func (a *Adapter) Name() canonical.Provider {
	return canonical.ProviderWhoop
}

// Supports reports wellness only. Workouts stay with the activity platforms.
func (a *Adapter) Supports(entity canonical.EntityType) bool {
	return entity == canonical.EntityWellness
}

type page struct {
	Records   []json.RawMessage `json:"records"`
	NextToken string            `json:"next_token"`
}

// folded is the raw record shape handed to Normalize: one sleep and the
// recovery scored from it.
type folded struct {
	Sleep    json.RawMessage `json:"sleep"`
	Recovery json.RawMessage `json:"recovery,omitempty"`
}

// FetchWindow pairs each sleep with its recovery by sleep id. Recoveries
// whose sleep falls outside the window are dropped since only the sleep
// carries the local wake-up day.
func (a *Adapter) FetchWindow(ctx context.Context, creds provider.Credentials, entity canonical.EntityType, start, end time.Time) ([]provider.RawRecord, error) {
	if !a.Supports(entity) {
		return nil, nil
	}

	// Whoop filters on instants, so widen to cover every UTC offset.
	from := canonical.Day(start).Add(-14 * time.Hour)
	to := canonical.Day(end).Add(38 * time.Hour)

	sleeps, err := a.list(ctx, creds, metrics.OpListSleep, "/v1/activity/sleep", from, to)
	if err != nil {
		return nil, err
	}
	recoveries, err := a.list(ctx, creds, metrics.OpListRecovery, "/v1/recovery", from, to)
	if err != nil {
		return nil, err
	}

	bySleep := make(map[string]json.RawMessage, len(recoveries))
	for _, r := range recoveries {
		if id := idOf(r, "sleep_id"); id != "" {
			bySleep[id] = r
		}
	}

	records := make([]provider.RawRecord, 0, len(sleeps))
	for _, s := range sleeps {
		id := idOf(s, "id")
		if id == "" {
			return nil, &provider.Error{Kind: provider.KindMalformed, Provider: canonical.ProviderWhoop, Op: metrics.OpListSleep, Err: fmt.Errorf("sleep without id")}
		}
		payload, err := json.Marshal(folded{Sleep: s, Recovery: bySleep[id]})
		if err != nil {
			return nil, fmt.Errorf("failed to fold sleep %s: %w", id, err)
		}
		records = append(records, provider.RawRecord{
			Kind:       canonical.EntityWellness,
			ExternalID: id,
			Payload:    payload,
		})
	}
	return records, nil
}

func (a *Adapter) list(ctx context.Context, creds provider.Credentials, op, path string, from, to time.Time) ([]json.RawMessage, error) {
	var records []json.RawMessage
	next := ""
	for {
		params := url.Values{
			"start": {from.UTC().Format(time.RFC3339)},
			"end":   {to.UTC().Format(time.RFC3339)},
			"limit": {fmt.Sprint(pageLimit)},
		}
		if next != "" {
			params.Set("nextToken", next)
		}

		var p page
		if err := a.api.GetJSON(ctx, op, path+"?"+params.Encode(), creds, &p); err != nil {
			return nil, fmt.Errorf("failed to %s: %w", op, err)
		}
		records = append(records, p.Records...)

		if p.NextToken == "" {
			return records, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next = p.NextToken
	}
}

func idOf(raw json.RawMessage, field string) string {
	p, err := canonical.ParsePayload(raw)
	if err != nil {
		return ""
	}
	if id := p.String(field); id != nil {
		return *id
	}
	return ""
}
