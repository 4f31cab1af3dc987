// Package strava adapts the Strava v3 API to the provider contract.
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/metrics"
	"github.com/newpush/coach-sub004/internal/provider"
)

const (
	DefaultBaseURL = "https://www.strava.com/api/v3"
	perPage        = 200
)

// Adapter fetches Strava activities and streams
type Adapter struct {
	api          *provider.HTTPClient
	rateLimiter  *RateLimiter
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *slog.Logger
}

// New creates a Strava adapter. clientID and clientSecret are only needed
// for push subscription management.
func New(baseURL, clientID, clientSecret string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	a := &Adapter{
		rateLimiter:  NewRateLimiter(),
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       slog.Default(),
	}
	a.api = provider.NewHTTPClient(canonical.ProviderStrava, baseURL, func(req *http.Request, creds provider.Credentials) {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	})
	a.api.OnResponse = func(resp *http.Response) {
		a.parseRateLimitHeaders(resp.Header)
	}
	return a
}

// Name implements provider.Adapter
func (a *Adapter) Name() canonical.Provider {
	return canonical.ProviderStrava
}

// Supports implements provider.Adapter
func (a *Adapter) Supports(entity canonical.EntityType) bool {
	return entity == canonical.EntityActivities
}

// RateLimits returns the most recently observed rate-limit budget
func (a *Adapter) RateLimits() RateLimitStatus {
	return a.rateLimiter.Status()
}

// Cooldown is how long to back off after a 429, given the last headers seen
func (a *Adapter) Cooldown(now time.Time) time.Duration {
	return a.RateLimits().Cooldown(now)
}

// FetchWindow lists the athlete's activities started within [start, end]
func (a *Adapter) FetchWindow(ctx context.Context, creds provider.Credentials, entity canonical.EntityType, start, end time.Time) ([]provider.RawRecord, error) {
	if !a.Supports(entity) {
		return nil, nil
	}

	after := canonical.Day(start).Unix()
	before := canonical.Day(end).AddDate(0, 0, 1).Unix()

	var records []provider.RawRecord
	for page := 1; ; page++ {
		params := url.Values{
			"after":    {strconv.FormatInt(after, 10)},
			"before":   {strconv.FormatInt(before, 10)},
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(perPage)},
		}

		var items []json.RawMessage
		if err := a.api.GetJSON(ctx, metrics.OpListActivities, "/athlete/activities?"+params.Encode(), creds, &items); err != nil {
			return nil, fmt.Errorf("failed to list activities (page %d): %w", page, err)
		}

		for _, item := range items {
			var head struct {
				ID json.Number `json:"id"`
			}
			if err := json.Unmarshal(item, &head); err != nil {
				return nil, &provider.Error{Kind: provider.KindMalformed, Provider: canonical.ProviderStrava, Op: metrics.OpListActivities, Err: err}
			}
			records = append(records, provider.RawRecord{
				Kind:       canonical.EntityActivities,
				ExternalID: head.ID.String(),
				Payload:    item,
			})
		}

		// a short page is the last page
		if len(items) < perPage {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return records, nil
}

type summaryActivity struct {
	ID               json.Number `json:"id"`
	Name             string      `json:"name"`
	Type             string      `json:"type"`
	SportType        string      `json:"sport_type"`
	StartDate        time.Time   `json:"start_date"`
	StartDateLocal   time.Time   `json:"start_date_local"`
	ElapsedTime      int         `json:"elapsed_time"`
	MovingTime       int         `json:"moving_time"`
	Distance         *float64    `json:"distance"`
	AverageWatts     *float64    `json:"average_watts"`
	WeightedWatts    *float64    `json:"weighted_average_watts"`
	MaxWatts         *float64    `json:"max_watts"`
	AverageHeartrate *float64    `json:"average_heartrate"`
	MaxHeartrate     *float64    `json:"max_heartrate"`
}

// Normalize maps a Strava summary activity. Activities with no elapsed time
// are uploads still being processed and are filtered out.
func (a *Adapter) Normalize(raw provider.RawRecord) (*canonical.Record, error) {
	if raw.Kind != canonical.EntityActivities {
		return nil, provider.Normalization(canonical.ProviderStrava, raw.ExternalID, fmt.Errorf("unsupported kind %q", raw.Kind))
	}

	var s summaryActivity
	if err := json.Unmarshal(raw.Payload, &s); err != nil {
		return nil, provider.Normalization(canonical.ProviderStrava, raw.ExternalID, err)
	}
	if s.ID == "" || s.StartDate.IsZero() {
		return nil, provider.Normalization(canonical.ProviderStrava, raw.ExternalID, fmt.Errorf("missing id or start_date"))
	}
	if s.ElapsedTime <= 0 {
		return nil, nil
	}

	payload, err := canonical.ParsePayload(raw.Payload)
	if err != nil {
		return nil, provider.Normalization(canonical.ProviderStrava, raw.ExternalID, err)
	}

	duration := s.MovingTime
	if duration <= 0 {
		duration = s.ElapsedTime
	}
	sport := s.SportType
	if sport == "" {
		sport = s.Type
	}

	act := &canonical.Activity{
		Provider:    canonical.ProviderStrava,
		ExternalID:  s.ID.String(),
		Name:        nonEmpty(s.Name),
		Sport:       nonEmpty(sport),
		StartTime:   s.StartDate.UTC(),
		LocalDate:   localDate(s.StartDateLocal),
		DurationSec: &duration,
		DistanceM:   s.Distance,
		AvgPower:    s.AverageWatts,
		MaxPower:    s.MaxWatts,
		AvgHR:       s.AverageHeartrate,
		MaxHR:       s.MaxHeartrate,
		Status:      canonical.StatusCompleted,
		Raw:         payload,
	}
	return &canonical.Record{Kind: canonical.EntityActivities, Activity: act}, nil
}

// localDate reads start_date_local, which Strava encodes as the athlete's
// wall clock with a Z suffix
func localDate(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return canonical.Day(t)
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
