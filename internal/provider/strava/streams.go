package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/metrics"
	"github.com/newpush/coach-sub004/internal/provider"
)

var streamKeys = "time,distance,heartrate,watts,velocity_smooth,latlng"

type streamSet map[string]struct {
	Data json.RawMessage `json:"data"`
}

// FetchStream implements provider.StreamFetcher
func (a *Adapter) FetchStream(ctx context.Context, creds provider.Credentials, externalID string) (*canonical.StreamData, error) {
	params := url.Values{
		"keys":        {streamKeys},
		"key_by_type": {"true"},
	}
	path := fmt.Sprintf("/activities/%s/streams?%s", url.PathEscape(externalID), params.Encode())

	var set streamSet
	if err := a.api.GetJSON(ctx, metrics.OpGetStreams, path, creds, &set); err != nil {
		return nil, fmt.Errorf("failed to get streams for activity %s: %w", externalID, err)
	}
	return decodeStreams(set)
}

func decodeStreams(set streamSet) (*canonical.StreamData, error) {
	out := &canonical.StreamData{}
	floats := map[string]*[]float64{
		"time":            &out.Time,
		"distance":        &out.Distance,
		"heartrate":       &out.HeartRate,
		"watts":           &out.Power,
		"velocity_smooth": &out.Velocity,
	}
	for key, dst := range floats {
		s, ok := set[key]
		if !ok {
			continue
		}
		var values []*float64
		if err := json.Unmarshal(s.Data, &values); err != nil {
			return nil, &provider.Error{Kind: provider.KindMalformed, Provider: canonical.ProviderStrava, Op: metrics.OpGetStreams, Err: fmt.Errorf("stream %s: %w", key, err)}
		}
		*dst = fillNulls(values)
	}

	if s, ok := set["latlng"]; ok {
		var pairs [][]float64
		if err := json.Unmarshal(s.Data, &pairs); err != nil {
			return nil, &provider.Error{Kind: provider.KindMalformed, Provider: canonical.ProviderStrava, Op: metrics.OpGetStreams, Err: fmt.Errorf("stream latlng: %w", err)}
		}
		out.Lat = make([]float64, len(pairs))
		out.Lng = make([]float64, len(pairs))
		for i, p := range pairs {
			if len(p) == 2 {
				out.Lat[i], out.Lng[i] = p[0], p[1]
			}
		}
	}
	return out, nil
}

// fillNulls carries the previous value over dropouts
func fillNulls(values []*float64) []float64 {
	out := make([]float64, len(values))
	var last float64
	for i, v := range values {
		if v != nil {
			last = *v
		}
		out[i] = last
	}
	return out
}
