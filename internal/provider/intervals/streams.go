package intervals

import (
	"context"
	"fmt"
	"net/url"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/metrics"
	"github.com/newpush/coach-sub004/internal/provider"
)

type stream struct {
	Type  string     `json:"type"`
	Data  []*float64 `json:"data"`
	Data2 []*float64 `json:"data2"`
}

// FetchStream implements provider.StreamFetcher
func (a *Adapter) FetchStream(ctx context.Context, creds provider.Credentials, externalID string) (*canonical.StreamData, error) {
	params := url.Values{"types": {"time,distance,heartrate,watts,velocity_smooth,latlng"}}
	path := fmt.Sprintf("/activity/%s/streams?%s", url.PathEscape(externalID), params.Encode())

	var streams []stream
	if err := a.api.GetJSON(ctx, metrics.OpGetStreams, path, creds, &streams); err != nil {
		return nil, fmt.Errorf("failed to get streams for activity %s: %w", externalID, err)
	}

	out := &canonical.StreamData{}
	for _, s := range streams {
		switch s.Type {
		case "time":
			out.Time = values(s.Data)
		case "distance":
			out.Distance = values(s.Data)
		case "heartrate":
			out.HeartRate = values(s.Data)
		case "watts":
			out.Power = values(s.Data)
		case "velocity_smooth":
			out.Velocity = values(s.Data)
		case "latlng":
			out.Lat = values(s.Data)
			out.Lng = values(s.Data2)
		}
	}
	return out, nil
}

// values replaces dropouts with zero
func values(in []*float64) []float64 {
	if in == nil {
		return nil
	}
	out := make([]float64, len(in))
	for i, v := range in {
		if v != nil {
			out[i] = *v
		}
	}
	return out
}
