package whoop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/provider"
)

const sleepPage1 = `{
	"records": [
		{"id": "s1", "nap": false, "end": "2026-03-02T04:30:00Z", "timezone_offset": "-05:00",
		 "updated_at": "2026-03-02T05:00:00Z", "score_state": "SCORED",
		 "score": {"stage_summary": {"total_in_bed_time_milli": 28800000, "total_awake_time_milli": 1800000},
		           "sleep_performance_percentage": 91}}
	],
	"next_token": "p2"
}`

const sleepPage2 = `{
	"records": [
		{"id": "s2", "nap": true, "end": "2026-03-02T15:00:00Z", "score_state": "SCORED"},
		{"id": "s3", "nap": false, "end": "2026-03-03T06:00:00Z", "score_state": "PENDING_SCORE"}
	]
}`

const recoveries = `{
	"records": [
		{"cycle_id": 10, "sleep_id": "s1", "updated_at": "2026-03-02T06:00:00Z", "score_state": "SCORED",
		 "score": {"recovery_score": 66, "resting_heart_rate": 51, "hrv_rmssd_milli": 64.2}}
	]
}`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/activity/sleep":
			if r.URL.Query().Get("nextToken") == "p2" {
				w.Write([]byte(sleepPage2))
				return
			}
			w.Write([]byte(sleepPage1))
		case "/v1/recovery":
			w.Write([]byte(recoveries))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFetchAndNormalize(t *testing.T) {
	a := New(newServer(t).URL)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	recs, err := a.FetchWindow(context.Background(), provider.Credentials{AccessToken: "tok"}, canonical.EntityWellness, day, day.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, recs, 3)

	var out []*canonical.WellnessRecord
	for _, r := range recs {
		rec, err := a.Normalize(r)
		require.NoError(t, err)
		if rec != nil {
			out = append(out, rec.Wellness)
		}
	}

	// the nap and the unscored sleep without recovery are filtered
	require.Len(t, out, 1)
	w := out[0]

	// 04:30Z at -05:00 is still the evening of March 1st locally
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), w.Date)
	assert.Equal(t, 27000, *w.SleepSec)
	assert.InDelta(t, 91.0, *w.SleepScore, 1e-9)
	assert.InDelta(t, 51.0, *w.RestingHR, 1e-9)
	assert.InDelta(t, 64.2, *w.HRV, 1e-9)
	assert.InDelta(t, 66.0, *w.Readiness, 1e-9)
	assert.Equal(t, time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC), w.SourceUpdatedAt.UTC())
	assert.Contains(t, w.Raw, "whoop_sleep")
	assert.Contains(t, w.Raw, "whoop_recovery")
}

func TestSupportsWellnessOnly(t *testing.T) {
	a := New("")
	assert.True(t, a.Supports(canonical.EntityWellness))
	assert.False(t, a.Supports(canonical.EntityActivities))

	recs, err := a.FetchWindow(context.Background(), provider.Credentials{}, canonical.EntityPlanned, time.Now(), time.Now())
	require.NoError(t, err)
	assert.Nil(t, recs)
}

func TestNormalizeBadOffset(t *testing.T) {
	a := New("")
	_, err := a.Normalize(provider.RawRecord{
		Kind:       canonical.EntityWellness,
		ExternalID: "s9",
		Payload:    []byte(`{"sleep": {"id": "s9", "end": "2026-03-02T04:30:00Z", "timezone_offset": "bogus"}}`),
	})
	var nerr *provider.NormalizationError
	assert.ErrorAs(t, err, &nerr)
}
