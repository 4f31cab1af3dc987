package fitfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tormoder/fit"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/provider"
)

func TestActivityFromFile(t *testing.T) {
	start := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	session := fit.NewSessionMsg()
	session.StartTime = start
	session.Sport = fit.SportRunning
	session.TotalTimerTime = 1800 * 1000
	session.TotalDistance = 600000
	session.AvgHeartRate = 150

	var records []*fit.RecordMsg
	for i := 0; i < 3; i++ {
		r := fit.NewRecordMsg()
		r.Timestamp = start.Add(time.Duration(i) * time.Second)
		r.HeartRate = uint8(140 + i)
		records = append(records, r)
	}
	// out of order on disk
	records[0], records[2] = records[2], records[0]

	act, err := activityFromFile("morning", &fit.ActivityFile{
		Sessions: []*fit.SessionMsg{session},
		Records:  records,
	})
	require.NoError(t, err)

	assert.Equal(t, "morning", act.ExternalID)
	assert.Equal(t, canonical.ProviderFitFile, act.Provider)
	assert.Equal(t, start, act.StartTime)
	assert.Equal(t, 1800, *act.DurationSec)
	assert.InDelta(t, 6000.0, *act.DistanceM, 1e-9)
	assert.InDelta(t, 150.0, *act.AvgHR, 1e-9)
	assert.Nil(t, act.AvgPower)
	assert.Nil(t, act.TSS)

	require.NotNil(t, act.Stream)
	assert.Equal(t, []float64{0, 1, 2}, act.Stream.Time)
	assert.Equal(t, []float64{140, 141, 142}, act.Stream.HeartRate)
	assert.Nil(t, act.Stream.Power)
	assert.Nil(t, act.Stream.Lat)
}

func TestActivityLocalDateFromDeviceOffset(t *testing.T) {
	// 19:30 in Denver is 01:30 UTC the next day
	start := time.Date(2026, 3, 10, 1, 30, 0, 0, time.UTC)
	session := fit.NewSessionMsg()
	session.StartTime = start
	session.Sport = fit.SportRunning

	end := start.Add(time.Hour)
	act, err := activityFromFile("evening", &fit.ActivityFile{
		Activity: &fit.ActivityMsg{Timestamp: end, LocalTimestamp: end.Add(-6 * time.Hour)},
		Sessions: []*fit.SessionMsg{session},
	})
	require.NoError(t, err)
	assert.Equal(t, "2026-03-09", canonical.FormatDay(act.LocalDate))
	assert.Equal(t, "2026-03-09", canonical.FormatDay(act.Day()))

	act, err = activityFromFile("no-offset", &fit.ActivityFile{Sessions: []*fit.SessionMsg{session}})
	require.NoError(t, err)
	assert.True(t, act.LocalDate.IsZero())
}

func TestActivityFromEmptyFile(t *testing.T) {
	_, err := activityFromFile("x", &fit.ActivityFile{})
	assert.Error(t, err)
}

func TestFetchWindowMissingDirectory(t *testing.T) {
	a := New(t.TempDir())
	recs, err := a.FetchWindow(context.Background(), provider.Credentials{AthleteID: "nobody"}, canonical.EntityActivities, time.Now(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestUndecodableFileSurfacesAsNormalizationError(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "athlete-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.FIT"), []byte("not a fit file"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	a := New(root)
	recs, err := a.FetchWindow(context.Background(), provider.Credentials{AthleteID: "athlete-1"}, canonical.EntityActivities, time.Now(), time.Now())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "broken", recs[0].ExternalID)

	_, err = a.Normalize(recs[0])
	var nerr *provider.NormalizationError
	assert.ErrorAs(t, err, &nerr)
}
