package load

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newpush/coach-sub004/internal/canonical"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestStep(t *testing.T) {
	got := Step(DefaultConfig(), State{Chronic: 42, Acute: 70}, 84)
	assert.InDelta(t, 43, got.Chronic, 1e-12)
	assert.InDelta(t, 72, got.Acute, 1e-12)
	assert.InDelta(t, -29, got.Balance(), 1e-12)
}

func TestSeriesConvergesToConstantStress(t *testing.T) {
	const stress = 80.0
	window := canonical.NewWindow(start, start.AddDate(0, 0, 999))
	days := make([]DayStress, 0, 1000)
	for i := 0; i < 1000; i++ {
		days = append(days, DayStress{Date: start.AddDate(0, 0, i), Stress: stress})
	}

	points := Series(DefaultConfig(), State{}, days, window)
	require.Len(t, points, 1000)
	last := points[len(points)-1]
	assert.InDelta(t, stress, last.Chronic, 1e-6)
	assert.InDelta(t, stress, last.Acute, 1e-9)
	assert.InDelta(t, 0, last.Balance, 1e-6)

	for i := 1; i < len(points); i++ {
		require.GreaterOrEqual(t, points[i].Chronic, points[i-1].Chronic)
	}
}

func TestSeriesTreatsGapsAsRestDays(t *testing.T) {
	cfg := DefaultConfig()
	window := canonical.NewWindow(start, start.AddDate(0, 0, 3))
	sparse := []DayStress{
		{Date: start, Stress: 100},
		{Date: start.AddDate(0, 0, 3), Stress: 100},
	}
	dense := []DayStress{
		{Date: start, Stress: 100},
		{Date: start.AddDate(0, 0, 1), Stress: 0},
		{Date: start.AddDate(0, 0, 2), Stress: 0},
		{Date: start.AddDate(0, 0, 3), Stress: 100},
	}

	a := Series(cfg, State{}, sparse, window)
	b := Series(cfg, State{}, dense, window)
	require.Len(t, a, 4)
	assert.Equal(t, b, a)
	assert.Equal(t, start.AddDate(0, 0, 1), a[1].Date)
	assert.Less(t, a[2].Acute, a[1].Acute, "rest days decay fatigue")
}

func TestSeriesSumsSameDayAndIgnoresOutOfWindow(t *testing.T) {
	window := canonical.NewWindow(start, start)
	points := Series(DefaultConfig(), State{}, []DayStress{
		{Date: start.Add(7 * time.Hour), Stress: 30},
		{Date: start.Add(18 * time.Hour), Stress: 40},
		{Date: start.AddDate(0, 0, 1), Stress: 500},
	}, window)
	require.Len(t, points, 1)
	assert.Equal(t, 70.0, points[0].Stress)
}

func TestSeriesSeedCarriesHistory(t *testing.T) {
	seed := State{Chronic: 60, Acute: 60}
	points := Series(DefaultConfig(), seed, nil, canonical.NewWindow(start, start))
	require.Len(t, points, 1)
	assert.InDelta(t, 60-60.0/42, points[0].Chronic, 1e-12)
	assert.InDelta(t, 60-60.0/7, points[0].Acute, 1e-12)
}

func TestProjectAndOverreach(t *testing.T) {
	cfg := DefaultConfig()
	current := State{Chronic: 50, Acute: 50}
	var planned []DayStress
	for i := 0; i < 14; i++ {
		planned = append(planned, DayStress{Date: start.AddDate(0, 0, i), Stress: 200})
	}

	forecast := Project(cfg, current, planned, start, 14)
	require.Len(t, forecast, 14)
	assert.Less(t, forecast[13].Balance, forecast[0].Balance)

	first := FirstOverreached(forecast, -30)
	require.NotNil(t, first)
	assert.Less(t, first.Balance, -30.0)
	for _, p := range forecast {
		if p.Date.Before(first.Date) {
			assert.GreaterOrEqual(t, p.Balance, -30.0)
		}
	}

	rest := Project(cfg, current, nil, start, 7)
	assert.Nil(t, FirstOverreached(rest, -30))
	assert.Nil(t, Project(cfg, current, planned, start, 0))
}

func TestRampRate(t *testing.T) {
	points := make([]Point, 10)
	for i := range points {
		points[i].Chronic = float64(i * 2)
	}
	assert.Equal(t, 14.0, RampRate(points, 7))
	assert.Equal(t, 0.0, RampRate(points[:5], 7))
}

func TestCombine(t *testing.T) {
	early := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	late := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	d1, d2, d3 := start, start.AddDate(0, 0, 1), start.AddDate(0, 0, 2)

	activity := []DaySource{
		{Date: d1, Stress: 90, UpdatedAt: &late, Richness: 2},
		{Date: d2, Stress: 50, UpdatedAt: &early, Richness: 1},
		{Date: d3, Stress: 40},
	}
	wellness := []DaySource{
		{Date: d1, Stress: 85, UpdatedAt: &early, Richness: 4},
		{Date: d2, Stress: 65, UpdatedAt: &late, Richness: 1},
		{Date: d3, Stress: 40},
		{Date: start.AddDate(0, 0, 3), Stress: 20},
	}

	got := Combine(activity, wellness)
	require.Len(t, got, 4)
	assert.Equal(t, 90.0, got[0].Stress, "newer activity total wins")
	assert.Equal(t, 65.0, got[1].Stress, "newer wellness entry wins")
	assert.Equal(t, 40.0, got[2].Stress)
	assert.Equal(t, 20.0, got[3].Stress)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].Date.After(got[i-1].Date))
	}
	assert.False(t, math.IsNaN(got[0].Stress))
}
