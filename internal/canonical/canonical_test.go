package canonical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayUsesWallClockOfSourceZone(t *testing.T) {
	sydney, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)

	// 06:00 on May 2nd in Sydney is still May 1st in UTC
	local := time.Date(2024, 5, 2, 6, 0, 0, 0, sydney)
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), Day(local))
	assert.Equal(t, "2024-05-02", FormatDay(local))

	// a normalized day is a fixed point
	d := Day(local)
	assert.Equal(t, d, Day(d))
}

func TestActivityDayPrefersLocalDate(t *testing.T) {
	sydney, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	start := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)

	a := Activity{StartTime: start}
	assert.Equal(t, "2024-05-01", FormatDay(a.Day()))

	a.LocalDate = LocalDay(start, sydney)
	assert.Equal(t, "2024-05-02", FormatDay(a.Day()))
	assert.Equal(t, Day(start), LocalDay(start, nil))
}

func TestParseDay(t *testing.T) {
	d, err := ParseDay("2024-05-01T07:15:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseDay("yesterday")
	assert.Error(t, err)
}

func TestWindow(t *testing.T) {
	w := NewWindow(time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC), time.Date(2024, 5, 3, 1, 0, 0, 0, time.UTC))
	assert.Equal(t, 3, w.Days())
	assert.True(t, w.Contains(time.Date(2024, 5, 3, 23, 59, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC)))
	assert.True(t, w.Covers(NewWindow(w.Start.AddDate(0, 0, 1), w.End)))
	assert.False(t, w.Covers(NewWindow(w.Start.AddDate(0, 0, -1), w.End)))
	assert.Equal(t, "2024-05-01..2024-05-03", w.String())

	empty := Window{Start: w.End, End: w.Start}
	assert.True(t, empty.Empty())
	assert.Equal(t, 0, empty.Days())
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCanceled, StatusTimedOut} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusUnknown, StatusPending, StatusExecuting} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestRawPayloadMerge(t *testing.T) {
	base := RawPayload{"a": 1.0, "b": map[string]any{"x": 1.0, "y": 2.0}}
	got := base.Merge(RawPayload{"b": map[string]any{"x": 5.0}, "c": "new", "a": nil})

	assert.Equal(t, 1.0, got["a"], "nil values never erase")
	assert.Equal(t, map[string]any{"x": 5.0}, got["b"], "nested objects are replaced whole")
	assert.Equal(t, "new", got["c"])
	assert.Len(t, base, 2)

	var none RawPayload
	assert.Nil(t, none.Merge(nil))
	assert.Equal(t, RawPayload{"k": true}, none.Merge(RawPayload{"k": true}))
}

func TestRawPayloadAccessors(t *testing.T) {
	p, err := ParsePayload([]byte(`{"id":12345678901,"name":"Ride","watts":"231.5","moving_time":3601.9,"empty":"","flag":true,"when":"2024-05-01T07:00:00Z","nested":{"k":1}}`))
	require.NoError(t, err)

	assert.Equal(t, "12345678901", *p.String("id"))
	assert.Equal(t, "Ride", *p.String("name"))
	assert.Nil(t, p.String("empty"))
	assert.Nil(t, p.String("missing"))
	assert.Equal(t, 231.5, *p.Float("watts"))
	assert.Equal(t, 3601, *p.Int("moving_time"))
	assert.True(t, p.Bool("flag"))
	assert.Equal(t, time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC), *p.Time("when"))
	assert.Equal(t, 1.0, p.Object("nested")["k"])
	assert.Nil(t, p.Object("name"))
}

func TestRecordExternalID(t *testing.T) {
	assert.Equal(t, "x1", Record{Kind: EntityActivities, Activity: &Activity{ExternalID: "x1"}}.ExternalID())
	assert.Equal(t, "2024-05-01", Record{Kind: EntityWellness, Wellness: &WellnessRecord{Date: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}}.ExternalID())
	assert.Equal(t, "", Record{}.ExternalID())
}
