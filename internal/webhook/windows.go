package webhook

import (
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
)

const (
	// TrailingDays is the window for events that name no specific record
	TrailingDays = 2
	// CalendarBackDays and CalendarAheadDays bound a plan-wide resync
	CalendarBackDays  = 7
	CalendarAheadDays = 28
)

// Trailing covers the last TrailingDays days up to the day of t
func Trailing(t time.Time) canonical.Window {
	day := canonical.Day(t)
	return canonical.Window{Start: day.AddDate(0, 0, -(TrailingDays - 1)), End: day}
}

// Around covers the day of t and one day either side
func Around(t time.Time) canonical.Window {
	day := canonical.Day(t)
	return canonical.Window{Start: day.AddDate(0, 0, -1), End: day.AddDate(0, 0, 1)}
}

// Calendar covers the days a plan-wide change may have shifted
func Calendar(t time.Time) canonical.Window {
	day := canonical.Day(t)
	return canonical.Window{Start: day.AddDate(0, 0, -CalendarBackDays), End: day.AddDate(0, 0, CalendarAheadDays)}
}

// Span covers every listed day, or falls back to Trailing(fallback)
func Span(days []time.Time, fallback time.Time) canonical.Window {
	if len(days) == 0 {
		return Trailing(fallback)
	}
	w := canonical.NewWindow(days[0], days[0])
	for _, d := range days[1:] {
		d = canonical.Day(d)
		if d.Before(w.Start) {
			w.Start = d
		}
		if d.After(w.End) {
			w.End = d
		}
	}
	return w
}

// recordWindow is Around the record's timestamp when known, else Trailing
func recordWindow(e Event, receivedAt time.Time) canonical.Window {
	if e.Timestamp != nil {
		return Around(*e.Timestamp)
	}
	return Trailing(receivedAt)
}
