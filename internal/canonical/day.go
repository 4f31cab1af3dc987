package canonical

import (
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// Day truncates t to its calendar day as seen in t's own location and
// returns midnight UTC of that day. Once normalized a day never shifts
// again, whatever timezone later code runs in.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD string (a longer timestamp is truncated)
func ParseDay(s string) (time.Time, error) {
	if len(s) > len(dayLayout) {
		s = s[:len(dayLayout)]
	}
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: %w", s, err)
	}
	return t, nil
}

// FormatDay formats a normalized day as YYYY-MM-DD
func FormatDay(t time.Time) string {
	return Day(t).Format(dayLayout)
}

// Window is an inclusive range of calendar days
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow normalizes both bounds to days
func NewWindow(start, end time.Time) Window {
	return Window{Start: Day(start), End: Day(end)}
}

// Empty reports whether the window contains no days
func (w Window) Empty() bool {
	return w.End.Before(w.Start)
}

// Contains reports whether day d lies inside the window
func (w Window) Contains(d time.Time) bool {
	d = Day(d)
	return !d.Before(w.Start) && !d.After(w.End)
}

// Covers reports whether w contains every day of other
func (w Window) Covers(other Window) bool {
	return !other.Start.Before(w.Start) && !other.End.After(w.End)
}

// Days returns the number of days in the window
func (w Window) Days() int {
	if w.Empty() {
		return 0
	}
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

func (w Window) String() string {
	return FormatDay(w.Start) + ".." + FormatDay(w.End)
}
