// Package load computes chronic and acute training load with the
// impulse-response exponential moving average.
package load

import (
	"sort"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/merge"
)

// Config holds the decay time constants in days
type Config struct {
	ChronicDays float64
	AcuteDays   float64
}

// DefaultConfig returns the conventional 42/7 day constants
func DefaultConfig() Config {
	return Config{ChronicDays: 42, AcuteDays: 7}
}

// State is the pair of rolling loads at the end of a day
type State struct {
	Chronic float64
	Acute   float64
}

// Balance is chronic minus acute load
func (s State) Balance() float64 {
	return s.Chronic - s.Acute
}

// DayStress is the training stress attributed to one day
type DayStress struct {
	Date   time.Time
	Stress float64
}

// Point is one day of the load curve
type Point struct {
	Date    time.Time `json:"date"`
	Stress  float64   `json:"stress"`
	Chronic float64   `json:"chronic"`
	Acute   float64   `json:"acute"`
	Balance float64   `json:"balance"`
}

// State returns the loads carried into the next day
func (p Point) State() State {
	return State{Chronic: p.Chronic, Acute: p.Acute}
}

// Step applies one day of stress: previous + (stress - previous) / tc
func Step(cfg Config, prev State, stress float64) State {
	return State{
		Chronic: prev.Chronic + (stress-prev.Chronic)/cfg.ChronicDays,
		Acute:   prev.Acute + (stress-prev.Acute)/cfg.AcuteDays,
	}
}

// Series walks every day of the window starting from seed, the state at the
// end of the day before the window. Days without an entry are rest days with
// zero stress; entries outside the window are ignored and duplicate entries
// for one day are summed.
func Series(cfg Config, seed State, days []DayStress, window canonical.Window) []Point {
	if window.Empty() {
		return nil
	}
	byDay := make(map[time.Time]float64, len(days))
	for _, d := range days {
		byDay[canonical.Day(d.Date)] += d.Stress
	}
	return walk(cfg, seed, byDay, window.Start, window.Days())
}

// Project walks the same recurrence forward from current over n days
// starting at start, using planned stress where present.
func Project(cfg Config, current State, planned []DayStress, start time.Time, n int) []Point {
	if n <= 0 {
		return nil
	}
	byDay := make(map[time.Time]float64, len(planned))
	for _, d := range planned {
		byDay[canonical.Day(d.Date)] += d.Stress
	}
	return walk(cfg, current, byDay, canonical.Day(start), n)
}

func walk(cfg Config, state State, byDay map[time.Time]float64, start time.Time, n int) []Point {
	points := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		day := start.AddDate(0, 0, i)
		stress := byDay[day]
		state = Step(cfg, state, stress)
		points = append(points, Point{
			Date:    day,
			Stress:  stress,
			Chronic: state.Chronic,
			Acute:   state.Acute,
			Balance: state.Balance(),
		})
	}
	return points
}

// FirstOverreached returns the first point whose balance falls below
// threshold, or nil.
func FirstOverreached(points []Point, threshold float64) *Point {
	for i := range points {
		if points[i].Balance < threshold {
			return &points[i]
		}
	}
	return nil
}

// RampRate is the change in chronic load over the last `days` points
func RampRate(points []Point, days int) float64 {
	if days <= 0 || len(points) <= days {
		return 0
	}
	last := len(points) - 1
	return points[last].Chronic - points[last-days].Chronic
}

// DaySource is one source's stress value for a day
type DaySource struct {
	Date      time.Time
	Stress    float64
	UpdatedAt *time.Time
	Richness  int
}

// Combine picks one stress value per day from activity totals and wellness
// entries. When both exist the newer underlying timestamp wins, then the
// richer source; activity totals win a full tie.
func Combine(activityDays, wellnessDays []DaySource) []DayStress {
	chosen := make(map[time.Time]DaySource, len(activityDays)+len(wellnessDays))
	fromActivity := make(map[time.Time]bool, len(activityDays))
	for _, w := range wellnessDays {
		chosen[canonical.Day(w.Date)] = w
	}
	for _, a := range activityDays {
		day := canonical.Day(a.Date)
		if w, ok := chosen[day]; ok && !fromActivity[day] {
			if !merge.Prefer(w.UpdatedAt, a.UpdatedAt, w.Richness, a.Richness) {
				continue
			}
		}
		chosen[day] = a
		fromActivity[day] = true
	}

	out := make([]DayStress, 0, len(chosen))
	for day, src := range chosen {
		out = append(out, DayStress{Date: day, Stress: src.Stress})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}
