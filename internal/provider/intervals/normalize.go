package intervals

import (
	"fmt"
	"strings"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/provider"
)

// Activity types Intervals.icu lists alongside workouts that are calendar
// markers rather than training.
var nonActivityTypes = map[string]bool{
	"NOTE":    true,
	"HOLIDAY": true,
	"SICK":    true,
	"INJURED": true,
}

func normalizeActivity(externalID string, p canonical.RawPayload) (*canonical.Record, error) {
	// Strava-sourced activities come back as redacted stubs carrying only
	// an id, the source and a _note.
	if src := p.String("source"); src != nil && *src == "STRAVA" {
		if _, ok := p["_note"]; ok {
			return nil, nil
		}
	}
	sport := p.String("type")
	if sport == nil || nonActivityTypes[strings.ToUpper(*sport)] {
		return nil, nil
	}

	// start_date_local is the athlete's wall clock without an offset
	local := p.Time("start_date_local")
	start := p.Time("start_date")
	if start == nil {
		start = local
	}
	if start == nil {
		return nil, provider.Normalization(canonical.ProviderIntervals, externalID, fmt.Errorf("missing start_date"))
	}

	duration := p.Int("moving_time")
	if duration == nil {
		duration = p.Int("elapsed_time")
	}

	act := &canonical.Activity{
		Provider:          canonical.ProviderIntervals,
		ExternalID:        externalID,
		Name:              p.String("name"),
		Sport:             sport,
		StartTime:         start.UTC(),
		LocalDate:         localDate(local),
		DurationSec:       duration,
		DistanceM:         p.Float("distance"),
		AvgPower:          p.Float("icu_average_watts"),
		MaxPower:          p.Float("max_watts"),
		AvgHR:             p.Float("average_heartrate"),
		MaxHR:             p.Float("max_heartrate"),
		TSS:               p.Float("icu_training_load"),
		Status:            canonical.StatusCompleted,
		PlannedExternalID: p.String("paired_event_id"),
		SourceUpdatedAt:   p.Time("icu_sync_date"),
		Raw:               p,
	}
	return &canonical.Record{Kind: canonical.EntityActivities, Activity: act}, nil
}

func localDate(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return canonical.Day(*t)
}

func normalizeWellness(externalID string, p canonical.RawPayload) (*canonical.Record, error) {
	// wellness ids are the local calendar date
	date, err := canonical.ParseDay(externalID)
	if err != nil {
		return nil, provider.Normalization(canonical.ProviderIntervals, externalID, err)
	}

	w := &canonical.WellnessRecord{
		Date:            date,
		Provider:        canonical.ProviderIntervals,
		RestingHR:       p.Float("restingHR"),
		HRV:             p.Float("hrv"),
		HRVSDNN:         p.Float("hrvSDNN"),
		SleepSec:        p.Int("sleepSecs"),
		SleepScore:      p.Float("sleepScore"),
		Readiness:       p.Float("readiness"),
		WeightKg:        p.Float("weight"),
		TSS:             p.Float("ctlLoad"),
		SourceUpdatedAt: p.Time("updated"),
		Raw:             p,
	}
	return &canonical.Record{Kind: canonical.EntityWellness, Wellness: w}, nil
}

func normalizeEvent(externalID string, p canonical.RawPayload) (*canonical.Record, error) {
	day := p.Time("start_date_local")
	if day == nil {
		return nil, provider.Normalization(canonical.ProviderIntervals, externalID, fmt.Errorf("missing start_date_local"))
	}

	category := eventCategory(p.String("category"))
	status := canonical.StatusPending
	if id := p.String("paired_activity_id"); id != nil {
		status = canonical.StatusCompleted
	}

	item := &canonical.PlannedItem{
		Provider:           canonical.ProviderIntervals,
		ExternalID:         externalID,
		Category:           category,
		Date:               canonical.Day(*day),
		Name:               p.String("name"),
		Description:        p.String("description"),
		PlannedTSS:         p.Float("icu_training_load"),
		PlannedDurationSec: p.Int("moving_time"),
		Status:             status,
		SourceUpdatedAt:    p.Time("updated"),
		Raw:                p,
	}
	if category.Structured() {
		item.Sport = p.String("type")
	}
	return &canonical.Record{Kind: canonical.EntityPlanned, Planned: item}, nil
}

func eventCategory(c *string) canonical.PlannedCategory {
	if c == nil {
		return canonical.CategoryOther
	}
	switch v := strings.ToUpper(*c); {
	case strings.HasPrefix(v, "RACE"):
		return canonical.CategoryRace
	case v == "WORKOUT":
		return canonical.CategoryWorkout
	case v == "NOTE":
		return canonical.CategoryNote
	case v == "HOLIDAY":
		return canonical.CategoryHoliday
	case v == "SICK":
		return canonical.CategorySick
	case v == "INJURED":
		return canonical.CategoryInjured
	case v == "TARGET":
		return canonical.CategoryTarget
	}
	return canonical.CategoryOther
}
