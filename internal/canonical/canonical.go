// Package canonical defines the provider-agnostic shapes every adapter
// normalizes into and every downstream engine consumes.
package canonical

import (
	"time"
)

// Provider identifies an external data source
type Provider string

const (
	ProviderStrava    Provider = "strava"
	ProviderIntervals Provider = "intervals"
	ProviderWhoop     Provider = "whoop"
	ProviderFitFile   Provider = "fitfile"
)

// EntityType identifies one of the synced entity families
type EntityType string

const (
	EntityActivities EntityType = "activities"
	EntityWellness   EntityType = "wellness"
	EntityPlanned    EntityType = "planned"
)

// EntityTypes lists every entity type in sync order
var EntityTypes = []EntityType{EntityActivities, EntityWellness, EntityPlanned}

// Valid reports whether e is a known entity type
func (e EntityType) Valid() bool {
	switch e {
	case EntityActivities, EntityWellness, EntityPlanned:
		return true
	}
	return false
}

// Activity is a completed workout
type Activity struct {
	ID         string
	UserID     string
	Provider   Provider
	ExternalID string

	Name      *string
	Sport     *string
	StartTime time.Time
	// LocalDate is the athlete's calendar day at StartTime, normalized like
	// WellnessRecord.Date. Zero until an adapter or the orchestrator sets it.
	LocalDate time.Time

	DurationSec *int
	DistanceM   *float64
	AvgPower    *float64
	MaxPower    *float64
	AvgHR       *float64
	MaxHR       *float64
	TSS         *float64

	Status Status

	// PlannedExternalID links the activity to the provider's planned item
	PlannedExternalID *string
	Duplicate         bool

	SourceUpdatedAt *time.Time
	Raw             RawPayload

	// Stream is set by adapters that deliver samples inline with the record
	Stream *StreamData

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Day returns the calendar day the activity belongs to: the athlete's local
// day when known, else the UTC day of the start.
func (a Activity) Day() time.Time {
	if !a.LocalDate.IsZero() {
		return Day(a.LocalDate)
	}
	return Day(a.StartTime)
}

// LocalDay returns the calendar day of an instant in loc
func LocalDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return Day(t.In(loc))
}

// WellnessRecord holds recovery-oriented values for one athlete and day
type WellnessRecord struct {
	UserID string
	Date   time.Time

	// Provider is the source that last won a field-level merge
	Provider Provider

	RestingHR  *float64
	HRV        *float64 // rMSSD, ms
	HRVSDNN    *float64 // SDNN, ms
	SleepSec   *int
	SleepScore *float64
	Readiness  *float64
	WeightKg   *float64
	TSS        *float64

	SourceUpdatedAt *time.Time
	Raw             RawPayload

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlannedCategory classifies a planned item
type PlannedCategory string

const (
	CategoryWorkout PlannedCategory = "WORKOUT"
	CategoryRace    PlannedCategory = "RACE"
	CategoryNote    PlannedCategory = "NOTE"
	CategoryHoliday PlannedCategory = "HOLIDAY"
	CategorySick    PlannedCategory = "SICK"
	CategoryInjured PlannedCategory = "INJURED"
	CategoryTarget  PlannedCategory = "TARGET"
	CategoryOther   PlannedCategory = "OTHER"
)

// Structured reports whether the category carries a structured session
func (c PlannedCategory) Structured() bool {
	return c == CategoryWorkout || c == CategoryRace
}

// PlannedItem is a forward-looking calendar entry
type PlannedItem struct {
	ID         string
	UserID     string
	Provider   Provider
	ExternalID string
	Category   PlannedCategory
	Date       time.Time

	Name               *string
	Description        *string
	Sport              *string
	PlannedTSS         *float64
	PlannedDurationSec *int

	Status Status

	SourceUpdatedAt *time.Time
	Raw             RawPayload

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StreamData holds the raw per-sample arrays for one workout.
// All present arrays share the Time axis; absent arrays are nil.
type StreamData struct {
	Time      []float64 `json:"time"`
	Distance  []float64 `json:"distance,omitempty"`
	HeartRate []float64 `json:"heartrate,omitempty"`
	Power     []float64 `json:"watts,omitempty"`
	Velocity  []float64 `json:"velocity,omitempty"`
	Lat       []float64 `json:"lat,omitempty"`
	Lng       []float64 `json:"lng,omitempty"`
}

// Len returns the number of samples on the time axis
func (s *StreamData) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Time)
}

// Record is the tagged variant an adapter's Normalize returns.
// Exactly one of the entity pointers is set and matches Kind.
type Record struct {
	Kind     EntityType
	Activity *Activity
	Wellness *WellnessRecord
	Planned  *PlannedItem
}

// ExternalID returns the identity of the record within its provider
func (r Record) ExternalID() string {
	switch {
	case r.Activity != nil:
		return r.Activity.ExternalID
	case r.Planned != nil:
		return r.Planned.ExternalID
	case r.Wellness != nil:
		return FormatDay(r.Wellness.Date)
	}
	return ""
}
