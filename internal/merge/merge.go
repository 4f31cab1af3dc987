// Package merge decides how an incoming canonical record is folded into the
// stored one. Every function here is pure: callers load the existing record
// and persist the result inside one transaction.
package merge

import (
	"errors"
	"fmt"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
)

// ErrConflictUnresolvable is returned when the two records cannot describe
// the same entity. Callers keep the existing record and discard the incoming.
var ErrConflictUnresolvable = errors.New("merge conflict unresolvable")

// DuplicateStartTolerance and DuplicateDurationRatio bound how close two
// activities from different sources must be to count as the same workout.
const (
	DuplicateStartTolerance = 2 * time.Minute
	DuplicateDurationRatio  = 0.10
)

// Status applies the monotonic status lattice: a terminal status is never
// replaced by a non-terminal one and an unknown incoming status changes nothing.
func Status(existing, incoming canonical.Status) canonical.Status {
	if incoming == canonical.StatusUnknown {
		return existing
	}
	if existing.Terminal() && !incoming.Terminal() {
		return existing
	}
	return incoming
}

// Activity merges incoming into existing. A nil existing inserts incoming as-is.
func Activity(existing *canonical.Activity, incoming canonical.Activity) (canonical.Activity, error) {
	if existing == nil {
		return incoming, nil
	}
	if existing.UserID != incoming.UserID || existing.Provider != incoming.Provider || existing.ExternalID != incoming.ExternalID {
		return *existing, fmt.Errorf("%w: activity %s/%s/%s vs %s/%s/%s", ErrConflictUnresolvable,
			existing.UserID, existing.Provider, existing.ExternalID,
			incoming.UserID, incoming.Provider, incoming.ExternalID)
	}

	out := *existing
	out.Name = pick(existing.Name, incoming.Name)
	out.Sport = pick(existing.Sport, incoming.Sport)
	if !incoming.StartTime.IsZero() {
		out.StartTime = incoming.StartTime
	}
	if !incoming.LocalDate.IsZero() {
		out.LocalDate = incoming.LocalDate
	}
	out.DurationSec = pick(existing.DurationSec, incoming.DurationSec)
	out.DistanceM = pick(existing.DistanceM, incoming.DistanceM)
	out.AvgPower = pick(existing.AvgPower, incoming.AvgPower)
	out.MaxPower = pick(existing.MaxPower, incoming.MaxPower)
	out.AvgHR = pick(existing.AvgHR, incoming.AvgHR)
	out.MaxHR = pick(existing.MaxHR, incoming.MaxHR)
	out.TSS = pick(existing.TSS, incoming.TSS)
	out.PlannedExternalID = pick(existing.PlannedExternalID, incoming.PlannedExternalID)
	out.Status = Status(existing.Status, incoming.Status)
	out.Duplicate = existing.Duplicate || incoming.Duplicate
	out.SourceUpdatedAt = latest(existing.SourceUpdatedAt, incoming.SourceUpdatedAt)
	out.Raw = existing.Raw.Merge(incoming.Raw)
	if incoming.Stream != nil {
		out.Stream = incoming.Stream
	}
	return out, nil
}

// PlannedItem merges incoming into existing. Category and date follow the
// incoming record; reclassification is detected by the store, not here.
func PlannedItem(existing *canonical.PlannedItem, incoming canonical.PlannedItem) (canonical.PlannedItem, error) {
	if existing == nil {
		return incoming, nil
	}
	if existing.UserID != incoming.UserID || existing.Provider != incoming.Provider || existing.ExternalID != incoming.ExternalID {
		return *existing, fmt.Errorf("%w: planned item %s/%s/%s vs %s/%s/%s", ErrConflictUnresolvable,
			existing.UserID, existing.Provider, existing.ExternalID,
			incoming.UserID, incoming.Provider, incoming.ExternalID)
	}

	out := *existing
	if incoming.Category != "" {
		out.Category = incoming.Category
	}
	if !incoming.Date.IsZero() {
		out.Date = canonical.Day(incoming.Date)
	}
	out.Name = pick(existing.Name, incoming.Name)
	out.Description = pick(existing.Description, incoming.Description)
	out.Sport = pick(existing.Sport, incoming.Sport)
	out.PlannedTSS = pick(existing.PlannedTSS, incoming.PlannedTSS)
	out.PlannedDurationSec = pick(existing.PlannedDurationSec, incoming.PlannedDurationSec)
	out.Status = Status(existing.Status, incoming.Status)
	out.SourceUpdatedAt = latest(existing.SourceUpdatedAt, incoming.SourceUpdatedAt)
	out.Raw = existing.Raw.Merge(incoming.Raw)
	return out, nil
}

// IsLikelyDuplicate reports whether two activities from different sources
// describe the same workout.
func IsLikelyDuplicate(a, b canonical.Activity) bool {
	if a.UserID != b.UserID {
		return false
	}
	if a.Provider == b.Provider && a.ExternalID == b.ExternalID {
		return false
	}
	if a.StartTime.IsZero() || b.StartTime.IsZero() {
		return false
	}
	delta := a.StartTime.Sub(b.StartTime)
	if delta < 0 {
		delta = -delta
	}
	if delta > DuplicateStartTolerance {
		return false
	}
	if a.DurationSec == nil || b.DurationSec == nil {
		return false
	}
	da, db := float64(*a.DurationSec), float64(*b.DurationSec)
	longer := max(da, db)
	if longer == 0 {
		return true
	}
	diff := da - db
	if diff < 0 {
		diff = -diff
	}
	return diff/longer <= DuplicateDurationRatio
}

func pick[T any](existing, incoming *T) *T {
	if incoming != nil {
		return incoming
	}
	return existing
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	}
	return a
}
