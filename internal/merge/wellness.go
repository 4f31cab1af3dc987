package merge

import (
	"fmt"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
)

// Prefer reports whether the incoming daily source should win over the
// existing one: the newer underlying timestamp wins; when timestamps tie or
// either is absent, the record with more populated fields wins. A full tie
// goes to incoming so that re-delivery converges.
func Prefer(existingAt, incomingAt *time.Time, existingRichness, incomingRichness int) bool {
	if existingAt != nil && incomingAt != nil && !existingAt.Equal(*incomingAt) {
		return incomingAt.After(*existingAt)
	}
	if existingRichness != incomingRichness {
		return incomingRichness > existingRichness
	}
	return true
}

// Richness counts the populated first-class fields of a wellness record
func Richness(w canonical.WellnessRecord) int {
	n := 0
	for _, set := range []bool{
		w.RestingHR != nil,
		w.HRV != nil,
		w.HRVSDNN != nil,
		w.SleepSec != nil,
		w.SleepScore != nil,
		w.Readiness != nil,
		w.WeightKg != nil,
		w.TSS != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Wellness merges incoming into the record stored for the same athlete and
// day. Updates from the provider that last won are overlaid field by field.
// A different provider is ranked with Prefer: the winner overlays its
// non-null fields and the loser may only fill fields that are still empty.
func Wellness(existing *canonical.WellnessRecord, incoming canonical.WellnessRecord) (canonical.WellnessRecord, error) {
	incoming.Date = canonical.Day(incoming.Date)
	if existing == nil {
		return incoming, nil
	}
	if existing.UserID != incoming.UserID || !canonical.Day(existing.Date).Equal(incoming.Date) {
		return *existing, fmt.Errorf("%w: wellness %s/%s vs %s/%s", ErrConflictUnresolvable,
			existing.UserID, canonical.FormatDay(existing.Date),
			incoming.UserID, canonical.FormatDay(incoming.Date))
	}

	incomingWins := existing.Provider == "" || existing.Provider == incoming.Provider ||
		Prefer(existing.SourceUpdatedAt, incoming.SourceUpdatedAt, Richness(*existing), Richness(incoming))

	if incomingWins {
		out := overlayWellness(*existing, incoming)
		out.Provider = incoming.Provider
		out.Raw = existing.Raw.Merge(incoming.Raw)
		return out, nil
	}

	out := overlayWellness(incoming, *existing)
	out.UserID = existing.UserID
	out.Date = existing.Date
	out.Provider = existing.Provider
	out.CreatedAt = existing.CreatedAt
	out.Raw = incoming.Raw.Merge(existing.Raw)
	return out, nil
}

// overlayWellness lays the non-null fields of top over base
func overlayWellness(base, top canonical.WellnessRecord) canonical.WellnessRecord {
	out := base
	out.RestingHR = pick(base.RestingHR, top.RestingHR)
	out.HRV = pick(base.HRV, top.HRV)
	out.HRVSDNN = pick(base.HRVSDNN, top.HRVSDNN)
	out.SleepSec = pick(base.SleepSec, top.SleepSec)
	out.SleepScore = pick(base.SleepScore, top.SleepScore)
	out.Readiness = pick(base.Readiness, top.Readiness)
	out.WeightKg = pick(base.WeightKg, top.WeightKg)
	out.TSS = pick(base.TSS, top.TSS)
	out.SourceUpdatedAt = latest(base.SourceUpdatedAt, top.SourceUpdatedAt)
	return out
}
