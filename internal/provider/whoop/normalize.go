package whoop

import (
	"fmt"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/provider"
)

const scored = "SCORED"

// Normalize turns a folded sleep/recovery pair into a wellness record dated
// by the local wake-up day. Naps and pairs with nothing scored are filtered.
func (a *Adapter) Normalize(raw provider.RawRecord) (*canonical.Record, error) {
	if raw.Kind != canonical.EntityWellness {
		return nil, provider.Normalization(canonical.ProviderWhoop, raw.ExternalID, fmt.Errorf("unsupported kind %q", raw.Kind))
	}
	p, err := canonical.ParsePayload(raw.Payload)
	if err != nil {
		return nil, provider.Normalization(canonical.ProviderWhoop, raw.ExternalID, err)
	}

	sleep := p.Object("sleep")
	if sleep == nil {
		return nil, provider.Normalization(canonical.ProviderWhoop, raw.ExternalID, fmt.Errorf("missing sleep"))
	}
	if sleep.Bool("nap") {
		return nil, nil
	}
	end := sleep.Time("end")
	if end == nil {
		return nil, provider.Normalization(canonical.ProviderWhoop, raw.ExternalID, fmt.Errorf("sleep without end"))
	}
	local, err := inOffset(*end, sleep.String("timezone_offset"))
	if err != nil {
		return nil, provider.Normalization(canonical.ProviderWhoop, raw.ExternalID, err)
	}

	w := &canonical.WellnessRecord{
		Date:            canonical.Day(local),
		Provider:        canonical.ProviderWhoop,
		SourceUpdatedAt: sleep.Time("updated_at"),
		Raw:             canonical.RawPayload{"whoop_sleep": map[string]any(sleep)},
	}

	found := false
	if isScored(sleep) {
		score := sleep.Object("score")
		stages := score.Object("stage_summary")
		if inBed, awake := stages.Float("total_in_bed_time_milli"), stages.Float("total_awake_time_milli"); inBed != nil {
			asleep := *inBed
			if awake != nil {
				asleep -= *awake
			}
			secs := int(asleep / 1000)
			w.SleepSec = &secs
		}
		w.SleepScore = score.Float("sleep_performance_percentage")
		found = true
	}

	if rec := p.Object("recovery"); rec != nil {
		w.Raw["whoop_recovery"] = map[string]any(rec)
		if isScored(rec) {
			score := rec.Object("score")
			w.RestingHR = score.Float("resting_heart_rate")
			w.HRV = score.Float("hrv_rmssd_milli")
			w.Readiness = score.Float("recovery_score")
			if u := rec.Time("updated_at"); u != nil && (w.SourceUpdatedAt == nil || u.After(*w.SourceUpdatedAt)) {
				w.SourceUpdatedAt = u
			}
			found = true
		}
	}

	if !found {
		return nil, nil
	}
	return &canonical.Record{Kind: canonical.EntityWellness, Wellness: w}, nil
}

func isScored(p canonical.RawPayload) bool {
	s := p.String("score_state")
	return s != nil && *s == scored
}

// inOffset shifts t into a "+hh:mm" / "-hh:mm" offset
func inOffset(t time.Time, offset *string) (time.Time, error) {
	if offset == nil {
		return t.UTC(), nil
	}
	ref, err := time.Parse("-07:00", *offset)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timezone_offset %q: %w", *offset, err)
	}
	_, secs := ref.Zone()
	return t.In(time.FixedZone(*offset, secs)), nil
}
