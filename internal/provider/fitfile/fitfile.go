// Package fitfile imports activities from FIT files dropped into a per-athlete
// directory.
package fitfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tormoder/fit"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/metrics"
	"github.com/newpush/coach-sub004/internal/provider"
)

// Adapter reads <root>/<athlete id>/*.fit
type Adapter struct {
	root   string
	logger *slog.Logger
}

func New(root string) *Adapter {
	return &Adapter{root: root, logger: slog.Default()}
}

func (a *Adapter) Name() canonical.Provider {
	return canonical.ProviderFitFile
}

func (a *Adapter) Supports(entity canonical.EntityType) bool {
	return entity == canonical.EntityActivities
}

// FetchWindow returns files whose session starts within the window. Files
// that fail to decode are returned too so Normalize can report them.
func (a *Adapter) FetchWindow(ctx context.Context, creds provider.Credentials, entity canonical.EntityType, start, end time.Time) ([]provider.RawRecord, error) {
	if !a.Supports(entity) {
		return nil, nil
	}
	timer := prometheus.NewTimer(metrics.ProviderRequestDuration.WithLabelValues(string(canonical.ProviderFitFile), metrics.OpReadFitFiles))
	defer timer.ObserveDuration()

	athlete := creds.AthleteID
	if athlete == "" {
		athlete = creds.UserID
	}
	dir := filepath.Join(a.root, filepath.Base(athlete))

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindTransient, Provider: canonical.ProviderFitFile, Op: metrics.OpReadFitFiles, Err: err}
	}

	window := canonical.NewWindow(start, end)
	var records []provider.RawRecord
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".fit") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, &provider.Error{Kind: provider.KindTransient, Provider: canonical.ProviderFitFile, Op: metrics.OpReadFitFiles, Err: err}
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))

		if act, err := decode(data); err == nil {
			startTime, ok := sessionStart(act)
			if !ok || !window.Contains(canonical.Day(startTime)) {
				continue
			}
		}
		records = append(records, provider.RawRecord{Kind: canonical.EntityActivities, ExternalID: id, Blob: data})
	}
	metrics.ProviderRequestsTotal.WithLabelValues(string(canonical.ProviderFitFile), metrics.OpReadFitFiles, "200").Inc()
	return records, nil
}

// Normalize decodes the file. The stream travels with the activity.
func (a *Adapter) Normalize(raw provider.RawRecord) (*canonical.Record, error) {
	act, err := decode(raw.Blob)
	if err != nil {
		return nil, provider.Normalization(canonical.ProviderFitFile, raw.ExternalID, err)
	}
	out, err := activityFromFile(raw.ExternalID, act)
	if err != nil {
		return nil, provider.Normalization(canonical.ProviderFitFile, raw.ExternalID, err)
	}
	return &canonical.Record{Kind: canonical.EntityActivities, Activity: out}, nil
}

func decode(data []byte) (*fit.ActivityFile, error) {
	decoded, err := fit.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode fit: %w", err)
	}
	act, err := decoded.Activity()
	if err != nil {
		return nil, fmt.Errorf("not an activity file: %w", err)
	}
	return act, nil
}

func sessionStart(act *fit.ActivityFile) (time.Time, bool) {
	if len(act.Sessions) > 0 && !act.Sessions[0].StartTime.IsZero() {
		return act.Sessions[0].StartTime, true
	}
	if len(act.Records) > 0 {
		return act.Records[0].Timestamp, true
	}
	return time.Time{}, false
}

// localOffset is the device's UTC offset, recorded as the difference between
// the activity message's local and UTC timestamps
func localOffset(act *fit.ActivityFile) (time.Duration, bool) {
	// unset FIT timestamps decode to the 1989-12-31 epoch
	if act.Activity == nil || act.Activity.Timestamp.Year() < 1990 || act.Activity.LocalTimestamp.Year() < 1990 {
		return 0, false
	}
	off := act.Activity.LocalTimestamp.Sub(act.Activity.Timestamp)
	if off < -14*time.Hour || off > 14*time.Hour {
		return 0, false
	}
	return off, true
}

func activityFromFile(id string, act *fit.ActivityFile) (*canonical.Activity, error) {
	start, ok := sessionStart(act)
	if !ok {
		return nil, fmt.Errorf("no session or records")
	}

	out := &canonical.Activity{
		Provider:   canonical.ProviderFitFile,
		ExternalID: id,
		StartTime:  start.UTC(),
		Status:     canonical.StatusCompleted,
		Raw:        canonical.RawPayload{"source": "fit", "sessions": len(act.Sessions), "laps": len(act.Laps)},
	}

	if off, ok := localOffset(act); ok {
		out.LocalDate = canonical.Day(start.UTC().Add(off))
	}

	if len(act.Sessions) > 0 {
		s := act.Sessions[0]
		sport := s.Sport.String()
		out.Sport = &sport
		out.Name = &sport

		dur := s.GetTotalTimerTimeScaled()
		if math.IsNaN(dur) {
			dur = s.GetTotalElapsedTimeScaled()
		}
		if !math.IsNaN(dur) {
			d := int(dur)
			out.DurationSec = &d
		}
		out.DistanceM = finite(s.GetTotalDistanceScaled())
		out.AvgPower = validU16(s.AvgPower)
		out.MaxPower = validU16(s.MaxPower)
		out.AvgHR = validU8(s.AvgHeartRate)
		out.MaxHR = validU8(s.MaxHeartRate)
		out.TSS = finite(s.GetTrainingStressScoreScaled())
	}

	out.Stream = streamFromRecords(act.Records)
	return out, nil
}

func streamFromRecords(records []*fit.RecordMsg) *canonical.StreamData {
	if len(records) == 0 {
		return nil
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })

	n := len(records)
	s := &canonical.StreamData{Time: make([]float64, n)}
	hr, power, dist, vel := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	lat, lng := make([]float64, n), make([]float64, n)
	var hasHR, hasPower, hasDist, hasVel, hasPos bool

	t0 := records[0].Timestamp
	for i, r := range records {
		s.Time[i] = r.Timestamp.Sub(t0).Seconds()
		if v := validU8(r.HeartRate); v != nil {
			hr[i], hasHR = *v, true
		}
		if v := validU16(r.Power); v != nil {
			power[i], hasPower = *v, true
		}
		if v := finite(r.GetDistanceScaled()); v != nil {
			dist[i], hasDist = *v, true
		}
		if v := finite(r.GetEnhancedSpeedScaled()); v != nil {
			vel[i], hasVel = *v, true
		} else if v := finite(r.GetSpeedScaled()); v != nil {
			vel[i], hasVel = *v, true
		}
		if !r.PositionLat.Invalid() && !r.PositionLong.Invalid() {
			lat[i], lng[i], hasPos = r.PositionLat.Degrees(), r.PositionLong.Degrees(), true
		}
	}

	if hasHR {
		s.HeartRate = hr
	}
	if hasPower {
		s.Power = power
	}
	if hasDist {
		s.Distance = dist
	}
	if hasVel {
		s.Velocity = vel
	}
	if hasPos {
		s.Lat, s.Lng = lat, lng
	}
	return s
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func validU16(v uint16) *float64 {
	if v == math.MaxUint16 {
		return nil
	}
	f := float64(v)
	return &f
}

func validU8(v uint8) *float64 {
	if v == math.MaxUint8 {
		return nil
	}
	f := float64(v)
	return &f
}
