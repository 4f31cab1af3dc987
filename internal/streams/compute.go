package streams

import (
	"github.com/newpush/coach-sub004/internal/canonical"
)

// Config holds the tunables for derived stream metrics
type Config struct {
	SplitDistance float64
	SplitDeadband float64
	ErraticStdDev float64
	Surge         SurgeConfig
}

// DefaultConfig returns the product defaults
func DefaultConfig() Config {
	return Config{
		SplitDistance: 1000,
		SplitDeadband: 10,
		ErraticStdDev: 0.8,
		Surge:         DefaultSurgeConfig(),
	}
}

// ZoneSet is the zone configuration for each modality
type ZoneSet struct {
	HeartRate []Zone `json:"heart_rate" yaml:"heart_rate"`
	Power     []Zone `json:"power" yaml:"power"`
}

// Derived is the cached set of metrics stored alongside a stream
type Derived struct {
	HRZoneTimes     []int        `json:"hr_zone_times,omitempty"`
	PowerZoneTimes  []int        `json:"power_zone_times,omitempty"`
	Splits          []Split      `json:"splits,omitempty"`
	SplitType       SplitType    `json:"split_type,omitempty"`
	Variability     *Variability `json:"variability,omitempty"`
	Surges          []Surge      `json:"surges,omitempty"`
	NormalizedPower *float64     `json:"normalized_power,omitempty"`
}

// Compute derives every metric the stream supports. Arrays whose length does
// not match the time axis are treated as absent.
func Compute(s *canonical.StreamData, zones ZoneSet, cfg Config) Derived {
	var d Derived
	n := s.Len()
	if n == 0 {
		return d
	}

	if hr := aligned(s.HeartRate, n); hr != nil {
		d.HRZoneTimes = ZoneTimes(hr, zones.HeartRate)
	}
	if power := aligned(s.Power, n); power != nil {
		d.PowerZoneTimes = ZoneTimes(power, zones.Power)
		np := NormalizedPower(power)
		d.NormalizedPower = &np
	}

	distance := aligned(s.Distance, n)
	if distance != nil {
		d.Splits = LapSplits(s.Time, distance, cfg.SplitDistance)
		d.SplitType = ClassifySplits(d.Splits, cfg.SplitDeadband)
	}

	velocity := aligned(s.Velocity, n)
	if velocity == nil && distance != nil {
		velocity = DeriveVelocity(s.Time, distance)
	}
	if velocity != nil {
		v := PacingVariability(velocity, cfg.ErraticStdDev)
		d.Variability = &v
		d.Surges = DetectSurges(s.Time, velocity, cfg.Surge)
	}
	return d
}

// RefreshZones recomputes any per-modality histogram whose cached value is
// stale for the current zones. It reports whether anything changed.
func RefreshZones(d Derived, s *canonical.StreamData, zones ZoneSet) (Derived, bool) {
	n := s.Len()
	changed := false
	if hr := aligned(s.HeartRate, n); hr != nil && NeedsZoneRecompute(d.HRZoneTimes, zones.HeartRate) {
		d.HRZoneTimes = ZoneTimes(hr, zones.HeartRate)
		changed = true
	}
	if power := aligned(s.Power, n); power != nil && NeedsZoneRecompute(d.PowerZoneTimes, zones.Power) {
		d.PowerZoneTimes = ZoneTimes(power, zones.Power)
		changed = true
	}
	return d, changed
}

func aligned(values []float64, n int) []float64 {
	if n == 0 || len(values) != n {
		return nil
	}
	return values
}
