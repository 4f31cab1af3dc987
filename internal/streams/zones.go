// Package streams computes derived metrics from the raw per-sample arrays of
// one workout. Everything here is a deterministic function of its inputs;
// callers decide when to cache the results.
package streams

import "math"

// Zone is a contiguous intensity band. Zones are ordered ascending and share
// boundaries, so a value equal to one zone's Max belongs to that zone.
type Zone struct {
	Name string  `json:"name" yaml:"name"`
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
}

// ZoneIndex returns the zone a value is credited to. Values above the top
// zone go to the top zone, values below zone 0 (and NaN) go to zone 0.
// It returns -1 only when zones is empty.
func ZoneIndex(v float64, zones []Zone) int {
	if len(zones) == 0 {
		return -1
	}
	if math.IsNaN(v) {
		return 0
	}
	for i, z := range zones {
		if v <= z.Max {
			return i
		}
	}
	return len(zones) - 1
}

// ZoneTimes counts samples per zone. With the shared time axis sampled at
// 1 Hz a count is a number of seconds. Every sample lands in exactly one
// zone, so the counts always sum to len(samples).
func ZoneTimes(samples []float64, zones []Zone) []int {
	if len(zones) == 0 {
		return nil
	}
	counts := make([]int, len(zones))
	for _, v := range samples {
		counts[ZoneIndex(v, zones)]++
	}
	return counts
}

// NeedsZoneRecompute reports whether a cached histogram is missing or has
// fewer buckets than the current zone configuration.
func NeedsZoneRecompute(cached []int, zones []Zone) bool {
	if len(zones) == 0 {
		return false
	}
	return cached == nil || len(cached) < len(zones)
}
