package streams

import "math"

// SurgeConfig tunes surge detection
type SurgeConfig struct {
	// Threshold is the fractional excess over baseline, 0.15 = 15% faster
	Threshold float64
	// MinSamples is the shortest run that counts as a surge
	MinSamples int
	// BaselineWindow is the number of trailing samples averaged for the baseline
	BaselineWindow int
}

// DefaultSurgeConfig returns the product defaults
func DefaultSurgeConfig() SurgeConfig {
	return SurgeConfig{Threshold: 0.15, MinSamples: 5, BaselineWindow: 30}
}

// Surge is one detected burst
type Surge struct {
	StartIndex   int     `json:"start_index"`
	EndIndex     int     `json:"end_index"`
	StartSec     float64 `json:"start_sec"`
	DurationSec  float64 `json:"duration_sec"`
	Baseline     float64 `json:"baseline"`
	PeakVelocity float64 `json:"peak_velocity"`
	MeanVelocity float64 `json:"mean_velocity"`
}

// DetectSurges scans for runs where velocity exceeds the trailing mean of
// the previous BaselineWindow samples by Threshold. The baseline is frozen
// when a run starts so that the burst cannot raise its own bar. Runs shorter
// than MinSamples are noise and dropped. Detection starts once a full
// baseline window is available.
func DetectSurges(timeS, velocity []float64, cfg SurgeConfig) []Surge {
	n := len(velocity)
	if cfg.BaselineWindow <= 0 || n <= cfg.BaselineWindow || (timeS != nil && len(timeS) != n) {
		return nil
	}
	minSamples := max(cfg.MinSamples, 1)

	v := make([]float64, n)
	for i, x := range velocity {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			v[i] = x
		}
	}
	prefix := make([]float64, n+1)
	for i, x := range v {
		prefix[i+1] = prefix[i] + x
	}
	at := func(i int) float64 {
		if timeS == nil {
			return float64(i)
		}
		return timeS[i]
	}

	var surges []Surge
	runStart := -1
	var frozen float64

	closeRun := func(end int) {
		if end-runStart+1 >= minSamples {
			peak, sum := 0.0, 0.0
			for j := runStart; j <= end; j++ {
				peak = math.Max(peak, v[j])
				sum += v[j]
			}
			surges = append(surges, Surge{
				StartIndex:   runStart,
				EndIndex:     end,
				StartSec:     at(runStart),
				DurationSec:  at(end) - at(runStart),
				Baseline:     frozen,
				PeakVelocity: peak,
				MeanVelocity: sum / float64(end-runStart+1),
			})
		}
		runStart = -1
	}

	for i := cfg.BaselineWindow; i < n; i++ {
		if runStart >= 0 {
			if v[i] > frozen*(1+cfg.Threshold) {
				continue
			}
			closeRun(i - 1)
		}
		baseline := (prefix[i] - prefix[i-cfg.BaselineWindow]) / float64(cfg.BaselineWindow)
		if baseline > 0 && v[i] > baseline*(1+cfg.Threshold) {
			runStart = i
			frozen = baseline
		}
	}
	if runStart >= 0 {
		closeRun(n - 1)
	}
	return surges
}
