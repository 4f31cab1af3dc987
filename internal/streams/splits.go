package streams

import "math"

// Split is the elapsed time over one fixed-distance segment
type Split struct {
	Index        int     `json:"index"`
	DistanceM    float64 `json:"distance_m"`
	ElapsedSec   float64 `json:"elapsed_sec"`
	PaceSecPerKm float64 `json:"pace_sec_per_km"`
	Partial      bool    `json:"partial,omitempty"`
}

// SplitType classifies how pace changed between the two halves of a workout
type SplitType string

const (
	SplitUnknown  SplitType = "unknown"
	SplitEven     SplitType = "even"
	SplitNegative SplitType = "negative"
	SplitPositive SplitType = "positive"
)

// LapSplits partitions cumulative distance into segments of splitDistance
// and reports the elapsed time of each. Boundary crossings are interpolated
// between samples. A trailing segment shorter than splitDistance is
// returned with Partial set.
func LapSplits(timeS, distance []float64, splitDistance float64) []Split {
	n := len(timeS)
	if splitDistance <= 0 || n < 2 || len(distance) != n {
		return nil
	}

	var splits []Split
	startT, startD := timeS[0], distance[0]
	next := startD + splitDistance

	for i := 1; i < n; i++ {
		d, prevD := distance[i], distance[i-1]
		if math.IsNaN(d) || math.IsNaN(prevD) {
			continue
		}
		for d >= next {
			frac := 1.0
			if d > prevD {
				frac = math.Max(0, math.Min(1, (next-prevD)/(d-prevD)))
			}
			at := timeS[i-1] + frac*(timeS[i]-timeS[i-1])
			splits = append(splits, newSplit(len(splits)+1, splitDistance, at-startT, false))
			startT, startD = at, next
			next += splitDistance
		}
	}

	if rest := distance[n-1] - startD; rest > 0 && timeS[n-1] > startT {
		splits = append(splits, newSplit(len(splits)+1, rest, timeS[n-1]-startT, true))
	}
	return splits
}

func newSplit(index int, dist, elapsed float64, partial bool) Split {
	return Split{
		Index:        index,
		DistanceM:    dist,
		ElapsedSec:   elapsed,
		PaceSecPerKm: elapsed / dist * 1000,
		Partial:      partial,
	}
}

// ClassifySplits compares the mean pace of the first half of the full splits
// with the second half. An odd middle split is left out. A difference below
// deadband (seconds per km) is even; a slower second half is positive.
func ClassifySplits(splits []Split, deadband float64) SplitType {
	full := make([]float64, 0, len(splits))
	for _, s := range splits {
		if !s.Partial {
			full = append(full, s.PaceSecPerKm)
		}
	}
	if len(full) < 2 {
		return SplitUnknown
	}

	half := len(full) / 2
	first := mean(full[:half])
	second := mean(full[len(full)-half:])
	diff := second - first

	switch {
	case math.Abs(diff) < deadband:
		return SplitEven
	case diff > 0:
		return SplitPositive
	default:
		return SplitNegative
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
