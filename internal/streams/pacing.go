package streams

import "math"

// PacingLabel is the verdict on how steady a workout was paced
type PacingLabel string

const (
	PacingUnknown    PacingLabel = "unknown"
	PacingConsistent PacingLabel = "consistent"
	PacingErratic    PacingLabel = "erratic"
)

// Variability summarizes the spread of instantaneous velocity
type Variability struct {
	MeanVelocity float64     `json:"mean_velocity"`
	StdDev       float64     `json:"stddev"`
	Samples      int         `json:"samples"`
	Label        PacingLabel `json:"label"`
}

// PacingVariability is the population standard deviation of velocity over
// moving samples. Stopped samples (v <= 0) are excluded so that traffic
// lights do not turn a steady run erratic.
func PacingVariability(velocity []float64, erraticStdDev float64) Variability {
	moving := make([]float64, 0, len(velocity))
	for _, v := range velocity {
		if v > 0 && !math.IsInf(v, 0) {
			moving = append(moving, v)
		}
	}
	if len(moving) < 2 {
		return Variability{Samples: len(moving), Label: PacingUnknown}
	}

	m := mean(moving)
	sum := 0.0
	for _, v := range moving {
		d := v - m
		sum += d * d
	}
	sd := math.Sqrt(sum / float64(len(moving)))

	label := PacingConsistent
	if sd > erraticStdDev {
		label = PacingErratic
	}
	return Variability{MeanVelocity: m, StdDev: sd, Samples: len(moving), Label: label}
}

// DeriveVelocity differentiates cumulative distance over time. Gaps with no
// elapsed time repeat the previous velocity; negative values clamp to zero.
func DeriveVelocity(timeS, distance []float64) []float64 {
	n := len(timeS)
	if n == 0 || len(distance) != n {
		return nil
	}
	v := make([]float64, n)
	for i := 1; i < n; i++ {
		dt := timeS[i] - timeS[i-1]
		if dt <= 0 {
			v[i] = v[i-1]
			continue
		}
		v[i] = math.Max(0, (distance[i]-distance[i-1])/dt)
		if math.IsNaN(v[i]) {
			v[i] = v[i-1]
		}
	}
	if n > 1 {
		v[0] = v[1]
	}
	return v
}
