package streams

import "math"

const npWindow = 30

// NormalizedPower is the fourth-power mean of the 30-sample rolling average.
// Shorter efforts fall back to the plain average.
func NormalizedPower(power []float64) float64 {
	clean := make([]float64, 0, len(power))
	for _, p := range power {
		if math.IsNaN(p) || p < 0 {
			p = 0
		}
		clean = append(clean, p)
	}
	if len(clean) == 0 {
		return 0
	}
	if len(clean) < npWindow {
		return mean(clean)
	}

	sum := 0.0
	for i := 0; i < npWindow; i++ {
		sum += clean[i]
	}
	totalFourth := 0.0
	count := 0
	for i := npWindow - 1; i < len(clean); i++ {
		if i >= npWindow {
			sum += clean[i] - clean[i-npWindow]
		}
		roll := sum / npWindow
		totalFourth += math.Pow(roll, 4)
		count++
	}
	return math.Pow(totalFourth/float64(count), 0.25)
}

// PowerTrainingStress returns training stress from duration, normalized
// power and threshold power. It is zero when ftp is unknown.
func PowerTrainingStress(durationSec, np, ftp float64) float64 {
	if ftp <= 0 || durationSec <= 0 || np <= 0 {
		return 0
	}
	intensity := np / ftp
	return durationSec / 3600 * intensity * intensity * 100
}
