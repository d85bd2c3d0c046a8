package matching

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultConfidenceLevel is used when no level is configured.
const DefaultConfidenceLevel = 0.95

// WilsonInterval returns the Wilson score interval for successes out of n
// Bernoulli trials at the given two-sided confidence level. With n == 0 the
// proportion is unknown and the full [0, 1] range is returned.
func WilsonInterval(successes, n int, level float64) Interval {
	if level <= 0 || level >= 1 {
		level = DefaultConfidenceLevel
	}
	if n <= 0 {
		return Interval{Lower: 0, Upper: 1, Level: level}
	}

	z := distuv.UnitNormal.Quantile(1 - (1-level)/2)
	nf := float64(n)
	p := float64(successes) / nf
	z2 := z * z

	denom := 1 + z2/nf
	centre := (p + z2/(2*nf)) / denom
	half := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf)) / denom

	return Interval{
		Lower: math.Max(0, centre-half),
		Upper: math.Min(1, centre+half),
		Level: level,
	}
}

// ComputeMetrics recomputes metrics from a result log.
func ComputeMetrics(results []MatchResult, level float64) SessionMetrics {
	var tp, fp, fn int
	for _, r := range results {
		switch r.Classification {
		case TruePositive:
			tp++
		case FalsePositive:
			fp++
		case FalseNegative:
			fn++
		}
	}
	return metricsFromCounts(tp, fp, fn, level)
}

func metricsFromCounts(tp, fp, fn int, level float64) SessionMetrics {
	m := SessionMetrics{
		TruePositives:  tp,
		FalsePositives: fp,
		FalseNegatives: fn,
		Precision:      ratio(tp, tp+fp),
		Recall:         ratio(tp, tp+fn),
		Accuracy:       ratio(tp, tp+fp+fn),
		PrecisionCI:    WilsonInterval(tp, tp+fp, level),
		RecallCI:       WilsonInterval(tp, tp+fn, level),
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
