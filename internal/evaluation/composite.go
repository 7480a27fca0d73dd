package evaluation

import "math"

const (
	MinScore = 0.0
	MaxScore = 100.0
)

// Clamp bounds a score to [MinScore, MaxScore]. NaN maps to MinScore.
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}

// Composite is the weighted mean of scores. Each score is clamped before it
// is weighted and the result is clamped again. Weights need not sum to 1.
// Mismatched lengths or a zero weight total yield 0.
func Composite(weights, scores []float64) float64 {
	if len(weights) != len(scores) {
		return 0
	}
	var total, sum float64
	for i, w := range weights {
		total += w
		sum += w * Clamp(scores[i])
	}
	if total <= 0 {
		return 0
	}
	return Clamp(sum / total)
}
