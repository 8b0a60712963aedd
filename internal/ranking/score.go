package ranking

import "math"

// Weights of the composite ranking score. Score quality dominates (90%
// combined), while the logarithmic attempts term rewards engagement with
// diminishing returns so raw volume cannot overwhelm quality.
const (
	avgScoreWeight = 0.60
	accuracyWeight = 0.30
	attemptsScale  = 10.0
)

// CompositeScore maps a subject's aggregate stats to the single number used
// for ranking. It is pure and total over non-negative finite inputs: the
// result is always finite, non-negative, and 0 at all-zero inputs.
func CompositeScore(avgScorePct, accuracyPct float64, attempts int) float64 {
	score := avgScorePct*avgScoreWeight +
		accuracyPct*accuracyWeight +
		attemptsScale*math.Log(1+float64(attempts))
	return round4(score)
}

// round4 keeps stored scores at fixed precision so repeated rebuilds of the
// same data produce bit-identical rows.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
