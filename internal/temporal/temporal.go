// Package temporal measures how much the per-frame model score wanders across a video.
package temporal

import "math"

const TagHighFluctuation = "high_temporal_fluctuation"

// DefaultFluctuationThreshold is the risk above which the informational tag is raised.
const DefaultFluctuationThreshold = 0.15

// Analyzer computes temporal risk from an ordered score sequence.
type Analyzer struct {
	Threshold float64
}

func New(threshold float64) Analyzer {
	return Analyzer{Threshold: threshold}
}

// Analyze returns the sample standard deviation of scores. Fewer than two
// scores carry no temporal information and yield zero. The tag never alters the risk.
func (a Analyzer) Analyze(scores []float64) (float64, []string) {
	n := len(scores)
	if n < 2 {
		return 0, nil
	}

	var mean float64
	for _, s := range scores {
		mean += s
	}
	mean /= float64(n)

	var ss float64
	for _, s := range scores {
		d := s - mean
		ss += d * d
	}
	risk := math.Sqrt(ss / float64(n-1))

	if risk > a.Threshold {
		return risk, []string{TagHighFluctuation}
	}
	return risk, nil
}
