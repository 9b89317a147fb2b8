package client

import (
	"math"
	"time"
)

// flapStddevThreshold classifies a relay as flapping when recent session
// durations are this uniform. Short, uniformly-short sessions are the
// signature of a relay that accepts and immediately drops
const flapStddevThreshold = 1000.0 // milliseconds

// isFlapping classifies connection stability from recent session durations.
// It only renders a verdict when the sample count is a positive multiple of
// three; anything else is insufficient evidence at this check
func isFlapping(durations []time.Duration) bool {
	n := len(durations)
	if n == 0 || n%3 != 0 {
		return false
	}

	var sum float64
	for _, d := range durations {
		sum += float64(d.Milliseconds())
	}
	mean := sum / float64(n)

	var variance float64
	for _, d := range durations {
		diff := float64(d.Milliseconds()) - mean
		variance += diff * diff
	}
	variance /= float64(n)

	return math.Sqrt(variance) < flapStddevThreshold
}
