package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ms(values ...int64) []time.Duration {
	out := make([]time.Duration, len(values))
	for i, v := range values {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out
}

func TestIsFlapping(t *testing.T) {
	cases := []struct {
		name      string
		durations []time.Duration
		want      bool
	}{
		{"uniformly short sessions", ms(500, 600, 550), true},
		{"empty history", nil, false},
		{"not a multiple of three", ms(500, 600), false},
		{"four samples", ms(500, 600, 550, 520), false},
		{"spread-out sessions", ms(500, 60000, 120000), false},
		{"six uniform samples", ms(100, 150, 120, 130, 110, 140), true},
		{"identical durations", ms(1000, 1000, 1000), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isFlapping(tc.durations))
		})
	}
}

func TestIsFlappingNeverTrueOffMultiple(t *testing.T) {
	// Property: no verdict unless the sample count is a positive multiple
	// of three, no matter how uniform the data is
	durations := []time.Duration{}
	for i := 0; i < 20; i++ {
		durations = append(durations, 500*time.Millisecond)
		if len(durations)%3 != 0 {
			assert.False(t, isFlapping(durations), "len=%d", len(durations))
		}
	}
}

func TestRecordDurationBounded(t *testing.T) {
	var stats ConnStats
	for i := 0; i < 250; i++ {
		stats.recordDuration(time.Duration(i) * time.Millisecond)
		assert.LessOrEqual(t, len(stats.Durations), maxTrackedDurations)
	}

	// The newest entries survive the trim
	assert.Len(t, stats.Durations, maxTrackedDurations)
	assert.Equal(t, 249*time.Millisecond, stats.Durations[len(stats.Durations)-1])
	assert.Equal(t, 150*time.Millisecond, stats.Durations[0])
}
