package client

import "time"

// maxTrackedDurations bounds the session-length history used by the flap
// detector
const maxTrackedDurations = 100

// ConnStats tracks connection attempts and session durations for a single
// relay connection
type ConnStats struct {
	// Attempts counts every dial, successful or not
	Attempts int
	// Successes counts sockets that reached the open state
	Successes int
	// ConnectedAt is set while a session is live
	ConnectedAt *time.Time
	// Durations holds the most recent session lengths, newest last
	Durations []time.Duration
	// NextReconnectAt is set while a reconnect is scheduled
	NextReconnectAt *time.Time
}

// recordDuration appends a finished session length and trims the history
func (s *ConnStats) recordDuration(d time.Duration) {
	s.Durations = append(s.Durations, d)
	if len(s.Durations) > maxTrackedDurations {
		s.Durations = s.Durations[len(s.Durations)-maxTrackedDurations:]
	}
}

// clone returns a copy safe to hand to callbacks
func (s *ConnStats) clone() ConnStats {
	out := *s
	out.Durations = append([]time.Duration(nil), s.Durations...)
	if s.ConnectedAt != nil {
		t := *s.ConnectedAt
		out.ConnectedAt = &t
	}
	if s.NextReconnectAt != nil {
		t := *s.NextReconnectAt
		out.NextReconnectAt = &t
	}
	return out
}
