package bunchnet

import "time"

// Stats are per-connection counters.
type Stats struct {
	InPackets  int
	OutPackets int
	InBytes    int
	OutBytes   int
	// InLoss counts packet ids skipped by the peer's sequence.
	InLoss int
	// OutLoss counts our packets declared lost.
	OutLoss    int
	OutOfOrder int
	Duplicates int
	Malformed  int
	Resent     int
	// AvgLag is a smoothed round-trip estimate from acks.
	AvgLag time.Duration
}

func (s *Stats) sampleLag(d time.Duration) {
	if s.AvgLag == 0 {
		s.AvgLag = d
		return
	}
	s.AvgLag = (s.AvgLag*7 + d) / 8
}
