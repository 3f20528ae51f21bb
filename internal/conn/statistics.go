package conn

import (
	"time"

	"github.com/vietddude/gatekeeper/internal/core/domain"
)

// statsTracker accumulates lifetime counters. It is owned exclusively by the
// orchestrator and mutated only under the orchestrator's lock; readers get
// value copies.
type statsTracker struct {
	totalSessions       int64
	totalConnections    int64
	totalDisconnections int64
	totalReconnections  int64
	totalErrors         int64

	startedAt         time.Time
	connectedSince    time.Time // zero when not connected
	connectedTotal    time.Duration
	sessionTotal      time.Duration
	completedSessions int64
}

func newStatsTracker(now time.Time) statsTracker {
	return statsTracker{startedAt: now}
}

// markConnected starts accumulating connected time.
func (s *statsTracker) markConnected(now time.Time) {
	if s.connectedSince.IsZero() {
		s.connectedSince = now
	}
}

// markDisconnected folds the connected stretch into the totals.
func (s *statsTracker) markDisconnected(now time.Time) {
	if s.connectedSince.IsZero() {
		return
	}
	s.connectedTotal += now.Sub(s.connectedSince)
	s.connectedSince = time.Time{}
}

// foldSession records a completed session's duration.
func (s *statsTracker) foldSession(start, end time.Time) {
	if start.IsZero() || end.Before(start) {
		return
	}
	s.sessionTotal += end.Sub(start)
	s.completedSessions++
}

// reset zeroes all counters and restarts the availability window.
func (s *statsTracker) reset(now time.Time) {
	connected := !s.connectedSince.IsZero()
	*s = newStatsTracker(now)
	if connected {
		s.connectedSince = now
	}
}

// snapshot assembles the exported statistics value.
func (s *statsTracker) snapshot(now time.Time) domain.ConnectionStatistics {
	stats := domain.ConnectionStatistics{
		TotalSessions:       s.totalSessions,
		TotalConnections:    s.totalConnections,
		TotalDisconnections: s.totalDisconnections,
		TotalReconnections:  s.totalReconnections,
		TotalErrors:         s.totalErrors,
	}

	if s.completedSessions > 0 {
		stats.AverageSessionDuration = s.sessionTotal / time.Duration(s.completedSessions)
	}

	attempts := s.totalConnections + s.totalErrors
	if attempts > 0 {
		stats.ReliabilityPercent = float64(s.totalConnections) / float64(attempts) * 100
	} else {
		stats.ReliabilityPercent = 100
	}

	connected := s.connectedTotal
	if !s.connectedSince.IsZero() {
		connected += now.Sub(s.connectedSince)
	}
	elapsed := now.Sub(s.startedAt)
	if elapsed > 0 {
		stats.AvailabilityPercent = float64(connected) / float64(elapsed) * 100
		if stats.AvailabilityPercent > 100 {
			stats.AvailabilityPercent = 100
		}
	}

	return stats
}
