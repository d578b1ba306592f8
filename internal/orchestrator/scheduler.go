package orchestrator

import (
	"context"
	"time"
)

// Cleaner reconciles dead sessions
type Cleaner interface {
	CleanupInactive() (int, error)
}

// CleanupScheduler runs CleanupInactive immediately on Run, then at Interval
// until the context is cancelled.
type CleanupScheduler struct {
	Cleaner Cleaner
	// Interval <= 0 performs a single pass and returns
	Interval time.Duration
	// OnRun, if set, receives the result of every pass
	OnRun func(cleaned int, err error)

	// NewTicker defaults to time.NewTicker
	NewTicker func(d time.Duration) (tick <-chan time.Time, stop func())
}

// Run blocks until ctx is done, or returns after one pass when Interval <= 0
func (s *CleanupScheduler) Run(ctx context.Context) {
	s.runOnce()
	if s.Interval <= 0 {
		return
	}

	newTicker := s.NewTicker
	if newTicker == nil {
		newTicker = defaultNewTicker
	}
	tick, stop := newTicker(s.Interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.runOnce()
		}
	}
}

func (s *CleanupScheduler) runOnce() {
	n, err := s.Cleaner.CleanupInactive()
	if s.OnRun != nil {
		s.OnRun(n, err)
	}
}

func defaultNewTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
