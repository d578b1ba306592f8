package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCleaner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingCleaner) CleanupInactive() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.calls, c.err
}

func (c *countingCleaner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestSchedulerSinglePass(t *testing.T) {
	cleaner := &countingCleaner{err: errors.New("boom")}
	var gotErr error
	s := &CleanupScheduler{
		Cleaner: cleaner,
		OnRun:   func(_ int, err error) { gotErr = err },
	}

	s.Run(context.Background())
	assert.Equal(t, 1, cleaner.count())
	assert.EqualError(t, gotErr, "boom")
}

func TestSchedulerTicksUntilCancelled(t *testing.T) {
	cleaner := &countingCleaner{}
	tick := make(chan time.Time)
	stopped := make(chan struct{})

	var mu sync.Mutex
	var results []int
	s := &CleanupScheduler{
		Cleaner:  cleaner,
		Interval: time.Minute,
		OnRun: func(n int, _ error) {
			mu.Lock()
			results = append(results, n)
			mu.Unlock()
		},
		NewTicker: func(d time.Duration) (<-chan time.Time, func()) {
			assert.Equal(t, time.Minute, d)
			return tick, func() { close(stopped) }
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	tick <- time.Now()
	tick <- time.Now()
	require.Eventually(t, func() bool { return cleaner.count() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	<-stopped

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, results)
}
