package synth

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// BackendLimits bound how hard a backend is driven.
type BackendLimits struct {
	// Concurrency is the number of simultaneous calls. Defaults to 2.
	Concurrency int

	// RatePerSecond limits call starts; zero means unlimited.
	RatePerSecond float64

	// Burst is the number of calls allowed at once under the rate limit.
	// Defaults to Concurrency.
	Burst int
}

// limiter combines a concurrency slot with an optional start rate.
type limiter struct {
	size   int
	sem    *semaphore.Weighted
	rate   *rate.Limiter
	active atomic.Int64
}

func newLimiter(l BackendLimits) *limiter {
	if l.Concurrency <= 0 {
		l.Concurrency = 2
	}
	lim := &limiter{
		size: l.Concurrency,
		sem:  semaphore.NewWeighted(int64(l.Concurrency)),
	}
	if l.RatePerSecond > 0 {
		burst := l.Burst
		if burst <= 0 {
			burst = l.Concurrency
		}
		lim.rate = rate.NewLimiter(rate.Limit(l.RatePerSecond), burst)
	}
	return lim
}

// tryAcquire takes a concurrency slot if one is free.
func (l *limiter) tryAcquire() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.active.Add(1)
	return true
}

func (l *limiter) full() bool { return int(l.active.Load()) >= l.size }

func (l *limiter) release() {
	l.active.Add(-1)
	l.sem.Release(1)
}

// wait blocks until the rate limit allows another call.
func (l *limiter) wait(ctx context.Context) error {
	if l.rate == nil {
		return nil
	}
	return l.rate.Wait(ctx)
}

func (l *limiter) stats() BackendStats {
	return BackendStats{InFlight: int(l.active.Load()), Limit: l.size}
}
