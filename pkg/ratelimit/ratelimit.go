package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Limiter spaces operations at least interval apart, with optional jitter.
// The first Wait returns immediately. It is safe for concurrent use by
// multiple goroutines.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	jitter   float64 // 0.0 to 1.0
	next     time.Time
}

// NewLimiter creates a limiter. Jitter must be between 0.0 and 1.0 and
// stretches or shrinks each gap by up to that fraction of interval.
// If interval is <= 0, the limiter does not block.
func NewLimiter(interval time.Duration, jitter float64) *Limiter {
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}
	return &Limiter{interval: interval, jitter: jitter}
}

// Wait blocks until the next operation may start, or until the context is
// canceled.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.interval <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	start := l.next
	if start.Before(now) {
		start = now
	}
	l.next = start.Add(l.gap())
	l.mu.Unlock()

	delay := time.Until(start)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) gap() time.Duration {
	if l.jitter == 0 {
		return l.interval
	}
	factor := (rand.Float64() * 2) - 1.0 // -1.0 to 1.0
	return l.interval + time.Duration(float64(l.interval)*l.jitter*factor)
}
