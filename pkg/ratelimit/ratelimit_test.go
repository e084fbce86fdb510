package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_NoBlockWhenZeroInterval(t *testing.T) {
	limiter := NewLimiter(0, 0.5)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("limiter with zero interval should not block")
	}
}

func TestLimiter_FirstWaitIsImmediate(t *testing.T) {
	limiter := NewLimiter(time.Second, 0)

	start := time.Now()
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("first wait should not block")
	}
}

func TestLimiter_Wait(t *testing.T) {
	limiter := NewLimiter(100*time.Millisecond, 0)
	ctx := context.Background()

	_ = limiter.Wait(ctx)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	duration := time.Since(start)

	// It should take roughly 100ms
	if duration < 80*time.Millisecond || duration > 200*time.Millisecond {
		t.Errorf("expected wait around 100ms, took %v", duration)
	}
}

func TestLimiter_SlowWorkConsumesGap(t *testing.T) {
	limiter := NewLimiter(50*time.Millisecond, 0)
	ctx := context.Background()

	_ = limiter.Wait(ctx)
	time.Sleep(60 * time.Millisecond)

	start := time.Now()
	_ = limiter.Wait(ctx)
	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("gap already elapsed, wait should not block")
	}
}

func TestLimiter_ContextCancellation(t *testing.T) {
	limiter := NewLimiter(time.Second, 0)
	_ = limiter.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestLimiter_Jitter(t *testing.T) {
	limiter := NewLimiter(100*time.Millisecond, 0.5) // +/- 50ms
	ctx := context.Background()

	_ = limiter.Wait(ctx)

	start := time.Now()
	_ = limiter.Wait(ctx)

	duration := time.Since(start)

	// Allow some slack for goroutine scheduling.
	if duration < 40*time.Millisecond || duration > 300*time.Millisecond {
		t.Errorf("expected jittered wait between 50ms and 150ms, took %v", duration)
	}
}
