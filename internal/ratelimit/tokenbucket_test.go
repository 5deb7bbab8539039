package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAcquireWithinRateDoesNotBlockAfterWarmup(t *testing.T) {
	tb := New(5, 100) // burst 5, 100/s steady rate
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("expected burst acquires to be immediate, took %v", elapsed)
	}
}

func TestAcquireBlocksWhenExhausted(t *testing.T) {
	tb := New(1, 2) // burst 1, 2/s
	ctx := context.Background()

	if err := tb.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	if err := tb.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("expected to wait ~500ms for refill, waited %v", elapsed)
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	tb := New(1, 0.1) // burst 1, very slow refill
	ctx := context.Background()

	if err := tb.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := tb.Acquire(cctx); err == nil {
		t.Fatal("expected context deadline error, got nil")
	}
}
