package guard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoReturnsResultWithinBudget(t *testing.T) {
	got, err := Do(context.Background(), "fast op", time.Second, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
}

func TestDoTimesOutOnStuckOperation(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	_, err := Do(context.Background(), "stuck op", 50*time.Millisecond, func(context.Context) (string, error) {
		<-block
		return "", nil
	})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("guard did not return promptly, took %s", elapsed)
	}
}

func TestDoDistinguishesOperationFailureFromTimeout(t *testing.T) {
	opErr := errors.New("backend exploded")
	_, err := Do(context.Background(), "failing op", time.Second, func(context.Context) (int, error) {
		return 0, opErr
	})
	if !errors.Is(err, opErr) {
		t.Fatalf("expected wrapped operation error, got %v", err)
	}
	if errors.Is(err, ErrTimedOut) {
		t.Fatalf("operation failure must not look like a timeout: %v", err)
	}
}

func TestDoSurfacesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, "cancelled op", time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrTimedOut) {
		t.Fatalf("caller cancellation must not be reported as a timeout: %v", err)
	}
}

func TestDoPrefersDeliveredResultOverDeadline(t *testing.T) {
	// The operation goroutine cancels the inner context right after
	// delivering its result, so the result and the Done signal can be
	// ready in the same select. Hammer that window: a completed
	// operation must never be reported as timed out.
	for i := 0; i < 1000; i++ {
		got, err := Do(context.Background(), "instant op", time.Minute, func(context.Context) (int, error) {
			return 42, nil
		})
		if err != nil {
			t.Fatalf("iteration %d: completed operation reported as failed: %v", i, err)
		}
		if got != 42 {
			t.Fatalf("iteration %d: expected 42, got %d", i, got)
		}
	}
}

func TestRunWrapsResultlessOperations(t *testing.T) {
	if err := Run(context.Background(), "noop", time.Second, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
