package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDelaySequence(t *testing.T) {
	opts := Options{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2,
	}
	want := []time.Duration{
		0,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond, // capped
		500 * time.Millisecond,
	}
	for attempt := 1; attempt <= len(want); attempt++ {
		if got := opts.Delay(attempt); got != want[attempt-1] {
			t.Fatalf("attempt %d: expected delay %v, got %v", attempt, want[attempt-1], got)
		}
	}
}

func TestLastErrorPreserved(t *testing.T) {
	sentinel := errors.New("venue rejected order")
	opts := Options{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	calls := 0
	err := Do(context.Background(), opts, zap.NewNop(), func() error {
		calls++
		return sentinel
	})
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if err != sentinel {
		t.Fatalf("expected the original error returned unchanged, got %v", err)
	}
}

func TestSucceedsAfterFailures(t *testing.T) {
	opts := Options{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	calls := 0
	result, err := DoWithResult(context.Background(), opts, zap.NewNop(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "order-1", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "order-1" {
		t.Fatalf("expected order-1, got %q", result)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestSingleAttempt(t *testing.T) {
	opts := Options{MaxAttempts: 1, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}
	calls := 0
	start := time.Now()
	err := Do(context.Background(), opts, nil, func() error {
		calls++
		return errors.New("boom")
	})
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", calls)
	}
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("single attempt should not sleep")
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	sentinel := errors.New("down")
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	calls := 0
	err := Do(ctx, opts, zap.NewNop(), func() error {
		calls++
		cancel()
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected last error after cancel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt before cancel stop, got %d", calls)
	}
}
