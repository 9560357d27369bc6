package risk

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBreakerBlocksAfterError(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	breaker := NewBreaker(zap.NewNop()).WithClock(func() time.Time { return now })

	if breaker.ShouldBlockTrading() {
		t.Fatal("fresh breaker should not block")
	}
	breaker.RecordError()
	if !breaker.ShouldBlockTrading() {
		t.Fatal("expected block immediately after error")
	}

	now = now.Add(59 * time.Second)
	if !breaker.ShouldBlockTrading() {
		t.Fatal("expected block within the 60s window")
	}

	now = now.Add(time.Second)
	if breaker.ShouldBlockTrading() {
		t.Fatal("expected block lifted after 60s")
	}
	if breaker.ErrorCount() != 0 {
		t.Fatalf("expected counter reset, got %d", breaker.ErrorCount())
	}
}

func TestBreakerWindowRestartsOnNewError(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	breaker := NewBreaker(zap.NewNop()).WithClock(func() time.Time { return now })

	breaker.RecordError()
	now = now.Add(50 * time.Second)
	breaker.RecordError()
	now = now.Add(50 * time.Second)
	if !breaker.ShouldBlockTrading() {
		t.Fatal("second error should restart the window")
	}
	now = now.Add(10 * time.Second)
	if breaker.ShouldBlockTrading() {
		t.Fatal("expected block lifted 60s after the last error")
	}
}

func TestBreakerCountsErrors(t *testing.T) {
	breaker := NewBreaker(nil)
	breaker.RecordError()
	breaker.RecordError()
	breaker.RecordError()
	if breaker.ErrorCount() != 3 {
		t.Fatalf("expected 3 errors, got %d", breaker.ErrorCount())
	}
}
