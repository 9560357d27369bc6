package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"spread-hedge-bot/internal/position"
	"spread-hedge-bot/internal/retry"

	"go.uber.org/zap"
)

type stubFunding struct {
	name string

	mu    sync.Mutex
	rate  float64
	err   error
	calls int
}

func (s *stubFunding) Name() string { return s.name }

func (s *stubFunding) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	_ = ctx
	_ = symbol
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.rate, s.err
}

type stubPositions struct {
	pos position.SpreadPosition
	ok  bool
}

func (s *stubPositions) Snapshot() (position.SpreadPosition, bool) { return s.pos, s.ok }

func testRetryOpts() retry.Options {
	return retry.Options{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
}

func openPosition() *stubPositions {
	return &stubPositions{
		pos: position.SpreadPosition{CheapVenue: "lighter", ExpensiveVenue: "paradex", SizeBTC: 0.01},
		ok:  true,
	}
}

func TestCheckOnceNoPosition(t *testing.T) {
	cheap := &stubFunding{name: "lighter"}
	expensive := &stubFunding{name: "paradex"}
	monitor := NewFundingMonitor(zap.NewNop(), "BTC-PERP", 0, testRetryOpts(),
		[]FundingSource{cheap, expensive}, &stubPositions{}, nil)

	net, unfavorable, err := monitor.CheckOnce(context.Background())
	if err != nil || net != 0 || unfavorable {
		t.Fatalf("expected no-op while FLAT, got net=%v unfavorable=%t err=%v", net, unfavorable, err)
	}
	if cheap.calls != 0 || expensive.calls != 0 {
		t.Fatal("expected no venue calls while FLAT")
	}
}

func TestCheckOnceFavorable(t *testing.T) {
	cheap := &stubFunding{name: "lighter", rate: 0.0001}
	expensive := &stubFunding{name: "paradex", rate: 0.0004}
	warned := false
	monitor := NewFundingMonitor(zap.NewNop(), "BTC-PERP", 0, testRetryOpts(),
		[]FundingSource{cheap, expensive}, openPosition(),
		func(float64) { warned = true })

	net, unfavorable, err := monitor.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := net - 0.0003; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("expected net 0.0003, got %v", net)
	}
	if unfavorable || warned {
		t.Fatal("favorable funding should not warn")
	}
}

func TestCheckOnceUnfavorableSignals(t *testing.T) {
	cheap := &stubFunding{name: "lighter", rate: 0.0005}
	expensive := &stubFunding{name: "paradex", rate: 0.0001}
	var signaled float64
	monitor := NewFundingMonitor(zap.NewNop(), "BTC-PERP", 0, testRetryOpts(),
		[]FundingSource{cheap, expensive}, openPosition(),
		func(net float64) { signaled = net })

	net, unfavorable, err := monitor.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !unfavorable {
		t.Fatalf("expected unfavorable verdict for net %v", net)
	}
	if signaled != net {
		t.Fatalf("expected callback with %v, got %v", net, signaled)
	}
}

func TestCheckOnceFetchErrorSurfaces(t *testing.T) {
	cheap := &stubFunding{name: "lighter", rate: 0.0001}
	expensive := &stubFunding{name: "paradex", err: errors.New("timeout")}
	monitor := NewFundingMonitor(zap.NewNop(), "BTC-PERP", 0, testRetryOpts(),
		[]FundingSource{cheap, expensive}, openPosition(), nil)

	if _, _, err := monitor.CheckOnce(context.Background()); err == nil {
		t.Fatal("expected error when one leg's funding fetch fails")
	}
	if expensive.calls != 2 {
		t.Fatalf("expected fetch to be retried, got %d calls", expensive.calls)
	}
}
