package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"spread-hedge-bot/internal/config"
	"spread-hedge-bot/internal/position"
	"spread-hedge-bot/internal/retry"
	"spread-hedge-bot/internal/risk"
	"spread-hedge-bot/internal/state"
	"spread-hedge-bot/internal/tradelog"
	"spread-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeVenue struct {
	name string

	mu                sync.Mutex
	book              venue.OrderBook
	placeFn           func(req venue.OrderRequest) (venue.OrderResult, error)
	placed            []venue.OrderRequest
	canceled          []string
	canceledClientIDs []string

	bookStarted chan struct{}
	bookRelease chan struct{}
}

func newFakeVenue(name string, mid float64) *fakeVenue {
	v := &fakeVenue{name: name}
	v.setMid(mid)
	v.placeFn = fillAtRequestPrice(name)
	return v
}

func fillAtRequestPrice(name string) func(req venue.OrderRequest) (venue.OrderResult, error) {
	n := 0
	return func(req venue.OrderRequest) (venue.OrderResult, error) {
		n++
		return venue.OrderResult{
			OrderID:    fmt.Sprintf("%s-order-%d", name, n),
			FilledSize: req.Size,
			AvgPrice:   req.Price,
			Filled:     true,
		}, nil
	}
}

func rejectAll(err error) func(req venue.OrderRequest) (venue.OrderResult, error) {
	return func(venue.OrderRequest) (venue.OrderResult, error) {
		return venue.OrderResult{}, err
	}
}

func (v *fakeVenue) setMid(mid float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.book = venue.OrderBook{
		Bids:      []venue.PriceLevel{{Price: mid - 0.5, Size: 1}},
		Asks:      []venue.PriceLevel{{Price: mid + 0.5, Size: 1}},
		Timestamp: time.Now(),
	}
}

func (v *fakeVenue) setPlaceFn(fn func(req venue.OrderRequest) (venue.OrderResult, error)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeFn = fn
}

func (v *fakeVenue) placedOrders() []venue.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]venue.OrderRequest, len(v.placed))
	copy(out, v.placed)
	return out
}

func (v *fakeVenue) Name() string                     { return v.name }
func (v *fakeVenue) Initialize(context.Context) error { return nil }
func (v *fakeVenue) Close() error                     { return nil }

func (v *fakeVenue) GetFundingRate(context.Context, string) (float64, error) { return 0, nil }
func (v *fakeVenue) SubscribeToMarketData(context.Context, string, func()) error {
	return nil
}

func (v *fakeVenue) GetOrderBook(ctx context.Context, symbol string) (venue.OrderBook, error) {
	v.mu.Lock()
	started := v.bookStarted
	release := v.bookRelease
	book := v.book
	v.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return venue.OrderBook{}, ctx.Err()
		}
	}
	return book, nil
}

func (v *fakeVenue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	v.mu.Lock()
	v.placed = append(v.placed, req)
	fn := v.placeFn
	v.mu.Unlock()
	return fn(req)
}

func (v *fakeVenue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.canceled = append(v.canceled, orderID)
	return nil
}

func (v *fakeVenue) CancelByClientID(ctx context.Context, symbol, clientOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.canceledClientIDs = append(v.canceledClientIDs, clientOrderID)
	return nil
}

func (v *fakeVenue) clientCancels() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.canceledClientIDs))
	copy(out, v.canceledClientIDs)
	return out
}

type memoryLog struct {
	mu      sync.Mutex
	entries []tradelog.Entry
}

func (l *memoryLog) Append(entry tradelog.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *memoryLog) Close() error { return nil }

func (l *memoryLog) last(t *testing.T) tradelog.Entry {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		t.Fatal("no audit entries written")
	}
	return l.entries[len(l.entries)-1]
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore { return &memoryStore{data: map[string]string{}} }

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memoryStore) Close() error { return nil }

type memoryAlerts struct {
	mu       sync.Mutex
	messages []string
}

func (a *memoryAlerts) Send(_ context.Context, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, message)
	return nil
}

type harness struct {
	coord   *Coordinator
	clock   *clock
	venueA  *fakeVenue
	venueB  *fakeVenue
	audit   *memoryLog
	store   *memoryStore
	alerts  *memoryAlerts
	tracker *position.Tracker
}

func newHarness(t *testing.T, midA, midB float64) *harness {
	t.Helper()
	clk := newClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	venueA := newFakeVenue("alpha", midA)
	venueB := newFakeVenue("bravo", midB)
	audit := &memoryLog{}
	store := newMemoryStore()
	alerts := &memoryAlerts{}
	log := zap.NewNop()
	tracker := position.NewTracker(log).WithClock(clk.now)
	coord := New(Params{
		Log: log,
		Strategy: config.StrategyConfig{
			Symbol:          "BTC-PERP",
			EntryGapUSD:     50,
			ExitGapUSD:      10,
			PositionSizeBTC: 0.1,
			MinHoldDuration: time.Minute,
			EntryTimeout:    time.Second,
			ExitTimeout:     time.Second,
		},
		Risk:      config.RiskConfig{MaxLeverage: 5, MinMarginBuffer: 0.2},
		VenueA:    venueA,
		VenueB:    venueB,
		VenueACfg: config.VenueConfig{Name: "alpha"},
		VenueBCfg: config.VenueConfig{Name: "bravo"},
		Tracker:   tracker,
		Breaker:   risk.NewBreaker(log).WithClock(clk.now),
		Audit:     audit,
		Store:     store,
		Alerts:    alerts,
		RetryOpts: retry.Options{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	}).WithClock(clk.now)
	return &harness{
		coord: coord, clock: clk, venueA: venueA, venueB: venueB,
		audit: audit, store: store, alerts: alerts, tracker: tracker,
	}
}

func TestEntryOnWideGap(t *testing.T) {
	h := newHarness(t, 100000, 100055)
	if err := h.coord.OnMarketUpdate(context.Background()); err != nil {
		t.Fatalf("OnMarketUpdate: %v", err)
	}
	if got := h.tracker.State(); got != position.StateOpen {
		t.Fatalf("expected OPEN after entry, got %s", got)
	}
	pos, ok := h.tracker.Snapshot()
	if !ok {
		t.Fatal("expected position snapshot")
	}
	if pos.CheapVenue != "alpha" || pos.ExpensiveVenue != "bravo" {
		t.Fatalf("wrong venue roles: cheap=%s expensive=%s", pos.CheapVenue, pos.ExpensiveVenue)
	}
	if pos.EntryGapUSD != 55 {
		t.Fatalf("expected entry gap 55, got %v", pos.EntryGapUSD)
	}
	ordersA := h.venueA.placedOrders()
	ordersB := h.venueB.placedOrders()
	if len(ordersA) != 1 || ordersA[0].Side != venue.SideBuy {
		t.Fatalf("expected one buy on cheap venue, got %+v", ordersA)
	}
	if len(ordersB) != 1 || ordersB[0].Side != venue.SideSell {
		t.Fatalf("expected one sell on expensive venue, got %+v", ordersB)
	}
	entry := h.audit.last(t)
	if entry.Action != tradelog.ActionEntry || entry.Status != tradelog.StatusSuccess {
		t.Fatalf("expected ENTRY/SUCCESS audit, got %s/%s", entry.Action, entry.Status)
	}
	if _, ok, _ := h.store.Get(context.Background(), state.PositionKey); !ok {
		t.Fatal("expected position persisted in state store")
	}
}

func TestNoEntryBelowThreshold(t *testing.T) {
	h := newHarness(t, 100000, 100040)
	if err := h.coord.OnMarketUpdate(context.Background()); err != nil {
		t.Fatalf("OnMarketUpdate: %v", err)
	}
	if got := h.tracker.State(); got != position.StateFlat {
		t.Fatalf("expected FLAT below threshold, got %s", got)
	}
	if placed := h.venueA.placedOrders(); len(placed) != 0 {
		t.Fatalf("expected no orders, got %d", len(placed))
	}
}

func TestExitOnGapCompression(t *testing.T) {
	h := newHarness(t, 100000, 100055)
	ctx := context.Background()
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("entry: %v", err)
	}
	h.clock.advance(120 * time.Second)
	h.venueA.setMid(100020)
	h.venueB.setMid(100028)
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if got := h.tracker.State(); got != position.StateFlat {
		t.Fatalf("expected FLAT after exit, got %s", got)
	}
	entry := h.audit.last(t)
	if entry.Action != tradelog.ActionExit || entry.Status != tradelog.StatusSuccess {
		t.Fatalf("expected EXIT/SUCCESS audit, got %s/%s", entry.Action, entry.Status)
	}
	if entry.HoldDurationSeconds != 120 {
		t.Fatalf("expected hold 120s, got %d", entry.HoldDurationSeconds)
	}
	if entry.ExitGapUSD != 8 {
		t.Fatalf("expected exit gap 8, got %v", entry.ExitGapUSD)
	}
	// Long leg: bought 100000, sold 100020. Short leg: sold 100055,
	// bought 100028. Net (20 + 27) * 0.1 with zero fees.
	want := 4.7
	if diff := entry.RealizedPnlUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected pnl %v, got %v", want, entry.RealizedPnlUSD)
	}
	if _, ok, _ := h.store.Get(ctx, state.PositionKey); ok {
		t.Fatal("expected persisted position cleared after exit")
	}
}

func TestExitBlockedByMinHold(t *testing.T) {
	h := newHarness(t, 100000, 100055)
	ctx := context.Background()
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("entry: %v", err)
	}
	h.clock.advance(30 * time.Second)
	h.venueA.setMid(100020)
	h.venueB.setMid(100028)
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := h.tracker.State(); got != position.StateOpen {
		t.Fatalf("expected OPEN before min hold, got %s", got)
	}
}

func TestMaxHoldForcesUnwind(t *testing.T) {
	h := newHarness(t, 100000, 100055)
	h.coord.cfg.MaxHoldDuration = time.Hour
	ctx := context.Background()
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("entry: %v", err)
	}
	h.clock.advance(2 * time.Hour)
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("forced exit: %v", err)
	}
	if got := h.tracker.State(); got != position.StateFlat {
		t.Fatalf("expected FLAT after forced unwind, got %s", got)
	}
	entry := h.audit.last(t)
	if entry.Action != tradelog.ActionEmergencyClose || entry.Status != tradelog.StatusSuccess {
		t.Fatalf("expected EMERGENCY_CLOSE/SUCCESS audit, got %s/%s", entry.Action, entry.Status)
	}
}

func TestEntryFailureEngagesCooldown(t *testing.T) {
	h := newHarness(t, 100000, 100055)
	ctx := context.Background()
	venueDown := errors.New("venue unavailable")
	h.venueA.setPlaceFn(rejectAll(venueDown))
	h.venueB.setPlaceFn(rejectAll(venueDown))
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("failed entry: %v", err)
	}
	if got := h.tracker.State(); got != position.StateFlat {
		t.Fatalf("expected FLAT after double failure, got %s", got)
	}
	entry := h.audit.last(t)
	if entry.Action != tradelog.ActionEntry || entry.Status != tradelog.StatusFailed {
		t.Fatalf("expected ENTRY/FAILED audit, got %s/%s", entry.Action, entry.Status)
	}

	// Venues recover, but the cooldown must suppress the retry.
	h.venueA.setPlaceFn(fillAtRequestPrice("alpha"))
	h.venueB.setPlaceFn(fillAtRequestPrice("bravo"))
	before := len(h.venueA.placedOrders())
	h.clock.advance(30 * time.Second)
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("cooldown evaluate: %v", err)
	}
	if got := len(h.venueA.placedOrders()); got != before {
		t.Fatalf("expected no orders during cooldown, got %d new", got-before)
	}

	h.clock.advance(31 * time.Second)
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("post-cooldown entry: %v", err)
	}
	if got := h.tracker.State(); got != position.StateOpen {
		t.Fatalf("expected OPEN once cooldown elapsed, got %s", got)
	}
}

func TestPartialEntryCorrectiveClose(t *testing.T) {
	h := newHarness(t, 100000, 100055)
	ctx := context.Background()
	h.venueB.setPlaceFn(rejectAll(errors.New("insufficient margin")))
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("partial entry: %v", err)
	}
	if got := h.tracker.State(); got != position.StateFlat {
		t.Fatalf("expected FLAT after corrective close, got %s", got)
	}
	entry := h.audit.last(t)
	if entry.Action != tradelog.ActionUnhedgedClose || entry.Status != tradelog.StatusPartial {
		t.Fatalf("expected UNHEDGED_CLOSE/PARTIAL audit, got %s/%s", entry.Action, entry.Status)
	}
	orders := h.venueA.placedOrders()
	if len(orders) != 2 {
		t.Fatalf("expected entry leg plus corrective close on cheap venue, got %d orders", len(orders))
	}
	corrective := orders[1]
	if corrective.Side != venue.SideSell || !corrective.ReduceOnly {
		t.Fatalf("corrective close should be a reduce-only sell, got %+v", corrective)
	}
	if corrective.Price >= orders[0].Price {
		t.Fatalf("corrective sell should concede price: entry %v close %v", orders[0].Price, corrective.Price)
	}
	if _, ok, _ := h.store.Get(ctx, state.UnhedgedKey); ok {
		t.Fatal("unhedged flag must not be set when the corrective close fills")
	}
}

func TestErroredLegCancelledByClientID(t *testing.T) {
	h := newHarness(t, 100000, 100055)
	ctx := context.Background()
	// The expensive leg errors without ever returning an order id: the
	// venue may still have accepted it, so a cancel keyed by our client
	// order id must go out.
	h.venueB.setPlaceFn(rejectAll(errors.New("request timed out")))
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("partial entry: %v", err)
	}
	cancels := h.venueB.clientCancels()
	if len(cancels) != 1 {
		t.Fatalf("expected one cancel by client id on the errored leg, got %d", len(cancels))
	}
	if !strings.HasPrefix(cancels[0], "enter-") || !strings.HasSuffix(cancels[0], "-expensive") {
		t.Fatalf("cancel should use the placement client order id, got %q", cancels[0])
	}
	if got := len(h.venueB.canceled); got != 0 {
		t.Fatalf("no exchange order id was known, yet %d id cancels were issued", got)
	}
}

func TestBothLegsErroredBothCancelled(t *testing.T) {
	h := newHarness(t, 100000, 100055)
	ctx := context.Background()
	venueDown := errors.New("request timed out")
	h.venueA.setPlaceFn(rejectAll(venueDown))
	h.venueB.setPlaceFn(rejectAll(venueDown))
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("failed entry: %v", err)
	}
	if got := len(h.venueA.clientCancels()); got != 1 {
		t.Fatalf("expected cancel by client id on cheap venue, got %d", got)
	}
	if got := len(h.venueB.clientCancels()); got != 1 {
		t.Fatalf("expected cancel by client id on expensive venue, got %d", got)
	}
}

func TestExitPnlUsesReportedFees(t *testing.T) {
	h := newHarness(t, 100000, 100055)
	// Config-rate fees are steep; the venues report a flat $1 per fill.
	// The reported fee must win.
	h.coord.fees["alpha"] = config.VenueConfig{Name: "alpha", TakerFeeBps: 10}
	h.coord.fees["bravo"] = config.VenueConfig{Name: "bravo", TakerFeeBps: 10}
	reportFee := func(name string) func(req venue.OrderRequest) (venue.OrderResult, error) {
		fill := fillAtRequestPrice(name)
		return func(req venue.OrderRequest) (venue.OrderResult, error) {
			result, err := fill(req)
			result.FeeUSD = 1.0
			return result, err
		}
	}
	h.venueA.setPlaceFn(reportFee("alpha"))
	h.venueB.setPlaceFn(reportFee("bravo"))
	ctx := context.Background()
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("entry: %v", err)
	}
	pos, ok := h.tracker.Snapshot()
	if !ok {
		t.Fatal("expected position snapshot")
	}
	if pos.CheapEntryFeeUSD != 1.0 || pos.ExpensiveEntryFeeUSD != 1.0 {
		t.Fatalf("entry fees not retained: %+v", pos)
	}
	h.clock.advance(2 * time.Minute)
	h.venueA.setMid(100020)
	h.venueB.setMid(100028)
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("exit: %v", err)
	}
	entry := h.audit.last(t)
	// Gross (20 + 27) * 0.1 = 4.7, minus four $1 fills. The configured
	// 10 bps rate would instead cost about $40 and push pnl deep
	// negative.
	want := 0.7
	if diff := entry.RealizedPnlUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected pnl %v from reported fees, got %v", want, entry.RealizedPnlUSD)
	}
}

func TestUnhedgedFlagHaltsEntries(t *testing.T) {
	h := newHarness(t, 100000, 100055)
	ctx := context.Background()
	// Expensive leg rejects, then the cheap venue goes down too so the
	// corrective close cannot fill.
	h.venueB.setPlaceFn(rejectAll(errors.New("insufficient margin")))
	entryDone := false
	h.venueA.setPlaceFn(func(req venue.OrderRequest) (venue.OrderResult, error) {
		if !entryDone {
			entryDone = true
			return venue.OrderResult{OrderID: "alpha-order-1", FilledSize: req.Size, AvgPrice: req.Price, Filled: true}, nil
		}
		return venue.OrderResult{}, errors.New("venue unavailable")
	})
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("unhedged entry: %v", err)
	}
	entry := h.audit.last(t)
	if entry.Action != tradelog.ActionUnhedgedClose || entry.Status != tradelog.StatusUnhedged {
		t.Fatalf("expected UNHEDGED_CLOSE/UNHEDGED audit, got %s/%s", entry.Action, entry.Status)
	}
	if _, ok, _ := h.store.Get(ctx, state.UnhedgedKey); !ok {
		t.Fatal("expected persistent unhedged flag")
	}
	if len(h.alerts.messages) != 1 || !strings.Contains(h.alerts.messages[0], "UNHEDGED") {
		t.Fatalf("expected operator escalation, got %v", h.alerts.messages)
	}

	// Even after the cooldown window, entries stay halted.
	h.venueA.setPlaceFn(fillAtRequestPrice("alpha"))
	h.venueB.setPlaceFn(fillAtRequestPrice("bravo"))
	h.clock.advance(2 * time.Minute)
	before := len(h.venueA.placedOrders())
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("halted evaluate: %v", err)
	}
	if got := len(h.venueA.placedOrders()); got != before {
		t.Fatal("expected entries halted while unhedged flag is set")
	}

	if err := h.coord.ClearUnhedged(ctx); err != nil {
		t.Fatalf("ClearUnhedged: %v", err)
	}
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("entry after clear: %v", err)
	}
	if got := h.tracker.State(); got != position.StateOpen {
		t.Fatalf("expected OPEN after flag cleared, got %s", got)
	}
}

func TestPartialExitAggressiveRetry(t *testing.T) {
	h := newHarness(t, 100000, 100055)
	ctx := context.Background()
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("entry: %v", err)
	}
	h.clock.advance(2 * time.Minute)
	h.venueA.setMid(100020)
	h.venueB.setMid(100028)
	// The expensive venue rejects the first unwind attempt, then fills
	// the aggressive retry.
	failures := 1
	fill := fillAtRequestPrice("bravo")
	h.venueB.setPlaceFn(func(req venue.OrderRequest) (venue.OrderResult, error) {
		if failures > 0 {
			failures--
			return venue.OrderResult{}, errors.New("throttled")
		}
		return fill(req)
	})
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("partial exit: %v", err)
	}
	if got := h.tracker.State(); got != position.StateFlat {
		t.Fatalf("expected FLAT after aggressive retry, got %s", got)
	}
	entry := h.audit.last(t)
	if entry.Action != tradelog.ActionUnhedgedClose || entry.Status != tradelog.StatusPartial {
		t.Fatalf("expected UNHEDGED_CLOSE/PARTIAL audit, got %s/%s", entry.Action, entry.Status)
	}
	if entry.RealizedPnlUSD == 0 {
		t.Fatal("expected realized pnl on a completed partial exit")
	}
}

func TestReentrantUpdateDropped(t *testing.T) {
	h := newHarness(t, 100000, 100040)
	ctx := context.Background()
	h.venueA.mu.Lock()
	h.venueA.bookStarted = make(chan struct{}, 1)
	h.venueA.bookRelease = make(chan struct{})
	h.venueA.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- h.coord.OnMarketUpdate(ctx) }()
	<-h.venueA.bookStarted

	// A second update while the first is mid-fetch must return
	// immediately without touching the venues.
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("re-entrant update: %v", err)
	}
	close(h.venueA.bookRelease)
	if err := <-done; err != nil {
		t.Fatalf("first update: %v", err)
	}
}

func TestRecoverRestoresPosition(t *testing.T) {
	h := newHarness(t, 100000, 100055)
	ctx := context.Background()
	pos := position.SpreadPosition{
		EntryGapUSD:         52,
		EnteredAt:           h.clock.now().Add(-5 * time.Minute),
		CheapVenue:          "alpha",
		ExpensiveVenue:      "bravo",
		SizeBTC:             0.1,
		CheapEntryPrice:     99990,
		ExpensiveEntryPrice: 100042,
		CheapOrderID:        "alpha-order-9",
		ExpensiveOrderID:    "bravo-order-9",
	}
	if err := state.SavePosition(ctx, h.store, pos); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	if err := h.coord.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := h.tracker.State(); got != position.StateOpen {
		t.Fatalf("expected OPEN after recovery, got %s", got)
	}
	restored, ok := h.tracker.Snapshot()
	if !ok || restored.CheapOrderID != "alpha-order-9" {
		t.Fatalf("restored position mismatch: %+v", restored)
	}
	if !restored.EnteredAt.Equal(pos.EnteredAt) {
		t.Fatalf("entry time must survive recovery: %v != %v", restored.EnteredAt, pos.EnteredAt)
	}
}

func TestRecoverHonorsUnhedgedFlag(t *testing.T) {
	h := newHarness(t, 100000, 100055)
	ctx := context.Background()
	if err := state.SetUnhedged(ctx, h.store, "alpha leg standing from previous run"); err != nil {
		t.Fatalf("SetUnhedged: %v", err)
	}
	if err := h.coord.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if placed := h.venueA.placedOrders(); len(placed) != 0 {
		t.Fatalf("expected entries halted after unhedged recovery, got %d orders", len(placed))
	}
}

func TestFundingForcedExit(t *testing.T) {
	h := newHarness(t, 100000, 100055)
	h.coord.cfg.ExitOnFundingRisk = true
	ctx := context.Background()
	if err := h.coord.OnMarketUpdate(ctx); err != nil {
		t.Fatalf("entry: %v", err)
	}
	h.clock.advance(10 * time.Second)
	h.coord.OnFundingUnfavorable(ctx, -0.0004)
	if got := h.tracker.State(); got != position.StateFlat {
		t.Fatalf("expected forced unwind on funding risk, got %s", got)
	}
	entry := h.audit.last(t)
	if entry.Action != tradelog.ActionEmergencyClose {
		t.Fatalf("expected EMERGENCY_CLOSE audit, got %s", entry.Action)
	}
}
