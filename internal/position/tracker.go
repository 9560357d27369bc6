package position

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type State string

const (
	StateFlat State = "FLAT"
	StateOpen State = "OPEN"
)

var (
	// ErrInvalidState marks a lifecycle violation: opening while OPEN
	// or closing while FLAT. Callers must not swallow it.
	ErrInvalidState = errors.New("invalid position state")
	// ErrNoPosition is returned when order ids arrive with no open position.
	ErrNoPosition = errors.New("no open position")
)

// SpreadPosition is the active two-leg hedge. It exists exactly while
// the tracker is OPEN.
type SpreadPosition struct {
	EntryGapUSD         float64
	EnteredAt           time.Time
	CheapVenue          string
	ExpensiveVenue      string
	SizeBTC             float64
	CheapEntryPrice     float64
	ExpensiveEntryPrice float64
	// Entry fees as the venues reported them at fill time; zero when a
	// venue reported none.
	CheapEntryFeeUSD     float64
	ExpensiveEntryFeeUSD float64
	CheapOrderID         string
	ExpensiveOrderID     string
}

// TradeRecord is one closed round trip. Immutable once created.
type TradeRecord struct {
	ID                  string
	EnteredAt           time.Time
	EntryGapUSD         float64
	ExitGapUSD          float64
	CheapVenue          string
	ExpensiveVenue      string
	SizeBTC             float64
	RealizedPnlBTC      float64
	HoldDurationSeconds int64
}

type TradeStats struct {
	Count          int
	TotalPnlBTC    float64
	AvgHoldSeconds float64
	WinRate        float64
}

// Tracker holds the single source of truth for the bot's position
// lifecycle. State and position presence are kept consistent under one
// lock: OPEN if and only if a position exists.
type Tracker struct {
	log *zap.Logger
	now func() time.Time

	mu         sync.Mutex
	state      State
	position   *SpreadPosition
	history    []TradeRecord
	lastExitAt time.Time
}

func NewTracker(log *zap.Logger) *Tracker {
	return &Tracker{log: log, now: time.Now, state: StateFlat}
}

// WithClock swaps the time source. Test hook.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) Open(entryGapUSD float64, cheapVenue, expensiveVenue string, sizeBTC, cheapPrice, expensivePrice, cheapFeeUSD, expensiveFeeUSD float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateFlat {
		return fmt.Errorf("open position: state is %s: %w", t.state, ErrInvalidState)
	}
	if cheapVenue == expensiveVenue {
		return fmt.Errorf("open position: cheap and expensive venue are both %q", cheapVenue)
	}
	if sizeBTC <= 0 {
		return fmt.Errorf("open position: size must be > 0, got %v", sizeBTC)
	}
	t.position = &SpreadPosition{
		EntryGapUSD:          entryGapUSD,
		EnteredAt:            t.now(),
		CheapVenue:           cheapVenue,
		ExpensiveVenue:       expensiveVenue,
		SizeBTC:              sizeBTC,
		CheapEntryPrice:      cheapPrice,
		ExpensiveEntryPrice:  expensivePrice,
		CheapEntryFeeUSD:     cheapFeeUSD,
		ExpensiveEntryFeeUSD: expensiveFeeUSD,
	}
	t.state = StateOpen
	if t.log != nil {
		t.log.Info("position opened",
			zap.Float64("entry_gap_usd", entryGapUSD),
			zap.String("cheap_venue", cheapVenue),
			zap.String("expensive_venue", expensiveVenue),
			zap.Float64("size_btc", sizeBTC),
		)
	}
	return nil
}

func (t *Tracker) AttachOrderIDs(cheapOrderID, expensiveOrderID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen || t.position == nil {
		return fmt.Errorf("attach order ids: %w", ErrNoPosition)
	}
	t.position.CheapOrderID = cheapOrderID
	t.position.ExpensiveOrderID = expensiveOrderID
	return nil
}

// Close ends the active position, appends the trade record and returns
// it. Hold duration is floor((now - entry) / 1s).
func (t *Tracker) Close(exitGapUSD, realizedPnlBTC float64) (TradeRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen || t.position == nil {
		return TradeRecord{}, fmt.Errorf("close position: state is %s: %w", t.state, ErrInvalidState)
	}
	now := t.now()
	hold := int64(now.Sub(t.position.EnteredAt) / time.Second)
	if hold < 0 {
		hold = 0
	}
	record := TradeRecord{
		ID:                  fmt.Sprintf("trade-%d", t.position.EnteredAt.UnixMilli()),
		EnteredAt:           t.position.EnteredAt,
		EntryGapUSD:         t.position.EntryGapUSD,
		ExitGapUSD:          exitGapUSD,
		CheapVenue:          t.position.CheapVenue,
		ExpensiveVenue:      t.position.ExpensiveVenue,
		SizeBTC:             t.position.SizeBTC,
		RealizedPnlBTC:      realizedPnlBTC,
		HoldDurationSeconds: hold,
	}
	t.history = append(t.history, record)
	t.position = nil
	t.state = StateFlat
	t.lastExitAt = now
	if t.log != nil {
		t.log.Info("position closed",
			zap.Float64("exit_gap_usd", exitGapUSD),
			zap.Float64("realized_pnl_btc", realizedPnlBTC),
			zap.Int64("hold_seconds", hold),
		)
	}
	return record, nil
}

// Restore reinstates a persisted position after a restart. Same
// invariants as Open, but the entry timestamp is kept.
func (t *Tracker) Restore(pos SpreadPosition) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateFlat {
		return fmt.Errorf("restore position: state is %s: %w", t.state, ErrInvalidState)
	}
	if pos.CheapVenue == pos.ExpensiveVenue || pos.SizeBTC <= 0 {
		return fmt.Errorf("restore position: invalid snapshot %+v", pos)
	}
	restored := pos
	t.position = &restored
	t.state = StateOpen
	return nil
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot returns a copy of the active position. Concurrent readers
// must treat it as a point-in-time value, not a live reference.
func (t *Tracker) Snapshot() (SpreadPosition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.position == nil {
		return SpreadPosition{}, false
	}
	return *t.position, true
}

func (t *Tracker) LastExitAt() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastExitAt, !t.lastExitAt.IsZero()
}

func (t *Tracker) History() []TradeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TradeRecord, len(t.history))
	copy(out, t.history)
	return out
}

// Stats aggregates closed trades. Zero-valued when no trades exist.
func (t *Tracker) Stats() TradeStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := TradeStats{Count: len(t.history)}
	if stats.Count == 0 {
		return stats
	}
	var holdSum int64
	wins := 0
	for _, record := range t.history {
		stats.TotalPnlBTC += record.RealizedPnlBTC
		holdSum += record.HoldDurationSeconds
		if record.RealizedPnlBTC > 0 {
			wins++
		}
	}
	stats.AvgHoldSeconds = float64(holdSum) / float64(stats.Count)
	stats.WinRate = float64(wins) / float64(stats.Count)
	return stats
}
