package state

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"spread-hedge-bot/internal/position"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	PositionKey = "position:active"
	UnhedgedKey = "position:unhedged"
)

// PositionSnapshot is the persisted form of an open hedge. It survives
// restarts so the bot reports a standing position instead of treating
// the books as flat.
type PositionSnapshot struct {
	EntryGapUSD          float64   `msgpack:"entry_gap_usd"`
	EnteredAt            time.Time `msgpack:"entered_at"`
	CheapVenue           string    `msgpack:"cheap_venue"`
	ExpensiveVenue       string    `msgpack:"expensive_venue"`
	SizeBTC              float64   `msgpack:"size_btc"`
	CheapEntryPrice      float64   `msgpack:"cheap_entry_price"`
	ExpensiveEntryPrice  float64   `msgpack:"expensive_entry_price"`
	CheapEntryFeeUSD     float64   `msgpack:"cheap_entry_fee_usd"`
	ExpensiveEntryFeeUSD float64   `msgpack:"expensive_entry_fee_usd"`
	CheapOrderID         string    `msgpack:"cheap_order_id"`
	ExpensiveOrderID     string    `msgpack:"expensive_order_id"`
}

func snapshotFromPosition(pos position.SpreadPosition) PositionSnapshot {
	return PositionSnapshot{
		EntryGapUSD:          pos.EntryGapUSD,
		EnteredAt:            pos.EnteredAt,
		CheapVenue:           pos.CheapVenue,
		ExpensiveVenue:       pos.ExpensiveVenue,
		SizeBTC:              pos.SizeBTC,
		CheapEntryPrice:      pos.CheapEntryPrice,
		ExpensiveEntryPrice:  pos.ExpensiveEntryPrice,
		CheapEntryFeeUSD:     pos.CheapEntryFeeUSD,
		ExpensiveEntryFeeUSD: pos.ExpensiveEntryFeeUSD,
		CheapOrderID:         pos.CheapOrderID,
		ExpensiveOrderID:     pos.ExpensiveOrderID,
	}
}

func (s PositionSnapshot) Position() position.SpreadPosition {
	return position.SpreadPosition{
		EntryGapUSD:          s.EntryGapUSD,
		EnteredAt:            s.EnteredAt,
		CheapVenue:           s.CheapVenue,
		ExpensiveVenue:       s.ExpensiveVenue,
		SizeBTC:              s.SizeBTC,
		CheapEntryPrice:      s.CheapEntryPrice,
		ExpensiveEntryPrice:  s.ExpensiveEntryPrice,
		CheapEntryFeeUSD:     s.CheapEntryFeeUSD,
		ExpensiveEntryFeeUSD: s.ExpensiveEntryFeeUSD,
		CheapOrderID:         s.CheapOrderID,
		ExpensiveOrderID:     s.ExpensiveOrderID,
	}
}

// SavePosition persists the open hedge.
func SavePosition(ctx context.Context, store Store, pos position.SpreadPosition) error {
	if store == nil {
		return nil
	}
	payload, err := msgpack.Marshal(snapshotFromPosition(pos))
	if err != nil {
		return err
	}
	return store.Set(ctx, PositionKey, base64.StdEncoding.EncodeToString(payload))
}

// LoadPosition returns the persisted hedge, if any.
func LoadPosition(ctx context.Context, store Store) (position.SpreadPosition, bool, error) {
	if store == nil {
		return position.SpreadPosition{}, false, nil
	}
	raw, ok, err := store.Get(ctx, PositionKey)
	if err != nil || !ok || strings.TrimSpace(raw) == "" {
		return position.SpreadPosition{}, false, err
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return position.SpreadPosition{}, false, err
	}
	var snapshot PositionSnapshot
	if err := msgpack.Unmarshal(payload, &snapshot); err != nil {
		return position.SpreadPosition{}, false, err
	}
	return snapshot.Position(), true, nil
}

// ClearPosition removes the persisted hedge after a clean close.
func ClearPosition(ctx context.Context, store Store) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, PositionKey)
}

// SetUnhedged flags an outstanding unhedged leg. The flag blocks new
// entries until an operator clears it.
func SetUnhedged(ctx context.Context, store Store, detail string) error {
	if store == nil {
		return nil
	}
	return store.Set(ctx, UnhedgedKey, detail)
}

// Unhedged reports the outstanding unhedged flag, if set.
func Unhedged(ctx context.Context, store Store) (string, bool, error) {
	if store == nil {
		return "", false, nil
	}
	return store.Get(ctx, UnhedgedKey)
}

// ClearUnhedged removes the flag. Operator action.
func ClearUnhedged(ctx context.Context, store Store) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, UnhedgedKey)
}
