package tradelog

import (
	"strconv"
	"time"

	"spread-hedge-bot/internal/venue"
)

type Action string

const (
	ActionEntry          Action = "ENTRY"
	ActionExit           Action = "EXIT"
	ActionEmergencyClose Action = "EMERGENCY_CLOSE"
	ActionUnhedgedClose  Action = "UNHEDGED_CLOSE"
)

type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	StatusPartial  Status = "PARTIAL"
	StatusUnhedged Status = "UNHEDGED"
)

// LegDetail is the execution record of one side of the hedge.
type LegDetail struct {
	Venue      string
	Side       venue.Side
	OrderID    string
	FilledSize float64
	Price      float64
	Filled     bool
	FeeUSD     float64
}

// Entry is one audit record. Every lifecycle event produces one,
// including failed attempts that never changed position state.
type Entry struct {
	Timestamp           time.Time
	Action              Action
	Status              Status
	Symbol              string
	EntryGapUSD         float64
	ExitGapUSD          float64
	CheapVenue          string
	ExpensiveVenue      string
	SizeBTC             float64
	RealizedPnlUSD      float64
	RealizedPnlBTC      float64
	HoldDurationSeconds int64
	CheapLeg            LegDetail
	ExpensiveLeg        LegDetail
	Note                string
}

var header = []string{
	"timestamp",
	"action",
	"status",
	"symbol",
	"entry_gap_usd",
	"exit_gap_usd",
	"cheap_venue",
	"expensive_venue",
	"size_btc",
	"realized_pnl_usd",
	"realized_pnl_btc",
	"hold_seconds",
	"cheap_side",
	"cheap_order_id",
	"cheap_filled_size",
	"cheap_price",
	"cheap_filled",
	"cheap_fee_usd",
	"expensive_side",
	"expensive_order_id",
	"expensive_filled_size",
	"expensive_price",
	"expensive_filled",
	"expensive_fee_usd",
	"note",
}

func (e Entry) row() []string {
	return []string{
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Action),
		string(e.Status),
		e.Symbol,
		formatFloat(e.EntryGapUSD),
		formatFloat(e.ExitGapUSD),
		e.CheapVenue,
		e.ExpensiveVenue,
		formatFloat(e.SizeBTC),
		formatFloat(e.RealizedPnlUSD),
		formatFloat(e.RealizedPnlBTC),
		strconv.FormatInt(e.HoldDurationSeconds, 10),
		string(e.CheapLeg.Side),
		e.CheapLeg.OrderID,
		formatFloat(e.CheapLeg.FilledSize),
		formatFloat(e.CheapLeg.Price),
		strconv.FormatBool(e.CheapLeg.Filled),
		formatFloat(e.CheapLeg.FeeUSD),
		string(e.ExpensiveLeg.Side),
		e.ExpensiveLeg.OrderID,
		formatFloat(e.ExpensiveLeg.FilledSize),
		formatFloat(e.ExpensiveLeg.Price),
		strconv.FormatBool(e.ExpensiveLeg.Filled),
		formatFloat(e.ExpensiveLeg.FeeUSD),
		e.Note,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
