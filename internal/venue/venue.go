package venue

import (
	"context"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the unwinding side for a leg.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderRequest struct {
	Symbol        string
	Side          Side
	Size          float64
	Price         float64
	ReduceOnly    bool
	ClientOrderID string
}

type OrderResult struct {
	OrderID    string
	FilledSize float64
	AvgPrice   float64
	FeeUSD     float64
	Filled     bool
}

type PriceLevel struct {
	Price float64
	Size  float64
}

type OrderBook struct {
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// Mid returns the order book midpoint, or 0 when either side is empty.
func (b OrderBook) Mid() float64 {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	return (b.Bids[0].Price + b.Asks[0].Price) / 2
}

// Venue is one exchange adapter. Implementations own transport,
// authentication and symbol mapping; the coordinator reaches them only
// through the retry governor and treats every call as fallible.
type Venue interface {
	Name() string
	Initialize(ctx context.Context) error
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOrderBook(ctx context.Context, symbol string) (OrderBook, error)
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// CancelByClientID cancels by the id the caller chose at placement.
	// It is the only cancel that works when the placement response was
	// lost, so the venue may have accepted an order we never saw. A
	// venue that has no order under the id reports success.
	CancelByClientID(ctx context.Context, symbol, clientOrderID string) error
	SubscribeToMarketData(ctx context.Context, symbol string, onUpdate func()) error
	Close() error
}
