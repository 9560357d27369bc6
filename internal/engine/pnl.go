package engine

import (
	"spread-hedge-bot/internal/position"
	"spread-hedge-bot/internal/venue"
)

// Realized P&L on a round trip: the long leg earns (exit - entry) per
// unit on the cheap venue, the short leg earns (entry - exit) on the
// expensive one. Fees come from the venue fill when reported and fall
// back to the configured taker rate otherwise.
func (c *Coordinator) realizedPnl(pos position.SpreadPosition, cheapExit, expensiveExit legOutcome) (usd, btc float64) {
	longPnl := (cheapExit.result.AvgPrice - pos.CheapEntryPrice) * pos.SizeBTC
	shortPnl := (pos.ExpensiveEntryPrice - expensiveExit.result.AvgPrice) * pos.SizeBTC

	fees := c.fillFee(pos.CheapVenue, pos.CheapEntryPrice, pos.SizeBTC, pos.CheapEntryFeeUSD) +
		c.fillFee(pos.ExpensiveVenue, pos.ExpensiveEntryPrice, pos.SizeBTC, pos.ExpensiveEntryFeeUSD) +
		c.fillFee(pos.CheapVenue, cheapExit.result.AvgPrice, cheapExit.result.FilledSize, cheapExit.result.FeeUSD) +
		c.fillFee(pos.ExpensiveVenue, expensiveExit.result.AvgPrice, expensiveExit.result.FilledSize, expensiveExit.result.FeeUSD)

	usd = longPnl + shortPnl - fees
	ref := (cheapExit.result.AvgPrice + expensiveExit.result.AvgPrice) / 2
	if ref > 0 {
		btc = usd / ref
	}
	return usd, btc
}

// partialExitPnl prices a degraded unwind where one leg closed at the
// intended level and the stuck leg was flattened aggressively. The two
// outcomes are matched to their venue by side: the selling leg unwinds
// the cheap venue's long, the buying leg covers the expensive short.
func (c *Coordinator) partialExitPnl(pos position.SpreadPosition, closed, corrective legOutcome) (usd, btc float64) {
	cheapExit, expensiveExit := closed, corrective
	if closed.req.Side == venue.SideBuy {
		cheapExit, expensiveExit = corrective, closed
	}
	return c.realizedPnl(pos, cheapExit, expensiveExit)
}

// fillFee prefers the fee the venue reported for the fill; a zero
// report falls back to the configured taker rate on the notional.
func (c *Coordinator) fillFee(venueName string, price, size, reportedUSD float64) float64 {
	if reportedUSD > 0 {
		return reportedUSD
	}
	cfg, ok := c.fees[venueName]
	if !ok {
		return 0
	}
	return price * size * cfg.TakerFeeBps / 10_000
}
