package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"spread-hedge-bot/internal/config"
	"spread-hedge-bot/internal/metrics"
	"spread-hedge-bot/internal/position"
	"spread-hedge-bot/internal/retry"
	"spread-hedge-bot/internal/risk"
	"spread-hedge-bot/internal/state"
	"spread-hedge-bot/internal/tradelog"
	"spread-hedge-bot/internal/venue"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	bookFetchTimeout = 5 * time.Second
	// correctiveSlip is the price concession on an aggressive-limit
	// corrective close of a lone filled leg.
	correctiveSlip = 0.005
)

// Escalator is the operator channel for conditions that need a human.
type Escalator interface {
	Send(ctx context.Context, message string) error
}

// Params wires the coordinator's collaborators.
type Params struct {
	Log       *zap.Logger
	Strategy  config.StrategyConfig
	Risk      config.RiskConfig
	VenueA    venue.Venue
	VenueB    venue.Venue
	VenueACfg config.VenueConfig
	VenueBCfg config.VenueConfig
	Tracker   *position.Tracker
	Breaker   *risk.Breaker
	Audit     tradelog.Log
	Store     state.Store
	Metrics   *metrics.Metrics
	Alerts    Escalator
	RetryOpts retry.Options
}

// Coordinator owns the hedge lifecycle: it evaluates entry and exit
// conditions on every market update, drives dual-leg placement through
// the retry governor, and is the only writer of position state.
type Coordinator struct {
	log     *zap.Logger
	cfg     config.StrategyConfig
	riskCfg config.RiskConfig
	tracker *position.Tracker
	breaker *risk.Breaker
	audit   tradelog.Log
	store   state.Store
	metrics *metrics.Metrics
	alerts  Escalator
	retry   retry.Options
	now     func() time.Time

	venues map[string]venue.Venue
	fees   map[string]config.VenueConfig
	nameA  string
	nameB  string

	// inFlight serializes evaluations. An update arriving while one
	// is awaiting network I/O is dropped, never interleaved: two
	// interleaved evaluations could both observe FLAT and double-open.
	inFlight atomic.Bool

	// unhedged blocks new entries until the operator clears the flag
	// in the state store. Exits are never blocked.
	unhedged atomic.Bool
}

func New(p Params) *Coordinator {
	if p.Metrics == nil {
		p.Metrics = metrics.NewNoop()
	}
	c := &Coordinator{
		log:     p.Log,
		cfg:     p.Strategy,
		riskCfg: p.Risk,
		tracker: p.Tracker,
		breaker: p.Breaker,
		audit:   p.Audit,
		store:   p.Store,
		metrics: p.Metrics,
		alerts:  p.Alerts,
		retry:   p.RetryOpts,
		now:     time.Now,
		venues:  map[string]venue.Venue{p.VenueA.Name(): p.VenueA, p.VenueB.Name(): p.VenueB},
		fees:    map[string]config.VenueConfig{p.VenueA.Name(): p.VenueACfg, p.VenueB.Name(): p.VenueBCfg},
		nameA:   p.VenueA.Name(),
		nameB:   p.VenueB.Name(),
	}
	return c
}

// WithClock swaps the time source. Test hook.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Recover restores a persisted position and the unhedged flag after a
// restart. Called once before the first evaluation.
func (c *Coordinator) Recover(ctx context.Context) error {
	if detail, ok, err := state.Unhedged(ctx, c.store); err != nil {
		return err
	} else if ok {
		c.unhedged.Store(true)
		c.log.Error("unhedged exposure outstanding from previous run, new entries halted",
			zap.String("detail", detail))
	}
	pos, ok, err := state.LoadPosition(ctx, c.store)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := c.tracker.Restore(pos); err != nil {
		return err
	}
	c.log.Info("restored open position from state store",
		zap.String("cheap_venue", pos.CheapVenue),
		zap.String("expensive_venue", pos.ExpensiveVenue),
		zap.Float64("entry_gap_usd", pos.EntryGapUSD),
		zap.Time("entered_at", pos.EnteredAt),
	)
	return nil
}

// ClearUnhedged lifts the entry halt after manual reconciliation.
func (c *Coordinator) ClearUnhedged(ctx context.Context) error {
	if err := state.ClearUnhedged(ctx, c.store); err != nil {
		return err
	}
	c.unhedged.Store(false)
	c.log.Info("unhedged flag cleared, entries re-enabled")
	return nil
}

// OnMarketUpdate is the single evaluation entry point, invoked by both
// the periodic ticker and venue push notifications. Calls arriving
// while an evaluation is in flight are dropped.
func (c *Coordinator) OnMarketUpdate(ctx context.Context) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.metrics.EvaluationsBusy.Inc()
		return nil
	}
	defer c.inFlight.Store(false)
	return c.evaluate(ctx)
}

func (c *Coordinator) evaluate(ctx context.Context) error {
	midA, midB, err := c.fetchMids(ctx)
	if err != nil {
		return fmt.Errorf("fetch order books: %w", err)
	}

	switch c.tracker.State() {
	case position.StateFlat:
		cheap, expensive := c.nameA, c.nameB
		cheapMid, expensiveMid := midA, midB
		if midB < midA {
			cheap, expensive = c.nameB, c.nameA
			cheapMid, expensiveMid = midB, midA
		}
		gap := expensiveMid - cheapMid
		c.metrics.LastGapUSD.Set(gap)
		if gap < c.cfg.EntryGapUSD {
			return nil
		}
		return c.enter(ctx, gap, cheap, expensive, cheapMid, expensiveMid)
	case position.StateOpen:
		pos, ok := c.tracker.Snapshot()
		if !ok {
			return nil
		}
		cheapMid, expensiveMid := midA, midB
		if pos.CheapVenue == c.nameB {
			cheapMid, expensiveMid = midB, midA
		}
		gap := expensiveMid - cheapMid
		c.metrics.LastGapUSD.Set(gap)
		hold := c.now().Sub(pos.EnteredAt)
		if c.cfg.MaxHoldDuration > 0 && hold >= c.cfg.MaxHoldDuration {
			c.log.Warn("max hold duration reached, forcing unwind",
				zap.Duration("hold", hold), zap.Float64("gap_usd", gap))
			return c.exit(ctx, pos, gap, cheapMid, expensiveMid, tradelog.ActionEmergencyClose)
		}
		if gap <= c.cfg.ExitGapUSD && hold >= c.cfg.MinHoldDuration {
			return c.exit(ctx, pos, gap, cheapMid, expensiveMid, tradelog.ActionExit)
		}
		return nil
	}
	return nil
}

// OnFundingUnfavorable is the funding monitor's escalation hook. When
// forced exit on funding risk is enabled it unwinds the hedge; it is
// otherwise a metrics-and-log signal only.
func (c *Coordinator) OnFundingUnfavorable(ctx context.Context, netPerHour float64) {
	c.metrics.FundingWarnings.Inc()
	c.metrics.NetFundingPerHr.Set(netPerHour)
	if !c.cfg.ExitOnFundingRisk {
		return
	}
	if c.tracker.State() != position.StateOpen {
		return
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer c.inFlight.Store(false)
	pos, ok := c.tracker.Snapshot()
	if !ok {
		return
	}
	midA, midB, err := c.fetchMids(ctx)
	if err != nil {
		c.log.Warn("funding-driven exit aborted, order books unavailable", zap.Error(err))
		return
	}
	cheapMid, expensiveMid := midA, midB
	if pos.CheapVenue == c.nameB {
		cheapMid, expensiveMid = midB, midA
	}
	gap := expensiveMid - cheapMid
	c.log.Warn("unfavorable funding, forcing unwind",
		zap.Float64("net_per_hour", netPerHour), zap.Float64("gap_usd", gap))
	if err := c.exit(ctx, pos, gap, cheapMid, expensiveMid, tradelog.ActionEmergencyClose); err != nil {
		c.log.Error("funding-driven unwind failed", zap.Error(err))
	}
}

func (c *Coordinator) fetchMids(ctx context.Context) (float64, float64, error) {
	venueA := c.venues[c.nameA]
	venueB := c.venues[c.nameB]
	var midA, midB float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mid, err := c.fetchMid(gctx, venueA)
		midA = mid
		return err
	})
	g.Go(func() error {
		mid, err := c.fetchMid(gctx, venueB)
		midB = mid
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return midA, midB, nil
}

func (c *Coordinator) fetchMid(ctx context.Context, v venue.Venue) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, bookFetchTimeout)
	defer cancel()
	book, err := retry.DoWithResult(ctx, c.retry, c.log, func() (venue.OrderBook, error) {
		return v.GetOrderBook(ctx, c.cfg.Symbol)
	})
	if err != nil {
		return 0, fmt.Errorf("order book from %s: %w", v.Name(), err)
	}
	mid := book.Mid()
	if mid <= 0 {
		return 0, fmt.Errorf("order book from %s has no usable mid", v.Name())
	}
	return mid, nil
}

type legOutcome struct {
	req    venue.OrderRequest
	result venue.OrderResult
	err    error
}

func (o legOutcome) filled() bool {
	return o.err == nil && o.result.Filled && o.result.FilledSize > 0
}

// placeLegs submits both legs concurrently, one per venue, each with
// its own timeout and retry budget. Calls to the same venue are never
// issued concurrently: cancels and corrective closes happen only after
// both placements have returned.
func (c *Coordinator) placeLegs(ctx context.Context, timeout time.Duration, reqA, reqB legPlan) (legOutcome, legOutcome) {
	var outA, outB legOutcome
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		outA = c.placeLeg(ctx, timeout, reqA)
		return nil
	})
	g.Go(func() error {
		outB = c.placeLeg(ctx, timeout, reqB)
		return nil
	})
	_ = g.Wait()
	return outA, outB
}

type legPlan struct {
	venueName string
	req       venue.OrderRequest
}

func (c *Coordinator) placeLeg(ctx context.Context, timeout time.Duration, plan legPlan) legOutcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v := c.venues[plan.venueName]
	result, err := retry.DoWithResult(ctx, c.retry, c.log, func() (venue.OrderResult, error) {
		return v.PlaceOrder(ctx, plan.req)
	})
	if err != nil {
		c.metrics.OrdersFailed.Inc()
	} else {
		c.metrics.OrdersPlaced.Inc()
	}
	return legOutcome{req: plan.req, result: result, err: err}
}

// cancelResting makes sure an unfilled leg is not left resting on the
// venue. A placement error or timeout is not proof nothing rested: the
// venue may have accepted the order and only the response was lost, so
// with no exchange order id in hand the cancel goes out keyed by the
// client order id we chose at placement.
func (c *Coordinator) cancelResting(ctx context.Context, venueName string, out legOutcome) {
	if out.filled() {
		return
	}
	v := c.venues[venueName]
	if out.result.OrderID != "" {
		err := retry.Do(ctx, c.retry, c.log, func() error {
			return v.CancelOrder(ctx, c.cfg.Symbol, out.result.OrderID)
		})
		if err != nil {
			c.log.Warn("failed to cancel resting order",
				zap.String("venue", venueName),
				zap.String("order_id", out.result.OrderID),
				zap.Error(err),
			)
		}
		return
	}
	if out.req.ClientOrderID == "" {
		return
	}
	err := retry.Do(ctx, c.retry, c.log, func() error {
		return v.CancelByClientID(ctx, c.cfg.Symbol, out.req.ClientOrderID)
	})
	if err != nil {
		c.log.Warn("failed to cancel possibly-resting order by client id",
			zap.String("venue", venueName),
			zap.String("client_order_id", out.req.ClientOrderID),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) enter(ctx context.Context, gap float64, cheap, expensive string, cheapMid, expensiveMid float64) error {
	if c.unhedged.Load() {
		c.log.Warn("entry suppressed, unhedged exposure outstanding")
		return nil
	}
	if c.breaker.ShouldBlockTrading() {
		c.log.Debug("entry suppressed by cooldown", zap.Float64("gap_usd", gap))
		return nil
	}
	size := c.cfg.PositionSizeBTC
	c.log.Info("entry signal",
		zap.Float64("gap_usd", gap),
		zap.String("cheap_venue", cheap),
		zap.String("expensive_venue", expensive),
		zap.Float64("size_btc", size),
		zap.Float64("required_margin_usd", risk.EntryMarginUSD(c.riskCfg, size*cheapMid)),
	)

	clientID := "enter-" + uuid.NewString()
	cheapPlan := legPlan{venueName: cheap, req: venue.OrderRequest{
		Symbol:        c.cfg.Symbol,
		Side:          venue.SideBuy,
		Size:          size,
		Price:         cheapMid,
		ClientOrderID: clientID + "-cheap",
	}}
	expensivePlan := legPlan{venueName: expensive, req: venue.OrderRequest{
		Symbol:        c.cfg.Symbol,
		Side:          venue.SideSell,
		Size:          size,
		Price:         expensiveMid,
		ClientOrderID: clientID + "-expensive",
	}}
	cheapOut, expensiveOut := c.placeLegs(ctx, c.cfg.EntryTimeout, cheapPlan, expensivePlan)

	entry := tradelog.Entry{
		Timestamp:      c.now(),
		Action:         tradelog.ActionEntry,
		Symbol:         c.cfg.Symbol,
		EntryGapUSD:    gap,
		CheapVenue:     cheap,
		ExpensiveVenue: expensive,
		SizeBTC:        size,
		CheapLeg:       legDetail(cheap, cheapOut),
		ExpensiveLeg:   legDetail(expensive, expensiveOut),
	}

	switch {
	case cheapOut.filled() && expensiveOut.filled():
		if err := c.tracker.Open(gap, cheap, expensive, size,
			cheapOut.result.AvgPrice, expensiveOut.result.AvgPrice,
			cheapOut.result.FeeUSD, expensiveOut.result.FeeUSD); err != nil {
			return err
		}
		if err := c.tracker.AttachOrderIDs(cheapOut.result.OrderID, expensiveOut.result.OrderID); err != nil {
			return err
		}
		if pos, ok := c.tracker.Snapshot(); ok {
			if err := state.SavePosition(ctx, c.store, pos); err != nil {
				c.log.Warn("failed to persist position", zap.Error(err))
			}
		}
		c.metrics.Entries.Inc()
		entry.Status = tradelog.StatusSuccess
		c.appendAudit(entry)
		c.log.Info("hedge established",
			zap.String("cheap_order_id", cheapOut.result.OrderID),
			zap.String("expensive_order_id", expensiveOut.result.OrderID),
		)
		return nil

	case !cheapOut.filled() && !expensiveOut.filled():
		c.cancelResting(ctx, cheap, cheapOut)
		c.cancelResting(ctx, expensive, expensiveOut)
		c.recordFailure()
		c.metrics.EntriesFailed.Inc()
		entry.Status = tradelog.StatusFailed
		entry.Note = entryFailureNote(cheapOut, expensiveOut)
		c.appendAudit(entry)
		c.log.Warn("entry failed on both legs, no position taken",
			zap.NamedError("cheap_error", cheapOut.err),
			zap.NamedError("expensive_error", expensiveOut.err),
		)
		return nil

	default:
		return c.closeUnhedgedEntry(ctx, entry, cheap, expensive, cheapOut, expensiveOut)
	}
}

// closeUnhedgedEntry handles the one-leg-filled entry outcome: cancel
// the unfilled side, flatten the filled side at an aggressive limit,
// and engage the cooldown. A failed corrective close leaves the bot
// running with entries halted until the operator intervenes.
func (c *Coordinator) closeUnhedgedEntry(ctx context.Context, entry tradelog.Entry, cheap, expensive string, cheapOut, expensiveOut legOutcome) error {
	filledVenue, filledOut := cheap, cheapOut
	restingVenue, restingOut := expensive, expensiveOut
	if expensiveOut.filled() {
		filledVenue, filledOut = expensive, expensiveOut
		restingVenue, restingOut = cheap, cheapOut
	}
	c.cancelResting(ctx, restingVenue, restingOut)
	c.recordFailure()
	c.log.Error("unhedged exposure: one leg filled, attempting corrective close",
		zap.String("filled_venue", filledVenue),
		zap.String("filled_order_id", filledOut.result.OrderID),
		zap.Float64("filled_size", filledOut.result.FilledSize),
	)

	entry.Action = tradelog.ActionUnhedgedClose
	corrective := c.flattenLeg(ctx, filledVenue, filledOut)
	if corrective.filled() {
		c.metrics.UnhedgedCloses.Inc()
		entry.Status = tradelog.StatusPartial
		entry.Note = fmt.Sprintf("corrective close filled on %s at %v", filledVenue, corrective.result.AvgPrice)
		c.appendAudit(entry)
		c.log.Warn("corrective close succeeded, flat again",
			zap.String("venue", filledVenue),
			zap.Float64("close_price", corrective.result.AvgPrice),
		)
		return nil
	}

	c.cancelResting(ctx, filledVenue, corrective)
	detail := fmt.Sprintf("leg filled on %s (order %s, size %v) and corrective close failed",
		filledVenue, filledOut.result.OrderID, filledOut.result.FilledSize)
	c.unhedged.Store(true)
	if err := state.SetUnhedged(ctx, c.store, detail); err != nil {
		c.log.Warn("failed to persist unhedged flag", zap.Error(err))
	}
	entry.Status = tradelog.StatusUnhedged
	entry.Note = detail
	c.appendAudit(entry)
	c.escalate(ctx, "UNHEDGED EXPOSURE: "+detail+" — manual intervention required, entries halted")
	c.log.Error("corrective close failed, manual intervention required",
		zap.String("detail", detail),
		zap.NamedError("corrective_error", corrective.err),
	)
	return nil
}

// flattenLeg reverses a filled leg at an aggressive limit price.
func (c *Coordinator) flattenLeg(ctx context.Context, venueName string, filled legOutcome) legOutcome {
	side := filled.req.Side.Opposite()
	price := filled.result.AvgPrice
	if price <= 0 {
		price = filled.req.Price
	}
	if side == venue.SideSell {
		price *= 1 - correctiveSlip
	} else {
		price *= 1 + correctiveSlip
	}
	plan := legPlan{venueName: venueName, req: venue.OrderRequest{
		Symbol:        c.cfg.Symbol,
		Side:          side,
		Size:          filled.result.FilledSize,
		Price:         price,
		ReduceOnly:    true,
		ClientOrderID: "flatten-" + uuid.NewString(),
	}}
	return c.placeLeg(ctx, c.cfg.ExitTimeout, plan)
}

func (c *Coordinator) exit(ctx context.Context, pos position.SpreadPosition, gap, cheapMid, expensiveMid float64, action tradelog.Action) error {
	clientID := "exit-" + uuid.NewString()
	// Unwind reverses the entry sides: sell what was bought cheap,
	// buy back what was sold expensive.
	cheapPlan := legPlan{venueName: pos.CheapVenue, req: venue.OrderRequest{
		Symbol:        c.cfg.Symbol,
		Side:          venue.SideSell,
		Size:          pos.SizeBTC,
		Price:         cheapMid,
		ReduceOnly:    true,
		ClientOrderID: clientID + "-cheap",
	}}
	expensivePlan := legPlan{venueName: pos.ExpensiveVenue, req: venue.OrderRequest{
		Symbol:        c.cfg.Symbol,
		Side:          venue.SideBuy,
		Size:          pos.SizeBTC,
		Price:         expensiveMid,
		ReduceOnly:    true,
		ClientOrderID: clientID + "-expensive",
	}}
	cheapOut, expensiveOut := c.placeLegs(ctx, c.cfg.ExitTimeout, cheapPlan, expensivePlan)

	entry := tradelog.Entry{
		Timestamp:      c.now(),
		Action:         action,
		Symbol:         c.cfg.Symbol,
		EntryGapUSD:    pos.EntryGapUSD,
		ExitGapUSD:     gap,
		CheapVenue:     pos.CheapVenue,
		ExpensiveVenue: pos.ExpensiveVenue,
		SizeBTC:        pos.SizeBTC,
		CheapLeg:       legDetail(pos.CheapVenue, cheapOut),
		ExpensiveLeg:   legDetail(pos.ExpensiveVenue, expensiveOut),
	}

	switch {
	case cheapOut.filled() && expensiveOut.filled():
		pnlUSD, pnlBTC := c.realizedPnl(pos, cheapOut, expensiveOut)
		record, err := c.tracker.Close(gap, pnlBTC)
		if err != nil {
			return err
		}
		if err := state.ClearPosition(ctx, c.store); err != nil {
			c.log.Warn("failed to clear persisted position", zap.Error(err))
		}
		c.metrics.Exits.Inc()
		if action == tradelog.ActionEmergencyClose {
			c.metrics.EmergencyCloses.Inc()
		}
		entry.Status = tradelog.StatusSuccess
		entry.RealizedPnlUSD = pnlUSD
		entry.RealizedPnlBTC = pnlBTC
		entry.HoldDurationSeconds = record.HoldDurationSeconds
		c.appendAudit(entry)
		c.log.Info("hedge unwound",
			zap.Float64("realized_pnl_usd", pnlUSD),
			zap.Float64("realized_pnl_btc", pnlBTC),
			zap.Int64("hold_seconds", record.HoldDurationSeconds),
		)
		return nil

	case !cheapOut.filled() && !expensiveOut.filled():
		c.cancelResting(ctx, pos.CheapVenue, cheapOut)
		c.cancelResting(ctx, pos.ExpensiveVenue, expensiveOut)
		c.recordFailure()
		entry.Status = tradelog.StatusFailed
		entry.Note = "unwind failed on both legs, position still open"
		c.appendAudit(entry)
		c.log.Warn("unwind failed on both legs, position unchanged",
			zap.NamedError("cheap_error", cheapOut.err),
			zap.NamedError("expensive_error", expensiveOut.err),
		)
		return nil

	default:
		return c.closeUnhedgedExit(ctx, entry, pos, gap, cheapOut, expensiveOut)
	}
}

// closeUnhedgedExit handles a partial unwind: one leg closed, the
// other still standing. It retries the stuck leg aggressively; if that
// also fails the position stays open in a degraded state with entries
// halted for the operator.
func (c *Coordinator) closeUnhedgedExit(ctx context.Context, entry tradelog.Entry, pos position.SpreadPosition, gap float64, cheapOut, expensiveOut legOutcome) error {
	stuckVenue, stuckOut := pos.ExpensiveVenue, expensiveOut
	closedOut := cheapOut
	if !cheapOut.filled() {
		stuckVenue, stuckOut = pos.CheapVenue, cheapOut
		closedOut = expensiveOut
	}
	c.cancelResting(ctx, stuckVenue, stuckOut)
	c.recordFailure()
	c.log.Error("partial unwind: one leg closed, retrying the other aggressively",
		zap.String("stuck_venue", stuckVenue))

	entry.Action = tradelog.ActionUnhedgedClose
	corrective := c.placeLeg(ctx, c.cfg.ExitTimeout, legPlan{venueName: stuckVenue, req: aggressive(stuckOut.req)})
	if corrective.filled() {
		pnlUSD, pnlBTC := c.partialExitPnl(pos, closedOut, corrective)
		record, err := c.tracker.Close(gap, pnlBTC)
		if err != nil {
			return err
		}
		if err := state.ClearPosition(ctx, c.store); err != nil {
			c.log.Warn("failed to clear persisted position", zap.Error(err))
		}
		c.metrics.UnhedgedCloses.Inc()
		entry.Status = tradelog.StatusPartial
		entry.RealizedPnlUSD = pnlUSD
		entry.RealizedPnlBTC = pnlBTC
		entry.HoldDurationSeconds = record.HoldDurationSeconds
		entry.Note = fmt.Sprintf("stuck %s leg closed aggressively at %v", stuckVenue, corrective.result.AvgPrice)
		c.appendAudit(entry)
		return nil
	}

	c.cancelResting(ctx, stuckVenue, corrective)
	detail := fmt.Sprintf("unwind left the %s leg standing and the aggressive retry failed", stuckVenue)
	c.unhedged.Store(true)
	if err := state.SetUnhedged(ctx, c.store, detail); err != nil {
		c.log.Warn("failed to persist unhedged flag", zap.Error(err))
	}
	entry.Status = tradelog.StatusUnhedged
	entry.Note = detail
	c.appendAudit(entry)
	c.escalate(ctx, "UNHEDGED EXPOSURE: "+detail+" — manual intervention required, entries halted")
	c.log.Error("partial unwind unresolved, manual intervention required",
		zap.String("detail", detail),
		zap.NamedError("corrective_error", corrective.err),
	)
	return nil
}

func aggressive(req venue.OrderRequest) venue.OrderRequest {
	out := req
	if req.Side == venue.SideSell {
		out.Price = req.Price * (1 - correctiveSlip)
	} else {
		out.Price = req.Price * (1 + correctiveSlip)
	}
	out.ClientOrderID = "aggressive-" + uuid.NewString()
	return out
}

func (c *Coordinator) recordFailure() {
	c.breaker.RecordError()
	c.metrics.CooldownEngaged.Inc()
}

func (c *Coordinator) appendAudit(entry tradelog.Entry) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Append(entry); err != nil {
		c.log.Error("trade audit append failed", zap.Error(err))
	}
}

func (c *Coordinator) escalate(ctx context.Context, message string) {
	if c.alerts == nil {
		return
	}
	if err := c.alerts.Send(ctx, message); err != nil {
		c.log.Warn("operator escalation failed", zap.Error(err))
	}
}

func legDetail(venueName string, out legOutcome) tradelog.LegDetail {
	return tradelog.LegDetail{
		Venue:      venueName,
		Side:       out.req.Side,
		OrderID:    out.result.OrderID,
		FilledSize: out.result.FilledSize,
		Price:      out.result.AvgPrice,
		Filled:     out.filled(),
		FeeUSD:     out.result.FeeUSD,
	}
}

func entryFailureNote(cheapOut, expensiveOut legOutcome) string {
	note := "both legs unfilled"
	if cheapOut.err != nil {
		note += "; cheap: " + cheapOut.err.Error()
	}
	if expensiveOut.err != nil {
		note += "; expensive: " + expensiveOut.err.Error()
	}
	return note
}
