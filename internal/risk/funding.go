package risk

import (
	"context"
	"fmt"
	"time"

	"spread-hedge-bot/internal/position"
	"spread-hedge-bot/internal/retry"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FundingSource is the slice of a venue adapter the monitor needs.
type FundingSource interface {
	Name() string
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
}

// PositionView is the read-only slice of the position tracker.
type PositionView interface {
	Snapshot() (position.SpreadPosition, bool)
}

// FundingMonitor periodically compares funding on both legs of the open
// hedge. Net funding per hour is the expensive-leg rate minus the
// cheap-leg rate: the differential the hedge is earning or paying.
// Below the configured minimum it emits a warning signal; escalation
// is the coordinator's decision, not the monitor's.
type FundingMonitor struct {
	log        *zap.Logger
	symbol     string
	minPerHour float64
	retryOpts  retry.Options
	venues     map[string]FundingSource
	positions  PositionView

	onUnfavorable func(netPerHour float64)
}

func NewFundingMonitor(
	log *zap.Logger,
	symbol string,
	minPerHour float64,
	retryOpts retry.Options,
	venues []FundingSource,
	positions PositionView,
	onUnfavorable func(netPerHour float64),
) *FundingMonitor {
	byName := make(map[string]FundingSource, len(venues))
	for _, v := range venues {
		byName[v.Name()] = v
	}
	return &FundingMonitor{
		log:           log,
		symbol:        symbol,
		minPerHour:    minPerHour,
		retryOpts:     retryOpts,
		venues:        byName,
		positions:     positions,
		onUnfavorable: onUnfavorable,
	}
}

// Run checks funding on its own cadence until ctx is cancelled. Fetch
// failures are logged and swallowed; the loop never dies on them.
func (m *FundingMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := m.CheckOnce(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("funding check failed", zap.Error(err))
			}
		}
	}
}

// CheckOnce performs a single comparison. It is a no-op while FLAT.
// Returns the net rate per hour and whether it breached the threshold.
func (m *FundingMonitor) CheckOnce(ctx context.Context) (float64, bool, error) {
	pos, ok := m.positions.Snapshot()
	if !ok {
		return 0, false, nil
	}
	cheap, ok := m.venues[pos.CheapVenue]
	if !ok {
		return 0, false, fmt.Errorf("no funding source for venue %q", pos.CheapVenue)
	}
	expensive, ok := m.venues[pos.ExpensiveVenue]
	if !ok {
		return 0, false, fmt.Errorf("no funding source for venue %q", pos.ExpensiveVenue)
	}

	var cheapRate, expensiveRate float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rate, err := retry.DoWithResult(gctx, m.retryOpts, m.log, func() (float64, error) {
			return cheap.GetFundingRate(gctx, m.symbol)
		})
		if err != nil {
			return fmt.Errorf("funding rate from %s: %w", cheap.Name(), err)
		}
		cheapRate = rate
		return nil
	})
	g.Go(func() error {
		rate, err := retry.DoWithResult(gctx, m.retryOpts, m.log, func() (float64, error) {
			return expensive.GetFundingRate(gctx, m.symbol)
		})
		if err != nil {
			return fmt.Errorf("funding rate from %s: %w", expensive.Name(), err)
		}
		expensiveRate = rate
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, false, err
	}

	net := expensiveRate - cheapRate
	unfavorable := net < m.minPerHour
	if unfavorable {
		m.log.Warn("net funding below threshold",
			zap.Float64("net_per_hour", net),
			zap.Float64("min_per_hour", m.minPerHour),
			zap.String("cheap_venue", pos.CheapVenue),
			zap.String("expensive_venue", pos.ExpensiveVenue),
		)
		if m.onUnfavorable != nil {
			m.onUnfavorable(net)
		}
	}
	return net, unfavorable, nil
}
