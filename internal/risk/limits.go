package risk

import (
	"errors"
	"fmt"

	"spread-hedge-bot/internal/config"
)

var (
	ErrLeverageExceeded = errors.New("leverage above configured maximum")
	ErrMarginBuffer     = errors.New("margin below required buffer")
)

// EntryMarginUSD is the collateral one leg needs at the configured
// maximum leverage, inflated by the minimum margin buffer.
func EntryMarginUSD(cfg config.RiskConfig, notionalUSD float64) float64 {
	if cfg.MaxLeverage <= 0 {
		return notionalUSD
	}
	return notionalUSD / cfg.MaxLeverage * (1 + cfg.MinMarginBuffer)
}

// CheckMargin verifies available collateral covers a leg's notional
// within the risk limits.
func CheckMargin(cfg config.RiskConfig, notionalUSD, availableUSD float64) error {
	if cfg.MaxLeverage > 0 && availableUSD > 0 && notionalUSD/availableUSD > cfg.MaxLeverage {
		return fmt.Errorf("notional %.2f over %.2f at %.1fx: %w",
			notionalUSD, availableUSD, cfg.MaxLeverage, ErrLeverageExceeded)
	}
	required := EntryMarginUSD(cfg, notionalUSD)
	if availableUSD < required {
		return fmt.Errorf("available %.2f below required %.2f: %w", availableUSD, required, ErrMarginBuffer)
	}
	return nil
}
