package exits

import (
	"fmt"

	"forex-executor/internal/bridge"
	"forex-executor/internal/marketdata"
	"forex-executor/internal/strategy"
)

const (
	defaultStopPips   = 25.0
	defaultTargetPips = 40.0
	minStopPips       = 5.0
	minTargetPips     = 10.0

	defaultATRMultiplier = 1.5
	defaultRRRatio       = 1.6
)

// StopDistance returns the stop distance in pips for a new entry. The
// same number feeds position sizing and the stop price, so it is
// computed once before the order goes out.
func StopDistance(cfg strategy.StopLossConfig, snap *marketdata.Snapshot) (float64, error) {
	switch cfg.Type {
	case strategy.StopLossATR:
		period := cfg.ATRPeriod
		if period <= 0 {
			period = 14
		}
		mult := cfg.ATRMultiplier
		if mult <= 0 {
			mult = defaultATRMultiplier
		}
		atr, err := snap.Value(fmt.Sprintf("atr_%d", period))
		if err != nil {
			return 0, err
		}
		pips := atr / marketdata.PipSize(snap.Symbol) * mult
		if pips < minStopPips {
			pips = minStopPips
		}
		return pips, nil
	default:
		pips := cfg.Pips
		if pips <= 0 {
			pips = defaultStopPips
		}
		return pips, nil
	}
}

// TargetDistance returns the take-profit distance in pips, derived from
// the stop distance when the rule is expressed as a reward ratio.
func TargetDistance(cfg strategy.TakeProfitConfig, stopPips float64) float64 {
	switch cfg.Type {
	case strategy.TakeProfitRRRatio:
		ratio := cfg.RRRatio
		if ratio <= 0 {
			ratio = defaultRRRatio
		}
		pips := stopPips * ratio
		if pips < minTargetPips {
			pips = minTargetPips
		}
		return pips
	default:
		pips := cfg.Pips
		if pips <= 0 {
			pips = defaultTargetPips
		}
		return pips
	}
}

// Levels converts pip distances into absolute stop and target prices
// around the entry.
func Levels(symbol, direction string, entry, stopPips, targetPips float64) (stopLoss, takeProfit float64) {
	pip := marketdata.PipSize(symbol)
	if direction == bridge.DirectionBuy {
		return entry - stopPips*pip, entry + targetPips*pip
	}
	return entry + stopPips*pip, entry - targetPips*pip
}
