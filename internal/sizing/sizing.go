// Package sizing turns a strategy's risk configuration and the account
// state into a broker-valid lot size.
package sizing

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"forex-executor/internal/bridge"
	"forex-executor/internal/strategy"
)

// Standard-lot pip value used when the broker does not report one.
const fallbackPipValue = 10.0

// Engine computes trade volume
type Engine struct {
	maxLots float64 // global ceiling, zero disables
	logger  zerolog.Logger
}

// NewEngine creates a sizing engine. maxLots is the hard global ceiling
// applied on top of any per-strategy limit.
func NewEngine(maxLots float64, logger zerolog.Logger) *Engine {
	return &Engine{
		maxLots: maxLots,
		logger:  logger.With().Str("component", "Sizing").Logger(),
	}
}

// Volume computes the lot size for a signal whose stop sits
// stopDistancePips away from entry. The result is clamped to the broker's
// volume bounds and rounded down to its step.
func (e *Engine) Volume(risk strategy.RiskConfig, account bridge.Account, symbol bridge.SymbolInfo, stopDistancePips float64) (float64, error) {
	var lots float64

	switch risk.Method {
	case strategy.SizingFixed:
		lots = risk.FixedLots
	case strategy.SizingRiskPercent:
		if stopDistancePips <= 0 {
			return 0, fmt.Errorf("sizing: risk-percent needs a stop distance, got %.2f pips", stopDistancePips)
		}
		if account.Balance <= 0 {
			return 0, fmt.Errorf("sizing: account balance %.2f not usable", account.Balance)
		}
		pipValue := symbol.PipValue
		if pipValue <= 0 {
			pipValue = fallbackPipValue
		}
		riskAmount := account.Balance * (risk.RiskPercent / 100)
		lots = riskAmount / (pipValue * stopDistancePips)
	default:
		return 0, fmt.Errorf("sizing: unknown method %q", risk.Method)
	}

	ceiling := symbol.VolumeMax
	if risk.MaxLots > 0 && risk.MaxLots < ceiling {
		ceiling = risk.MaxLots
	}
	if e.maxLots > 0 && e.maxLots < ceiling {
		ceiling = e.maxLots
	}
	if lots > ceiling {
		lots = ceiling
	}

	if symbol.VolumeStep > 0 {
		// The epsilon keeps 0.30/0.01 from flooring to 29 steps.
		steps := math.Floor(lots/symbol.VolumeStep + 1e-9)
		lots = steps * symbol.VolumeStep
	}

	if lots < symbol.VolumeMin {
		lots = symbol.VolumeMin
	}

	e.logger.Debug().
		Str("method", string(risk.Method)).
		Float64("balance", account.Balance).
		Float64("stop_pips", stopDistancePips).
		Float64("lots", lots).
		Msg("Volume computed")

	return lots, nil
}
