// Package safety is the final gate in front of the broker. Every order,
// whatever produced it, passes through the validator exactly once, and
// the checks run in a fixed order with the first failure winning.
package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"forex-executor/internal/bridge"
	"forex-executor/internal/correlation"
	"forex-executor/internal/positions"
	"forex-executor/internal/strategy"
)

// Reason identifies why a signal was rejected
type Reason string

const (
	ReasonKillSwitchActive     Reason = "KillSwitchActive"
	ReasonDailyLossLimit       Reason = "DailyLossLimitReached"
	ReasonDrawdownLimit        Reason = "DrawdownLimitReached"
	ReasonMaxPositionsExceeded Reason = "MaxPositionsExceeded"
	ReasonMaxDailyTrades       Reason = "MaxDailyTradesReached"
	ReasonMaxSymbolTrades      Reason = "MaxSymbolTradesReached"
	ReasonVolumeLimit          Reason = "VolumeExceedsLimit"
	ReasonInsufficientMargin   Reason = "InsufficientMargin"
	ReasonOutsideTradingHours  Reason = "OutsideTradingHours"
	ReasonCorrelationTooHigh   Reason = "CorrelationTooHigh"
	ReasonExposureCapExceeded  Reason = "ExposureCapExceeded"
)

// KillSwitch is the narrow view of the kill switch the validator needs.
// ActivateAuto must not block; the validator calls it from inside
// strategy tick goroutines.
type KillSwitch interface {
	IsActive() bool
	ActivateAuto(reason string)
}

// TradingHours is an optional UTC window outside which entries are
// rejected. A window wrapping midnight (start > end) is allowed.
type TradingHours struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Config holds the account-level safety limits. Strategy risk settings
// may tighten these but never loosen them.
type Config struct {
	MaxOpenPositions      int           `json:"max_open_positions"`
	MaxPositionsPerSymbol int           `json:"max_positions_per_symbol"`
	MaxDailyTrades        int           `json:"max_daily_trades"`
	MaxSymbolDailyTrades  int           `json:"max_symbol_daily_trades"`
	MaxDailyLoss          float64       `json:"max_daily_loss"`
	MaxDailyLossPercent   float64       `json:"max_daily_loss_percent"`
	MaxDrawdownPercent    float64       `json:"max_drawdown_percent"`
	MaxVolumePerTrade     float64       `json:"max_volume_per_trade"`
	MaxTotalVolume        float64       `json:"max_total_volume"`
	MarginSafetyFactor    float64       `json:"margin_safety_factor"`
	TradingHours          *TradingHours `json:"trading_hours,omitempty"`
}

// DefaultConfig returns conservative account-level limits
func DefaultConfig() Config {
	return Config{
		MaxOpenPositions:      3,
		MaxPositionsPerSymbol: 2,
		MaxDailyTrades:        10,
		MaxSymbolDailyTrades:  4,
		MaxDailyLoss:          500.0,
		MaxDailyLossPercent:   5.0,
		MaxDrawdownPercent:    10.0,
		MaxVolumePerTrade:     1.0,
		MaxTotalVolume:        5.0,
		MarginSafetyFactor:    1.5,
	}
}

// Decision is the validator verdict: approved as-is, approved with a
// smaller volume, or rejected with a reason.
type Decision struct {
	Approved bool
	Volume   float64
	Adjusted bool
	Reason   Reason
	Detail   string
	Hedge    bool
}

func reject(reason Reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Input carries everything one validation needs. Account data is a
// snapshot taken by the caller just before validation.
type Input struct {
	Signal  strategy.Signal
	Volume  float64
	Account bridge.Account
	Symbol  bridge.SymbolInfo
	Risk    strategy.RiskConfig
	Now     time.Time
}

// Validator runs the ordered safety checks
type Validator struct {
	config      Config
	state       *State
	book        *positions.Book
	killSwitch  KillSwitch
	correlation *correlation.Filter
	logger      zerolog.Logger
}

// NewValidator creates the safety validator
func NewValidator(config Config, state *State, book *positions.Book, ks KillSwitch, corr *correlation.Filter, logger zerolog.Logger) *Validator {
	if config.MarginSafetyFactor < 1.5 {
		config.MarginSafetyFactor = 1.5
	}
	return &Validator{
		config:      config,
		state:       state,
		book:        book,
		killSwitch:  ks,
		correlation: corr,
		logger:      logger.With().Str("component", "SafetyValidator").Logger(),
	}
}

// Validate runs the checks in order and short-circuits on the first
// failure. A daily-loss or drawdown breach additionally trips the kill
// switch before the rejection is returned.
func (v *Validator) Validate(ctx context.Context, in Input) Decision {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	// 1. Kill switch
	if v.killSwitch != nil && v.killSwitch.IsActive() {
		return v.logReject(in, reject(ReasonKillSwitchActive, "kill switch is active"))
	}

	// 2. Daily loss, absolute and percent of balance
	if d := v.checkDailyLoss(in, now); !d.Approved && d.Reason != "" {
		return v.logReject(in, d)
	}

	// 3. Drawdown from balance peak
	if limit := v.config.MaxDrawdownPercent; limit > 0 {
		if dd := v.state.Drawdown(in.Account.Equity); dd >= limit {
			detail := fmt.Sprintf("drawdown %.2f%% reached limit %.2f%%", dd, limit)
			if v.killSwitch != nil {
				v.killSwitch.ActivateAuto(detail)
			}
			return v.logReject(in, reject(ReasonDrawdownLimit, detail))
		}
	}

	// 4. Open position count
	maxOpen := v.config.MaxOpenPositions
	if in.Risk.MaxPositions > 0 && in.Risk.MaxPositions < maxOpen {
		maxOpen = in.Risk.MaxPositions
	}
	if v.book.Count() >= maxOpen {
		return v.logReject(in, reject(ReasonMaxPositionsExceeded,
			fmt.Sprintf("open positions %d at limit %d", v.book.Count(), maxOpen)))
	}
	if limit := v.config.MaxPositionsPerSymbol; limit > 0 {
		if n := v.book.CountBySymbol(in.Signal.Symbol); n >= limit {
			return v.logReject(in, reject(ReasonMaxPositionsExceeded,
				fmt.Sprintf("open positions on symbol %d at limit %d", n, limit)))
		}
	}
	if limit := v.config.MaxDailyTrades; limit > 0 {
		if n := v.state.DailyTrades(now); n >= limit {
			return v.logReject(in, reject(ReasonMaxDailyTrades,
				fmt.Sprintf("daily trades %d at limit %d", n, limit)))
		}
	}
	if limit := v.config.MaxSymbolDailyTrades; limit > 0 {
		if n := v.state.SymbolTrades(in.Signal.Symbol, now); n >= limit {
			return v.logReject(in, reject(ReasonMaxSymbolTrades,
				fmt.Sprintf("daily trades on symbol %d at limit %d", n, limit)))
		}
	}

	// 5. Per-trade volume cap
	if limit := v.config.MaxVolumePerTrade; limit > 0 && in.Volume > limit {
		return v.logReject(in, reject(ReasonVolumeLimit,
			fmt.Sprintf("volume %.2f exceeds per-trade limit %.2f", in.Volume, limit)))
	}

	// 6. Free margin with safety factor
	if d := v.checkMargin(in); d.Reason != "" {
		return v.logReject(in, d)
	}

	// 7. Trading hours
	if h := v.config.TradingHours; h != nil && !h.contains(now) {
		return v.logReject(in, reject(ReasonOutsideTradingHours,
			fmt.Sprintf("hour outside window %02d-%02d UTC", h.StartHour, h.EndHour)))
	}

	// 8. Correlation against open exposure, may shrink the volume
	volume := in.Volume
	hedge := false
	if v.correlation != nil {
		res := v.correlation.Evaluate(ctx, in.Signal.Symbol, volume, v.book.All(), in.Symbol.VolumeMin)
		hedge = res.Hedge
		if res.Rejected {
			return v.logReject(in, reject(ReasonCorrelationTooHigh, res.Detail))
		}
		volume = res.Volume
	}

	// 9. Total open volume cap, checked with the post-adjustment volume
	if limit := v.config.MaxTotalVolume; limit > 0 {
		if total := v.book.TotalVolume() + volume; total > limit {
			return v.logReject(in, reject(ReasonExposureCapExceeded,
				fmt.Sprintf("total volume %.2f would exceed cap %.2f", total, limit)))
		}
	}

	decision := Decision{
		Approved: true,
		Volume:   volume,
		Adjusted: volume != in.Volume,
		Hedge:    hedge,
	}
	if decision.Adjusted {
		v.logger.Info().
			Str("symbol", in.Signal.Symbol).
			Float64("requested", in.Volume).
			Float64("approved", volume).
			Msg("Signal approved with adjusted volume")
	}
	return decision
}

// checkDailyLoss compares realized daily P&L against the tighter of the
// absolute and percent limits. A breach trips the kill switch.
func (v *Validator) checkDailyLoss(in Input, now time.Time) Decision {
	limit := v.config.MaxDailyLoss
	if v.config.MaxDailyLossPercent > 0 && in.Account.Balance > 0 {
		pctLimit := in.Account.Balance * v.config.MaxDailyLossPercent / 100
		if limit <= 0 || pctLimit < limit {
			limit = pctLimit
		}
	}
	if in.Risk.MaxDailyLoss > 0 && (limit <= 0 || in.Risk.MaxDailyLoss < limit) {
		limit = in.Risk.MaxDailyLoss
	}
	if limit <= 0 {
		return Decision{Approved: true}
	}

	pnl := v.state.DailyPnL(now)
	if pnl <= -limit {
		detail := fmt.Sprintf("daily loss %.2f reached limit %.2f", -pnl, limit)
		if v.killSwitch != nil {
			v.killSwitch.ActivateAuto(detail)
		}
		return reject(ReasonDailyLossLimit, detail)
	}
	return Decision{Approved: true}
}

// checkMargin requires free margin to cover the new position with the
// configured safety factor. Leverage defaults to 100 when the broker
// does not report it.
func (v *Validator) checkMargin(in Input) Decision {
	leverage := float64(in.Account.Leverage)
	if leverage <= 0 {
		leverage = 100
	}
	contract := in.Symbol.ContractSize
	if contract <= 0 {
		contract = 100000
	}
	required := in.Volume * contract * in.Signal.Price / leverage
	needed := required * v.config.MarginSafetyFactor
	if in.Account.FreeMargin < needed {
		return reject(ReasonInsufficientMargin,
			fmt.Sprintf("free margin %.2f below required %.2f", in.Account.FreeMargin, needed))
	}
	return Decision{Approved: true}
}

func (v *Validator) logReject(in Input, d Decision) Decision {
	v.logger.Info().
		Str("symbol", in.Signal.Symbol).
		Str("strategy", in.Signal.StrategyID).
		Str("reason", string(d.Reason)).
		Str("detail", d.Detail).
		Msg("Signal rejected")
	return d
}

func (h *TradingHours) contains(now time.Time) bool {
	hour := now.UTC().Hour()
	if h.StartHour <= h.EndHour {
		return hour >= h.StartHour && hour < h.EndHour
	}
	return hour >= h.StartHour || hour < h.EndHour
}
