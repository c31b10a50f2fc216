package strategy

import (
	"fmt"

	"forex-executor/internal/marketdata"
)

// ConfigurationError marks a malformed strategy definition. A strategy
// with one refuses to start and the fault is reported upstream.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("strategy config %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the definition before the scheduler accepts it.
func (s *Strategy) Validate() error {
	if s.ID == "" {
		return configErr("id", "must not be empty")
	}
	if len(s.Symbols) == 0 {
		return configErr("symbols", "at least one symbol required")
	}
	for i, sym := range s.Symbols {
		if sym == "" {
			return configErr(fmt.Sprintf("symbols[%d]", i), "must not be empty")
		}
	}
	if _, err := marketdata.TimeframeDuration(s.Timeframe); err != nil {
		return configErr("timeframe", "%q is not a valid timeframe", s.Timeframe)
	}

	if err := s.Entry.validate(); err != nil {
		return err
	}
	if err := s.Exit.validate(); err != nil {
		return err
	}
	if err := s.Risk.validate(); err != nil {
		return err
	}
	return s.Filters.validate()
}

func (r EntryRules) validate() error {
	switch r.Logic {
	case LogicAnd, LogicOr:
	default:
		return configErr("entry.logic", "must be AND or OR, got %q", r.Logic)
	}
	if len(r.Conditions) == 0 {
		return configErr("entry.conditions", "at least one condition required")
	}
	if r.Direction != "" && r.Direction != "BUY" && r.Direction != "SELL" {
		return configErr("entry.direction", "must be BUY, SELL or empty, got %q", r.Direction)
	}

	for i, c := range r.Conditions {
		field := fmt.Sprintf("entry.conditions[%d]", i)
		if c.Indicator == "" {
			return configErr(field+".indicator", "must not be empty")
		}
		switch c.Operator {
		case OpGreaterThan, OpLessThan, OpEqual:
		case OpInRange, OpOutsideRange:
			if c.Reference != "" {
				return configErr(field, "range operators take numeric bounds, not a reference")
			}
			if c.ValueMax < c.Value {
				return configErr(field, "value_max %v below value %v", c.ValueMax, c.Value)
			}
		case OpCrossesAbove, OpCrossesBelow:
			if c.Reference == "" {
				return configErr(field+".reference", "cross operators need a reference indicator")
			}
		default:
			return configErr(field+".operator", "unknown operator %q", c.Operator)
		}
		if c.Timeframe != "" {
			if _, err := marketdata.TimeframeDuration(c.Timeframe); err != nil {
				return configErr(field+".timeframe", "%q is not a valid timeframe", c.Timeframe)
			}
		}
	}
	return nil
}

func (e ExitRules) validate() error {
	switch e.StopLoss.Type {
	case StopLossFixed, "":
		if e.StopLoss.Pips < 0 {
			return configErr("exit.stop_loss.pips", "must not be negative")
		}
	case StopLossATR:
		if e.StopLoss.ATRMultiplier < 0 {
			return configErr("exit.stop_loss.atr_multiplier", "must not be negative")
		}
	default:
		return configErr("exit.stop_loss.type", "unknown type %q", e.StopLoss.Type)
	}

	switch e.TakeProfit.Type {
	case TakeProfitFixed, "":
		if e.TakeProfit.Pips < 0 {
			return configErr("exit.take_profit.pips", "must not be negative")
		}
	case TakeProfitRRRatio:
		if e.TakeProfit.RRRatio < 0 {
			return configErr("exit.take_profit.rr_ratio", "must not be negative")
		}
	default:
		return configErr("exit.take_profit.type", "unknown type %q", e.TakeProfit.Type)
	}

	if len(e.Partials) > 64 {
		return configErr("exit.partials", "at most 64 levels supported, got %d", len(e.Partials))
	}
	seen := make(map[string]bool, len(e.Partials))
	for i, p := range e.Partials {
		field := fmt.Sprintf("exit.partials[%d]", i)
		if p.ID == "" {
			return configErr(field+".id", "must not be empty")
		}
		if seen[p.ID] {
			return configErr(field+".id", "duplicate level id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Percent <= 0 || p.Percent > 100 {
			return configErr(field+".percent", "must be in (0, 100], got %v", p.Percent)
		}
		switch p.Trigger {
		case TriggerRiskMultiple, TriggerProfitPips, TriggerProfitPercent, TriggerPrice, TriggerTimeMinutes:
		default:
			return configErr(field+".trigger", "unknown trigger %q", p.Trigger)
		}
		if p.Value <= 0 {
			return configErr(field+".value", "must be positive, got %v", p.Value)
		}
	}

	if e.Trailing != nil && e.Trailing.DistancePips <= 0 {
		return configErr("exit.trailing.distance_pips", "must be positive")
	}
	if e.Breakeven != nil && e.Breakeven.TriggerPips <= 0 {
		return configErr("exit.breakeven.trigger_pips", "must be positive")
	}
	if e.MaxHoldingMinutes < 0 {
		return configErr("exit.max_holding_minutes", "must not be negative")
	}
	return nil
}

func (r RiskConfig) validate() error {
	switch r.Method {
	case SizingFixed:
		if r.FixedLots <= 0 {
			return configErr("risk.fixed_lots", "must be positive for fixed sizing")
		}
	case SizingRiskPercent:
		if r.RiskPercent <= 0 || r.RiskPercent > 100 {
			return configErr("risk.risk_percent", "must be in (0, 100], got %v", r.RiskPercent)
		}
	default:
		return configErr("risk.method", "unknown method %q", r.Method)
	}
	if r.MaxLots < 0 {
		return configErr("risk.max_lots", "must not be negative")
	}
	if r.MaxDailyLoss < 0 {
		return configErr("risk.max_daily_loss", "must not be negative")
	}
	return nil
}

func (f Filters) validate() error {
	if f.Session != nil {
		if len(f.Session.Sessions) == 0 {
			return configErr("filters.session.sessions", "at least one session required")
		}
		for _, name := range f.Session.Sessions {
			if _, ok := sessionWindows[name]; !ok {
				return configErr("filters.session.sessions", "unknown session %q", name)
			}
		}
	}
	if f.Spread != nil {
		if f.Spread.MaxPips <= 0 {
			return configErr("filters.spread.max_pips", "must be positive")
		}
		switch f.Spread.Action {
		case ActionSkip, ActionReduceSize, "":
		default:
			return configErr("filters.spread.action", "unknown action %q", f.Spread.Action)
		}
	}
	if f.Volatility != nil {
		if f.Volatility.MinATRPips < 0 || f.Volatility.MaxATRPips < 0 {
			return configErr("filters.volatility", "bounds must not be negative")
		}
		if f.Volatility.MaxATRPips > 0 && f.Volatility.MinATRPips > f.Volatility.MaxATRPips {
			return configErr("filters.volatility", "min_atr_pips above max_atr_pips")
		}
	}
	return nil
}
