// Package strategy defines the strategy description the control plane
// sends to the executor and evaluates its entry rules against market
// snapshots. Definitions are plain data: the fixed sets of operators,
// sizing methods and exit variants below are the whole vocabulary.
package strategy

import (
	"time"
)

// Logic joins the entry conditions of a rule set
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Operator is the comparison applied by a condition
type Operator string

const (
	OpGreaterThan  Operator = "greater_than"
	OpLessThan     Operator = "less_than"
	OpEqual        Operator = "equal"
	OpInRange      Operator = "in_range"
	OpOutsideRange Operator = "outside_range"
	OpCrossesAbove Operator = "crosses_above"
	OpCrossesBelow Operator = "crosses_below"
)

// Condition compares an indicator against a number or another indicator.
// Timeframe, when set, evaluates the condition on that timeframe instead
// of the strategy's own.
type Condition struct {
	Indicator string   `json:"indicator"`
	Operator  Operator `json:"operator"`
	Value     float64  `json:"value,omitempty"`
	ValueMax  float64  `json:"value_max,omitempty"`
	Reference string   `json:"reference,omitempty"`
	Timeframe string   `json:"timeframe,omitempty"`
}

// EntryRules is the ordered condition set gating a new position.
// Direction pins the trade side; when empty the side follows the trend
// (price relative to EMA 50).
type EntryRules struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions"`
	Direction  string      `json:"direction,omitempty"`
}

// StopLossType selects the initial stop calculation
type StopLossType string

const (
	StopLossFixed StopLossType = "fixed"
	StopLossATR   StopLossType = "atr"
)

// StopLossConfig describes the initial protective stop
type StopLossConfig struct {
	Type          StopLossType `json:"type"`
	Pips          float64      `json:"pips,omitempty"`
	ATRPeriod     int          `json:"atr_period,omitempty"`
	ATRMultiplier float64      `json:"atr_multiplier,omitempty"`
}

// TakeProfitType selects the target calculation
type TakeProfitType string

const (
	TakeProfitFixed   TakeProfitType = "fixed"
	TakeProfitRRRatio TakeProfitType = "rr_ratio"
)

// TakeProfitConfig describes the profit target
type TakeProfitConfig struct {
	Type    TakeProfitType `json:"type"`
	Pips    float64        `json:"pips,omitempty"`
	RRRatio float64        `json:"rr_ratio,omitempty"`
}

// PartialTrigger selects what fires a partial-exit level
type PartialTrigger string

const (
	TriggerRiskMultiple  PartialTrigger = "rr"
	TriggerProfitPips    PartialTrigger = "pips"
	TriggerProfitPercent PartialTrigger = "percent"
	TriggerPrice         PartialTrigger = "price"
	TriggerTimeMinutes   PartialTrigger = "time"
)

// PartialLevel is one stage of a multi-stage exit. Percent applies to the
// volume remaining when the level fires. Each level fires at most once.
type PartialLevel struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name,omitempty"`
	Percent             float64        `json:"percent"`
	Trigger             PartialTrigger `json:"trigger"`
	Value               float64        `json:"value"`
	MoveStopToBreakeven bool           `json:"move_stop_to_breakeven,omitempty"`
}

// TrailingConfig moves the stop behind favorable price movement
type TrailingConfig struct {
	DistancePips   float64 `json:"distance_pips"`
	StepPips       float64 `json:"step_pips,omitempty"`
	ActivationPips float64 `json:"activation_pips,omitempty"`
}

// BreakevenConfig moves the stop to entry once price is far enough ahead
type BreakevenConfig struct {
	TriggerPips float64 `json:"trigger_pips"`
	OffsetPips  float64 `json:"offset_pips,omitempty"`
}

// ExitRules describes the full exit plan attached to positions this
// strategy opens
type ExitRules struct {
	StopLoss          StopLossConfig   `json:"stop_loss"`
	TakeProfit        TakeProfitConfig `json:"take_profit"`
	Partials          []PartialLevel   `json:"partials,omitempty"`
	Trailing          *TrailingConfig  `json:"trailing,omitempty"`
	Breakeven         *BreakevenConfig `json:"breakeven,omitempty"`
	MaxHoldingMinutes int              `json:"max_holding_minutes,omitempty"`
}

// SizingMethod selects how trade volume is computed
type SizingMethod string

const (
	SizingFixed       SizingMethod = "fixed"
	SizingRiskPercent SizingMethod = "risk_percent"
)

// RiskConfig is the strategy's sizing and exposure envelope. MaxPositions
// and MaxDailyLoss tighten the global safety limits for signals from this
// strategy; zero leaves the global limit in charge.
type RiskConfig struct {
	Method       SizingMethod `json:"method"`
	FixedLots    float64      `json:"fixed_lots,omitempty"`
	RiskPercent  float64      `json:"risk_percent,omitempty"`
	MaxLots      float64      `json:"max_lots,omitempty"`
	MaxPositions int          `json:"max_positions,omitempty"`
	MaxDailyLoss float64      `json:"max_daily_loss,omitempty"`
}

// FilterAction is what a violated filter does to the signal
type FilterAction string

const (
	ActionSkip       FilterAction = "skip"
	ActionReduceSize FilterAction = "reduce_size"
)

// SessionFilter restricts entries to named trading sessions
type SessionFilter struct {
	Sessions []string `json:"sessions"`
}

// SpreadFilter rejects or shrinks entries when the spread is too wide
type SpreadFilter struct {
	MaxPips float64      `json:"max_pips"`
	Action  FilterAction `json:"action,omitempty"`
}

// VolatilityFilter keeps entries inside an ATR band
type VolatilityFilter struct {
	MinATRPips float64 `json:"min_atr_pips,omitempty"`
	MaxATRPips float64 `json:"max_atr_pips,omitempty"`
}

// Filters are the optional pre-entry market condition gates
type Filters struct {
	Session    *SessionFilter    `json:"session,omitempty"`
	Spread     *SpreadFilter     `json:"spread,omitempty"`
	Volatility *VolatilityFilter `json:"volatility,omitempty"`
}

// Strategy is the immutable definition the scheduler runs. UPDATE replaces
// the whole value; nothing mutates one in place.
type Strategy struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Symbols   []string   `json:"symbols"`
	Timeframe string     `json:"timeframe"`
	Entry     EntryRules `json:"entry"`
	Exit      ExitRules  `json:"exit"`
	Risk      RiskConfig `json:"risk"`
	Filters   Filters    `json:"filters,omitempty"`
}

// Signal is a candidate trade produced by evaluation, pending validation
type Signal struct {
	StrategyID  string    `json:"strategy_id"`
	Symbol      string    `json:"symbol"`
	Direction   string    `json:"direction"`
	Volume      float64   `json:"volume"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfit  float64   `json:"take_profit"`
	Price       float64   `json:"price"`
	Reason      string    `json:"reason"`
	GeneratedAt time.Time `json:"generated_at"`
}
