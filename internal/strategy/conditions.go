package strategy

import (
	"fmt"
	"math"
	"strings"

	"forex-executor/internal/bridge"
	"forex-executor/internal/marketdata"
)

const equalEpsilon = 1e-9

// SnapshotSource supplies a snapshot for an alternate timeframe when a
// condition evaluates on one. The scheduler backs this with the cache.
type SnapshotSource func(timeframe string) (*marketdata.Snapshot, error)

// EvaluateEntry runs the rule set against the snapshot. The reason string
// summarizes which conditions carried the decision.
func EvaluateEntry(rules EntryRules, snap *marketdata.Snapshot, source SnapshotSource) (bool, string, error) {
	var passed []string
	passCount := 0

	for i, cond := range rules.Conditions {
		condSnap := snap
		if cond.Timeframe != "" && cond.Timeframe != snap.Timeframe {
			if source == nil {
				return false, "", fmt.Errorf("condition %d needs timeframe %s but no source provided", i, cond.Timeframe)
			}
			other, err := source(cond.Timeframe)
			if err != nil {
				return false, "", fmt.Errorf("fetching %s snapshot: %w", cond.Timeframe, err)
			}
			condSnap = other
		}

		ok, err := evaluateCondition(cond, condSnap)
		if err != nil {
			return false, "", err
		}

		if ok {
			passCount++
			passed = append(passed, describeCondition(cond))
		} else if rules.Logic == LogicAnd {
			return false, "", nil
		}
	}

	if rules.Logic == LogicOr && passCount == 0 {
		return false, "", nil
	}
	return true, strings.Join(passed, "; "), nil
}

func evaluateCondition(c Condition, snap *marketdata.Snapshot) (bool, error) {
	left, err := snap.Value(c.Indicator)
	if err != nil {
		return false, err
	}

	right := c.Value
	if c.Reference != "" {
		right, err = snap.Value(c.Reference)
		if err != nil {
			return false, err
		}
	}

	switch c.Operator {
	case OpGreaterThan:
		return left > right, nil
	case OpLessThan:
		return left < right, nil
	case OpEqual:
		return math.Abs(left-right) <= equalEpsilon, nil
	case OpInRange:
		return left >= c.Value && left <= c.ValueMax, nil
	case OpOutsideRange:
		return left < c.Value || left > c.ValueMax, nil
	case OpCrossesAbove, OpCrossesBelow:
		prevLeft, err := snap.Prev(c.Indicator)
		if err != nil {
			return false, err
		}
		prevRight := c.Value
		if c.Reference != "" {
			prevRight, err = snap.Prev(c.Reference)
			if err != nil {
				return false, err
			}
		}
		if c.Operator == OpCrossesAbove {
			return prevLeft <= prevRight && left > right, nil
		}
		return prevLeft >= prevRight && left < right, nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

func describeCondition(c Condition) string {
	target := fmt.Sprintf("%g", c.Value)
	if c.Reference != "" {
		target = c.Reference
	}
	if c.Operator == OpInRange || c.Operator == OpOutsideRange {
		target = fmt.Sprintf("[%g, %g]", c.Value, c.ValueMax)
	}
	return fmt.Sprintf("%s %s %s", c.Indicator, c.Operator, target)
}

// ChooseDirection picks the trade side. A pinned direction wins; otherwise
// the side follows the trend, long above EMA 50 and short below.
func ChooseDirection(rules EntryRules, snap *marketdata.Snapshot) (string, error) {
	if rules.Direction != "" {
		return rules.Direction, nil
	}
	ema50, err := snap.Value("ema_50")
	if err != nil {
		return "", err
	}
	if snap.Close() >= ema50 {
		return bridge.DirectionBuy, nil
	}
	return bridge.DirectionSell, nil
}
