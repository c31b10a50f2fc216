package strategy

import (
	"fmt"
	"time"

	"forex-executor/internal/marketdata"
)

// sessionWindows holds the UTC opening hours of the named sessions.
// Sydney wraps midnight.
var sessionWindows = map[string][2]int{
	"London":  {7, 16},
	"NewYork": {12, 21},
	"Tokyo":   {0, 9},
	"Sydney":  {21, 6},
}

// FilterResult is the outcome of running the pre-entry filters
type FilterResult struct {
	Pass         bool
	VolumeFactor float64
	Reason       string
}

// ApplyFilters runs the strategy's session, spread and volatility gates
// against the snapshot. VolumeFactor is 1.0 unless a reduce-size filter
// fired.
func ApplyFilters(f Filters, snap *marketdata.Snapshot, now time.Time) FilterResult {
	result := FilterResult{Pass: true, VolumeFactor: 1.0}

	if f.Session != nil {
		if !inAnySession(f.Session.Sessions, now.UTC()) {
			return FilterResult{
				Pass:   false,
				Reason: fmt.Sprintf("outside sessions %v", f.Session.Sessions),
			}
		}
	}

	if f.Spread != nil {
		spread := snap.SpreadPips()
		if spread > f.Spread.MaxPips {
			if f.Spread.Action == ActionReduceSize {
				result.VolumeFactor *= 0.5
				result.Reason = fmt.Sprintf("spread %.1f pips above %.1f, size halved", spread, f.Spread.MaxPips)
			} else {
				return FilterResult{
					Pass:   false,
					Reason: fmt.Sprintf("spread %.1f pips above limit %.1f", spread, f.Spread.MaxPips),
				}
			}
		}
	}

	if f.Volatility != nil {
		atr, err := snap.Value("atr")
		if err != nil {
			return FilterResult{Pass: false, Reason: "volatility filter: " + err.Error()}
		}
		atrPips := atr / marketdata.PipSize(snap.Symbol)
		if f.Volatility.MinATRPips > 0 && atrPips < f.Volatility.MinATRPips {
			return FilterResult{
				Pass:   false,
				Reason: fmt.Sprintf("ATR %.1f pips below minimum %.1f", atrPips, f.Volatility.MinATRPips),
			}
		}
		if f.Volatility.MaxATRPips > 0 && atrPips > f.Volatility.MaxATRPips {
			return FilterResult{
				Pass:   false,
				Reason: fmt.Sprintf("ATR %.1f pips above maximum %.1f", atrPips, f.Volatility.MaxATRPips),
			}
		}
	}

	return result
}

func inAnySession(sessions []string, now time.Time) bool {
	hour := now.Hour()
	for _, name := range sessions {
		window, ok := sessionWindows[name]
		if !ok {
			continue
		}
		start, end := window[0], window[1]
		if start <= end {
			if hour >= start && hour < end {
				return true
			}
		} else {
			if hour >= start || hour < end {
				return true
			}
		}
	}
	return false
}
