package safety

import (
	"sync"
	"time"
)

// tradeHistoryWindow bounds how far back per-trade timestamps are kept
const tradeHistoryWindow = 7 * 24 * time.Hour

// Snapshot is the serializable view of the safety counters. It rides in
// heartbeats and disaster recovery snapshots.
type Snapshot struct {
	Day               string      `json:"day"`
	DailyPnL          float64     `json:"daily_pnl"`
	DailyTrades       int         `json:"daily_trades"`
	SymbolTrades      map[string]int `json:"symbol_trades,omitempty"`
	ConsecutiveLosses int         `json:"consecutive_losses"`
	PeakBalance       float64     `json:"peak_balance"`
	TradeTimes        []time.Time `json:"trade_times,omitempty"`
}

// State tracks the rolling counters the validator checks against. All
// mutation happens under the mutex; there is exactly one long-lived
// instance per process and every component shares it.
type State struct {
	mu                sync.Mutex
	day               string
	dailyPnL          float64
	dailyTrades       int
	symbolTrades      map[string]int
	consecutiveLosses int
	peakBalance       float64
	tradeTimes        []time.Time
}

// NewState creates an empty safety state for the current UTC day
func NewState() *State {
	return &State{
		day:          dayKey(time.Now()),
		symbolTrades: make(map[string]int),
	}
}

// OnTradeOpened records a new trade against the daily counters
func (s *State) OnTradeOpened(symbol string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(now)

	s.dailyTrades++
	s.symbolTrades[symbol]++
	s.tradeTimes = append(s.tradeTimes, now.UTC())
	s.trimHistoryLocked(now)
}

// OnTradeClosed folds a realized result into the rolling P&L
func (s *State) OnTradeClosed(profit float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(now)

	s.dailyPnL += profit
	if profit < 0 {
		s.consecutiveLosses++
	} else {
		s.consecutiveLosses = 0
	}
}

// ObserveBalance advances the high-water mark used for drawdown
func (s *State) ObserveBalance(balance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if balance > s.peakBalance {
		s.peakBalance = balance
	}
}

// DailyPnL returns the realized P&L for the current UTC day
func (s *State) DailyPnL(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(now)
	return s.dailyPnL
}

// DailyTrades returns the count of trades opened in the current UTC day
func (s *State) DailyTrades(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(now)
	return s.dailyTrades
}

// SymbolTrades returns the count of trades opened today on one symbol
func (s *State) SymbolTrades(symbol string, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(now)
	return s.symbolTrades[symbol]
}

// ConsecutiveLosses returns the current losing streak length
func (s *State) ConsecutiveLosses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveLosses
}

// PeakBalance returns the balance high-water mark
func (s *State) PeakBalance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peakBalance
}

// Drawdown returns the percent decline of equity from the balance peak.
// Zero until a peak has been observed.
func (s *State) Drawdown(equity float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peakBalance <= 0 {
		return 0
	}
	dd := (s.peakBalance - equity) / s.peakBalance * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// Snapshot captures the current counters for persistence
func (s *State) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(now)

	symbols := make(map[string]int, len(s.symbolTrades))
	for k, v := range s.symbolTrades {
		symbols[k] = v
	}
	times := make([]time.Time, len(s.tradeTimes))
	copy(times, s.tradeTimes)

	return Snapshot{
		Day:               s.day,
		DailyPnL:          s.dailyPnL,
		DailyTrades:       s.dailyTrades,
		SymbolTrades:      symbols,
		ConsecutiveLosses: s.consecutiveLosses,
		PeakBalance:       s.peakBalance,
		TradeTimes:        times,
	}
}

// Restore loads counters from a recovery snapshot. Counters from a
// previous UTC day are discarded on the next access via rollover.
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.day = snap.Day
	s.dailyPnL = snap.DailyPnL
	s.dailyTrades = snap.DailyTrades
	s.symbolTrades = make(map[string]int, len(snap.SymbolTrades))
	for k, v := range snap.SymbolTrades {
		s.symbolTrades[k] = v
	}
	s.consecutiveLosses = snap.ConsecutiveLosses
	s.peakBalance = snap.PeakBalance
	s.tradeTimes = append([]time.Time(nil), snap.TradeTimes...)
}

// rolloverLocked resets the daily counters when the UTC day changes.
// The losing streak and balance peak survive the rollover.
func (s *State) rolloverLocked(now time.Time) {
	key := dayKey(now)
	if key == s.day {
		return
	}
	s.day = key
	s.dailyPnL = 0
	s.dailyTrades = 0
	s.symbolTrades = make(map[string]int)
	s.trimHistoryLocked(now)
}

func (s *State) trimHistoryLocked(now time.Time) {
	cutoff := now.UTC().Add(-tradeHistoryWindow)
	i := 0
	for i < len(s.tradeTimes) && s.tradeTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.tradeTimes = append([]time.Time(nil), s.tradeTimes[i:]...)
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
