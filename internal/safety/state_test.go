package safety

import (
	"testing"
	"time"
)

// TestStateDailyPnLAccumulates verifies closed results fold into the day
func TestStateDailyPnLAccumulates(t *testing.T) {
	s := NewState()
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	s.OnTradeClosed(120.50, now)
	s.OnTradeClosed(-45.25, now)

	if pnl := s.DailyPnL(now); pnl != 75.25 {
		t.Errorf("Expected daily P&L 75.25, got %.2f", pnl)
	}
}

// TestStateDayRolloverResetsCounters verifies daily counters reset at the
// UTC day boundary while the streak and peak survive
func TestStateDayRolloverResetsCounters(t *testing.T) {
	s := NewState()
	day1 := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 11, 0, 5, 0, 0, time.UTC)

	s.OnTradeOpened("EURUSD", day1)
	s.OnTradeClosed(-300, day1)
	s.ObserveBalance(10000)

	if pnl := s.DailyPnL(day2); pnl != 0 {
		t.Errorf("Expected P&L reset after rollover, got %.2f", pnl)
	}
	if n := s.DailyTrades(day2); n != 0 {
		t.Errorf("Expected trade count reset after rollover, got %d", n)
	}
	if n := s.SymbolTrades("EURUSD", day2); n != 0 {
		t.Errorf("Expected symbol count reset after rollover, got %d", n)
	}
	if s.ConsecutiveLosses() != 1 {
		t.Errorf("Losing streak should survive rollover, got %d", s.ConsecutiveLosses())
	}
	if s.PeakBalance() != 10000 {
		t.Errorf("Peak balance should survive rollover, got %.2f", s.PeakBalance())
	}
}

// TestStateConsecutiveLosses verifies the streak resets on any win
func TestStateConsecutiveLosses(t *testing.T) {
	s := NewState()
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	s.OnTradeClosed(-10, now)
	s.OnTradeClosed(-20, now)
	if s.ConsecutiveLosses() != 2 {
		t.Errorf("Expected streak 2, got %d", s.ConsecutiveLosses())
	}

	s.OnTradeClosed(5, now)
	if s.ConsecutiveLosses() != 0 {
		t.Errorf("Expected streak reset to 0, got %d", s.ConsecutiveLosses())
	}
}

// TestStateDrawdownFromPeak verifies drawdown math against the high-water mark
func TestStateDrawdownFromPeak(t *testing.T) {
	s := NewState()

	if dd := s.Drawdown(9000); dd != 0 {
		t.Errorf("Drawdown before any peak should be 0, got %.2f", dd)
	}

	s.ObserveBalance(10000)
	s.ObserveBalance(9500) // does not lower the peak

	if dd := s.Drawdown(9000); dd != 10 {
		t.Errorf("Expected 10%% drawdown, got %.2f", dd)
	}
	if dd := s.Drawdown(11000); dd != 0 {
		t.Errorf("Equity above peak should report 0, got %.2f", dd)
	}
}

// TestStateSnapshotRestoreRoundTrip verifies counters survive persistence
func TestStateSnapshotRestoreRoundTrip(t *testing.T) {
	s := NewState()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	s.OnTradeOpened("EURUSD", now)
	s.OnTradeOpened("GBPUSD", now)
	s.OnTradeClosed(-75, now)
	s.ObserveBalance(12000)

	snap := s.Snapshot(now)

	restored := NewState()
	restored.Restore(snap)

	if pnl := restored.DailyPnL(now); pnl != -75 {
		t.Errorf("Expected restored P&L -75, got %.2f", pnl)
	}
	if n := restored.DailyTrades(now); n != 2 {
		t.Errorf("Expected restored trade count 2, got %d", n)
	}
	if n := restored.SymbolTrades("EURUSD", now); n != 1 {
		t.Errorf("Expected restored symbol count 1, got %d", n)
	}
	if restored.PeakBalance() != 12000 {
		t.Errorf("Expected restored peak 12000, got %.2f", restored.PeakBalance())
	}
	if restored.ConsecutiveLosses() != 1 {
		t.Errorf("Expected restored streak 1, got %d", restored.ConsecutiveLosses())
	}
}

// TestStateRestoreStaleDayDiscardedOnAccess verifies a snapshot from a
// previous day does not leak its counters into today
func TestStateRestoreStaleDayDiscardedOnAccess(t *testing.T) {
	yesterday := time.Date(2026, 3, 9, 20, 0, 0, 0, time.UTC)
	today := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	s := NewState()
	s.OnTradeOpened("EURUSD", yesterday)
	s.OnTradeClosed(-400, yesterday)
	snap := s.Snapshot(yesterday)

	restored := NewState()
	restored.Restore(snap)

	if pnl := restored.DailyPnL(today); pnl != 0 {
		t.Errorf("Stale P&L should be discarded, got %.2f", pnl)
	}
	if n := restored.DailyTrades(today); n != 0 {
		t.Errorf("Stale trade count should be discarded, got %d", n)
	}
}
