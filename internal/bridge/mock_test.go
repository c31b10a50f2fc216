package bridge

import (
	"context"
	"errors"
	"math"
	"testing"
)

func floatClose(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// TestMockOpenFillsAtQuote verifies fills land on the correct side of the
// spread
func TestMockOpenFillsAtQuote(t *testing.T) {
	mock := NewMockClient()
	ctx := context.Background()

	buy, err := mock.OpenPosition(ctx, OpenRequest{Symbol: "EURUSD", Direction: DirectionBuy, Volume: 0.10})
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if buy.Ticket < 100000 {
		t.Errorf("Ticket should come from the counter, got %d", buy.Ticket)
	}
	if !floatClose(buy.ExecutionPrice, 1.0851) {
		t.Errorf("BUY should fill at the ask, got %.5f", buy.ExecutionPrice)
	}

	sell, err := mock.OpenPosition(ctx, OpenRequest{Symbol: "EURUSD", Direction: DirectionSell, Volume: 0.10})
	if err != nil {
		t.Fatalf("OpenPosition sell: %v", err)
	}
	if !floatClose(sell.ExecutionPrice, 1.0849) {
		t.Errorf("SELL should fill at the bid, got %.5f", sell.ExecutionPrice)
	}
	if sell.Ticket != buy.Ticket+1 {
		t.Errorf("Tickets should be sequential, got %d then %d", buy.Ticket, sell.Ticket)
	}
}

// TestMockOpenUnknownSymbol verifies unknown symbols are rejected with a
// broker error
func TestMockOpenUnknownSymbol(t *testing.T) {
	mock := NewMockClient()

	_, err := mock.OpenPosition(context.Background(), OpenRequest{Symbol: "XXXYYY", Direction: DirectionBuy, Volume: 0.10})
	var be *BrokerError
	if !errors.As(err, &be) || be.Code != "UNKNOWN_SYMBOL" {
		t.Errorf("Expected UNKNOWN_SYMBOL, got %v", err)
	}
}

// TestMockFullCloseRealizesProfit verifies a close books the price move
// into the balance and removes the position
func TestMockFullCloseRealizesProfit(t *testing.T) {
	mock := NewMockClient()
	ctx := context.Background()

	open, err := mock.OpenPosition(ctx, OpenRequest{Symbol: "EURUSD", Direction: DirectionBuy, Volume: 0.10})
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	// 20 pips above the fill; at $10/pip/lot and 0.10 lots that is $20.
	mock.SetPrice("EURUSD", open.ExecutionPrice+0.0020)

	result, err := mock.ClosePosition(ctx, open.Ticket, 0)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if !floatClose(result.Profit, 20.0) {
		t.Errorf("Expected $20 profit, got %.2f", result.Profit)
	}
	if result.RemainingVolume != 0 {
		t.Errorf("Full close should leave nothing, got %.2f", result.RemainingVolume)
	}
	if !floatClose(result.ClosePrice, open.ExecutionPrice+0.0020-0.0001) {
		t.Errorf("BUY close should fill at the bid, got %.5f", result.ClosePrice)
	}

	positions, _ := mock.GetPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("Position should be gone, %d remain", len(positions))
	}
	acct, _ := mock.GetAccount(ctx)
	if !floatClose(acct.Balance, 10020.0) {
		t.Errorf("Balance should book the profit, got %.2f", acct.Balance)
	}
}

// TestMockPartialClose verifies volume bookkeeping on a partial fill
func TestMockPartialClose(t *testing.T) {
	mock := NewMockClient()
	ctx := context.Background()

	open, err := mock.OpenPosition(ctx, OpenRequest{Symbol: "EURUSD", Direction: DirectionBuy, Volume: 0.30})
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	result, err := mock.ClosePosition(ctx, open.Ticket, 0.10)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if !floatClose(result.ClosedVolume, 0.10) || !floatClose(result.RemainingVolume, 0.20) {
		t.Errorf("Expected 0.10 closed 0.20 remaining, got %.2f/%.2f", result.ClosedVolume, result.RemainingVolume)
	}

	positions, _ := mock.GetPositions(ctx)
	if len(positions) != 1 || !floatClose(positions[0].Volume, 0.20) {
		t.Errorf("Position should hold 0.20 lots, got %+v", positions)
	}
}

// TestMockCloseUnknownTicket verifies the not-found rejection
func TestMockCloseUnknownTicket(t *testing.T) {
	mock := NewMockClient()

	_, err := mock.ClosePosition(context.Background(), 424242, 0.10)
	var be *BrokerError
	if !errors.As(err, &be) || be.Code != "POSITION_NOT_FOUND" {
		t.Errorf("Expected POSITION_NOT_FOUND, got %v", err)
	}
}

// TestMockModifyPosition verifies stop updates land on the position
func TestMockModifyPosition(t *testing.T) {
	mock := NewMockClient()
	ctx := context.Background()

	open, _ := mock.OpenPosition(ctx, OpenRequest{Symbol: "EURUSD", Direction: DirectionBuy, Volume: 0.10})
	if err := mock.ModifyPosition(ctx, open.Ticket, 1.0800, 1.0950); err != nil {
		t.Fatalf("ModifyPosition: %v", err)
	}

	positions, _ := mock.GetPositions(ctx)
	if positions[0].StopLoss != 1.0800 || positions[0].TakeProfit != 1.0950 {
		t.Errorf("Stops not applied: %+v", positions[0])
	}

	if err := mock.ModifyPosition(ctx, 424242, 1, 2); err == nil {
		t.Error("Unknown ticket should be rejected")
	}
}

// TestMockFailNextIsOneShot verifies injected failures clear after firing
func TestMockFailNextIsOneShot(t *testing.T) {
	mock := NewMockClient()
	ctx := context.Background()

	feedDown := errors.New("feed down")
	mock.FailNext[OpGetAccount] = feedDown

	if _, err := mock.GetAccount(ctx); !errors.Is(err, feedDown) {
		t.Fatalf("Expected injected error, got %v", err)
	}
	if _, err := mock.GetAccount(ctx); err != nil {
		t.Errorf("Injection should clear after one shot, got %v", err)
	}
}

// TestMockAccountDerivesFromPositions verifies margin and equity track
// the simulated book
func TestMockAccountDerivesFromPositions(t *testing.T) {
	mock := NewMockClient()
	ctx := context.Background()

	if _, err := mock.OpenPosition(ctx, OpenRequest{Symbol: "EURUSD", Direction: DirectionBuy, Volume: 0.50}); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	acct, err := mock.GetAccount(ctx)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != 10000 {
		t.Errorf("Balance moves only on close, got %.2f", acct.Balance)
	}
	if !floatClose(acct.Margin, 500) {
		t.Errorf("0.50 lots should bind $500 margin, got %.2f", acct.Margin)
	}
	// The fill crossed the spread, so the position starts one pip down.
	if !floatClose(acct.Profit, -5.0) {
		t.Errorf("Expected -$5 unrealized, got %.2f", acct.Profit)
	}
	if !floatClose(acct.Equity, acct.Balance+acct.Profit) {
		t.Errorf("Equity should be balance plus unrealized, got %.2f", acct.Equity)
	}
	if acct.OpenPositions != 1 {
		t.Errorf("Expected 1 open position, got %d", acct.OpenPositions)
	}
}

// TestMockSeedPositionAdvancesTicketCounter verifies seeded tickets are
// never reissued
func TestMockSeedPositionAdvancesTicketCounter(t *testing.T) {
	mock := NewMockClient()
	ctx := context.Background()

	mock.SeedPosition(Position{Ticket: 200000, Symbol: "EURUSD", Direction: DirectionBuy, Volume: 0.10, OpenPrice: 1.0850})

	open, err := mock.OpenPosition(ctx, OpenRequest{Symbol: "EURUSD", Direction: DirectionBuy, Volume: 0.10})
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if open.Ticket != 200001 {
		t.Errorf("Counter should move past the seed, got %d", open.Ticket)
	}

	positions, _ := mock.GetPositions(ctx)
	if len(positions) != 2 {
		t.Errorf("Expected seeded plus opened, got %d", len(positions))
	}
}

// TestMockGetBarsShape verifies the synthetic candles are well formed
func TestMockGetBarsShape(t *testing.T) {
	mock := NewMockClient()

	bars, err := mock.GetBars(context.Background(), "EURUSD", "M5", 50)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars) != 50 {
		t.Fatalf("Expected 50 bars, got %d", len(bars))
	}
	for i, b := range bars {
		if b.High < b.Open || b.High < b.Close {
			t.Errorf("Bar %d high below body", i)
		}
		if b.Low > b.Open || b.Low > b.Close {
			t.Errorf("Bar %d low above body", i)
		}
		if i > 0 && !b.Time.After(bars[i-1].Time) {
			t.Errorf("Bar %d time not increasing", i)
		}
	}
}
