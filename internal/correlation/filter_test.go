package correlation

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"forex-executor/internal/positions"
)

func filterWith(corr float64) *Filter {
	return NewFilter(Config{
		Matrix: map[string]map[string]float64{
			"EURUSD": {"GBPUSD": corr},
		},
	}, nil, zerolog.Nop())
}

func openGBPUSD() []positions.Position {
	return []positions.Position{{Ticket: 1, Symbol: "GBPUSD", Direction: "BUY", Volume: 0.5}}
}

// TestEvaluateEmptyBookPassesThrough verifies no open exposure means no change
func TestEvaluateEmptyBookPassesThrough(t *testing.T) {
	f := filterWith(0.95)

	res := f.Evaluate(context.Background(), "EURUSD", 1.0, nil, 0.01)

	if res.Volume != 1.0 || res.Factor != 1.0 || res.Rejected {
		t.Errorf("Empty book should pass through: volume=%.2f factor=%.2f rejected=%v",
			res.Volume, res.Factor, res.Rejected)
	}
}

// TestEvaluateScaleThresholds verifies the tier boundaries
func TestEvaluateScaleThresholds(t *testing.T) {
	cases := []struct {
		corr   float64
		factor float64
	}{
		{0.95, 0.30},
		{0.91, 0.30},
		{0.90, 0.50}, // boundary: strictly greater than 0.9 for the 30% tier
		{0.85, 0.50},
		{0.80, 0.70},
		{0.75, 0.70},
		{0.70, 1.0},
		{0.50, 1.0},
		{0.0, 1.0},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("corr_%.2f", tc.corr), func(t *testing.T) {
			f := filterWith(tc.corr)

			res := f.Evaluate(context.Background(), "EURUSD", 1.0, openGBPUSD(), 0.01)

			if res.Factor != tc.factor {
				t.Errorf("Correlation %.2f: expected factor %.2f, got %.2f", tc.corr, tc.factor, res.Factor)
			}
			if res.Volume != 1.0*tc.factor {
				t.Errorf("Correlation %.2f: expected volume %.2f, got %.2f", tc.corr, 1.0*tc.factor, res.Volume)
			}
		})
	}
}

// TestEvaluateMonotonicScaling verifies a higher correlation never yields a
// larger approved volume
func TestEvaluateMonotonicScaling(t *testing.T) {
	corrs := []float64{0.0, 0.3, 0.5, 0.65, 0.71, 0.75, 0.81, 0.85, 0.91, 0.95, 0.99}

	prev := 2.0
	for _, corr := range corrs {
		f := filterWith(corr)
		res := f.Evaluate(context.Background(), "EURUSD", 1.0, openGBPUSD(), 0.001)

		if res.Volume > prev {
			t.Errorf("Correlation %.2f produced volume %.3f, larger than %.3f at lower correlation",
				corr, res.Volume, prev)
		}
		prev = res.Volume
	}
}

// TestEvaluateRejectsBelowMinimum verifies scaling under the broker minimum
// rejects rather than rounding back up
func TestEvaluateRejectsBelowMinimum(t *testing.T) {
	f := filterWith(0.92)

	res := f.Evaluate(context.Background(), "EURUSD", 0.02, openGBPUSD(), 0.01)

	if !res.Rejected {
		t.Fatal("Expected rejection when scaled volume lands under the minimum")
	}
	if res.Volume != 0 {
		t.Errorf("Rejected result should carry zero volume, got %.3f", res.Volume)
	}
	if res.Detail == "" {
		t.Error("Rejection should explain itself")
	}
}

// TestEvaluateHedgeFlagged verifies a strong negative correlation flags but
// never blocks or shrinks
func TestEvaluateHedgeFlagged(t *testing.T) {
	f := filterWith(-0.75)

	res := f.Evaluate(context.Background(), "EURUSD", 1.0, openGBPUSD(), 0.01)

	if !res.Hedge {
		t.Error("Expected hedge flag for correlation below -0.7")
	}
	if res.Rejected {
		t.Error("Hedge must never reject")
	}
	if res.Volume != 1.0 {
		t.Errorf("Hedge must keep full volume, got %.2f", res.Volume)
	}
}

// TestEvaluateWeakNegativeNotHedge verifies -0.7 exactly is not a hedge
func TestEvaluateWeakNegativeNotHedge(t *testing.T) {
	f := filterWith(-0.70)

	res := f.Evaluate(context.Background(), "EURUSD", 1.0, openGBPUSD(), 0.01)

	if res.Hedge {
		t.Error("Correlation of exactly -0.7 should not flag a hedge")
	}
}

// TestEvaluateSameSymbolFullyCorrelated verifies exposure on the same symbol
// counts as perfect correlation
func TestEvaluateSameSymbolFullyCorrelated(t *testing.T) {
	f := NewFilter(Config{}, nil, zerolog.Nop())
	open := []positions.Position{{Ticket: 1, Symbol: "EURUSD", Direction: "BUY", Volume: 0.5}}

	res := f.Evaluate(context.Background(), "EURUSD", 1.0, open, 0.01)

	if res.MaxCorrelation != 1.0 {
		t.Errorf("Expected correlation 1.0 against same symbol, got %.2f", res.MaxCorrelation)
	}
	if res.Volume != 0.30 {
		t.Errorf("Expected volume scaled to 0.30, got %.2f", res.Volume)
	}
}

// TestEvaluateHighestCorrelationWins verifies the worst pair drives the scale
func TestEvaluateHighestCorrelationWins(t *testing.T) {
	f := NewFilter(Config{
		Matrix: map[string]map[string]float64{
			"EURUSD": {"GBPUSD": 0.75, "EURGBP": 0.92},
		},
	}, nil, zerolog.Nop())
	open := []positions.Position{
		{Ticket: 1, Symbol: "GBPUSD", Direction: "BUY", Volume: 0.5},
		{Ticket: 2, Symbol: "EURGBP", Direction: "SELL", Volume: 0.3},
	}

	res := f.Evaluate(context.Background(), "EURUSD", 1.0, open, 0.01)

	if res.Factor != 0.30 {
		t.Errorf("Expected the 0.92 pair to drive factor 0.30, got %.2f", res.Factor)
	}
	if res.CorrelatedWith != "EURGBP" {
		t.Errorf("Expected EURGBP as the driving pair, got %s", res.CorrelatedWith)
	}
}

// TestEvaluateMatrixSymmetric verifies the matrix is consulted both ways
func TestEvaluateMatrixSymmetric(t *testing.T) {
	f := NewFilter(Config{
		Matrix: map[string]map[string]float64{
			"GBPUSD": {"EURUSD": 0.85},
		},
	}, nil, zerolog.Nop())

	res := f.Evaluate(context.Background(), "EURUSD", 1.0, openGBPUSD(), 0.01)

	if res.Factor != 0.50 {
		t.Errorf("Reverse matrix entry should apply, expected factor 0.50, got %.2f", res.Factor)
	}
}

// TestEvaluateUnknownPairNoCacheUnscaled verifies that without matrix entry
// or market data the trade passes untouched
func TestEvaluateUnknownPairNoCacheUnscaled(t *testing.T) {
	f := NewFilter(Config{}, nil, zerolog.Nop())
	open := []positions.Position{{Ticket: 1, Symbol: "USDJPY", Direction: "BUY", Volume: 0.5}}

	res := f.Evaluate(context.Background(), "EURUSD", 1.0, open, 0.01)

	if res.Volume != 1.0 || res.Rejected {
		t.Errorf("Unknown correlation should pass through: volume=%.2f rejected=%v", res.Volume, res.Rejected)
	}
}

// TestPearson verifies the correlation estimator on known series
func TestPearson(t *testing.T) {
	up := []float64{0.01, 0.02, -0.01, 0.03, -0.02, 0.01}
	down := []float64{-0.01, -0.02, 0.01, -0.03, 0.02, -0.01}

	if got := pearson(up, up); got < 0.999 {
		t.Errorf("Series against itself should be ~1.0, got %.4f", got)
	}
	if got := pearson(up, down); got > -0.999 {
		t.Errorf("Series against its negation should be ~-1.0, got %.4f", got)
	}

	flat := []float64{0.01, 0.01, 0.01, 0.01, 0.01, 0.01}
	if got := pearson(up, flat); got != 0 {
		t.Errorf("Zero-variance series should yield 0, got %.4f", got)
	}
}

// TestReturnsLookbackWindow verifies the close series is trimmed to lookback
func TestReturnsLookbackWindow(t *testing.T) {
	closes := make([]float64, 300)
	for i := range closes {
		closes[i] = 1.0 + float64(i)*0.001
	}

	out := returns(closes, 200)

	if len(out) != 200 {
		t.Errorf("Expected 200 returns from lookback 200, got %d", len(out))
	}
}
