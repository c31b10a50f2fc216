// Package correlation reduces or blocks candidate trades that are
// statistically tied to exposure the book already carries.
package correlation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"forex-executor/internal/marketdata"
	"forex-executor/internal/positions"
)

// Config holds correlation filter configuration. The static matrix wins
// when it knows a pair; otherwise a rolling estimate is computed from
// cached closes.
type Config struct {
	Matrix    map[string]map[string]float64 `json:"matrix,omitempty"`
	Lookback  int                           `json:"lookback"`
	Timeframe string                        `json:"timeframe"`
}

// DefaultConfig returns the default correlation configuration
func DefaultConfig() Config {
	return Config{
		Lookback:  200,
		Timeframe: "H1",
	}
}

// Result reports what the filter did to a candidate volume
type Result struct {
	Volume         float64
	Factor         float64
	MaxCorrelation float64
	CorrelatedWith string
	Hedge          bool
	Rejected       bool
	Detail         string
}

// Filter computes pairwise correlation against open positions
type Filter struct {
	config Config
	cache  *marketdata.Cache
	logger zerolog.Logger
}

// NewFilter creates a correlation filter backed by the market data cache
func NewFilter(config Config, cache *marketdata.Cache, logger zerolog.Logger) *Filter {
	if config.Lookback <= 0 {
		config.Lookback = 200
	}
	if config.Timeframe == "" {
		config.Timeframe = "H1"
	}
	return &Filter{
		config: config,
		cache:  cache,
		logger: logger.With().Str("component", "CorrelationFilter").Logger(),
	}
}

// Evaluate scales the candidate volume by the highest correlation found
// against open exposure. The scale never increases volume; a strong
// negative correlation flags a hedge but never blocks. When the scaled
// volume lands under the broker minimum the trade is rejected outright
// rather than rounded back up.
func (f *Filter) Evaluate(ctx context.Context, symbol string, volume float64, open []positions.Position, minVolume float64) Result {
	result := Result{Volume: volume, Factor: 1.0}
	if len(open) == 0 || volume <= 0 {
		return result
	}

	maxCorr := 0.0
	minCorr := 0.0
	maxWith := ""
	seen := make(map[string]bool, len(open))

	for _, p := range open {
		if seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true

		corr, ok := f.pairCorrelation(ctx, symbol, p.Symbol)
		if !ok {
			continue
		}
		if corr > maxCorr {
			maxCorr = corr
			maxWith = p.Symbol
		}
		if corr < minCorr {
			minCorr = corr
		}
	}

	result.MaxCorrelation = maxCorr
	result.CorrelatedWith = maxWith
	if minCorr < -0.7 {
		result.Hedge = true
	}

	factor := scaleFactor(maxCorr)
	result.Factor = factor
	if factor >= 1.0 {
		return result
	}

	adjusted := volume * factor
	if adjusted < minVolume {
		result.Rejected = true
		result.Volume = 0
		result.Detail = fmt.Sprintf("correlation %.2f with %s scales %.2f lots to %.2f, below broker minimum %.2f",
			maxCorr, maxWith, volume, adjusted, minVolume)
		return result
	}

	result.Volume = adjusted
	result.Detail = fmt.Sprintf("correlation %.2f with %s, volume scaled to %.0f%%", maxCorr, maxWith, factor*100)
	return result
}

// scaleFactor maps correlation to the share of requested volume allowed.
func scaleFactor(corr float64) float64 {
	switch {
	case corr > 0.9:
		return 0.30
	case corr > 0.8:
		return 0.50
	case corr > 0.7:
		return 0.70
	default:
		return 1.0
	}
}

// pairCorrelation resolves the correlation between two symbols: identical
// symbols are perfectly correlated, the static matrix is consulted next,
// and a rolling estimate over cached closes is the fallback.
func (f *Filter) pairCorrelation(ctx context.Context, a, b string) (float64, bool) {
	if a == b {
		return 1.0, true
	}
	if f.config.Matrix != nil {
		if row, ok := f.config.Matrix[a]; ok {
			if v, ok := row[b]; ok {
				return v, true
			}
		}
		if row, ok := f.config.Matrix[b]; ok {
			if v, ok := row[a]; ok {
				return v, true
			}
		}
	}
	return f.rollingEstimate(ctx, a, b)
}

// rollingEstimate computes Pearson correlation of close-to-close returns.
// Snapshot staleness of a few bars is fine here; correlation moves slowly.
func (f *Filter) rollingEstimate(ctx context.Context, a, b string) (float64, bool) {
	if f.cache == nil {
		return 0, false
	}
	maxAge := 10 * time.Minute

	snapA, err := f.cache.Snapshot(ctx, a, f.config.Timeframe, maxAge)
	if err != nil {
		f.logger.Debug().Str("symbol", a).Err(err).Msg("Correlation estimate skipped")
		return 0, false
	}
	snapB, err := f.cache.Snapshot(ctx, b, f.config.Timeframe, maxAge)
	if err != nil {
		f.logger.Debug().Str("symbol", b).Err(err).Msg("Correlation estimate skipped")
		return 0, false
	}

	retA := returns(marketdata.Closes(snapA.Bars), f.config.Lookback)
	retB := returns(marketdata.Closes(snapB.Bars), f.config.Lookback)
	if len(retA) < 20 || len(retA) != len(retB) {
		return 0, false
	}
	return pearson(retA, retB), true
}

func returns(closes []float64, lookback int) []float64 {
	if len(closes) > lookback+1 {
		closes = closes[len(closes)-lookback-1:]
	}
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (closes[i]-closes[i-1])/closes[i-1])
	}
	return out
}

func pearson(x, y []float64) float64 {
	n := float64(len(x))
	if n == 0 {
		return 0
	}
	var sumX, sumY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range x {
		dx := x[i] - meanX
		dy := y[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}
