package marketdata

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"forex-executor/internal/bridge"
)

var (
	ErrUnknownIndicator = errors.New("marketdata: unknown indicator")
	ErrNotEnoughBars    = errors.New("marketdata: not enough bars")
	ErrUnknownTimeframe = errors.New("marketdata: unknown timeframe")
)

// Default indicator parameters, applied when a name carries no period.
const (
	defaultRSIPeriod  = 14
	defaultATRPeriod  = 14
	defaultADXPeriod  = 14
	macdFast          = 12
	macdSlow          = 26
	macdSignal        = 9
	stochKPeriod      = 14
	stochDPeriod      = 3
	bollingerPeriod   = 20
	bollingerMult     = 2.0
)

// Snapshot is a read-only view of a symbol's recent market state. Indicator
// series are computed on first lookup and memoized, so repeated condition
// evaluation against one snapshot costs one computation per indicator.
type Snapshot struct {
	Symbol    string
	Timeframe string
	Bars      []bridge.Bar
	Quote     bridge.Quote
	Taken     time.Time

	mu     sync.Mutex
	series map[string][]float64
}

// NewSnapshot builds a snapshot from bars and the current quote.
func NewSnapshot(symbol, timeframe string, bars []bridge.Bar, quote bridge.Quote) *Snapshot {
	return &Snapshot{
		Symbol:    symbol,
		Timeframe: timeframe,
		Bars:      bars,
		Quote:     quote,
		Taken:     time.Now().UTC(),
		series:    make(map[string][]float64),
	}
}

// Value returns the latest value of the named indicator.
func (s *Snapshot) Value(name string) (float64, error) {
	ser, err := s.lookup(name)
	if err != nil {
		return 0, err
	}
	return ser[len(ser)-1], nil
}

// Prev returns the previous-bar value of the named indicator, used by
// crossover operators.
func (s *Snapshot) Prev(name string) (float64, error) {
	ser, err := s.lookup(name)
	if err != nil {
		return 0, err
	}
	if len(ser) < 2 {
		return 0, fmt.Errorf("%w: %s needs two bars", ErrNotEnoughBars, name)
	}
	return ser[len(ser)-2], nil
}

// Close returns the latest close price.
func (s *Snapshot) Close() float64 {
	if len(s.Bars) == 0 {
		return 0
	}
	return s.Bars[len(s.Bars)-1].Close
}

// SpreadPips returns the current spread in pips.
func (s *Snapshot) SpreadPips() float64 {
	return (s.Quote.Ask - s.Quote.Bid) / PipSize(s.Symbol)
}

func (s *Snapshot) lookup(name string) ([]float64, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	s.mu.Lock()
	defer s.mu.Unlock()

	if ser, ok := s.series[name]; ok {
		return ser, nil
	}
	if len(s.Bars) == 0 {
		return nil, ErrNotEnoughBars
	}

	ser, err := s.compute(name)
	if err != nil {
		return nil, err
	}
	s.series[name] = ser
	return ser, nil
}

// compute resolves an indicator name to its series. Recognized names:
// price, close, open, high, low, sma_N, ema_N, rsi[_N], macd, macd_signal,
// macd_hist, atr[_N], adx, stochastic_k, stochastic_d, bollinger_upper,
// bollinger_middle, bollinger_lower.
func (s *Snapshot) compute(name string) ([]float64, error) {
	closes := Closes(s.Bars)

	switch name {
	case "price", "close":
		return closes, nil
	case "open":
		return barField(s.Bars, func(b bridge.Bar) float64 { return b.Open }), nil
	case "high":
		return barField(s.Bars, func(b bridge.Bar) float64 { return b.High }), nil
	case "low":
		return barField(s.Bars, func(b bridge.Bar) float64 { return b.Low }), nil
	case "rsi":
		return RSI(closes, defaultRSIPeriod), nil
	case "atr":
		return ATR(s.Bars, defaultATRPeriod), nil
	case "adx":
		return ADX(s.Bars, defaultADXPeriod), nil
	case "macd":
		macd, _, _ := MACD(closes, macdFast, macdSlow, macdSignal)
		return macd, nil
	case "macd_signal":
		_, sig, _ := MACD(closes, macdFast, macdSlow, macdSignal)
		return sig, nil
	case "macd_hist":
		_, _, hist := MACD(closes, macdFast, macdSlow, macdSignal)
		return hist, nil
	case "stochastic_k":
		k, _ := Stochastic(s.Bars, stochKPeriod, stochDPeriod)
		return k, nil
	case "stochastic_d":
		_, d := Stochastic(s.Bars, stochKPeriod, stochDPeriod)
		return d, nil
	case "bollinger_upper":
		u, _, _ := Bollinger(closes, bollingerPeriod, bollingerMult)
		return u, nil
	case "bollinger_middle":
		_, m, _ := Bollinger(closes, bollingerPeriod, bollingerMult)
		return m, nil
	case "bollinger_lower":
		_, _, l := Bollinger(closes, bollingerPeriod, bollingerMult)
		return l, nil
	}

	if base, period, ok := splitPeriod(name); ok {
		switch base {
		case "sma":
			return SMA(closes, period), nil
		case "ema":
			return EMA(closes, period), nil
		case "rsi":
			return RSI(closes, period), nil
		case "atr":
			return ATR(s.Bars, period), nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownIndicator, name)
}

func barField(bars []bridge.Bar, f func(bridge.Bar) float64) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = f(b)
	}
	return out
}

// splitPeriod parses names like "ema_50" into ("ema", 50).
func splitPeriod(name string) (string, int, bool) {
	idx := strings.LastIndex(name, "_")
	if idx <= 0 || idx == len(name)-1 {
		return "", 0, false
	}
	period, err := strconv.Atoi(name[idx+1:])
	if err != nil || period <= 0 {
		return "", 0, false
	}
	return name[:idx], period, true
}

// PipSize returns the price increment of one pip for the symbol.
// JPY-quoted pairs use two decimal places, everything else four.
func PipSize(symbol string) float64 {
	if strings.Contains(strings.ToUpper(symbol), "JPY") {
		return 0.01
	}
	return 0.0001
}

// TimeframeDuration maps a terminal timeframe code to its bar duration.
func TimeframeDuration(tf string) (time.Duration, error) {
	switch strings.ToUpper(tf) {
	case "M1":
		return time.Minute, nil
	case "M5":
		return 5 * time.Minute, nil
	case "M15":
		return 15 * time.Minute, nil
	case "M30":
		return 30 * time.Minute, nil
	case "H1":
		return time.Hour, nil
	case "H4":
		return 4 * time.Hour, nil
	case "D1":
		return 24 * time.Hour, nil
	case "W1":
		return 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTimeframe, tf)
	}
}
