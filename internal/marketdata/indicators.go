package marketdata

import (
	"math"

	"forex-executor/internal/bridge"
)

// Indicator series functions. Each returns a slice aligned with its input:
// element i is the indicator value at bar i. Warmup regions are backfilled
// with a neutral value where the indicator has one (RSI, Stochastic) or
// with the best estimate available (moving averages).

// Closes extracts the close series from bars
func Closes(bars []bridge.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// SMA computes a simple moving average series
func SMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 {
		copy(out, values)
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
			out[i] = sum / float64(period)
		} else {
			out[i] = sum / float64(i+1)
		}
	}
	return out
}

// EMA computes an exponential moving average series
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	if period <= 0 {
		copy(out, values)
		return out
	}
	k := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI computes the relative strength index, neutral 50 during warmup
func RSI(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = 50.0
	}
	if len(values) <= period || period <= 0 {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		diff := values[i] - values[i-1]
		if diff > 0 {
			avgGain += diff
		} else {
			avgLoss -= diff
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		diff := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if diff > 0 {
			gain = diff
		} else {
			loss = -diff
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - 100.0/(1.0+rs)
}

// MACD computes the MACD line, signal line and histogram series
func MACD(values []float64, fast, slow, signal int) (macd, signalLine, hist []float64) {
	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)

	macd = make([]float64, len(values))
	for i := range values {
		macd[i] = fastEMA[i] - slowEMA[i]
	}
	signalLine = EMA(macd, signal)

	hist = make([]float64, len(values))
	for i := range values {
		hist[i] = macd[i] - signalLine[i]
	}
	return macd, signalLine, hist
}

// ATR computes the average true range series with Wilder smoothing
func ATR(bars []bridge.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	if len(bars) == 0 {
		return out
	}

	tr := make([]float64, len(bars))
	tr[0] = bars[0].High - bars[0].Low
	for i := 1; i < len(bars); i++ {
		highLow := bars[i].High - bars[i].Low
		highClose := math.Abs(bars[i].High - bars[i-1].Close)
		lowClose := math.Abs(bars[i].Low - bars[i-1].Close)
		tr[i] = math.Max(highLow, math.Max(highClose, lowClose))
	}

	if period <= 0 || len(bars) <= period {
		copy(out, tr)
		return out
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += tr[i]
		out[i] = sum / float64(i+1)
	}
	out[period-1] = sum / float64(period)
	for i := period; i < len(bars); i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return out
}

// ADX computes the average directional index series
func ADX(bars []bridge.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	if len(bars) <= period+1 || period <= 0 {
		return out
	}

	plusDM := make([]float64, len(bars))
	minusDM := make([]float64, len(bars))
	tr := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
		highLow := bars[i].High - bars[i].Low
		highClose := math.Abs(bars[i].High - bars[i-1].Close)
		lowClose := math.Abs(bars[i].Low - bars[i-1].Close)
		tr[i] = math.Max(highLow, math.Max(highClose, lowClose))
	}

	smPlus := wilderSum(plusDM, period)
	smMinus := wilderSum(minusDM, period)
	smTR := wilderSum(tr, period)

	dx := make([]float64, len(bars))
	for i := period; i < len(bars); i++ {
		if smTR[i] == 0 {
			continue
		}
		pdi := 100 * smPlus[i] / smTR[i]
		mdi := 100 * smMinus[i] / smTR[i]
		if pdi+mdi > 0 {
			dx[i] = 100 * math.Abs(pdi-mdi) / (pdi + mdi)
		}
	}

	// ADX is the Wilder-smoothed DX.
	sum := 0.0
	for i := period; i < 2*period && i < len(bars); i++ {
		sum += dx[i]
	}
	start := 2 * period
	if start >= len(bars) {
		return out
	}
	out[start-1] = sum / float64(period)
	for i := start; i < len(bars); i++ {
		out[i] = (out[i-1]*float64(period-1) + dx[i]) / float64(period)
	}
	return out
}

func wilderSum(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) <= period {
		return out
	}
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += values[i]
	}
	out[period] = sum
	for i := period + 1; i < len(values); i++ {
		out[i] = out[i-1] - out[i-1]/float64(period) + values[i]
	}
	return out
}

// Stochastic computes %K and %D series, neutral 50 during warmup
func Stochastic(bars []bridge.Bar, kPeriod, dPeriod int) (k, d []float64) {
	k = make([]float64, len(bars))
	for i := range k {
		k[i] = 50.0
	}
	if len(bars) < kPeriod || kPeriod <= 0 {
		d = make([]float64, len(bars))
		copy(d, k)
		return k, d
	}

	for i := kPeriod - 1; i < len(bars); i++ {
		lowest := bars[i].Low
		highest := bars[i].High
		for j := i - kPeriod + 1; j <= i; j++ {
			if bars[j].Low < lowest {
				lowest = bars[j].Low
			}
			if bars[j].High > highest {
				highest = bars[j].High
			}
		}
		if highest > lowest {
			k[i] = (bars[i].Close - lowest) / (highest - lowest) * 100
		}
	}

	d = SMA(k, dPeriod)
	return k, d
}

// Bollinger computes the upper, middle and lower band series
func Bollinger(values []float64, period int, mult float64) (upper, middle, lower []float64) {
	middle = SMA(values, period)
	upper = make([]float64, len(values))
	lower = make([]float64, len(values))

	for i := range values {
		start := i - period + 1
		if start < 0 {
			start = 0
		}
		window := values[start : i+1]
		mean := middle[i]
		variance := 0.0
		for _, v := range window {
			variance += (v - mean) * (v - mean)
		}
		sd := math.Sqrt(variance / float64(len(window)))
		upper[i] = mean + mult*sd
		lower[i] = mean - mult*sd
	}
	return upper, middle, lower
}
