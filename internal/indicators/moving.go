package indicators

func sma(v []float64, period int) Series {
	return rolling(v, period, mean)
}

// ema is seeded with the SMA of the first period defined values.
func ema(v []float64, period int) Series {
	out := nanSeries(len(v))
	start := firstDefined(v)
	seedIdx := start + period - 1
	if seedIdx >= len(v) {
		return out
	}
	out[seedIdx] = mean(v[start : seedIdx+1])
	k := 2.0 / float64(period+1)
	for i := seedIdx + 1; i < len(v); i++ {
		out[i] = (v[i]-out[i-1])*k + out[i-1]
	}
	return out
}

// wilder is Wilder's smoothing (an EMA with alpha 1/period), seeded with an SMA.
func wilder(v []float64, period int) Series {
	out := nanSeries(len(v))
	start := firstDefined(v)
	seedIdx := start + period - 1
	if seedIdx >= len(v) {
		return out
	}
	out[seedIdx] = mean(v[start : seedIdx+1])
	p := float64(period)
	for i := seedIdx + 1; i < len(v); i++ {
		out[i] = (out[i-1]*(p-1) + v[i]) / p
	}
	return out
}

func wma(v []float64, period int) Series {
	denom := float64(period*(period+1)) / 2
	return rolling(v, period, func(w []float64) float64 {
		var sum float64
		for i, x := range w {
			sum += x * float64(i+1)
		}
		return sum / denom
	})
}

func computeSMA(c columns, s Spec) Set {
	return Set{s.Key(): sma(c.close, s.Period)}
}

func computeEMA(c columns, s Spec) Set {
	return Set{s.Key(): ema(c.close, s.Period)}
}

func computeWMA(c columns, s Spec) Set {
	return Set{s.Key(): wma(c.close, s.Period)}
}
