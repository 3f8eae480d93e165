package indicators

import "math"

// computeBollinger emits mid (SMA), upper and lower (mid ± k·σ, population σ
// over the same window) and %B. %B reads 0.5 when the bands collapse.
func computeBollinger(c columns, s Spec) Set {
	n, p, k := c.len(), s.Period, s.Params[0]
	mid, upper, lower, pctB := nanSeries(n), nanSeries(n), nanSeries(n), nanSeries(n)
	for i := p - 1; i < n; i++ {
		window := c.close[i-p+1 : i+1]
		m := mean(window)
		sd := popStdDev(window)
		mid[i] = m
		upper[i] = m + k*sd
		lower[i] = m - k*sd
		if upper[i] == lower[i] {
			pctB[i] = 0.5
		} else {
			pctB[i] = (c.close[i] - lower[i]) / (upper[i] - lower[i])
		}
	}
	return Set{
		s.Output("BBMID"):   mid,
		s.Output("BBUPPER"): upper,
		s.Output("BBLOWER"): lower,
		s.Output("BBP"):     pctB,
	}
}

// trueRange uses high-low for the first bar, which has no previous close.
func trueRange(c columns) []float64 {
	tr := make([]float64, c.len())
	for i := range tr {
		hl := c.high[i] - c.low[i]
		if i == 0 {
			tr[i] = hl
			continue
		}
		prev := c.close[i-1]
		tr[i] = math.Max(hl, math.Max(math.Abs(c.high[i]-prev), math.Abs(c.low[i]-prev)))
	}
	return tr
}

func computeATR(c columns, s Spec) Set {
	return Set{s.Key(): wilder(trueRange(c), s.Period)}
}

// computeKeltner is EMA(close) ± mult·ATR over the same period.
func computeKeltner(c columns, s Spec) Set {
	n, mult := c.len(), s.Params[0]
	mid := ema(c.close, s.Period)
	atr := wilder(trueRange(c), s.Period)
	upper, lower := nanSeries(n), nanSeries(n)
	for i := 0; i < n; i++ {
		if Defined(mid[i]) && Defined(atr[i]) {
			upper[i] = mid[i] + mult*atr[i]
			lower[i] = mid[i] - mult*atr[i]
		}
	}
	return Set{
		s.Output("KCMID"):   mid,
		s.Output("KCUPPER"): upper,
		s.Output("KCLOWER"): lower,
	}
}

func computeDonchian(c columns, s Spec) Set {
	n, p := c.len(), s.Period
	upper, lower, mid := nanSeries(n), nanSeries(n), nanSeries(n)
	for i := p - 1; i < n; i++ {
		upper[i] = highest(c.high[i-p+1 : i+1])
		lower[i] = lowest(c.low[i-p+1 : i+1])
		mid[i] = (upper[i] + lower[i]) / 2
	}
	return Set{
		s.Output("DCUPPER"): upper,
		s.Output("DCLOWER"): lower,
		s.Output("DCMID"):   mid,
	}
}

func computeStdDev(c columns, s Spec) Set {
	return Set{s.Key(): rolling(c.close, s.Period, popStdDev)}
}

// computeRealizedVol is the sample standard deviation of the period-1 log
// returns inside a window of Period bars. It is not annualised.
func computeRealizedVol(c columns, s Spec) Set {
	n, p := c.len(), s.Period
	out := nanSeries(n)
	rets := nanSeries(n)
	for i := 1; i < n; i++ {
		if c.close[i-1] > 0 && c.close[i] > 0 {
			rets[i] = math.Log(c.close[i] / c.close[i-1])
		}
	}
	for i := p - 1; i < n; i++ {
		window := rets[i-p+2 : i+1]
		m := mean(window)
		if !Defined(m) {
			continue
		}
		var sq float64
		for _, r := range window {
			sq += (r - m) * (r - m)
		}
		out[i] = math.Sqrt(sq / float64(len(window)-1))
	}
	return Set{s.Key(): out}
}
