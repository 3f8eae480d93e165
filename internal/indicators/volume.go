package indicators

// computeOBV accumulates signed volume from the first bar, which reads 0.
func computeOBV(c columns, s Spec) Set {
	out := make(Series, c.len())
	for i := 1; i < c.len(); i++ {
		switch {
		case c.close[i] > c.close[i-1]:
			out[i] = out[i-1] + c.volume[i]
		case c.close[i] < c.close[i-1]:
			out[i] = out[i-1] - c.volume[i]
		default:
			out[i] = out[i-1]
		}
	}
	return Set{s.Key(): out}
}

// computeVWAP is cumulative from the first bar using the typical price.
func computeVWAP(c columns, s Spec) Set {
	tp := c.typical()
	out := nanSeries(c.len())
	var pv, vol float64
	for i := range tp {
		pv += tp[i] * c.volume[i]
		vol += c.volume[i]
		if vol > 0 {
			out[i] = pv / vol
		}
	}
	return Set{s.Key(): out}
}

// computeCMF is Chaikin money flow over Period bars.
func computeCMF(c columns, s Spec) Set {
	n, p := c.len(), s.Period
	mfv := make([]float64, n)
	for i := range mfv {
		hl := c.high[i] - c.low[i]
		if hl == 0 {
			continue
		}
		mult := ((c.close[i] - c.low[i]) - (c.high[i] - c.close[i])) / hl
		mfv[i] = mult * c.volume[i]
	}
	out := nanSeries(n)
	for i := p - 1; i < n; i++ {
		var flow, vol float64
		for j := i - p + 1; j <= i; j++ {
			flow += mfv[j]
			vol += c.volume[j]
		}
		if vol == 0 {
			out[i] = 0
			continue
		}
		out[i] = flow / vol
	}
	return Set{s.Key(): out}
}

// computeMFI is the volume-weighted RSI of typical price over the period-1
// changes inside a window of Period bars.
func computeMFI(c columns, s Spec) Set {
	n, p := c.len(), s.Period
	tp := c.typical()
	out := nanSeries(n)
	for i := p - 1; i < n; i++ {
		var pos, neg float64
		for j := i - p + 2; j <= i; j++ {
			flow := tp[j] * c.volume[j]
			switch {
			case tp[j] > tp[j-1]:
				pos += flow
			case tp[j] < tp[j-1]:
				neg += flow
			}
		}
		out[i] = rsiValue(pos, neg)
	}
	return Set{s.Key(): out}
}

// computeVolumeZ is the z-score of the current volume against the window.
func computeVolumeZ(c columns, s Spec) Set {
	return Set{s.Key(): rolling(c.volume, s.Period, func(w []float64) float64 {
		sd := popStdDev(w)
		if sd == 0 {
			return 0
		}
		return (w[len(w)-1] - mean(w)) / sd
	})}
}
