package indicators

import "math"

// computeRSI uses Wilder smoothing of the period-1 price changes inside a
// window of period bars, so the first value lands on index period-1.
func computeRSI(c columns, s Spec) Set {
	n, p := c.len(), s.Period
	out := nanSeries(n)
	if n < p {
		return Set{s.Key(): out}
	}

	m := float64(p - 1)
	var avgGain, avgLoss float64
	for i := 1; i < p; i++ {
		gain, loss := change(c.close[i-1], c.close[i])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= m
	avgLoss /= m
	out[p-1] = rsiValue(avgGain, avgLoss)

	for i := p; i < n; i++ {
		gain, loss := change(c.close[i-1], c.close[i])
		avgGain = (avgGain*(m-1) + gain) / m
		avgLoss = (avgLoss*(m-1) + loss) / m
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return Set{s.Key(): out}
}

func change(prev, cur float64) (gain, loss float64) {
	d := cur - prev
	if d > 0 {
		return d, 0
	}
	return 0, -d
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// computeStochastic emits %K over Period bars and %D as the SMA of %K over
// Params[0] values. A flat window reads 50.
func computeStochastic(c columns, s Spec) Set {
	n, p := c.len(), s.Period
	k := nanSeries(n)
	for i := p - 1; i < n; i++ {
		hh := highest(c.high[i-p+1 : i+1])
		ll := lowest(c.low[i-p+1 : i+1])
		if hh == ll {
			k[i] = 50
			continue
		}
		k[i] = 100 * (c.close[i] - ll) / (hh - ll)
	}
	return Set{
		s.Output("STOCHK"): k,
		s.Output("STOCHD"): sma(k, int(s.Params[0])),
	}
}

// computeWilliamsR ranges over [-100, 0]. A flat window reads -50.
func computeWilliamsR(c columns, s Spec) Set {
	n, p := c.len(), s.Period
	out := nanSeries(n)
	for i := p - 1; i < n; i++ {
		hh := highest(c.high[i-p+1 : i+1])
		ll := lowest(c.low[i-p+1 : i+1])
		if hh == ll {
			out[i] = -50
			continue
		}
		out[i] = -100 * (hh - c.close[i]) / (hh - ll)
	}
	return Set{s.Key(): out}
}

func computeCCI(c columns, s Spec) Set {
	tp := c.typical()
	p := s.Period
	out := nanSeries(len(tp))
	for i := p - 1; i < len(tp); i++ {
		window := tp[i-p+1 : i+1]
		m := mean(window)
		var dev float64
		for _, x := range window {
			dev += math.Abs(x - m)
		}
		dev /= float64(p)
		if dev == 0 {
			out[i] = 0
			continue
		}
		out[i] = (tp[i] - m) / (0.015 * dev)
	}
	return Set{s.Key(): out}
}

// computeROC is the percent change from the first to the last close of a
// window of Period bars.
func computeROC(c columns, s Spec) Set {
	n, p := c.len(), s.Period
	out := nanSeries(n)
	for i := p - 1; i < n; i++ {
		prev := c.close[i-p+1]
		if prev == 0 {
			continue
		}
		out[i] = 100 * (c.close[i] - prev) / prev
	}
	return Set{s.Key(): out}
}

// computeMACD takes Period as the fast EMA and Params as slow and signal.
func computeMACD(c columns, s Spec) Set {
	fast := ema(c.close, s.Period)
	slow := ema(c.close, int(s.Params[0]))
	line := nanSeries(c.len())
	for i := range line {
		if Defined(fast[i]) && Defined(slow[i]) {
			line[i] = fast[i] - slow[i]
		}
	}
	signal := ema(line, int(s.Params[1]))
	hist := nanSeries(c.len())
	for i := range hist {
		if Defined(line[i]) && Defined(signal[i]) {
			hist[i] = line[i] - signal[i]
		}
	}
	return Set{
		s.Key():                line,
		s.Output("MACDSIGNAL"): signal,
		s.Output("MACDHIST"):   hist,
	}
}
