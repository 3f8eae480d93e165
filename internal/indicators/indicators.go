// Package indicators computes technical indicator series over bar sequences.
//
// Every series has the same length as its input bars. Indices without enough
// history hold NaN, which callers treat as "undefined". Computation is pure:
// the same bars and spec always give the same series, and the value at index i
// only depends on bars[0..i].
package indicators

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/atlas-desktop/papertrader/pkg/types"
)

var (
	ErrUnknownIndicator = errors.New("unknown indicator")
	ErrInvalidPeriod    = errors.New("invalid indicator period")
)

// Series is an indicator's values aligned index-for-index with bars.
type Series []float64

// Last returns the final value, NaN for an empty series.
func (s Series) Last() float64 {
	if len(s) == 0 {
		return math.NaN()
	}
	return s[len(s)-1]
}

// At returns the value at i, NaN when out of range.
func (s Series) At(i int) float64 {
	if i < 0 || i >= len(s) {
		return math.NaN()
	}
	return s[i]
}

// Set maps output keys such as "SMA_20" or "MACDHIST_12_26_9" to series.
type Set map[string]Series

// Last returns the final value of the named series, NaN when missing.
func (s Set) Last(key string) float64 {
	series, ok := s[key]
	if !ok {
		return math.NaN()
	}
	return series.Last()
}

// Slice returns a view of every series truncated to the first n values.
func (s Set) Slice(n int) Set {
	out := make(Set, len(s))
	for k, v := range s {
		if n > len(v) {
			out[k] = v
			continue
		}
		out[k] = v[:n]
	}
	return out
}

// Defined reports whether v holds a value.
func Defined(v float64) bool {
	return !math.IsNaN(v)
}

// Spec names an indicator family with its period and extra parameters.
type Spec struct {
	Name   string    `json:"name"`
	Period int       `json:"period"`
	Params []float64 `json:"params,omitempty"`
}

// NewSpec builds a Spec.
func NewSpec(name string, period int, params ...float64) Spec {
	return Spec{Name: strings.ToUpper(name), Period: period, Params: params}
}

// Key renders the spec as it appears in a Set, e.g. "BB_20_2".
func (s Spec) Key() string {
	return s.Output(s.Name)
}

// Output renders a named output of this spec, e.g. Output("BBLOWER") on
// BB_20_2 gives "BBLOWER_20_2".
func (s Spec) Output(name string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(name))
	if s.Period > 0 {
		b.WriteByte('_')
		b.WriteString(strconv.Itoa(s.Period))
	}
	for _, p := range s.Params {
		b.WriteByte('_')
		b.WriteString(strconv.FormatFloat(p, 'f', -1, 64))
	}
	return b.String()
}

// ParseSpec parses keys like "RSI_14", "MACD_12_26_9" or "OBV".
func ParseSpec(key string) (Spec, error) {
	parts := strings.Split(strings.TrimSpace(key), "_")
	if parts[0] == "" {
		return Spec{}, fmt.Errorf("%w: empty name", ErrUnknownIndicator)
	}
	spec := Spec{Name: strings.ToUpper(parts[0])}
	if len(parts) > 1 {
		period, err := strconv.Atoi(parts[1])
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %q in %s", ErrInvalidPeriod, parts[1], key)
		}
		spec.Period = period
	}
	for _, raw := range parts[min(len(parts), 2):] {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid indicator parameter %q in %s: %w", raw, key, err)
		}
		spec.Params = append(spec.Params, v)
	}
	return spec, nil
}

// family describes how one indicator name is computed.
type family struct {
	windowed bool
	defaults []float64
	// periodParams is how many leading Params are themselves periods.
	periodParams int
	// minPeriod defaults to 1. Families built on price changes need more.
	minPeriod int
	compute   func(c columns, s Spec) Set
}

var families = map[string]family{
	"SMA":    {windowed: true, compute: computeSMA},
	"EMA":    {windowed: true, compute: computeEMA},
	"WMA":    {windowed: true, compute: computeWMA},
	"RSI":    {windowed: true, minPeriod: 2, compute: computeRSI},
	"STOCH":  {windowed: true, defaults: []float64{3}, periodParams: 1, compute: computeStochastic},
	"WILLR":  {windowed: true, compute: computeWilliamsR},
	"CCI":    {windowed: true, compute: computeCCI},
	"ROC":    {windowed: true, minPeriod: 2, compute: computeROC},
	"MACD":   {windowed: true, defaults: []float64{26, 9}, periodParams: 2, compute: computeMACD},
	"BB":     {windowed: true, defaults: []float64{2}, compute: computeBollinger},
	"ATR":    {windowed: true, compute: computeATR},
	"KC":     {windowed: true, defaults: []float64{2}, compute: computeKeltner},
	"DC":     {windowed: true, compute: computeDonchian},
	"STDDEV": {windowed: true, compute: computeStdDev},
	"RVOL":   {windowed: true, minPeriod: 3, compute: computeRealizedVol},
	"OBV":    {compute: computeOBV},
	"VWAP":   {compute: computeVWAP},
	"CMF":    {windowed: true, compute: computeCMF},
	"MFI":    {windowed: true, minPeriod: 2, compute: computeMFI},
	"VOLZ":   {windowed: true, compute: computeVolumeZ},
}

// Families lists the supported indicator names.
func Families() []string {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Normalize upper-cases the name and fills default parameters, so that
// Key and Output match what Compute emits.
func Normalize(spec Spec) (Spec, error) {
	spec.Name = strings.ToUpper(spec.Name)
	fam, ok := families[spec.Name]
	if !ok {
		return spec, fmt.Errorf("%w: %s", ErrUnknownIndicator, spec.Name)
	}
	if !fam.windowed {
		spec.Period = 0
		spec.Params = nil
		return spec, nil
	}
	if least := max(fam.minPeriod, 1); spec.Period < least {
		return spec, fmt.Errorf("%w: %s needs a period >= %d, got %d", ErrInvalidPeriod, spec.Name, least, spec.Period)
	}
	if len(spec.Params) < len(fam.defaults) {
		params := make([]float64, len(fam.defaults))
		copy(params, spec.Params)
		copy(params[len(spec.Params):], fam.defaults[len(spec.Params):])
		spec.Params = params
	}
	for _, p := range spec.Params[:fam.periodParams] {
		if p < 1 || p != float64(int(p)) {
			return spec, fmt.Errorf("%w: %s parameter %v must be a whole number >= 1", ErrInvalidPeriod, spec.Name, p)
		}
	}
	return spec, nil
}

// Compute evaluates one spec. An unknown name or a period below the family
// minimum is an error; a period longer than the bars is not, it just yields NaN everywhere.
func Compute(bars []types.Bar, spec Spec) (Set, error) {
	spec, err := Normalize(spec)
	if err != nil {
		return nil, err
	}
	return families[spec.Name].compute(columnsOf(bars), spec), nil
}

// ComputeAll evaluates every spec and merges the outputs into one Set.
func ComputeAll(bars []types.Bar, specs []Spec) (Set, error) {
	c := columnsOf(bars)
	out := make(Set)
	done := make(map[string]bool, len(specs))
	for _, raw := range specs {
		spec, err := Normalize(raw)
		if err != nil {
			return nil, err
		}
		if done[spec.Key()] {
			continue
		}
		done[spec.Key()] = true
		for k, v := range families[spec.Name].compute(c, spec) {
			out[k] = v
		}
	}
	return out, nil
}

// columns holds bars as float64 slices.
type columns struct {
	open, high, low, close, volume []float64
}

func columnsOf(bars []types.Bar) columns {
	n := len(bars)
	c := columns{
		open:   make([]float64, n),
		high:   make([]float64, n),
		low:    make([]float64, n),
		close:  make([]float64, n),
		volume: make([]float64, n),
	}
	for i, b := range bars {
		c.open[i] = b.Open.InexactFloat64()
		c.high[i] = b.High.InexactFloat64()
		c.low[i] = b.Low.InexactFloat64()
		c.close[i] = b.Close.InexactFloat64()
		c.volume[i] = b.Volume.InexactFloat64()
	}
	return c
}

func (c columns) len() int { return len(c.close) }

func (c columns) typical() []float64 {
	tp := make([]float64, c.len())
	for i := range tp {
		tp[i] = (c.high[i] + c.low[i] + c.close[i]) / 3
	}
	return tp
}

func nanSeries(n int) Series {
	s := make(Series, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

func firstDefined(v []float64) int {
	for i, x := range v {
		if !math.IsNaN(x) {
			return i
		}
	}
	return len(v)
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// popStdDev is the population standard deviation.
func popStdDev(v []float64) float64 {
	m := mean(v)
	var sq float64
	for _, x := range v {
		d := x - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(v)))
}

func highest(v []float64) float64 {
	h := v[0]
	for _, x := range v[1:] {
		if x > h {
			h = x
		}
	}
	return h
}

func lowest(v []float64) float64 {
	l := v[0]
	for _, x := range v[1:] {
		if x < l {
			l = x
		}
	}
	return l
}

// rolling applies fn to every full window of period values, skipping any
// leading NaN run in v.
func rolling(v []float64, period int, fn func(window []float64) float64) Series {
	out := nanSeries(len(v))
	start := firstDefined(v)
	for i := start + period - 1; i < len(v); i++ {
		out[i] = fn(v[i-period+1 : i+1])
	}
	return out
}
