package data

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/papertrader/pkg/types"
	"go.uber.org/zap"
)

// ErrInvalidBars is wrapped by Report.Err when a sequence has a critical issue.
var ErrInvalidBars = errors.New("invalid bar sequence")

// Issue severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Issue represents a data quality problem
type Issue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Message   string    `json:"message"`
	BarIndex  int       `json:"barIndex"`
}

// Report summarizes data quality assessment
type Report struct {
	Symbol    string    `json:"symbol"`
	TotalBars int       `json:"totalBars"`
	Issues    []Issue   `json:"issues"`
	IsUsable  bool      `json:"isUsable"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
}

// Err returns the first critical issue wrapped in ErrInvalidBars, or nil.
func (r *Report) Err() error {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityCritical {
			return fmt.Errorf("%w: %s bar %d: %s", ErrInvalidBars, r.Symbol, issue.BarIndex, issue.Message)
		}
	}
	return nil
}

// Validator checks bar sequences before they reach the indicator engine.
type Validator struct {
	logger *zap.Logger

	// MaxGapMove flags close-to-close moves larger than this fraction.
	MaxGapMove float64
}

// NewValidator creates a validator with crypto defaults.
func NewValidator(logger *zap.Logger) *Validator {
	return &Validator{logger: logger, MaxGapMove: 0.20}
}

// Validate runs all checks. Ordering, duplicates, non-positive prices and
// inconsistent OHLC are critical; large gaps are warnings.
func (v *Validator) Validate(bars []types.Bar, symbol string) *Report {
	report := &Report{Symbol: symbol, TotalBars: len(bars)}
	if len(bars) == 0 {
		report.Issues = []Issue{{Type: "NO_DATA", Severity: SeverityCritical, Symbol: symbol, Message: "no bars"}}
		return report
	}
	report.StartDate = bars[0].Timestamp
	report.EndDate = bars[len(bars)-1].Timestamp

	add := func(i int, typ, severity, format string, args ...any) {
		report.Issues = append(report.Issues, Issue{
			Type:      typ,
			Severity:  severity,
			Timestamp: bars[i].Timestamp,
			Symbol:    symbol,
			Message:   fmt.Sprintf(format, args...),
			BarIndex:  i,
		})
	}

	for i, bar := range bars {
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			add(i, "NON_POSITIVE_PRICE", SeverityCritical, "non-positive price (O:%s H:%s L:%s C:%s)",
				bar.Open, bar.High, bar.Low, bar.Close)
		}
		if bar.High.LessThan(bar.Open) || bar.High.LessThan(bar.Close) || bar.High.LessThan(bar.Low) ||
			bar.Low.GreaterThan(bar.Open) || bar.Low.GreaterThan(bar.Close) {
			add(i, "OHLC_INCONSISTENT", SeverityCritical, "high/low do not bound the bar (O:%s H:%s L:%s C:%s)",
				bar.Open, bar.High, bar.Low, bar.Close)
		}
		if bar.Volume.IsNegative() {
			add(i, "NEGATIVE_VOLUME", SeverityCritical, "negative volume %s", bar.Volume)
		}

		if i == 0 {
			continue
		}
		prev := bars[i-1]
		switch {
		case bar.Timestamp.Equal(prev.Timestamp):
			add(i, "DUPLICATE_TIMESTAMP", SeverityCritical, "duplicate timestamp %s", bar.Timestamp.Format(time.RFC3339))
		case bar.Timestamp.Before(prev.Timestamp):
			add(i, "OUT_OF_ORDER", SeverityCritical, "bar is out of chronological order")
		}
		if prev.Close.IsPositive() && v.MaxGapMove > 0 {
			move := math.Abs(bar.Close.Sub(prev.Close).Div(prev.Close).InexactFloat64())
			if move > v.MaxGapMove {
				add(i, "PRICE_GAP", SeverityWarning, "close moved %.1f%% from previous bar", move*100)
			}
		}
	}

	report.IsUsable = report.Err() == nil
	if !report.IsUsable && v.logger != nil {
		v.logger.Debug("Bar sequence failed validation",
			zap.String("symbol", symbol),
			zap.Int("issues", len(report.Issues)),
		)
	}
	return report
}

// Clean sorts bars by time and keeps the last bar for each duplicated
// timestamp.
func Clean(bars []types.Bar) []types.Bar {
	out := make([]types.Bar, len(bars))
	copy(out, bars)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	n := 0
	for i := range out {
		if n > 0 && out[i].Timestamp.Equal(out[n-1].Timestamp) {
			out[n-1] = out[i]
			continue
		}
		out[n] = out[i]
		n++
	}
	return out[:n]
}
