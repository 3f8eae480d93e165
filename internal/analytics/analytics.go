// Package analytics derives performance statistics from an equity curve and
// trade log.
package analytics

import (
	"math"
	"time"

	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Analyze builds a PerformanceReport. periodsPerYear annualizes the Sharpe
// ratio; pass zero or less to leave it per-period. Win rate, average win and
// average loss are taken over closing (SELL) trades. MaxDrawdown and WinRate
// are fractions, TotalReturnPct is a percentage.
func Analyze(curve []types.EquityPoint, trades []types.Trade, initialCapital decimal.Decimal, periodsPerYear float64) types.PerformanceReport {
	report := types.PerformanceReport{
		InitialCapital: initialCapital,
		FinalValue:     initialCapital,
		TradeCount:     len(trades),
	}
	if n := len(curve); n > 0 {
		report.FinalValue = curve[n-1].TotalValue
	}

	report.TotalReturn = report.FinalValue.Sub(initialCapital)
	if !initialCapital.IsZero() {
		report.TotalReturnPct = report.TotalReturn.Div(initialCapital).Mul(hundred)
	}

	report.MaxDrawdown, _ = MaxDrawdown(curve)
	report.SharpeRatio = Sharpe(Returns(curve), periodsPerYear)

	var wins, losses int
	totalWins, totalLosses := decimal.Zero, decimal.Zero
	for _, t := range trades {
		report.TotalFees = report.TotalFees.Add(t.Fee)
		if t.Side != types.OrderSideSell {
			continue
		}
		report.ClosedTrades++
		switch {
		case t.RealizedPnL.IsPositive():
			wins++
			totalWins = totalWins.Add(t.RealizedPnL)
		case t.RealizedPnL.IsNegative():
			losses++
			totalLosses = totalLosses.Add(t.RealizedPnL.Abs())
		}
	}

	if report.ClosedTrades > 0 {
		report.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(report.ClosedTrades)))
	}
	if wins > 0 {
		report.AvgWin = totalWins.Div(decimal.NewFromInt(int64(wins)))
	}
	if losses > 0 {
		report.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(losses)))
	}

	return report
}

// Returns computes period-over-period returns. Points following a zero value
// are skipped.
func Returns(curve []types.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].TotalValue
		if prev.IsZero() {
			continue
		}
		ret, _ := curve[i].TotalValue.Sub(prev).Div(prev).Float64()
		returns = append(returns, ret)
	}
	return returns
}

// Sharpe is mean over sample standard deviation of returns, scaled by
// sqrt(periodsPerYear), with a zero risk-free rate. It is null with fewer
// than two returns or zero deviation.
func Sharpe(returns []float64, periodsPerYear float64) decimal.NullDecimal {
	if len(returns) < 2 {
		return decimal.NullDecimal{}
	}
	std := stdDev(returns)
	if std == 0 || math.IsNaN(std) {
		return decimal.NullDecimal{}
	}
	ratio := mean(returns) / std
	if periodsPerYear > 0 {
		ratio *= math.Sqrt(periodsPerYear)
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(ratio))
}

// MaxDrawdown returns the largest peak-to-trough decline as a fraction of the
// peak, and when the trough occurred.
func MaxDrawdown(curve []types.EquityPoint) (decimal.Decimal, time.Time) {
	if len(curve) == 0 {
		return decimal.Zero, time.Time{}
	}

	var maxDD decimal.Decimal
	var at time.Time
	peak := curve[0].TotalValue
	for _, point := range curve {
		if point.TotalValue.GreaterThan(peak) {
			peak = point.TotalValue
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(point.TotalValue).Div(peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			at = point.Timestamp
		}
	}
	return maxDD, at
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the sample standard deviation.
func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
