package analytics_test

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/papertrader/internal/analytics"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func curve(values ...float64) []types.EquityPoint {
	out := make([]types.EquityPoint, len(values))
	for i, v := range values {
		out[i] = types.EquityPoint{Timestamp: t0.Add(time.Duration(i) * time.Hour), TotalValue: decimal.NewFromFloat(v)}
	}
	return out
}

func trade(side types.OrderSide, pnl, fee float64) types.Trade {
	return types.Trade{Side: side, RealizedPnL: decimal.NewFromFloat(pnl), Fee: decimal.NewFromFloat(fee)}
}

func TestMaxDrawdown(t *testing.T) {
	dd, at := analytics.MaxDrawdown(curve(100, 120, 90, 110, 60, 130))
	assert.True(t, dd.Equal(decimal.NewFromFloat(0.5)), "dd %s", dd)
	assert.Equal(t, t0.Add(4*time.Hour), at)

	dd, _ = analytics.MaxDrawdown(curve(100, 101, 102))
	assert.True(t, dd.IsZero())

	dd, _ = analytics.MaxDrawdown(nil)
	assert.True(t, dd.IsZero())
}

func TestSharpeUndefined(t *testing.T) {
	r := analytics.Analyze(curve(100), nil, decimal.NewFromInt(100), 365)
	assert.False(t, r.SharpeRatio.Valid, "single point")

	r = analytics.Analyze(curve(100, 110), nil, decimal.NewFromInt(100), 365)
	assert.False(t, r.SharpeRatio.Valid, "single return has no sample deviation")

	r = analytics.Analyze(curve(100, 100, 100, 100), nil, decimal.NewFromInt(100), 365)
	assert.False(t, r.SharpeRatio.Valid, "flat curve")
}

func TestSharpeAnnualized(t *testing.T) {
	returns := []float64{0.01, -0.005, 0.02}
	m := (0.01 - 0.005 + 0.02) / 3
	var ss float64
	for _, r := range returns {
		ss += (r - m) * (r - m)
	}
	std := math.Sqrt(ss / 2)

	s := analytics.Sharpe(returns, 252)
	require.True(t, s.Valid)
	assert.InDelta(t, m/std*math.Sqrt(252), s.Decimal.InexactFloat64(), 1e-9)

	raw := analytics.Sharpe(returns, 0)
	require.True(t, raw.Valid)
	assert.InDelta(t, m/std, raw.Decimal.InexactFloat64(), 1e-9)
}

func TestAnalyze(t *testing.T) {
	trades := []types.Trade{
		trade(types.OrderSideBuy, 0, 1),
		trade(types.OrderSideSell, 50, 1),
		trade(types.OrderSideBuy, 0, 1),
		trade(types.OrderSideSell, -20, 1),
		trade(types.OrderSideBuy, 0, 1),
		trade(types.OrderSideSell, 30, 1),
	}
	r := analytics.Analyze(curve(1000, 1050, 1030, 1060), trades, decimal.NewFromInt(1000), 365)

	assert.True(t, r.FinalValue.Equal(decimal.NewFromInt(1060)))
	assert.True(t, r.TotalReturn.Equal(decimal.NewFromInt(60)))
	assert.True(t, r.TotalReturnPct.Equal(decimal.NewFromInt(6)))
	assert.Equal(t, 6, r.TradeCount)
	assert.Equal(t, 3, r.ClosedTrades)
	assert.InDelta(t, 2.0/3, r.WinRate.InexactFloat64(), 1e-12)
	assert.True(t, r.AvgWin.Equal(decimal.NewFromInt(40)))
	assert.True(t, r.AvgLoss.Equal(decimal.NewFromInt(20)))
	assert.True(t, r.TotalFees.Equal(decimal.NewFromInt(6)))
	assert.True(t, r.SharpeRatio.Valid)
}

func TestAnalyzeEmpty(t *testing.T) {
	r := analytics.Analyze(nil, nil, decimal.NewFromInt(500), 365)
	assert.True(t, r.FinalValue.Equal(decimal.NewFromInt(500)))
	assert.True(t, r.TotalReturn.IsZero())
	assert.True(t, r.WinRate.IsZero())
	assert.Zero(t, r.TradeCount)
	assert.False(t, r.SharpeRatio.Valid)
}
