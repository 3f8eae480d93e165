package montecarlo_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/papertrader/internal/montecarlo"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func closed(pnl ...int64) []types.Trade {
	var trades []types.Trade
	for _, p := range pnl {
		trades = append(trades,
			types.Trade{Side: types.OrderSideBuy},
			types.Trade{Side: types.OrderSideSell, RealizedPnL: decimal.NewFromInt(p)},
		)
	}
	return trades
}

func TestClosedPnLIgnoresBuys(t *testing.T) {
	assert.Equal(t, []float64{10, -5}, montecarlo.ClosedPnL(closed(10, -5)))
}

func TestPermutationKeepsFinalValue(t *testing.T) {
	sim := montecarlo.NewSimulator(zap.NewNop(), montecarlo.Config{Runs: 200, Seed: 7, Bootstrap: false})
	res, err := sim.Run(context.Background(), closed(100, -300, 50, 200), decimal.NewFromInt(1000))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, 200, res.Runs)
	assert.Equal(t, 4, res.Trades)
	assert.InDelta(t, 1050, res.FinalValue.Min, 1e-9)
	assert.InDelta(t, 1050, res.FinalValue.Max, 1e-9)
	assert.Zero(t, res.ProbabilityOfLoss)

	// mildest: -300 after every gain; worst: -300 first
	assert.GreaterOrEqual(t, res.MaxDrawdown.Min, 300.0/1350.0-1e-9)
	assert.InDelta(t, 0.3, res.MaxDrawdown.Max, 1e-9)
	assert.Contains(t, res.MaxDrawdown.Percentiles, "p95")
}

func TestBootstrapIsDeterministic(t *testing.T) {
	cfg := montecarlo.Config{Runs: 300, Seed: 42, Bootstrap: true, ParallelWorkers: 3}
	trades := closed(120, -80, 40, -60, 200, -10)

	a, err := montecarlo.NewSimulator(zap.NewNop(), cfg).Run(context.Background(), trades, decimal.NewFromInt(1000))
	require.NoError(t, err)
	cfg.ParallelWorkers = 1
	b, err := montecarlo.NewSimulator(zap.NewNop(), cfg).Run(context.Background(), trades, decimal.NewFromInt(1000))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.LessOrEqual(t, a.FinalValue.Percentiles["p05"], a.FinalValue.Percentiles["p95"])
	assert.Greater(t, a.ProbabilityOfLoss, 0.0)
}

func TestRuin(t *testing.T) {
	sim := montecarlo.NewSimulator(zap.NewNop(), montecarlo.Config{Runs: 50, RuinFraction: 0.5})
	res, err := sim.Run(context.Background(), closed(-600), decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.ProbabilityOfRuin)
	assert.Equal(t, 1.0, res.ProbabilityOfLoss)
}

func TestNoClosedTrades(t *testing.T) {
	sim := montecarlo.NewSimulator(zap.NewNop(), montecarlo.DefaultConfig())
	res, err := sim.Run(context.Background(), []types.Trade{{Side: types.OrderSideBuy}}, decimal.NewFromInt(1000))
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := montecarlo.NewSimulator(zap.NewNop(), montecarlo.DefaultConfig()).Run(ctx, closed(1, 2), decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPercentileKey(t *testing.T) {
	assert.Equal(t, "p05", montecarlo.PercentileKey(0.05))
	assert.Equal(t, "p50", montecarlo.PercentileKey(0.5))
}
