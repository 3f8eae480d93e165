package types_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() types.SessionConfig {
	cfg := types.DefaultSessionConfig()
	cfg.SessionID = "test"
	cfg.Strategies = []types.StrategyConfig{{Name: "rsi"}}
	cfg.Watchlist = []string{"BTCUSDT", "ETHUSDT"}
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.InitialCapital = decimal.NewFromInt(-5)
	cfg.TradingInterval = 0
	cfg.Timeframe = "7m"
	cfg.Risk.MaxPositionSizeFraction = decimal.NewFromFloat(1.5)
	cfg.Watchlist = []string{"BTCUSDT", "BTCUSDT"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidConfig))

	var cerr *types.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.Problems, 5)
	assert.Contains(t, err.Error(), "initial capital must be positive")
	assert.Contains(t, err.Error(), "BTCUSDT twice")
}

func TestValidateRisk(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*types.SessionConfig)
		ok   bool
	}{
		{"daily loss disabled", func(c *types.SessionConfig) { c.Risk.MaxDailyLossFraction = decimal.Zero }, true},
		{"zero position fraction", func(c *types.SessionConfig) { c.Risk.MaxPositionSizeFraction = decimal.Zero }, false},
		{"full position fraction", func(c *types.SessionConfig) { c.Risk.MaxPositionSizeFraction = decimal.NewFromInt(1) }, true},
		{"stop loss of 100%", func(c *types.SessionConfig) { c.Risk.StopLossFraction = decimal.NewFromInt(1) }, false},
		{"negative take profit", func(c *types.SessionConfig) { c.Risk.TakeProfitFraction = decimal.NewFromFloat(-0.1) }, false},
		{"fee of 100%", func(c *types.SessionConfig) { c.FeeRate = decimal.NewFromInt(1) }, false},
		{"negative precision", func(c *types.SessionConfig) { c.QuantityPrecision = -1 }, false},
		{"negative timeout", func(c *types.SessionConfig) { c.FetchTimeout = -time.Second }, false},
		{"no strategies", func(c *types.SessionConfig) { c.Strategies = nil }, false},
		{"unnamed strategy", func(c *types.SessionConfig) { c.Strategies = []types.StrategyConfig{{Name: " "}} }, false},
		{"empty watchlist", func(c *types.SessionConfig) { c.Watchlist = nil }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mod(&cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, types.ErrInvalidConfig)
			}
		})
	}
}

func TestTimeframe(t *testing.T) {
	assert.Equal(t, 5*time.Minute, types.Timeframe5m.Duration())
	assert.InDelta(t, 365.0, types.Timeframe1d.PeriodsPerYear(), 1e-9)
	assert.InDelta(t, 8760.0, types.Timeframe1h.PeriodsPerYear(), 1e-9)
	assert.False(t, types.Timeframe("2h").Valid())
	assert.Zero(t, types.Timeframe("2h").PeriodsPerYear())
}

func TestActionSide(t *testing.T) {
	side, ok := types.ActionBuy.Side()
	assert.True(t, ok)
	assert.Equal(t, types.OrderSideBuy, side)

	_, ok = types.ActionHold.Side()
	assert.False(t, ok)
}
