package main

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/papertrader/internal/config"
	"github.com/atlas-desktop/papertrader/internal/data"
	"github.com/atlas-desktop/papertrader/internal/reporting"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseTime(t *testing.T) {
	ts, err := parseTime("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ts)

	ts, err = parseTime("2024-03-01T12:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ts)

	ts, err = parseTime("")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	_, err = parseTime("March 1st")
	assert.Error(t, err)
}

func TestStrategyOverridesKeepParams(t *testing.T) {
	configured := []types.StrategyConfig{{Name: "rsi", Params: map[string]any{"period": 7}}}
	out := strategyConfigs([]string{"RSI", " momentum ", ""}, configured)

	require.Len(t, out, 2)
	assert.Equal(t, "rsi", out[0].Name)
	assert.Equal(t, 7, out[0].Params["period"])
	assert.Equal(t, "momentum", out[1].Name)
	assert.Nil(t, out[1].Params)
}

func TestFlagsApply(t *testing.T) {
	cfg := &config.Config{Session: types.DefaultSessionConfig()}
	flags := &rootFlags{symbols: []string{"SOLUSDT"}, strategies: []string{"momentum"}, sessionID: "cli"}
	flags.apply(cfg)

	assert.Equal(t, []string{"SOLUSDT"}, cfg.Session.Watchlist)
	assert.Equal(t, "momentum", cfg.Session.Strategies[0].Name)
	assert.Equal(t, "cli", cfg.Session.SessionID)
}

func TestStrategiesCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"strategies"})
	require.NoError(t, cmd.Execute())

	for _, name := range []string{"momentum", "mean_reversion", "rsi", "classifier", "sentiment"} {
		assert.Contains(t, out.String(), name)
	}
}

func seedBars(t *testing.T, dir string) {
	t.Helper()
	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)

	start := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, 72)
	for i := range bars {
		c := decimal.NewFromFloat(100 + 10*math.Sin(float64(i)/4)).Round(2)
		bars[i] = types.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      c,
			High:      c.Mul(decimal.NewFromFloat(1.01)),
			Low:       c.Mul(decimal.NewFromFloat(0.99)),
			Close:     c,
			Volume:    decimal.NewFromInt(100),
		}
	}
	require.NoError(t, store.SaveBars("BTCUSDT", types.Timeframe1h, bars))
}

func TestBacktestCommand(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	reportDir := filepath.Join(dir, "reports")
	seedBars(t, dataDir)

	cfgPath := filepath.Join(dir, "papertrader.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
session_id: cli-bt
timeframe: 1h
trading_interval_seconds: 3600
history_bars: 24
fee_rate: 0
strategies:
  - name: momentum
    params: {lookback: 2, threshold: 0.01}
watchlist: [BTCUSDT]
data:
  dir: `+dataDir+`
report:
  dir: `+reportDir+`
  json: true
log_level: error
`), 0644))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"backtest", "--config", cfgPath, "--env-file", "", "--start", "2024-03-01", "--excel", "--monte-carlo", "50"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "BACKTEST RESULTS")
	assert.Contains(t, out.String(), "cli-bt")

	raw, err := os.ReadFile(filepath.Join(reportDir, "cli-bt_backtest.json"))
	require.NoError(t, err)
	var summary reporting.Summary
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, 48, summary.Cycles)
	assert.NotEmpty(t, summary.Trades)
	assert.GreaterOrEqual(t, len(summary.EquityCurve), 48)

	if assert.NotNil(t, summary.MonteCarlo, "momentum closes trades on the wave") {
		assert.Equal(t, 50, summary.MonteCarlo.Runs)
	}

	assert.FileExists(t, filepath.Join(reportDir, "cli-bt_backtest.xlsx"))
}

func TestBacktestCommandRejectsBadConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"backtest", "--env-file", "", "--log-level", "error", "--data-dir-unknown"})
	assert.Error(t, cmd.Execute())

	t.Setenv("PAPERTRADER_DATA_DIR", t.TempDir())
	cmd = newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"backtest", "--env-file", "", "--log-level", "error", "-s", "BTCUSDT"})
	err := cmd.Execute()
	assert.ErrorIs(t, err, types.ErrInvalidConfig, "no strategy configured")
}
