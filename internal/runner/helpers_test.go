package runner_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/papertrader/internal/data"
	"github.com/atlas-desktop/papertrader/internal/indicators"
	"github.com/atlas-desktop/papertrader/internal/strategy"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func hourly(start time.Time, closes ...float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		p := decimal.NewFromFloat(c)
		bars[i] = types.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      p,
			High:      p,
			Low:       p,
			Close:     p,
			Volume:    decimal.NewFromInt(100),
		}
	}
	return bars
}

// scripted decides with a callback and remembers what it was shown.
type scripted struct {
	mu     sync.Mutex
	decide func(in strategy.Input) types.Action
	seen   []strategy.Input
}

func (s *scripted) Name() string                    { return "scripted" }
func (s *scripted) Requirements() []indicators.Spec { return nil }

func (s *scripted) Evaluate(_ context.Context, in strategy.Input) (types.Signal, error) {
	s.mu.Lock()
	s.seen = append(s.seen, in)
	s.mu.Unlock()

	action := s.decide(in)
	conf := 1.0
	if action == types.ActionHold {
		conf = 0.5
	}
	return types.Signal{
		Action:     action,
		Symbol:     in.Symbol,
		Confidence: conf,
		Reason:     "scripted",
		Source:     "scripted",
		Timestamp:  in.Timestamp,
	}, nil
}

func (s *scripted) inputs() []strategy.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]strategy.Input(nil), s.seen...)
}

func alwaysBuy(strategy.Input) types.Action { return types.ActionBuy }

func buyWhenFlat(in strategy.Input) types.Action {
	if in.Position == nil {
		return types.ActionBuy
	}
	return types.ActionHold
}

func registryWith(s strategy.Strategy) *strategy.Registry {
	reg := strategy.NewRegistry(zap.NewNop())
	reg.Register("scripted", strategy.Factory{
		Description: "test strategy",
		New:         func(strategy.Params, strategy.Deps) (strategy.Strategy, error) { return s, nil },
	})
	return reg
}

func testConfig(symbols ...string) types.SessionConfig {
	cfg := types.DefaultSessionConfig()
	cfg.SessionID = "test"
	cfg.Timeframe = types.Timeframe1h
	cfg.TradingInterval = time.Hour
	cfg.FeeRate = decimal.Zero
	cfg.HistoryBars = 50
	cfg.CheckpointEvery = 0
	cfg.Risk = types.RiskLimits{
		MaxPositionSizeFraction: decimal.NewFromFloat(0.5),
		MaxDailyLossFraction:    decimal.Zero,
		StopLossFraction:        decimal.NewFromFloat(0.05),
		TakeProfitFraction:      decimal.NewFromFloat(0.1),
	}
	cfg.Strategies = []types.StrategyConfig{{Name: "scripted"}}
	cfg.Watchlist = symbols
	return cfg
}

type fakeSource struct {
	mu    sync.Mutex
	bars  map[string][]types.Bar
	fail  map[string]error
	block map[string]bool
	calls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		bars:  make(map[string][]types.Bar),
		fail:  make(map[string]error),
		block: make(map[string]bool),
	}
}

func (f *fakeSource) set(symbol string, bars []types.Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars[symbol] = bars
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) HistoricalBars(ctx context.Context, symbol string, _ types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	f.mu.Lock()
	f.calls++
	all, fail, block := f.bars[symbol], f.fail[symbol], f.block[symbol]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail != nil {
		return nil, fail
	}
	var out []types.Bar
	for _, b := range all {
		if b.Timestamp.Before(start) || (!end.IsZero() && b.Timestamp.After(end)) {
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w for %s", data.ErrNoData, symbol)
	}
	return out, nil
}

func (f *fakeSource) LatestBar(_ context.Context, symbol string, _ types.Timeframe) (types.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.bars[symbol]
	if len(all) == 0 {
		return types.Bar{}, data.ErrNoData
	}
	return all[len(all)-1], nil
}

// fakeClock only moves when told to.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	ticks chan time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now, ticks: make(chan time.Time)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(time.Duration) <-chan time.Time { return c.ticks }

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Tick advances the clock and blocks until the runner is waiting for it.
func (c *fakeClock) Tick(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	c.ticks <- now
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
