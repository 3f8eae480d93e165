package runner

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/papertrader/internal/analytics"
	"github.com/atlas-desktop/papertrader/internal/data"
	"github.com/atlas-desktop/papertrader/internal/strategy"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/atlas-desktop/papertrader/pkg/utils"
	"go.uber.org/zap"
)

// DefaultBacktestSession is the session id of a backtest configured without one.
const DefaultBacktestSession = "backtest"

// Result is the outcome of a backtest run.
type Result struct {
	SessionID   string                  `json:"sessionId"`
	Start       time.Time               `json:"start"`
	End         time.Time               `json:"end"`
	Cycles      int                     `json:"cycles"`
	Report      types.PerformanceReport `json:"report"`
	Trades      []types.Trade           `json:"trades"`
	Rejections  []types.Rejection       `json:"rejections"`
	EquityCurve []types.EquityPoint     `json:"equityCurve"`
	Portfolio   types.PortfolioSnapshot `json:"portfolio"`
	// Skipped lists symbols left out of the whole run and why.
	Skipped map[string]string `json:"skipped,omitempty"`
	// HaltReason is set when an invariant violation ended the run early.
	HaltReason string `json:"haltReason,omitempty"`
}

// Backtest replays historical bars through the cycle. Two runs over the same
// data and configuration produce identical results.
type Backtest struct {
	logger  *zap.Logger
	cfg     types.SessionConfig
	source  data.Source
	engine  *engine
	onCycle func(CycleSummary)
	running atomic.Bool
}

// NewBacktest validates cfg and builds its strategies. Any error is a
// configuration error.
func NewBacktest(cfg types.SessionConfig, source data.Source, registry *strategy.Registry, opts Options) (*Backtest, error) {
	if source == nil {
		return nil, types.NewConfigError("no market data source")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = DefaultBacktestSession
	}
	cfg.Watchlist = utils.NormalizeSymbols(cfg.Watchlist)

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("backtest").With(zap.String("session", cfg.SessionID))

	e, err := newEngine(cfg, registry, logger, opts)
	if err != nil {
		return nil, err
	}
	return &Backtest{
		logger:  logger,
		cfg:     cfg,
		source:  source,
		engine:  e,
		onCycle: opts.OnCycle,
	}, nil
}

// Strategy returns the name of the strategy being tested.
func (b *Backtest) Strategy() string {
	return b.engine.strategy.Name()
}

// Run replays every bar timestamp in [start, end]. A zero end means all
// available data. Bars before start are loaded for indicator warm-up only.
// On cancellation or an invariant violation the partial result is returned
// together with the error.
func (b *Backtest) Run(ctx context.Context, start, end time.Time) (*Result, error) {
	if !b.running.CompareAndSwap(false, true) {
		return nil, ErrRunnerRunning
	}
	defer b.running.Store(false)

	b.engine.reset()
	result := &Result{
		SessionID: b.cfg.SessionID,
		Start:     start,
		End:       end,
		Skipped:   make(map[string]string),
	}

	series, err := b.load(ctx, start, end, result.Skipped)
	if err != nil {
		return nil, err
	}
	timeline := timestamps(series, start, end)

	b.logger.Info("Starting backtest",
		zap.String("strategy", b.engine.strategy.Name()),
		zap.Int("symbols", len(series)),
		zap.Int("cycles", len(timeline)),
	)

	cursor := make(map[string]int, len(series))
	var prev time.Time
	var runErr error
	for _, ts := range timeline {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		if prev.IsZero() || !sameDay(prev, ts) {
			b.engine.portfolio.StartNewDay(ts)
		}
		prev = ts

		bars := make(map[string][]types.Bar, len(series))
		for _, symbol := range b.cfg.Watchlist {
			all, ok := series[symbol]
			if !ok {
				continue
			}
			i := cursor[symbol]
			for i < len(all) && !all[i].Timestamp.After(ts) {
				i++
			}
			cursor[symbol] = i
			// only symbols with a bar at ts trade in this cycle
			if i == 0 || !all[i-1].Timestamp.Equal(ts) {
				continue
			}
			bars[symbol] = b.engine.window(all[:i])
		}

		result.Cycles++
		summary, err := b.engine.step(ctx, int64(result.Cycles), ts, b.cfg.Watchlist, bars, nil)
		if err != nil {
			result.HaltReason = err.Error()
			b.engine.metrics.halted.Set(1)
			b.logger.Error("Backtest halted", zap.Time("at", ts), zap.Error(err))
			runErr = err
			break
		}
		if b.onCycle != nil {
			b.onCycle(summary)
		}
	}

	snap := b.engine.portfolio.Snapshot()
	result.Portfolio = snap
	result.Trades = snap.Trades
	result.Rejections = snap.Rejections
	result.EquityCurve = snap.EquityCurve
	result.Report = analytics.Analyze(snap.EquityCurve, snap.Trades, b.cfg.InitialCapital, b.cfg.Timeframe.PeriodsPerYear())

	b.logger.Info("Backtest completed",
		zap.Int("cycles", result.Cycles),
		zap.Int("trades", len(result.Trades)),
		zap.Int("rejections", len(result.Rejections)),
		zap.String("totalReturnPct", result.Report.TotalReturnPct.StringFixed(2)),
	)
	return result, runErr
}

// load fetches and validates the history of every watched symbol. Symbols
// without usable data are recorded in skipped.
func (b *Backtest) load(ctx context.Context, start, end time.Time, skipped map[string]string) (map[string][]types.Bar, error) {
	from := start.Add(-time.Duration(b.cfg.HistoryBars) * b.cfg.Timeframe.Duration())
	series := make(map[string][]types.Bar, len(b.cfg.Watchlist))
	for _, symbol := range b.cfg.Watchlist {
		bars, err := b.source.HistoricalBars(ctx, symbol, b.cfg.Timeframe, from, end)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.logger.Warn("Skipping symbol without data", zap.String("symbol", symbol), zap.Error(err))
			skipped[symbol] = err.Error()
			continue
		}
		if !b.engine.usable(symbol, bars, skipped) {
			continue
		}
		series[symbol] = bars
	}
	if len(series) == 0 && len(b.cfg.Watchlist) > 0 {
		b.logger.Warn("No symbol has usable data", zap.Int("skipped", len(skipped)))
	}
	return series, nil
}

// timestamps is the sorted union of bar times within [start, end].
func timestamps(series map[string][]types.Bar, start, end time.Time) []time.Time {
	seen := make(map[int64]time.Time)
	for _, bars := range series {
		for _, bar := range bars {
			if bar.Timestamp.Before(start) || (!end.IsZero() && bar.Timestamp.After(end)) {
				continue
			}
			seen[bar.Timestamp.UnixNano()] = bar.Timestamp
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// String describes the run for logs.
func (r *Result) String() string {
	return fmt.Sprintf("%s: %d cycles, %d trades, return %s%%",
		r.SessionID, r.Cycles, len(r.Trades), r.Report.TotalReturnPct.StringFixed(2))
}
