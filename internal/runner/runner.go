// Package runner drives the trading cycle: fetch bars, compute indicators,
// evaluate strategies, apply signals to the portfolio and mark to market.
// Backtest replays stored history deterministically; Live polls a market
// data source on a fixed interval until stopped.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/papertrader/internal/data"
	"github.com/atlas-desktop/papertrader/internal/indicators"
	"github.com/atlas-desktop/papertrader/internal/portfolio"
	"github.com/atlas-desktop/papertrader/internal/strategy"
	"github.com/atlas-desktop/papertrader/internal/workers"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrRunnerRunning = errors.New("runner already running")
	ErrNotRunning    = errors.New("runner not running")
	// ErrHalted is returned when starting a session stopped by an
	// invariant violation.
	ErrHalted = errors.New("session halted")
)

// Options are the optional collaborators of a runner.
type Options struct {
	Logger *zap.Logger
	// Registerer receives the runner's collectors. A private registry is
	// used when nil.
	Registerer prometheus.Registerer
	// Pool runs the fan-out fetch of a live cycle. The runner creates and
	// owns one when nil.
	Pool      *workers.Pool
	Validator *data.Validator
	// OnCycle is called after every completed cycle, outside any lock.
	OnCycle func(CycleSummary)
	// AutoDayBoundary makes a live runner start a new trading day itself
	// whenever the UTC date changes. Backtests always do.
	AutoDayBoundary bool
}

// CycleSummary is what one cycle did.
type CycleSummary struct {
	SessionID  string              `json:"sessionId"`
	Cycle      int64               `json:"cycle"`
	Timestamp  time.Time           `json:"timestamp"`
	Signals    []types.Signal      `json:"signals"`
	Trades     []types.Trade       `json:"trades"`
	Rejections []types.Rejection   `json:"rejections"`
	Skipped    map[string]string   `json:"skipped,omitempty"`
	Equity     types.EquityPoint   `json:"equity"`
	Status     types.SessionStatus `json:"status"`
	HaltReason string              `json:"haltReason,omitempty"`
}

// engine is the cycle logic shared by both modes. It is not safe for
// concurrent use; callers serialize cycles.
type engine struct {
	cfg       types.SessionConfig
	logger    *zap.Logger
	strategy  strategy.Strategy
	specs     []indicators.Spec
	portfolio *portfolio.Portfolio
	validator *data.Validator
	metrics   *Metrics
}

// newEngine validates the configuration and builds the strategy. Every
// error it returns is a configuration error.
func newEngine(cfg types.SessionConfig, registry *strategy.Registry, logger *zap.Logger, opts Options) (*engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, types.NewConfigError("no strategy registry")
	}

	strat, err := registry.Build(cfg.Strategies)
	if err != nil {
		return nil, err
	}
	specs := strat.Requirements()
	for _, spec := range specs {
		if _, err := indicators.Normalize(spec); err != nil {
			return nil, types.NewConfigError("strategy %s requires %s: %v", strat.Name(), spec.Key(), err)
		}
	}

	metrics, err := NewMetrics(opts.Registerer, cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	validator := opts.Validator
	if validator == nil {
		validator = data.NewValidator(logger)
	}

	e := &engine{
		cfg:       cfg,
		logger:    logger,
		strategy:  strat,
		specs:     specs,
		validator: validator,
		metrics:   metrics,
	}
	e.reset()
	return e, nil
}

// reset replaces the portfolio with a fresh one.
func (e *engine) reset() {
	e.portfolio = portfolio.New(e.cfg.SessionID, e.cfg.InitialCapital, e.cfg.Risk, portfolio.Options{
		FeeRate:           e.cfg.FeeRate,
		QuantityPrecision: e.cfg.QuantityPrecision,
		Logger:            e.logger,
	})
}

// usable validates bars and records the reason in skipped when they are not.
func (e *engine) usable(symbol string, bars []types.Bar, skipped map[string]string) bool {
	if err := e.validator.Validate(bars, symbol).Err(); err != nil {
		e.logger.Warn("Skipping symbol with invalid bars", zap.String("symbol", symbol), zap.Error(err))
		e.metrics.skipped.WithLabelValues(symbol).Inc()
		skipped[symbol] = err.Error()
		return false
	}
	return true
}

// window keeps the last HistoryBars bars.
func (e *engine) window(bars []types.Bar) []types.Bar {
	if n := e.cfg.HistoryBars; n > 0 && len(bars) > n {
		return bars[len(bars)-n:]
	}
	return bars
}

// step runs one cycle over bars already fetched for this timestamp. bars
// holds every symbol with fresh data; watchlist symbols are evaluated and
// every held symbol is checked for forced exits. The error is non-nil only
// for an invariant violation.
func (e *engine) step(ctx context.Context, cycle int64, ts time.Time, watchlist []string, bars map[string][]types.Bar, skipped map[string]string) (CycleSummary, error) {
	summary := CycleSummary{
		SessionID: e.cfg.SessionID,
		Cycle:     cycle,
		Timestamp: ts,
		Skipped:   skipped,
	}

	prices := make(map[string]decimal.Decimal, len(bars))
	for symbol, b := range bars {
		if len(b) > 0 {
			prices[symbol] = b[len(b)-1].Close
		}
	}

	forced := make(map[string]types.Signal)
	for _, sig := range e.portfolio.CheckExits(prices, ts) {
		if _, fresh := prices[sig.Symbol]; fresh {
			forced[sig.Symbol] = sig
		}
	}

	watched := make(map[string]bool, len(watchlist))
	order := make([]string, 0, len(prices))
	for _, symbol := range watchlist {
		watched[symbol] = true
		order = append(order, symbol)
	}
	var extra []string
	for symbol := range forced {
		if !watched[symbol] {
			extra = append(extra, symbol)
		}
	}
	sort.Strings(extra)
	order = append(order, extra...)

	for _, symbol := range order {
		price, ok := prices[symbol]
		if !ok {
			continue
		}

		var sig types.Signal
		have := false
		if watched[symbol] {
			s, err := e.evaluate(ctx, symbol, bars[symbol], ts)
			if err != nil {
				e.logger.Warn("Strategy evaluation failed", zap.String("symbol", symbol), zap.Error(err))
				e.metrics.skipped.WithLabelValues(symbol).Inc()
				summary.Skipped = addSkip(summary.Skipped, symbol, err.Error())
			} else {
				sig, have = s, true
			}
		}

		if exit, ok := forced[symbol]; ok {
			if have && sig.Action == types.ActionBuy {
				e.portfolio.RecordOverride(sig, price, exit)
				e.metrics.rejections.WithLabelValues(string(types.CheckStopTakeProfit)).Inc()
				summary.Signals = append(summary.Signals, sig)
			}
			sig, have = exit, true
		}
		if !have {
			continue
		}

		summary.Signals = append(summary.Signals, sig)
		out, err := e.portfolio.ApplySignal(sig, price)
		if err != nil {
			return summary, err
		}
		switch {
		case out.Trade != nil:
			summary.Trades = append(summary.Trades, *out.Trade)
			e.metrics.trades.WithLabelValues(symbol, string(out.Trade.Side)).Inc()
		case out.Rejection != nil:
			summary.Rejections = append(summary.Rejections, *out.Rejection)
			e.metrics.rejections.WithLabelValues(string(out.Rejection.Check)).Inc()
		}
	}

	summary.Equity = e.portfolio.MarkToMarket(prices, ts)
	if err := e.portfolio.CheckInvariants(); err != nil {
		return summary, err
	}
	summary.Status, summary.HaltReason = e.portfolio.Status()

	e.metrics.cycles.Inc()
	e.metrics.equity.Set(summary.Equity.TotalValue.InexactFloat64())
	e.metrics.cash.Set(summary.Equity.Cash.InexactFloat64())
	return summary, nil
}

func (e *engine) evaluate(ctx context.Context, symbol string, bars []types.Bar, ts time.Time) (types.Signal, error) {
	set, err := indicators.ComputeAll(bars, e.specs)
	if err != nil {
		return types.Signal{}, fmt.Errorf("indicators for %s: %w", symbol, err)
	}

	in := strategy.Input{
		SessionID:  e.cfg.SessionID,
		Symbol:     symbol,
		Bars:       bars,
		Indicators: set,
		Timestamp:  ts,
	}
	if pos, held := e.portfolio.Position(symbol); held {
		in.Position = &pos
	}

	sig, err := e.strategy.Evaluate(ctx, in)
	if err != nil {
		return types.Signal{}, err
	}
	sig.Symbol = symbol
	sig.Timestamp = ts
	return sig, nil
}

func addSkip(skipped map[string]string, symbol, reason string) map[string]string {
	if skipped == nil {
		skipped = make(map[string]string)
	}
	skipped[symbol] = reason
	return skipped
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
