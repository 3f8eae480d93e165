package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/papertrader/internal/analytics"
	"github.com/atlas-desktop/papertrader/internal/data"
	"github.com/atlas-desktop/papertrader/internal/persistence"
	"github.com/atlas-desktop/papertrader/internal/strategy"
	"github.com/atlas-desktop/papertrader/internal/workers"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/atlas-desktop/papertrader/pkg/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// liveHistoryBars is fetched per symbol when the config leaves HistoryBars at 0.
const liveHistoryBars = 200

// LiveStatus is the operational state of a live session.
type LiveStatus struct {
	SessionID   string              `json:"sessionId"`
	Status      types.SessionStatus `json:"status"`
	Reason      string              `json:"reason,omitempty"`
	Running     bool                `json:"running"`
	Strategy    string              `json:"strategy"`
	Cycle       int64               `json:"cycle"`
	LastCycleAt time.Time           `json:"lastCycleAt,omitempty"`
	LastError   string              `json:"lastError,omitempty"`
	Watchlist   []string            `json:"watchlist"`
}

// Live runs one paper trading session against a polled market data source.
type Live struct {
	logger  *zap.Logger
	cfg     types.SessionConfig
	source  data.Source
	store   persistence.Store
	clock   Clock
	engine  *engine
	pool    *workers.Pool
	ownPool bool
	onCycle func(CycleSummary)
	autoDay bool

	// cycleMu serializes cycles and every external mutation.
	cycleMu sync.Mutex

	mu          sync.RWMutex
	watchlist   []string
	running     bool
	restored    bool
	haltReason  string
	cycle       int64
	lastCycleAt time.Time
	lastErr     string
	stopCh      chan struct{}
	done        chan struct{}

	snapshot atomic.Pointer[types.PortfolioSnapshot]
}

// NewLive validates cfg and builds its strategies. store may be nil, in
// which case the session is neither resumed nor checkpointed.
func NewLive(cfg types.SessionConfig, source data.Source, registry *strategy.Registry, store persistence.Store, clock Clock, opts Options) (*Live, error) {
	if source == nil {
		return nil, types.NewConfigError("no market data source")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	cfg.Watchlist = utils.NormalizeSymbols(cfg.Watchlist)
	if clock == nil {
		clock = RealClock{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("live").With(zap.String("session", cfg.SessionID))

	e, err := newEngine(cfg, registry, logger, opts)
	if err != nil {
		return nil, err
	}

	l := &Live{
		logger:    logger,
		cfg:       cfg,
		source:    source,
		store:     store,
		clock:     clock,
		engine:    e,
		pool:      opts.Pool,
		ownPool:   opts.Pool == nil,
		onCycle:   opts.OnCycle,
		autoDay:   opts.AutoDayBoundary,
		watchlist: append([]string(nil), cfg.Watchlist...),
	}
	// an owned pool is created by Start; until then FanOut runs inline
	l.publish()
	return l, nil
}

// SessionID returns the session id.
func (l *Live) SessionID() string {
	return l.cfg.SessionID
}

// Config returns the session configuration.
func (l *Live) Config() types.SessionConfig {
	return l.cfg
}

// Start resumes the session from the store when a snapshot exists, then
// runs a cycle immediately and one every trading interval until Stop or ctx
// is done.
func (l *Live) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrRunnerRunning
	}
	if l.haltReason != "" {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHalted, l.haltReason)
	}
	l.running = true
	needRestore := !l.restored
	l.mu.Unlock()

	if needRestore {
		if err := l.restore(ctx); err != nil {
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
			return err
		}
	}

	if l.ownPool {
		l.cycleMu.Lock()
		l.pool = l.newPool()
		l.pool.Start()
		l.cycleMu.Unlock()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.restored = true
	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})

	l.logger.Info("Starting live session",
		zap.String("strategy", l.engine.strategy.Name()),
		zap.Strings("watchlist", l.watchlist),
		zap.Duration("interval", l.cfg.TradingInterval),
	)

	go l.loop(ctx, l.stopCh, l.done)
	return nil
}

// newPool sizes a fetch pool to the watchlist. A stopped pool cannot be
// restarted, so every Start gets a new one.
func (l *Live) newPool() *workers.Pool {
	poolCfg := workers.DefaultPoolConfig("fetch-" + l.cfg.SessionID)
	poolCfg.NumWorkers = max(len(l.Watchlist()), 1)
	return workers.NewPool(l.logger, poolCfg)
}

// restore loads the last checkpoint.
func (l *Live) restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	snap, err := l.store.Load(ctx, l.cfg.SessionID)
	if errors.Is(err, persistence.ErrSnapshotNotFound) {
		l.logger.Info("No checkpoint found, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	if err := l.engine.portfolio.Restore(snap.Portfolio); err != nil {
		return fmt.Errorf("failed to restore checkpoint: %w", err)
	}
	l.mu.Lock()
	if len(snap.Watchlist) > 0 {
		l.watchlist = append([]string(nil), snap.Watchlist...)
	}
	l.cycle = snap.Cycle
	l.mu.Unlock()
	l.publish()

	l.logger.Info("Resumed from checkpoint",
		zap.Int64("cycle", snap.Cycle),
		zap.Time("savedAt", snap.SavedAt),
		zap.Int("trades", len(snap.Portfolio.Trades)),
	)
	return nil
}

// Stop lets the in-flight cycle finish, checkpoints and returns.
func (l *Live) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return ErrNotRunning
	}
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	done := l.done
	l.mu.Unlock()

	<-done
	return nil
}

// Done is closed when the loop started by the last Start exits.
func (l *Live) Done() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.done
}

func (l *Live) loop(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)
	defer l.finish(ctx)

	for {
		l.runCycle(ctx)
		if l.halted() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-l.clock.After(l.cfg.TradingInterval):
		}
	}
}

func (l *Live) finish(ctx context.Context) {
	l.checkpoint(context.WithoutCancel(ctx))
	if l.ownPool {
		if err := l.pool.Stop(); err != nil {
			l.logger.Warn("Fetch pool did not stop cleanly", zap.Error(err))
		}
	}

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	l.logger.Info("Live session stopped", zap.Int64("cycles", l.Cycle()))
}

func (l *Live) halted() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.haltReason != ""
}

// RunCycle runs one cycle now. The loop calls it on every tick; it is
// exported for callers that drive the session themselves.
func (l *Live) RunCycle(ctx context.Context) (CycleSummary, error) {
	return l.runCycle(ctx)
}

func (l *Live) runCycle(ctx context.Context) (CycleSummary, error) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	if l.halted() {
		return CycleSummary{}, fmt.Errorf("%w: %s", ErrHalted, l.haltReasonValue())
	}

	started := time.Now()
	now := l.clock.Now()
	if l.autoDay {
		if snap := l.Snapshot(); snap.DayStart.IsZero() || !sameDay(snap.DayStart, now) {
			l.engine.portfolio.StartNewDay(now)
		}
	}

	watchlist := l.Watchlist()
	symbols := append([]string(nil), watchlist...)
	watched := make(map[string]bool, len(watchlist))
	for _, s := range watchlist {
		watched[s] = true
	}
	for _, pos := range l.Snapshot().Positions {
		if !watched[pos.Symbol] {
			symbols = append(symbols, pos.Symbol)
		}
	}

	results := workers.FanOut(ctx, l.pool, symbols, l.cfg.FetchTimeout,
		func(ctx context.Context, symbol string) ([]types.Bar, error) {
			return l.fetch(ctx, symbol, now)
		})

	bars := make(map[string][]types.Bar, len(results))
	skipped := make(map[string]string)
	for _, r := range results {
		if r.Err != nil {
			l.logger.Warn("Fetch failed, skipping symbol this cycle", zap.String("symbol", r.Key), zap.Error(r.Err))
			l.engine.metrics.skipped.WithLabelValues(r.Key).Inc()
			skipped[r.Key] = r.Err.Error()
			continue
		}
		if l.engine.usable(r.Key, r.Value, skipped) {
			bars[r.Key] = l.engine.window(r.Value)
		}
	}

	if len(bars) == 0 && len(symbols) > 0 {
		err := fmt.Errorf("no usable data for any of %d symbols", len(symbols))
		l.engine.metrics.cycleFailures.Inc()
		l.mu.Lock()
		l.lastErr = err.Error()
		l.mu.Unlock()
		l.logger.Warn("Cycle failed, retrying at next tick", zap.Error(err))
		return CycleSummary{SessionID: l.cfg.SessionID, Timestamp: now, Skipped: skipped}, err
	}

	l.mu.Lock()
	l.cycle++
	cycle := l.cycle
	l.mu.Unlock()

	summary, err := l.engine.step(ctx, cycle, now, watchlist, bars, skipped)
	l.publish()
	if err != nil {
		l.halt(err)
		summary.Status, summary.HaltReason = types.StatusHalted, err.Error()
		return summary, err
	}

	l.engine.metrics.cycleDuration.Observe(time.Since(started).Seconds())
	l.mu.Lock()
	l.lastCycleAt = now
	l.lastErr = ""
	l.mu.Unlock()

	l.logger.Debug("Cycle completed",
		zap.Int64("cycle", cycle),
		zap.Int("trades", len(summary.Trades)),
		zap.Int("rejections", len(summary.Rejections)),
		zap.Int("skipped", len(summary.Skipped)),
		zap.String("equity", summary.Equity.TotalValue.StringFixed(2)),
	)

	if every := l.cfg.CheckpointEvery; every > 0 && cycle%int64(every) == 0 {
		l.checkpoint(ctx)
	}
	if l.onCycle != nil {
		l.onCycle(summary)
	}
	return summary, nil
}

// fetch returns the bars of symbol up to now. The latest bar replaces or
// extends the history so the forming bar is priced; nothing after now is
// kept.
func (l *Live) fetch(ctx context.Context, symbol string, now time.Time) ([]types.Bar, error) {
	tf := l.cfg.Timeframe
	n := l.cfg.HistoryBars
	if n == 0 {
		n = liveHistoryBars
	}
	from := now.Add(-time.Duration(n) * tf.Duration())

	bars, err := l.source.HistoricalBars(ctx, symbol, tf, from, now)
	if err != nil {
		return nil, err
	}
	if latest, err := l.source.LatestBar(ctx, symbol, tf); err == nil && !latest.Timestamp.After(now) {
		switch last := len(bars) - 1; {
		case last < 0 || latest.Timestamp.After(bars[last].Timestamp):
			bars = append(bars, latest)
		case latest.Timestamp.Equal(bars[last].Timestamp):
			bars[last] = latest
		}
	}

	for len(bars) > 0 && bars[len(bars)-1].Timestamp.After(now) {
		bars = bars[:len(bars)-1]
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w for %s before %s", data.ErrNoData, symbol, now.Format(time.RFC3339))
	}
	return bars, nil
}

func (l *Live) halt(err error) {
	l.mu.Lock()
	l.haltReason = err.Error()
	l.lastErr = err.Error()
	l.mu.Unlock()
	l.engine.metrics.halted.Set(1)
	l.logger.Error("Session halted", zap.Error(err))
}

func (l *Live) haltReasonValue() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.haltReason
}

func (l *Live) checkpoint(ctx context.Context) {
	if l.store == nil {
		return
	}
	snap := persistence.Snapshot{
		SessionID: l.cfg.SessionID,
		Portfolio: l.engine.portfolio.Snapshot(),
		Watchlist: l.Watchlist(),
		Cycle:     l.Cycle(),
		SavedAt:   l.clock.Now(),
	}
	if err := l.store.Save(ctx, snap); err != nil {
		l.engine.metrics.checkpoints.WithLabelValues("error").Inc()
		l.logger.Warn("Checkpoint failed", zap.Error(err))
		return
	}
	l.engine.metrics.checkpoints.WithLabelValues("ok").Inc()
}

func (l *Live) publish() {
	snap := l.engine.portfolio.Snapshot()
	l.snapshot.Store(&snap)
}

// Snapshot returns the portfolio as of the last completed cycle or
// external mutation.
func (l *Live) Snapshot() types.PortfolioSnapshot {
	return *l.snapshot.Load()
}

// Trades returns the last n trades, all of them when n <= 0.
func (l *Live) Trades(n int) []types.Trade {
	trades := l.Snapshot().Trades
	if n > 0 && len(trades) > n {
		trades = trades[len(trades)-n:]
	}
	return trades
}

// Report analyzes the equity curve and trade log so far.
func (l *Live) Report() types.PerformanceReport {
	snap := l.Snapshot()
	return analytics.Analyze(snap.EquityCurve, snap.Trades, snap.InitialCash, l.cfg.Timeframe.PeriodsPerYear())
}

// Cycle returns the number of completed cycles.
func (l *Live) Cycle() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cycle
}

// Status reports Open, Halted or Stopped with the reason.
func (l *Live) Status() LiveStatus {
	snap := l.Snapshot()

	l.mu.RLock()
	defer l.mu.RUnlock()
	st := LiveStatus{
		SessionID:   l.cfg.SessionID,
		Status:      snap.Status,
		Reason:      snap.HaltReason,
		Running:     l.running,
		Strategy:    l.engine.strategy.Name(),
		Cycle:       l.cycle,
		LastCycleAt: l.lastCycleAt,
		LastError:   l.lastErr,
		Watchlist:   append([]string(nil), l.watchlist...),
	}
	switch {
	case l.haltReason != "":
		st.Status, st.Reason = types.StatusHalted, l.haltReason
	case !l.running:
		st.Status = types.StatusStopped
	}
	return st
}

// Watchlist returns the symbols the next cycle will evaluate.
func (l *Live) Watchlist() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.watchlist...)
}

// AddSymbol watches symbol from the next cycle on.
func (l *Live) AddSymbol(symbol string) error {
	symbol = utils.NormalizeSymbol(symbol)
	if symbol == "" {
		return errors.New("empty symbol")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.watchlist {
		if s == symbol {
			return nil
		}
	}
	l.watchlist = append(l.watchlist, symbol)
	l.logger.Info("Symbol added", zap.String("symbol", symbol))
	return nil
}

// RemoveSymbol stops evaluating symbol from the next cycle on. A held
// position keeps being marked and checked for stop-loss and take-profit.
func (l *Live) RemoveSymbol(symbol string) error {
	symbol = utils.NormalizeSymbol(symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.watchlist {
		if s == symbol {
			l.watchlist = append(l.watchlist[:i:i], l.watchlist[i+1:]...)
			l.logger.Info("Symbol removed", zap.String("symbol", symbol))
			return nil
		}
	}
	return fmt.Errorf("%s is not on the watchlist", symbol)
}

// Pause halts new buys until Resume. Sells and forced exits continue.
func (l *Live) Pause(reason string) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	l.engine.portfolio.Pause(reason)
	l.publish()
	l.logger.Info("Session paused", zap.String("reason", reason))
}

// Resume lifts an external pause. A tripped daily loss guard stays until
// the next day boundary.
func (l *Live) Resume() {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	l.engine.portfolio.Resume()
	l.publish()
	l.logger.Info("Session resumed")
}

// DayBoundary starts a new trading day at ts.
func (l *Live) DayBoundary(ts time.Time) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	l.engine.portfolio.StartNewDay(ts)
	l.publish()
	l.logger.Info("Day boundary", zap.Time("at", ts))
}
