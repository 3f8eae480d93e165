// Package portfolio holds simulated cash and positions and applies orders
// under risk limits.
package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInvariantViolation means the accounting is corrupt. The owning
	// session must stop.
	ErrInvariantViolation = errors.New("portfolio invariant violated")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrInsufficientCash   = errors.New("insufficient cash")
	ErrNoPosition         = errors.New("no position to sell")
)

// tradeNamespace seeds deterministic trade ids.
var tradeNamespace = uuid.MustParse("6f1c2a54-5d0b-4bb4-9a53-3c1f0de8a7e2")

// Options are the fill model settings.
type Options struct {
	FeeRate           decimal.Decimal
	QuantityPrecision int32
	Logger            *zap.Logger
}

// Portfolio is the single-writer state machine for one session.
type Portfolio struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	sessionID string
	limits    types.RiskLimits
	feeRate   decimal.Decimal
	precision int32

	cash        decimal.Decimal
	initialCash decimal.Decimal
	positions   map[string]*types.Position

	startOfDayValue decimal.Decimal
	dayStart        time.Time
	dailyHalted     bool
	paused          bool
	pauseReason     string

	nextSeq    int64
	trades     []types.Trade
	rejections []types.Rejection
	equity     []types.EquityPoint
	updatedAt  time.Time
}

// New creates a portfolio holding only cash.
func New(sessionID string, initialCash decimal.Decimal, limits types.RiskLimits, opts Options) *Portfolio {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Portfolio{
		logger:          logger,
		sessionID:       sessionID,
		limits:          limits,
		feeRate:         opts.FeeRate,
		precision:       opts.QuantityPrecision,
		cash:            initialCash,
		initialCash:     initialCash,
		positions:       make(map[string]*types.Position),
		startOfDayValue: initialCash,
		nextSeq:         1,
	}
}

// SessionID returns the owning session id.
func (p *Portfolio) SessionID() string {
	return p.sessionID
}

// Cash returns available cash.
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// TotalValue returns cash plus positions at their last known prices.
func (p *Portfolio) TotalValue() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalValue()
}

// Position returns a copy of the position in symbol.
func (p *Portfolio) Position(symbol string) (types.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Status reports Open or Halted with the reason.
func (p *Portfolio) Status() (types.SessionStatus, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status()
}

// Trades returns the last n trades, or all of them when n <= 0.
func (p *Portfolio) Trades(n int) []types.Trade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return tail(p.trades, n)
}

// Rejections returns the last n rejected signals, or all when n <= 0.
func (p *Portfolio) Rejections(n int) []types.Rejection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return tail(p.rejections, n)
}

// EquityCurve returns a copy of the equity curve.
func (p *Portfolio) EquityCurve() []types.EquityPoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return tail(p.equity, 0)
}

func tail[T any](s []T, n int) []T {
	if n <= 0 || n > len(s) {
		n = len(s)
	}
	out := make([]T, n)
	copy(out, s[len(s)-n:])
	return out
}

// ExecuteOrder fills an order at price with no risk checks beyond never
// borrowing cash and never selling more than is held.
func (p *Portfolio) ExecuteOrder(symbol string, side types.OrderSide, quantity, price decimal.Decimal, ts time.Time) (types.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.execute(symbol, side, quantity, price, ts, "")
}

// execute applies a fill (must hold lock)
func (p *Portfolio) execute(symbol string, side types.OrderSide, quantity, price decimal.Decimal, ts time.Time, reason string) (types.Trade, error) {
	if symbol == "" || !quantity.IsPositive() || !price.IsPositive() {
		return types.Trade{}, fmt.Errorf("%w: %s %s %s @ %s", ErrInvalidOrder, side, quantity, symbol, price)
	}

	notional := quantity.Mul(price)
	fee := notional.Mul(p.feeRate)
	trade := types.Trade{
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		Fee:       fee,
		Reason:    reason,
		Timestamp: ts,
	}

	pos, held := p.positions[symbol]
	switch side {
	case types.OrderSideBuy:
		cost := notional.Add(fee)
		if p.cash.LessThan(cost) {
			return types.Trade{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, cost, p.cash)
		}
		p.cash = p.cash.Sub(cost)
		trade.CashDelta = cost.Neg()

		if held {
			totalQty := pos.Quantity.Add(quantity)
			totalCost := pos.Quantity.Mul(pos.AverageCost).Add(notional)
			pos.AverageCost = totalCost.Div(totalQty)
			pos.Quantity = totalQty
			pos.EntryFees = pos.EntryFees.Add(fee)
			pos.LastKnownPrice = price
			pos.LastUpdated = ts
		} else {
			p.positions[symbol] = &types.Position{
				Symbol:         symbol,
				Quantity:       quantity,
				AverageCost:    price,
				LastKnownPrice: price,
				OpenedAt:       ts,
				LastUpdated:    ts,
				EntryFees:      fee,
			}
		}

	case types.OrderSideSell:
		if !held {
			return types.Trade{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
		}
		if quantity.GreaterThan(pos.Quantity) {
			return types.Trade{}, fmt.Errorf("%w: sell %s exceeds held %s of %s", ErrInvalidOrder, quantity, pos.Quantity, symbol)
		}
		proceeds := notional.Sub(fee)
		p.cash = p.cash.Add(proceeds)
		trade.CashDelta = proceeds
		// the sold share of the buy fees counts against this sell
		entryFee := pos.EntryFees
		if quantity.LessThan(pos.Quantity) {
			entryFee = pos.EntryFees.Mul(quantity).Div(pos.Quantity)
		}
		trade.RealizedPnL = quantity.Mul(price.Sub(pos.AverageCost)).Sub(fee).Sub(entryFee)

		pos.EntryFees = pos.EntryFees.Sub(entryFee)
		pos.Quantity = pos.Quantity.Sub(quantity)
		pos.LastKnownPrice = price
		pos.LastUpdated = ts
		if pos.Quantity.IsZero() {
			delete(p.positions, symbol)
		}

	default:
		return types.Trade{}, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, side)
	}

	trade.Seq = p.nextSeq
	trade.ID = uuid.NewSHA1(tradeNamespace, []byte(p.sessionID+":"+strconv.FormatInt(p.nextSeq, 10))).String()
	p.nextSeq++
	p.trades = append(p.trades, trade)
	p.updatedAt = ts

	if err := p.checkInvariants(); err != nil {
		return trade, err
	}
	p.updateDailyGuard(p.totalValue())

	p.logger.Info("Order executed",
		zap.String("session", p.sessionID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("quantity", quantity.String()),
		zap.String("price", price.String()),
		zap.String("fee", fee.String()),
		zap.String("cash", p.cash.String()),
	)
	return trade, nil
}

// MarkToMarket updates last known prices of held symbols and appends an
// equity point. Cash and quantities are untouched. Non-positive prices and
// symbols not held are ignored.
func (p *Portfolio) MarkToMarket(prices map[string]decimal.Decimal, ts time.Time) types.EquityPoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	for symbol, price := range prices {
		pos, ok := p.positions[symbol]
		if !ok || !price.IsPositive() {
			continue
		}
		pos.LastKnownPrice = price
		pos.LastUpdated = ts
	}

	point := types.EquityPoint{Timestamp: ts, TotalValue: p.totalValue(), Cash: p.cash}
	p.equity = append(p.equity, point)
	p.updatedAt = ts
	p.updateDailyGuard(p.totalValue())
	return point
}

// CheckInvariants verifies cash is non-negative and every position holds a
// positive quantity.
func (p *Portfolio) CheckInvariants() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.checkInvariants()
}

// checkInvariants (must hold lock)
func (p *Portfolio) checkInvariants() error {
	if p.cash.IsNegative() {
		return fmt.Errorf("%w: cash is %s", ErrInvariantViolation, p.cash)
	}
	for symbol, pos := range p.positions {
		if !pos.Quantity.IsPositive() {
			return fmt.Errorf("%w: %s quantity is %s", ErrInvariantViolation, symbol, pos.Quantity)
		}
	}
	return nil
}

// totalValue calculates cash plus positions (must hold lock)
func (p *Portfolio) totalValue() decimal.Decimal {
	return p.cash.Add(p.positionsValue())
}

// positionsValue (must hold lock)
func (p *Portfolio) positionsValue() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.positions {
		total = total.Add(pos.MarketValue())
	}
	return total
}

// StartNewDay handles an injected day boundary: the current value becomes
// the start-of-day reference and the daily loss halt is lifted.
func (p *Portfolio) StartNewDay(ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.startOfDayValue = p.totalValue()
	p.dayStart = ts
	if p.dailyHalted {
		p.logger.Info("New trading day, lifting daily loss halt",
			zap.String("session", p.sessionID),
			zap.Time("dayStart", ts),
		)
	}
	p.dailyHalted = false
}

// Pause halts new buys until Resume.
func (p *Portfolio) Pause(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if reason == "" {
		reason = "paused"
	}
	p.paused = true
	p.pauseReason = reason
}

// Resume lifts an external pause. A daily loss halt stays in place.
func (p *Portfolio) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.pauseReason = ""
}

// status (must hold lock)
func (p *Portfolio) status() (types.SessionStatus, string) {
	switch {
	case p.paused:
		return types.StatusHalted, p.pauseReason
	case p.dailyHalted:
		return types.StatusHalted, "daily loss limit reached"
	}
	return types.StatusOpen, ""
}

// Snapshot returns a deep copy of the state. Positions are sorted by symbol.
func (p *Portfolio) Snapshot() types.PortfolioSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	positions := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		positions = append(positions, *pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	status, reason := p.status()
	total := p.totalValue()
	return types.PortfolioSnapshot{
		SessionID:       p.sessionID,
		Cash:            p.cash,
		InitialCash:     p.initialCash,
		TotalValue:      total,
		Positions:       positions,
		DailyPnL:        total.Sub(p.startOfDayValue),
		StartOfDayValue: p.startOfDayValue,
		DailyLossFloor:  p.dailyLossFloor(),
		DayStart:        p.dayStart,
		Status:          status,
		HaltReason:      reason,
		Paused:          p.paused,
		NextSeq:         p.nextSeq,
		Trades:          tail(p.trades, 0),
		Rejections:      tail(p.rejections, 0),
		EquityCurve:     tail(p.equity, 0),
		UpdatedAt:       p.updatedAt,
	}
}

// Restore replaces the state with a snapshot taken from a portfolio of the
// same session.
func (p *Portfolio) Restore(s types.PortfolioSnapshot) error {
	if s.SessionID != p.sessionID {
		return fmt.Errorf("snapshot belongs to session %q, not %q", s.SessionID, p.sessionID)
	}

	positions := make(map[string]*types.Position, len(s.Positions))
	for _, pos := range s.Positions {
		pos := pos
		positions[pos.Symbol] = &pos
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.cash = s.Cash
	p.initialCash = s.InitialCash
	p.positions = positions
	p.startOfDayValue = s.StartOfDayValue
	p.dayStart = s.DayStart
	p.paused = s.Paused
	p.pauseReason = ""
	if s.Paused {
		p.pauseReason = s.HaltReason
	}
	p.nextSeq = s.NextSeq
	if p.nextSeq < 1 {
		p.nextSeq = int64(len(s.Trades)) + 1
	}
	p.trades = tail(s.Trades, 0)
	p.rejections = tail(s.Rejections, 0)
	p.equity = tail(s.EquityCurve, 0)
	p.updatedAt = s.UpdatedAt

	p.dailyHalted = false
	p.updateDailyGuard(p.totalValue())
	return p.checkInvariants()
}
