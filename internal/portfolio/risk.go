package portfolio

import (
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Outcome is what ApplySignal did with a signal. At most one of Trade and
// Rejection is set; neither is set for HOLD or a SELL with nothing held.
type Outcome struct {
	Trade     *types.Trade
	Rejection *types.Rejection
	Note      string
}

// Executed reports whether the signal produced a fill.
func (o Outcome) Executed() bool { return o.Trade != nil }

// ApplySignal turns a signal into an order when the risk checks pass, and
// records a rejection otherwise. BUY checks run in order: position size,
// daily loss, cash. SELLs reduce risk and are only checked for validity.
// The returned error is non-nil only for an invariant violation.
func (p *Portfolio) ApplySignal(sig types.Signal, price decimal.Decimal) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	side, ok := sig.Action.Side()
	if !ok {
		return Outcome{Note: "hold"}, nil
	}
	if !price.IsPositive() {
		return p.reject(sig, decimal.Zero, price, types.CheckInvalidOrder,
			fmt.Sprintf("market price %s is not positive", price)), nil
	}

	if side == types.OrderSideSell {
		return p.applySell(sig, price)
	}
	return p.applyBuy(sig, price)
}

// applySell (must hold lock)
func (p *Portfolio) applySell(sig types.Signal, price decimal.Decimal) (Outcome, error) {
	pos, held := p.positions[sig.Symbol]
	if !held {
		return Outcome{Note: "no position to sell"}, nil
	}

	qty := pos.Quantity
	if sig.SuggestedQuantity.Valid {
		qty = decimal.Min(sig.SuggestedQuantity.Decimal.Truncate(p.precision), pos.Quantity)
	}
	if !qty.IsPositive() {
		return p.reject(sig, qty, price, types.CheckInvalidOrder, "sell quantity rounds to zero"), nil
	}

	trade, err := p.execute(sig.Symbol, types.OrderSideSell, qty, price, sig.Timestamp, reasonOf(sig))
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Trade: &trade}, nil
}

// applyBuy (must hold lock)
func (p *Portfolio) applyBuy(sig types.Signal, price decimal.Decimal) (Outcome, error) {
	if p.paused {
		return p.reject(sig, decimal.Zero, price, types.CheckHalted, p.pauseReason), nil
	}

	total := p.valueAt(sig.Symbol, price)
	held := decimal.Zero
	if pos, ok := p.positions[sig.Symbol]; ok {
		held = pos.Quantity
	}
	limit := p.limits.MaxPositionSizeFraction.Mul(total)
	room := limit.Sub(held.Mul(price))
	onePlusFee := decimal.NewFromInt(1).Add(p.feeRate)

	var qty decimal.Decimal
	if sig.SuggestedQuantity.Valid {
		qty = sig.SuggestedQuantity.Decimal.Truncate(p.precision)
	} else {
		// spend the remaining allowance, but never more than the cash on hand
		budget := decimal.Min(room, p.cash)
		if budget.IsPositive() {
			qty = budget.Div(price.Mul(onePlusFee)).Truncate(p.precision)
		}
	}

	// 1. position size, measured against the value left after paying the fee
	fee := qty.Mul(price).Mul(p.feeRate)
	after := held.Add(qty).Mul(price)
	if !room.IsPositive() || after.GreaterThan(p.limits.MaxPositionSizeFraction.Mul(total.Sub(fee))) {
		return p.reject(sig, qty, price, types.CheckPositionSize,
			fmt.Sprintf("position value %s would exceed %s of portfolio value %s",
				after.StringFixed(2), p.limits.MaxPositionSizeFraction, total.StringFixed(2))), nil
	}

	// 2. daily loss guard, at the incoming price rather than the last mark
	p.updateDailyGuard(total)
	if p.dailyHalted {
		return p.reject(sig, qty, price, types.CheckDailyLoss,
			fmt.Sprintf("daily P&L %s, value %s at or below floor %s",
				total.Sub(p.startOfDayValue).StringFixed(2), total.StringFixed(2), p.dailyLossFloor().StringFixed(2))), nil
	}

	// 3. cash
	cost := qty.Mul(price).Add(fee)
	if !qty.IsPositive() || p.cash.LessThan(cost) {
		return p.reject(sig, qty, price, types.CheckCash,
			fmt.Sprintf("cost %s exceeds cash %s", cost.StringFixed(2), p.cash.StringFixed(2))), nil
	}

	trade, err := p.execute(sig.Symbol, types.OrderSideBuy, qty, price, sig.Timestamp, reasonOf(sig))
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Trade: &trade}, nil
}

// valueAt is the total value with symbol marked at price (must hold lock)
func (p *Portfolio) valueAt(symbol string, price decimal.Decimal) decimal.Decimal {
	total := p.cash
	for s, pos := range p.positions {
		if s == symbol {
			total = total.Add(pos.Quantity.Mul(price))
			continue
		}
		total = total.Add(pos.MarketValue())
	}
	return total
}

// RecordOverride logs a strategy signal that lost to a forced exit for the
// same symbol in the same cycle.
func (p *Portfolio) RecordOverride(sig types.Signal, price decimal.Decimal, forced types.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reject(sig, decimal.Zero, price, types.CheckStopTakeProfit, "overridden by "+forced.Reason)
}

// reject appends a rejection (must hold lock)
func (p *Portfolio) reject(sig types.Signal, qty, price decimal.Decimal, check types.RiskCheck, reason string) Outcome {
	r := types.Rejection{
		Symbol:    sig.Symbol,
		Action:    sig.Action,
		Quantity:  qty,
		Price:     price,
		Check:     check,
		Reason:    reason,
		Source:    sig.Source,
		Timestamp: sig.Timestamp,
	}
	p.rejections = append(p.rejections, r)

	p.logger.Debug("Signal rejected",
		zap.String("session", p.sessionID),
		zap.String("symbol", sig.Symbol),
		zap.String("action", string(sig.Action)),
		zap.String("check", string(check)),
		zap.String("reason", reason),
	)
	return Outcome{Rejection: &r}
}

// CheckExits returns a forced SELL for every held position whose price has
// crossed its stop-loss or take-profit level. Symbols without a price in
// prices are checked at their last known price.
func (p *Portfolio) CheckExits(prices map[string]decimal.Decimal, ts time.Time) []types.Signal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	one := decimal.NewFromInt(1)
	sl := p.limits.StopLossFraction
	tp := p.limits.TakeProfitFraction

	symbols := make([]string, 0, len(p.positions))
	for s := range p.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var exits []types.Signal
	for _, symbol := range symbols {
		pos := p.positions[symbol]
		price, ok := prices[symbol]
		if !ok || !price.IsPositive() {
			price = pos.LastKnownPrice
		}

		var reason string
		switch {
		case sl.IsPositive() && price.LessThanOrEqual(pos.AverageCost.Mul(one.Sub(sl))):
			reason = fmt.Sprintf("stop-loss: %s <= %s less %s", price, pos.AverageCost, sl)
		case tp.IsPositive() && price.GreaterThanOrEqual(pos.AverageCost.Mul(one.Add(tp))):
			reason = fmt.Sprintf("take-profit: %s >= %s plus %s", price, pos.AverageCost, tp)
		default:
			continue
		}
		exits = append(exits, types.Signal{
			Action:     types.ActionSell,
			Symbol:     symbol,
			Confidence: 1,
			Reason:     reason,
			Source:     "risk",
			Forced:     true,
			Timestamp:  ts,
		})
	}
	return exits
}

// dailyLossFloor is the value at which new buys stop (must hold lock)
func (p *Portfolio) dailyLossFloor() decimal.Decimal {
	return p.startOfDayValue.Sub(p.limits.MaxDailyLossFraction.Mul(p.startOfDayValue))
}

// updateDailyGuard trips the daily loss halt when value is at or below the
// floor (must hold lock). Once tripped it stays until StartNewDay.
func (p *Portfolio) updateDailyGuard(value decimal.Decimal) {
	if p.dailyHalted || !p.limits.MaxDailyLossFraction.IsPositive() {
		return
	}
	if value.LessThanOrEqual(p.dailyLossFloor()) {
		p.dailyHalted = true
		p.logger.Warn("Daily loss limit reached, halting new buys",
			zap.String("session", p.sessionID),
			zap.String("value", value.StringFixed(2)),
			zap.String("floor", p.dailyLossFloor().StringFixed(2)),
		)
	}
}

func reasonOf(sig types.Signal) string {
	if sig.Source == "" {
		return sig.Reason
	}
	return sig.Source + ": " + sig.Reason
}
