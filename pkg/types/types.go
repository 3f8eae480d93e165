// Package types provides shared type definitions for the paper trading engine.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Action is what a strategy recommends for a symbol.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Side maps a trading action to the order side it produces. HOLD has none.
func (a Action) Side() (OrderSide, bool) {
	switch a {
	case ActionBuy:
		return OrderSideBuy, true
	case ActionSell:
		return OrderSideSell, true
	}
	return "", false
}

// Timeframe represents bar sampling intervals
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// Duration returns the bar length, or zero for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Valid reports whether the timeframe is one the engine knows.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// PeriodsPerYear is the number of bars in a 365-day year (markets are 24/7).
func (tf Timeframe) PeriodsPerYear() float64 {
	d := tf.Duration()
	if d == 0 {
		return 0
	}
	return float64(365*24*time.Hour) / float64(d)
}

// Bar represents a single OHLCV candlestick
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Signal is a strategy's recommendation for one symbol at one point in time.
type Signal struct {
	Action            Action              `json:"action"`
	Symbol            string              `json:"symbol"`
	Confidence        float64             `json:"confidence"`
	SuggestedQuantity decimal.NullDecimal `json:"suggestedQuantity"`
	Reason            string              `json:"reason"`
	Source            string              `json:"source,omitempty"`
	Forced            bool                `json:"forced,omitempty"`
	Timestamp         time.Time           `json:"timestamp"`
}

// Hold builds an abstaining signal with zero confidence.
func Hold(symbol, reason string, ts time.Time) Signal {
	return Signal{
		Action:    ActionHold,
		Symbol:    symbol,
		Reason:    reason,
		Timestamp: ts,
	}
}

func (s Signal) String() string {
	return fmt.Sprintf("%s %s (%.2f): %s", s.Action, s.Symbol, s.Confidence, s.Reason)
}

// Position is a long holding in one symbol.
type Position struct {
	Symbol         string          `json:"symbol"`
	Quantity       decimal.Decimal `json:"quantity"`
	AverageCost    decimal.Decimal `json:"averageCost"`
	LastKnownPrice decimal.Decimal `json:"lastKnownPrice"`
	OpenedAt       time.Time       `json:"openedAt"`
	LastUpdated    time.Time       `json:"lastUpdated"`

	// EntryFees are buy fees not yet charged to a sell's realized P&L.
	EntryFees decimal.Decimal `json:"entryFees"`
}

// MarketValue is quantity times the last known price.
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.LastKnownPrice)
}

// UnrealizedPnL is the mark-to-market gain against average cost.
func (p Position) UnrealizedPnL() decimal.Decimal {
	return p.Quantity.Mul(p.LastKnownPrice.Sub(p.AverageCost))
}

// Trade is an executed fill. Trades are never edited once appended.
// RealizedPnL is set on sells and is net of the sell fee and the sold share
// of the buy fees.
type Trade struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	CashDelta   decimal.Decimal `json:"cashDelta"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	Reason      string          `json:"reason,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// RiskCheck names the check that rejected an order.
type RiskCheck string

const (
	CheckPositionSize   RiskCheck = "position_size"
	CheckDailyLoss      RiskCheck = "daily_loss"
	CheckCash           RiskCheck = "cash_sufficiency"
	CheckStopTakeProfit RiskCheck = "stop_loss_take_profit"
	CheckHalted         RiskCheck = "halted"
	CheckInvalidOrder   RiskCheck = "invalid_order"
)

// Rejection records a signal that did not become a trade.
type Rejection struct {
	Symbol    string          `json:"symbol"`
	Action    Action          `json:"action"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Check     RiskCheck       `json:"check"`
	Reason    string          `json:"reason"`
	Source    string          `json:"source,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Timestamp  time.Time       `json:"timestamp"`
	TotalValue decimal.Decimal `json:"totalValue"`
	Cash       decimal.Decimal `json:"cash"`
}

// SessionStatus is the operational state of a portfolio or live session.
type SessionStatus string

const (
	StatusOpen    SessionStatus = "open"
	StatusHalted  SessionStatus = "halted"
	StatusStopped SessionStatus = "stopped"
)

// PortfolioSnapshot is an immutable copy of portfolio state.
type PortfolioSnapshot struct {
	SessionID       string          `json:"sessionId"`
	Cash            decimal.Decimal `json:"cash"`
	InitialCash     decimal.Decimal `json:"initialCash"`
	TotalValue      decimal.Decimal `json:"totalValue"`
	Positions       []Position      `json:"positions"`
	DailyPnL        decimal.Decimal `json:"dailyPnl"`
	StartOfDayValue decimal.Decimal `json:"startOfDayValue"`
	DailyLossFloor  decimal.Decimal `json:"dailyLossFloor"`
	DayStart        time.Time       `json:"dayStart"`
	Status          SessionStatus   `json:"status"`
	HaltReason      string          `json:"haltReason,omitempty"`
	Paused          bool            `json:"paused,omitempty"`
	NextSeq         int64           `json:"nextSeq"`
	Trades          []Trade         `json:"trades"`
	Rejections      []Rejection     `json:"rejections"`
	EquityCurve     []EquityPoint   `json:"equityCurve"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Position returns the held position for a symbol.
func (s *PortfolioSnapshot) Position(symbol string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}

// PerformanceReport summarises an equity curve and trade log.
type PerformanceReport struct {
	InitialCapital decimal.Decimal     `json:"initialCapital"`
	FinalValue     decimal.Decimal     `json:"finalValue"`
	TotalReturn    decimal.Decimal     `json:"totalReturn"`
	TotalReturnPct decimal.Decimal     `json:"totalReturnPct"`
	MaxDrawdown    decimal.Decimal     `json:"maxDrawdown"`
	SharpeRatio    decimal.NullDecimal `json:"sharpeRatio"`
	WinRate        decimal.Decimal     `json:"winRate"`
	AvgWin         decimal.Decimal     `json:"avgWin"`
	AvgLoss        decimal.Decimal     `json:"avgLoss"`
	TradeCount     int                 `json:"tradeCount"`
	ClosedTrades   int                 `json:"closedTrades"`
	TotalFees      decimal.Decimal     `json:"totalFees"`
}
