// Package types provides configuration types for the paper trading engine.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidConfig is matched by every *ConfigError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError lists every problem found while validating a configuration.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Is lets errors.Is(err, ErrInvalidConfig) match.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// NewConfigError builds a ConfigError with a single formatted problem.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// RiskLimits represents risk management limits, all fractions of portfolio value
type RiskLimits struct {
	MaxPositionSizeFraction decimal.Decimal `json:"maxPositionSizeFraction"`
	MaxDailyLossFraction    decimal.Decimal `json:"maxDailyLossFraction"`
	StopLossFraction        decimal.Decimal `json:"stopLossFraction"`
	TakeProfitFraction      decimal.Decimal `json:"takeProfitFraction"`
}

// StrategyConfig selects a registered strategy and its parameters.
type StrategyConfig struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// SessionConfig is everything a runner needs before its first cycle.
type SessionConfig struct {
	SessionID         string           `json:"sessionId"`
	InitialCapital    decimal.Decimal  `json:"initialCapital"`
	TradingInterval   time.Duration    `json:"tradingInterval"`
	Timeframe         Timeframe        `json:"timeframe"`
	FeeRate           decimal.Decimal  `json:"feeRate"`
	QuantityPrecision int32            `json:"quantityPrecision"`
	HistoryBars       int              `json:"historyBars"`
	FetchTimeout      time.Duration    `json:"fetchTimeout"`
	CheckpointEvery   int              `json:"checkpointEvery"`
	Risk              RiskLimits       `json:"risk"`
	Strategies        []StrategyConfig `json:"strategies"`
	Watchlist         []string         `json:"watchlist"`
}

// DefaultSessionConfig returns sensible defaults
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		InitialCapital:    decimal.NewFromInt(10000),
		TradingInterval:   300 * time.Second,
		Timeframe:         Timeframe5m,
		FeeRate:           decimal.NewFromFloat(0.001),
		QuantityPrecision: 8,
		HistoryBars:       200,
		FetchTimeout:      10 * time.Second,
		CheckpointEvery:   12,
		Risk: RiskLimits{
			MaxPositionSizeFraction: decimal.NewFromFloat(0.2),
			MaxDailyLossFraction:    decimal.NewFromFloat(0.05),
			StopLossFraction:        decimal.NewFromFloat(0.05),
			TakeProfitFraction:      decimal.NewFromFloat(0.1),
		},
	}
}

// Validate checks the configuration and returns a *ConfigError describing
// every invalid field, or nil.
func (c *SessionConfig) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	one := decimal.NewFromInt(1)

	if !c.InitialCapital.IsPositive() {
		add("initial capital must be positive, got %s", c.InitialCapital)
	}
	if c.TradingInterval <= 0 {
		add("trading interval must be positive, got %s", c.TradingInterval)
	}
	if !c.Timeframe.Valid() {
		add("unknown timeframe %q", c.Timeframe)
	}
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(one) {
		add("fee rate must be in [0, 1), got %s", c.FeeRate)
	}
	if c.QuantityPrecision < 0 || c.QuantityPrecision > 18 {
		add("quantity precision must be in [0, 18], got %d", c.QuantityPrecision)
	}
	if c.HistoryBars < 0 {
		add("history bars must not be negative, got %d", c.HistoryBars)
	}
	if c.FetchTimeout < 0 {
		add("fetch timeout must not be negative, got %s", c.FetchTimeout)
	}
	if c.CheckpointEvery < 0 {
		add("checkpoint interval must not be negative, got %d", c.CheckpointEvery)
	}

	r := c.Risk
	if !r.MaxPositionSizeFraction.IsPositive() || r.MaxPositionSizeFraction.GreaterThan(one) {
		add("max position size fraction must be in (0, 1], got %s", r.MaxPositionSizeFraction)
	}
	if r.MaxDailyLossFraction.IsNegative() || r.MaxDailyLossFraction.GreaterThan(one) {
		add("max daily loss fraction must be in [0, 1], got %s", r.MaxDailyLossFraction)
	}
	if r.StopLossFraction.IsNegative() || r.StopLossFraction.GreaterThanOrEqual(one) {
		add("stop loss fraction must be in [0, 1), got %s", r.StopLossFraction)
	}
	if r.TakeProfitFraction.IsNegative() {
		add("take profit fraction must not be negative, got %s", r.TakeProfitFraction)
	}

	if len(c.Strategies) == 0 {
		add("at least one strategy must be enabled")
	}
	for i, s := range c.Strategies {
		if strings.TrimSpace(s.Name) == "" {
			add("strategy %d has no name", i)
		}
	}

	if len(c.Watchlist) == 0 {
		add("watchlist is empty")
	}
	seen := make(map[string]bool, len(c.Watchlist))
	for _, sym := range c.Watchlist {
		if sym == "" {
			add("watchlist contains an empty symbol")
			continue
		}
		if seen[sym] {
			add("watchlist contains %s twice", sym)
		}
		seen[sym] = true
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}
