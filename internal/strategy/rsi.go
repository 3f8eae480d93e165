package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/atlas-desktop/papertrader/internal/indicators"
	"github.com/atlas-desktop/papertrader/pkg/types"
)

var rsiFactory = Factory{
	Description: "Buys when RSI is strictly below oversold, sells when strictly above overbought",
	Parameters: []Parameter{
		{Name: "period", Description: "RSI period", Type: "int", Default: 14, Min: 2, Max: 200},
		{Name: "oversold", Description: "Buy below this level", Type: "float", Default: 30, Min: 0, Max: 100},
		{Name: "overbought", Description: "Sell above this level", Type: "float", Default: 70, Min: 0, Max: 100},
	},
	Validate: func(p Params) error {
		if p.Float("oversold") >= p.Float("overbought") {
			return errors.New("oversold must be below overbought")
		}
		return nil
	},
	New: func(p Params, _ Deps) (Strategy, error) {
		return NewRSI(p.Int("period"), p.Float("oversold"), p.Float("overbought")), nil
	},
}

// RSI trades oversold and overbought readings.
type RSI struct {
	rsi        indicators.Spec
	oversold   float64
	overbought float64
}

// NewRSI creates an RSI strategy.
func NewRSI(period int, oversold, overbought float64) *RSI {
	return &RSI{
		rsi:        indicators.NewSpec("RSI", period),
		oversold:   oversold,
		overbought: overbought,
	}
}

func (s *RSI) Name() string { return "rsi" }

func (s *RSI) Requirements() []indicators.Spec {
	return []indicators.Spec{s.rsi}
}

func (s *RSI) Evaluate(_ context.Context, in Input) (types.Signal, error) {
	v := in.Indicators.Last(s.rsi.Key())
	if !indicators.Defined(v) {
		return abstain(in, s.Name(), "insufficient history for "+s.rsi.Key()), nil
	}

	switch {
	case v < s.oversold:
		conf := 1.0
		if s.oversold > 0 {
			conf = 0.5 + 0.5*(s.oversold-v)/s.oversold
		}
		return decide(in, s.Name(), types.ActionBuy, conf,
			fmt.Sprintf("RSI %.2f below %.2f", v, s.oversold)), nil
	case v > s.overbought:
		conf := 1.0
		if s.overbought < 100 {
			conf = 0.5 + 0.5*(v-s.overbought)/(100-s.overbought)
		}
		return decide(in, s.Name(), types.ActionSell, conf,
			fmt.Sprintf("RSI %.2f above %.2f", v, s.overbought)), nil
	}
	return decide(in, s.Name(), types.ActionHold, holdConfidence,
		fmt.Sprintf("RSI %.2f within [%.2f, %.2f]", v, s.oversold, s.overbought)), nil
}
