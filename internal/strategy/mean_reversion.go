package strategy

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/papertrader/internal/indicators"
	"github.com/atlas-desktop/papertrader/pkg/types"
)

var meanReversionFactory = Factory{
	Description: "Buys at or below the lower Bollinger band, sells at or above the upper band",
	Parameters: []Parameter{
		{Name: "period", Description: "Bollinger window", Type: "int", Default: 20, Min: 2, Max: 500},
		{Name: "k", Description: "Band width in standard deviations", Type: "float", Default: 2, Min: 0.1, Max: 10},
	},
	New: func(p Params, _ Deps) (Strategy, error) {
		return NewMeanReversion(p.Int("period"), p.Float("k")), nil
	},
}

// MeanReversion fades moves outside the Bollinger bands.
type MeanReversion struct {
	bands indicators.Spec
}

// NewMeanReversion creates a mean reversion strategy.
func NewMeanReversion(period int, k float64) *MeanReversion {
	return &MeanReversion{bands: indicators.NewSpec("BB", period, k)}
}

func (s *MeanReversion) Name() string { return "mean_reversion" }

func (s *MeanReversion) Requirements() []indicators.Spec {
	return []indicators.Spec{s.bands}
}

func (s *MeanReversion) Evaluate(_ context.Context, in Input) (types.Signal, error) {
	upper := in.Indicators.Last(s.bands.Output("BBUPPER"))
	lower := in.Indicators.Last(s.bands.Output("BBLOWER"))
	price := in.LastClose()
	if !indicators.Defined(upper) || !indicators.Defined(lower) || !indicators.Defined(price) {
		return abstain(in, s.Name(), "insufficient history for "+s.bands.Key()), nil
	}

	width := upper - lower
	if width <= 0 {
		// flat window: price touches both bands at once
		return abstain(in, s.Name(), "bands collapsed"), nil
	}

	switch {
	case price <= lower:
		return decide(in, s.Name(), types.ActionBuy, 0.5+(lower-price)/width,
			fmt.Sprintf("price %.4f at or below lower band %.4f", price, lower)), nil
	case price >= upper:
		return decide(in, s.Name(), types.ActionSell, 0.5+(price-upper)/width,
			fmt.Sprintf("price %.4f at or above upper band %.4f", price, upper)), nil
	}
	return decide(in, s.Name(), types.ActionHold, holdConfidence, "price inside bands"), nil
}
