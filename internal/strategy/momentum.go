package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/atlas-desktop/papertrader/internal/indicators"
	"github.com/atlas-desktop/papertrader/pkg/types"
)

var momentumFactory = Factory{
	Description: "Buys when the trailing return clears +threshold, sells below -threshold",
	Parameters: []Parameter{
		{Name: "lookback", Description: "Bars in the trailing return", Type: "int", Default: 14, Min: 1, Max: 500},
		{Name: "threshold", Description: "Return magnitude that triggers a trade", Type: "float", Default: 0.02, Min: 0, Max: 1},
	},
	New: func(p Params, _ Deps) (Strategy, error) {
		return NewMomentum(p.Int("lookback"), p.Float("threshold")), nil
	},
}

// Momentum trades the trailing return over a lookback window.
type Momentum struct {
	roc       indicators.Spec
	lookback  int
	threshold float64
}

// NewMomentum creates a momentum strategy. A return over lookback bars spans
// a window of lookback+1 closes.
func NewMomentum(lookback int, threshold float64) *Momentum {
	return &Momentum{
		roc:       indicators.NewSpec("ROC", lookback+1),
		lookback:  lookback,
		threshold: threshold,
	}
}

func (s *Momentum) Name() string { return "momentum" }

func (s *Momentum) Requirements() []indicators.Spec {
	return []indicators.Spec{s.roc}
}

func (s *Momentum) Evaluate(_ context.Context, in Input) (types.Signal, error) {
	roc := in.Indicators.Last(s.roc.Key())
	if !indicators.Defined(roc) {
		return abstain(in, s.Name(), "insufficient history for "+s.roc.Key()), nil
	}
	ret := roc / 100

	// confidence reaches 1 at twice the threshold
	conf := 1.0
	if s.threshold > 0 {
		conf = math.Abs(ret) / (2 * s.threshold)
	}

	switch {
	case ret > s.threshold:
		return decide(in, s.Name(), types.ActionBuy, conf,
			fmt.Sprintf("return %.4f over %d bars above %.4f", ret, s.lookback, s.threshold)), nil
	case ret < -s.threshold:
		return decide(in, s.Name(), types.ActionSell, conf,
			fmt.Sprintf("return %.4f over %d bars below -%.4f", ret, s.lookback, s.threshold)), nil
	}
	return decide(in, s.Name(), types.ActionHold, holdConfidence,
		fmt.Sprintf("return %.4f inside ±%.4f", ret, s.threshold)), nil
}
