package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/atlas-desktop/papertrader/internal/indicators"
	"github.com/atlas-desktop/papertrader/pkg/types"
)

// FeatureNames is the order of the classifier feature vector.
var FeatureNames = []string{"rsi", "macd_hist", "bb_position", "volume_z", "realized_vol"}

var classifierFactory = Factory{
	Description: "Asks a pre-trained classifier for BUY/SELL/HOLD from RSI, MACD histogram, %B, volume z-score and realized volatility",
	Parameters: []Parameter{
		{Name: "rsi_period", Description: "RSI period", Type: "int", Default: 14, Min: 2, Max: 200},
		{Name: "macd_fast", Description: "MACD fast EMA", Type: "int", Default: 12, Min: 1, Max: 200},
		{Name: "macd_slow", Description: "MACD slow EMA", Type: "int", Default: 26, Min: 2, Max: 400},
		{Name: "macd_signal", Description: "MACD signal EMA", Type: "int", Default: 9, Min: 1, Max: 200},
		{Name: "bb_period", Description: "Bollinger window", Type: "int", Default: 20, Min: 2, Max: 500},
		{Name: "bb_k", Description: "Bollinger width", Type: "float", Default: 2, Min: 0.1, Max: 10},
		{Name: "volume_period", Description: "Volume z-score window", Type: "int", Default: 20, Min: 2, Max: 500},
		{Name: "vol_period", Description: "Realized volatility window", Type: "int", Default: 20, Min: 3, Max: 500},
		{Name: "min_probability", Description: "Probabilities below this are ignored", Type: "float", Default: 0, Min: 0, Max: 1},
	},
	Validate: func(p Params) error {
		if p.Int("macd_fast") >= p.Int("macd_slow") {
			return errors.New("macd_fast must be below macd_slow")
		}
		return nil
	},
	New: func(p Params, deps Deps) (Strategy, error) {
		if deps.Classifier == nil {
			return nil, errors.New("no classifier model configured")
		}
		return NewClassifierStrategy(deps.Classifier, ClassifierFeatures{
			RSI:         indicators.NewSpec("RSI", p.Int("rsi_period")),
			MACD:        indicators.NewSpec("MACD", p.Int("macd_fast"), float64(p.Int("macd_slow")), float64(p.Int("macd_signal"))),
			Bands:       indicators.NewSpec("BB", p.Int("bb_period"), p.Float("bb_k")),
			VolumeZ:     indicators.NewSpec("VOLZ", p.Int("volume_period")),
			RealizedVol: indicators.NewSpec("RVOL", p.Int("vol_period")),
		}, p.Float("min_probability")), nil
	},
}

// ClassifierFeatures selects the indicator specs behind each feature.
type ClassifierFeatures struct {
	RSI         indicators.Spec
	MACD        indicators.Spec
	Bands       indicators.Spec
	VolumeZ     indicators.Spec
	RealizedVol indicators.Spec
}

// ClassifierStrategy delegates the decision to an injected model.
type ClassifierStrategy struct {
	model          Classifier
	features       ClassifierFeatures
	minProbability float64
}

// NewClassifierStrategy creates a classifier-backed strategy.
func NewClassifierStrategy(model Classifier, features ClassifierFeatures, minProbability float64) *ClassifierStrategy {
	return &ClassifierStrategy{model: model, features: features, minProbability: minProbability}
}

func (s *ClassifierStrategy) Name() string { return "classifier" }

func (s *ClassifierStrategy) Requirements() []indicators.Spec {
	f := s.features
	return []indicators.Spec{f.RSI, f.MACD, f.Bands, f.VolumeZ, f.RealizedVol}
}

// Features extracts the latest feature vector. ok is false while any
// feature is undefined.
func (s *ClassifierStrategy) Features(set indicators.Set) (features []float64, ok bool) {
	f := s.features
	macd, _ := indicators.Normalize(f.MACD)
	bands, _ := indicators.Normalize(f.Bands)
	features = []float64{
		set.Last(f.RSI.Key()),
		set.Last(macd.Output("MACDHIST")),
		set.Last(bands.Output("BBP")),
		set.Last(f.VolumeZ.Key()),
		set.Last(f.RealizedVol.Key()),
	}
	for _, v := range features {
		if !indicators.Defined(v) {
			return features, false
		}
	}
	return features, true
}

func (s *ClassifierStrategy) Evaluate(ctx context.Context, in Input) (types.Signal, error) {
	features, ok := s.Features(in.Indicators)
	if !ok {
		return abstain(in, s.Name(), "insufficient history for classifier features"), nil
	}

	action, prob, err := s.model.Predict(ctx, features)
	if err != nil {
		return types.Signal{}, fmt.Errorf("classifier predict %s: %w", in.Symbol, err)
	}
	switch action {
	case types.ActionBuy, types.ActionSell, types.ActionHold:
	default:
		return types.Signal{}, fmt.Errorf("classifier returned unknown label %q", action)
	}

	if prob < s.minProbability {
		return abstain(in, s.Name(), fmt.Sprintf("%s probability %.3f below %.3f", action, prob, s.minProbability)), nil
	}
	return decide(in, s.Name(), action, prob, fmt.Sprintf("classifier %s p=%.3f", action, prob)), nil
}
