package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/atlas-desktop/papertrader/internal/indicators"
	"github.com/atlas-desktop/papertrader/pkg/types"
)

var sentimentFactory = Factory{
	Description: "Buys when external sentiment reaches +threshold, sells at -threshold",
	Parameters: []Parameter{
		{Name: "threshold", Description: "Score magnitude that triggers a trade", Type: "float", Default: 0.6, Min: 0, Max: 1},
	},
	New: func(p Params, deps Deps) (Strategy, error) {
		if deps.Sentiment == nil {
			return nil, errors.New("no sentiment source configured")
		}
		return NewSentiment(deps.Sentiment, p.Float("threshold")), nil
	},
}

// Sentiment trades an externally supplied sentiment score.
type Sentiment struct {
	source    SentimentSource
	threshold float64
}

// NewSentiment creates a sentiment strategy.
func NewSentiment(source SentimentSource, threshold float64) *Sentiment {
	return &Sentiment{source: source, threshold: threshold}
}

func (s *Sentiment) Name() string { return "sentiment" }

func (s *Sentiment) Requirements() []indicators.Spec { return nil }

func (s *Sentiment) Evaluate(ctx context.Context, in Input) (types.Signal, error) {
	score, err := s.source.SentimentScore(ctx, in.SessionID, in.Symbol)
	if err != nil {
		return types.Signal{}, fmt.Errorf("sentiment for %s: %w", in.Symbol, err)
	}
	if math.IsNaN(score) || score < -1 || score > 1 {
		return types.Signal{}, fmt.Errorf("sentiment for %s out of range: %v", in.Symbol, score)
	}

	switch {
	case score >= s.threshold && score > 0:
		return decide(in, s.Name(), types.ActionBuy, score,
			fmt.Sprintf("sentiment %.3f >= %.3f", score, s.threshold)), nil
	case score <= -s.threshold && score < 0:
		return decide(in, s.Name(), types.ActionSell, -score,
			fmt.Sprintf("sentiment %.3f <= -%.3f", score, s.threshold)), nil
	}
	return decide(in, s.Name(), types.ActionHold, holdConfidence,
		fmt.Sprintf("sentiment %.3f inside ±%.3f", score, s.threshold)), nil
}
