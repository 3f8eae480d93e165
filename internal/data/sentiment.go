package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/atlas-desktop/papertrader/pkg/utils"
)

// StaticSentiment serves fixed sentiment scores.
// The JSON file maps symbol to score, e.g. {"BTCUSDT": 0.7}.
type StaticSentiment struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewStaticSentiment creates a source from a symbol → score map.
func NewStaticSentiment(scores map[string]float64) *StaticSentiment {
	s := &StaticSentiment{scores: make(map[string]float64, len(scores))}
	for sym, v := range scores {
		s.scores[utils.NormalizeSymbol(sym)] = v
	}
	return s
}

// LoadStaticSentiment reads scores from a JSON file.
func LoadStaticSentiment(path string) (*StaticSentiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sentiment file: %w", err)
	}
	var scores map[string]float64
	if err := json.Unmarshal(data, &scores); err != nil {
		return nil, fmt.Errorf("parse sentiment file %s: %w", path, err)
	}
	return NewStaticSentiment(scores), nil
}

// Set updates the score of one symbol.
func (s *StaticSentiment) Set(symbol string, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[utils.NormalizeSymbol(symbol)] = score
}

// SentimentScore implements strategy.SentimentSource. Session ids are
// accepted for correlation only; all sessions see the same scores.
func (s *StaticSentiment) SentimentScore(ctx context.Context, _ string, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.scores[utils.NormalizeSymbol(symbol)]
	if !ok {
		return 0, fmt.Errorf("%w: no sentiment for %s", ErrNoData, symbol)
	}
	return v, nil
}
