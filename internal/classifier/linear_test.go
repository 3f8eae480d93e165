package classifier_test

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/atlas-desktop/papertrader/internal/classifier"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weights() classifier.LinearWeights {
	return classifier.LinearWeights{
		Features: []string{"rsi", "macd_hist"},
		Labels:   []types.Action{types.ActionBuy, types.ActionSell, types.ActionHold},
		Weights: [][]float64{
			{-1, 1},
			{1, -1},
			{0, 0},
		},
		Mean:  []float64{50, 0},
		Scale: []float64{10, 1},
	}
}

func TestLinearPredict(t *testing.T) {
	m, err := classifier.NewLinear(weights())
	require.NoError(t, err)

	// rsi 20 standardizes to -3, macd 1: buy logit 4, sell -4, hold 0
	action, prob, err := m.Predict(context.Background(), []float64{20, 1})
	require.NoError(t, err)
	assert.Equal(t, types.ActionBuy, action)
	want := math.Exp(4) / (math.Exp(4) + math.Exp(-4) + 1)
	assert.InDelta(t, want, prob, 1e-12)

	action, _, err = m.Predict(context.Background(), []float64{80, -1})
	require.NoError(t, err)
	assert.Equal(t, types.ActionSell, action)
}

func TestLinearProbabilitiesSumToOne(t *testing.T) {
	m, err := classifier.NewLinear(weights())
	require.NoError(t, err)

	probs, err := m.Probabilities([]float64{1e6, -1e6})
	require.NoError(t, err)
	var sum float64
	for _, p := range probs {
		assert.False(t, math.IsNaN(p))
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestLinearTieGoesToFirstLabel(t *testing.T) {
	w := weights()
	w.Weights = [][]float64{{0, 0}, {0, 0}, {0, 0}}
	m, err := classifier.NewLinear(w)
	require.NoError(t, err)

	action, prob, err := m.Predict(context.Background(), []float64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, types.ActionBuy, action)
	assert.InDelta(t, 1.0/3, prob, 1e-12)
}

func TestLinearRejectsBadShapes(t *testing.T) {
	m, err := classifier.NewLinear(weights())
	require.NoError(t, err)
	_, _, err = m.Predict(context.Background(), []float64{1})
	assert.ErrorIs(t, err, classifier.ErrFeatureCount)

	w := weights()
	w.Weights = w.Weights[:2]
	_, err = classifier.NewLinear(w)
	assert.Error(t, err)

	w = weights()
	w.Labels = []types.Action{"BUY", "SELL", "MAYBE"}
	_, err = classifier.NewLinear(w)
	assert.Error(t, err)

	w = weights()
	w.Features = nil
	_, err = classifier.NewLinear(w)
	assert.Error(t, err)
}

func TestLoadLinear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	body := `{
		"features": ["rsi"],
		"weights": [[-0.1], [0.1], [0]],
		"bias": [0, 0, 0.5]
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	m, err := classifier.LoadLinear(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"rsi"}, m.Features())

	action, _, err := m.Predict(context.Background(), []float64{50})
	require.NoError(t, err)
	assert.Equal(t, types.ActionSell, action)

	_, err = classifier.LoadLinear(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
