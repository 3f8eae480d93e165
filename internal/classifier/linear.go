// Package classifier provides pre-trained models behind strategy.Classifier.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/atlas-desktop/papertrader/pkg/types"
)

// ErrFeatureCount is returned when a feature vector does not match the model.
var ErrFeatureCount = errors.New("feature count mismatch")

// DefaultLabels is the class order used when a model file does not name one.
var DefaultLabels = []types.Action{types.ActionBuy, types.ActionSell, types.ActionHold}

// LinearWeights is the on-disk form of a multinomial logistic regression.
// Features are standardized with Mean/Scale before the dot product.
type LinearWeights struct {
	Features []string       `json:"features"`
	Labels   []types.Action `json:"labels"`
	Weights  [][]float64    `json:"weights"` // one row per label
	Bias     []float64      `json:"bias"`
	Mean     []float64      `json:"mean,omitempty"`
	Scale    []float64      `json:"scale,omitempty"`
}

// Linear is a softmax classifier evaluated in pure Go.
type Linear struct {
	w LinearWeights
}

// NewLinear validates weights and builds a model.
func NewLinear(w LinearWeights) (*Linear, error) {
	if len(w.Labels) == 0 {
		w.Labels = DefaultLabels
	}
	n := len(w.Features)
	if n == 0 {
		return nil, errors.New("linear model has no features")
	}
	if len(w.Weights) != len(w.Labels) {
		return nil, fmt.Errorf("linear model has %d weight rows for %d labels", len(w.Weights), len(w.Labels))
	}
	for i, row := range w.Weights {
		if len(row) != n {
			return nil, fmt.Errorf("weight row %d has %d columns, want %d", i, len(row), n)
		}
	}
	if w.Bias == nil {
		w.Bias = make([]float64, len(w.Labels))
	}
	if len(w.Bias) != len(w.Labels) {
		return nil, fmt.Errorf("bias has %d entries, want %d", len(w.Bias), len(w.Labels))
	}
	if (w.Mean != nil && len(w.Mean) != n) || (w.Scale != nil && len(w.Scale) != n) {
		return nil, errors.New("mean/scale length must match features")
	}
	for _, l := range w.Labels {
		if _, ok := l.Side(); !ok && l != types.ActionHold {
			return nil, fmt.Errorf("unknown label %q", l)
		}
	}
	return &Linear{w: w}, nil
}

// LoadLinear reads a JSON weight file.
func LoadLinear(path string) (*Linear, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var w LinearWeights
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, err)
	}
	return NewLinear(w)
}

// Features returns the feature names the model was trained on.
func (m *Linear) Features() []string {
	return m.w.Features
}

// Probabilities returns the softmax distribution over Labels.
func (m *Linear) Probabilities(features []float64) ([]float64, error) {
	if len(features) != len(m.w.Features) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrFeatureCount, len(features), len(m.w.Features))
	}

	x := make([]float64, len(features))
	for i, v := range features {
		if m.w.Mean != nil {
			v -= m.w.Mean[i]
		}
		if m.w.Scale != nil && m.w.Scale[i] != 0 {
			v /= m.w.Scale[i]
		}
		x[i] = v
	}

	logits := make([]float64, len(m.w.Labels))
	for k, row := range m.w.Weights {
		z := m.w.Bias[k]
		for i, w := range row {
			z += w * x[i]
		}
		logits[k] = z
	}
	return softmax(logits), nil
}

// Predict implements strategy.Classifier.
func (m *Linear) Predict(_ context.Context, features []float64) (types.Action, float64, error) {
	probs, err := m.Probabilities(features)
	if err != nil {
		return "", 0, err
	}
	k := argmax(probs)
	return m.w.Labels[k], probs[k], nil
}

func softmax(logits []float64) []float64 {
	hi := math.Inf(-1)
	for _, z := range logits {
		if z > hi {
			hi = z
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, z := range logits {
		out[i] = math.Exp(z - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// argmax returns the first index of the largest value.
func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
