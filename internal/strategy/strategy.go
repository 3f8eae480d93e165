// Package strategy provides trading strategy implementations.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/papertrader/internal/indicators"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// ErrUnknownStrategy is returned for names with no registered factory.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Strategy is the interface all strategies must implement. Parameters are
// fixed at construction; Evaluate keeps no state between calls.
type Strategy interface {
	Name() string
	// Requirements lists the indicator specs Evaluate reads from Input.
	Requirements() []indicators.Spec
	Evaluate(ctx context.Context, in Input) (types.Signal, error)
}

// Input is everything a strategy may look at for one symbol in one cycle.
type Input struct {
	SessionID  string
	Symbol     string
	Bars       []types.Bar
	Indicators indicators.Set
	// Position is nil when the portfolio holds nothing in Symbol.
	Position  *types.Position
	Timestamp time.Time
}

// LastClose returns the close of the latest bar, NaN without bars.
func (in Input) LastClose() float64 {
	if len(in.Bars) == 0 {
		return math.NaN()
	}
	return in.Bars[len(in.Bars)-1].Close.InexactFloat64()
}

// Classifier is a pre-trained model mapping a feature vector to an action and
// the probability of that class.
type Classifier interface {
	Predict(ctx context.Context, features []float64) (types.Action, float64, error)
}

// SentimentSource supplies a score in [-1, 1] for a symbol.
type SentimentSource interface {
	SentimentScore(ctx context.Context, sessionID, symbol string) (float64, error)
}

// Parameter defines a strategy parameter.
type Parameter struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Type        string  `json:"type"` // "int" or "float"
	Default     float64 `json:"default"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
}

// Params holds resolved parameter values keyed by name.
type Params map[string]float64

// Int returns an integer parameter.
func (p Params) Int(name string) int { return int(p[name]) }

// Float returns a float parameter.
func (p Params) Float(name string) float64 { return p[name] }

// Deps are the collaborators a factory may need.
type Deps struct {
	Logger     *zap.Logger
	Classifier Classifier
	Sentiment  SentimentSource
}

// Factory builds a strategy from resolved parameters.
type Factory struct {
	Description string
	Parameters  []Parameter
	// Validate checks relations between parameters, e.g. oversold < overbought.
	Validate func(p Params) error
	New      func(p Params, deps Deps) (Strategy, error)
}

// Info describes a registered strategy.
type Info struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
}

// Registry manages available strategies.
type Registry struct {
	logger    *zap.Logger
	deps      Deps
	factories map[string]Factory
	mu        sync.RWMutex
}

// RegistryOption configures optional collaborators.
type RegistryOption func(*Registry)

// WithClassifier supplies the model used by the classifier strategy.
func WithClassifier(c Classifier) RegistryOption {
	return func(r *Registry) { r.deps.Classifier = c }
}

// WithSentimentSource supplies the score source used by the sentiment strategy.
func WithSentimentSource(s SentimentSource) RegistryOption {
	return func(r *Registry) { r.deps.Sentiment = s }
}

// NewRegistry creates a registry with the built-in strategies.
func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:    logger,
		deps:      Deps{Logger: logger},
		factories: make(map[string]Factory),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.Register("momentum", momentumFactory)
	r.Register("mean_reversion", meanReversionFactory)
	r.Register("rsi", rsiFactory)
	r.Register("classifier", classifierFactory)
	r.Register("sentiment", sentimentFactory)

	return r
}

// Register registers a new strategy factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// List returns all available strategy names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns name, description and parameters of every strategy.
func (r *Registry) Describe() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.factories))
	for name, f := range r.factories {
		infos = append(infos, Info{Name: name, Description: f.Description, Parameters: f.Parameters})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Create builds one strategy. Unknown names, unknown parameters and values
// out of range are configuration errors.
func (r *Registry) Create(cfg types.StrategyConfig) (Strategy, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))

	r.mu.RLock()
	f, ok := r.factories[name]
	deps := r.deps
	r.mu.RUnlock()

	if !ok {
		return nil, &types.ConfigError{Problems: []string{fmt.Sprintf("%v: %q", ErrUnknownStrategy, cfg.Name)}}
	}

	params, err := resolveParams(name, f.Parameters, cfg.Params)
	if err != nil {
		return nil, err
	}
	if f.Validate != nil {
		if err := f.Validate(params); err != nil {
			return nil, types.NewConfigError("strategy %s: %v", name, err)
		}
	}

	s, err := f.New(params, deps)
	if err != nil {
		return nil, types.NewConfigError("strategy %s: %v", name, err)
	}
	return s, nil
}

// Build creates every configured strategy. More than one is combined into an
// Ensemble.
func (r *Registry) Build(cfgs []types.StrategyConfig) (Strategy, error) {
	if len(cfgs) == 0 {
		return nil, types.NewConfigError("no strategies configured")
	}

	members := make([]Strategy, 0, len(cfgs))
	var problems []string
	for _, cfg := range cfgs {
		s, err := r.Create(cfg)
		if err != nil {
			var cerr *types.ConfigError
			if errors.As(err, &cerr) {
				problems = append(problems, cerr.Problems...)
				continue
			}
			return nil, err
		}
		members = append(members, s)
	}
	if len(problems) > 0 {
		return nil, &types.ConfigError{Problems: problems}
	}

	if len(members) == 1 {
		return members[0], nil
	}
	return NewEnsemble(r.logger, members...), nil
}

// resolveParams starts from defaults and applies raw overrides, coercing
// loosely typed values (YAML ints, JSON floats, strings).
func resolveParams(strategy string, defs []Parameter, raw map[string]any) (Params, error) {
	params := make(Params, len(defs))
	byName := make(map[string]Parameter, len(defs))
	for _, d := range defs {
		params[d.Name] = d.Default
		byName[d.Name] = d
	}

	var problems []string
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		def, ok := byName[strings.ToLower(key)]
		if !ok {
			problems = append(problems, fmt.Sprintf("strategy %s: unknown parameter %q", strategy, key))
			continue
		}
		v, err := cast.ToFloat64E(raw[key])
		if err != nil {
			problems = append(problems, fmt.Sprintf("strategy %s: parameter %s: %v", strategy, def.Name, err))
			continue
		}
		if def.Type == "int" && v != math.Trunc(v) {
			problems = append(problems, fmt.Sprintf("strategy %s: parameter %s must be a whole number, got %v", strategy, def.Name, v))
			continue
		}
		if v < def.Min || v > def.Max {
			problems = append(problems, fmt.Sprintf("strategy %s: parameter %s must be in [%v, %v], got %v", strategy, def.Name, def.Min, def.Max, v))
			continue
		}
		params[def.Name] = v
	}

	if len(problems) > 0 {
		return nil, &types.ConfigError{Problems: problems}
	}
	return params, nil
}

// abstain is the HOLD emitted when required indicators are still warming up.
func abstain(in Input, source, reason string) types.Signal {
	s := types.Hold(in.Symbol, reason, in.Timestamp)
	s.Source = source
	return s
}

func decide(in Input, source string, action types.Action, confidence float64, reason string) types.Signal {
	return types.Signal{
		Action:     action,
		Symbol:     in.Symbol,
		Confidence: clamp01(confidence),
		Reason:     reason,
		Source:     source,
		Timestamp:  in.Timestamp,
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// holdConfidence is reported for an active decision to stay flat.
const holdConfidence = 0.5
