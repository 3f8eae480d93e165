package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/atlas-desktop/papertrader/internal/classifier"
	"github.com/atlas-desktop/papertrader/internal/config"
	"github.com/atlas-desktop/papertrader/internal/data"
	"github.com/atlas-desktop/papertrader/internal/strategy"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"go.uber.org/zap"
)

// strategyConfigs maps names from the command line to strategy configs,
// keeping parameters already configured for a name.
func strategyConfigs(names []string, configured []types.StrategyConfig) []types.StrategyConfig {
	params := make(map[string]map[string]any, len(configured))
	for _, sc := range configured {
		params[strings.ToLower(sc.Name)] = sc.Params
	}
	out := make([]types.StrategyConfig, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		out = append(out, types.StrategyConfig{Name: name, Params: params[name]})
	}
	return out
}

// newRegistry wires the optional classifier model and sentiment scores into
// the strategy registry. The returned closer releases the model.
func newRegistry(logger *zap.Logger, cfg *config.Config) (*strategy.Registry, io.Closer, error) {
	var opts []strategy.RegistryOption
	var closer io.Closer = nopCloser{}

	switch cfg.Classifier.Kind {
	case config.ClassifierLinear:
		model, err := classifier.LoadLinear(cfg.Classifier.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("load linear classifier: %w", err)
		}
		opts = append(opts, strategy.WithClassifier(model))
		logger.Info("Loaded linear classifier", zap.String("path", cfg.Classifier.Path))
	case config.ClassifierONNX:
		model, err := classifier.NewONNXModel(classifier.ONNXConfig{
			ModelPath:   cfg.Classifier.Path,
			LibraryPath: cfg.Classifier.LibraryPath,
			InputName:   cfg.Classifier.InputName,
			OutputName:  cfg.Classifier.OutputName,
			NumFeatures: len(strategy.FeatureNames),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("load onnx classifier: %w", err)
		}
		opts = append(opts, strategy.WithClassifier(model))
		closer = closerFunc(model.Close)
		logger.Info("Loaded ONNX classifier", zap.String("path", cfg.Classifier.Path))
	}

	if cfg.Sentiment.Path != "" {
		scores, err := data.LoadStaticSentiment(cfg.Sentiment.Path)
		if err != nil {
			closer.Close()
			return nil, nil, fmt.Errorf("load sentiment: %w", err)
		}
		opts = append(opts, strategy.WithSentimentSource(scores))
	}

	return strategy.NewRegistry(logger, opts...), closer, nil
}

// newSource opens the configured market data source.
func newSource(logger *zap.Logger, cfg *config.Config) (data.Source, error) {
	switch cfg.Data.Source {
	case config.SourceBybit:
		return newBybit(logger, cfg), nil
	default:
		store, err := data.NewStore(logger, cfg.Data.Dir)
		if err != nil {
			return nil, fmt.Errorf("open data store %s: %w", cfg.Data.Dir, err)
		}
		return store, nil
	}
}

func newBybit(logger *zap.Logger, cfg *config.Config) *data.BybitSource {
	return data.NewBybitSource(logger, data.BybitConfig{
		APIKey:    cfg.Data.APIKey,
		APISecret: cfg.Data.APISecret,
		Testnet:   cfg.Data.Testnet,
		Category:  cfg.Data.Category,
	})
}

// parseTime accepts RFC3339 or a plain UTC date. Empty means zero.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, want YYYY-MM-DD or RFC3339", s)
	}
	return t, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
