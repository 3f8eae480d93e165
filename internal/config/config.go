// Package config loads papertrader settings from a file and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/papertrader/internal/api"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// PAPERTRADER_RISK_STOP_LOSS_FRACTION.
const EnvPrefix = "PAPERTRADER"

// Market data sources.
const (
	SourceFile  = "file"
	SourceBybit = "bybit"
)

// Classifier kinds.
const (
	ClassifierNone   = ""
	ClassifierLinear = "linear"
	ClassifierONNX   = "onnx"
)

// Config is the full application configuration.
type Config struct {
	Session    types.SessionConfig
	LogLevel   string
	Data       DataConfig
	Classifier ClassifierConfig
	Sentiment  SentimentConfig
	State      StateConfig
	Report     ReportConfig
	API        api.Config
}

// DataConfig selects the market data source.
type DataConfig struct {
	Source    string
	Dir       string
	Category  string
	Testnet   bool
	APIKey    string
	APISecret string
}

// ClassifierConfig selects the model behind the classifier strategy.
type ClassifierConfig struct {
	Kind        string
	Path        string
	LibraryPath string
	InputName   string
	OutputName  string
}

// SentimentConfig points at a symbol → score JSON file.
type SentimentConfig struct {
	Path string
}

// StateConfig is where live sessions checkpoint.
type StateConfig struct {
	Dir string
}

// ReportConfig controls backtest and shutdown reports.
type ReportConfig struct {
	Dir            string
	Excel          bool
	JSON           bool
	ConsoleTrades  int
	// MonteCarloRuns resamples backtest trades this many times; 0 disables.
	MonteCarloRuns int
}

func setDefaults(v *viper.Viper) {
	s := types.DefaultSessionConfig()
	v.SetDefault("session_id", "")
	v.SetDefault("initial_capital", s.InitialCapital.String())
	v.SetDefault("trading_interval_seconds", int(s.TradingInterval/time.Second))
	v.SetDefault("timeframe", string(s.Timeframe))
	v.SetDefault("fee_rate", s.FeeRate.String())
	v.SetDefault("quantity_precision", s.QuantityPrecision)
	v.SetDefault("history_bars", s.HistoryBars)
	v.SetDefault("fetch_timeout_seconds", int(s.FetchTimeout/time.Second))
	v.SetDefault("checkpoint_every", s.CheckpointEvery)
	v.SetDefault("risk.max_position_size_fraction", s.Risk.MaxPositionSizeFraction.String())
	v.SetDefault("risk.max_daily_loss_fraction", s.Risk.MaxDailyLossFraction.String())
	v.SetDefault("risk.stop_loss_fraction", s.Risk.StopLossFraction.String())
	v.SetDefault("risk.take_profit_fraction", s.Risk.TakeProfitFraction.String())
	v.SetDefault("strategies", []interface{}{})
	v.SetDefault("watchlist", []string{})

	v.SetDefault("log_level", "info")

	v.SetDefault("data.source", SourceFile)
	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.category", "spot")
	v.SetDefault("data.testnet", false)
	v.SetDefault("data.api_key", "")
	v.SetDefault("data.api_secret", "")

	v.SetDefault("classifier.kind", ClassifierNone)
	v.SetDefault("classifier.path", "")
	v.SetDefault("classifier.library_path", "")
	v.SetDefault("classifier.input_name", "")
	v.SetDefault("classifier.output_name", "")

	v.SetDefault("sentiment.path", "")
	v.SetDefault("state.dir", "./state")

	v.SetDefault("report.dir", "./reports")
	v.SetDefault("report.excel", false)
	v.SetDefault("report.json", false)
	v.SetDefault("report.console_trades", 20)
	v.SetDefault("report.monte_carlo_runs", 0)

	a := api.DefaultConfig()
	v.SetDefault("api.host", a.Host)
	v.SetDefault("api.port", a.Port)
	v.SetDefault("api.read_timeout", a.ReadTimeout)
	v.SetDefault("api.write_timeout", a.WriteTimeout)
	v.SetDefault("api.websocket_path", a.WebSocketPath)
	v.SetDefault("api.allowed_origins", a.AllowedOrigins)
}

// New returns a viper instance with defaults and environment overrides.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (YAML, JSON or TOML by extension) when given, applies
// environment overrides and decodes the result. Session values are not
// validated here; runners call SessionConfig.Validate before starting.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return Decode(v)
}

// Decode builds a Config from v, collecting every malformed value.
func Decode(v *viper.Viper) (*Config, error) {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	dec := func(key string) decimal.Decimal {
		d, err := decimal.NewFromString(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			add("%s: %q is not a number", key, v.GetString(key))
		}
		return d
	}

	session := types.SessionConfig{
		SessionID:         v.GetString("session_id"),
		InitialCapital:    dec("initial_capital"),
		TradingInterval:   time.Duration(v.GetInt("trading_interval_seconds")) * time.Second,
		Timeframe:         types.Timeframe(v.GetString("timeframe")),
		FeeRate:           dec("fee_rate"),
		QuantityPrecision: v.GetInt32("quantity_precision"),
		HistoryBars:       v.GetInt("history_bars"),
		FetchTimeout:      time.Duration(v.GetInt("fetch_timeout_seconds")) * time.Second,
		CheckpointEvery:   v.GetInt("checkpoint_every"),
		Risk: types.RiskLimits{
			MaxPositionSizeFraction: dec("risk.max_position_size_fraction"),
			MaxDailyLossFraction:    dec("risk.max_daily_loss_fraction"),
			StopLossFraction:        dec("risk.stop_loss_fraction"),
			TakeProfitFraction:      dec("risk.take_profit_fraction"),
		},
		Watchlist: StringList(v.Get("watchlist")),
	}

	strategies, err := decodeStrategies(v.Get("strategies"))
	if err != nil {
		add("strategies: %v", err)
	}
	session.Strategies = strategies

	cfg := &Config{
		Session:  session,
		LogLevel: v.GetString("log_level"),
		Data: DataConfig{
			Source:    strings.ToLower(v.GetString("data.source")),
			Dir:       v.GetString("data.dir"),
			Category:  v.GetString("data.category"),
			Testnet:   v.GetBool("data.testnet"),
			APIKey:    v.GetString("data.api_key"),
			APISecret: v.GetString("data.api_secret"),
		},
		Classifier: ClassifierConfig{
			Kind:        strings.ToLower(v.GetString("classifier.kind")),
			Path:        v.GetString("classifier.path"),
			LibraryPath: v.GetString("classifier.library_path"),
			InputName:   v.GetString("classifier.input_name"),
			OutputName:  v.GetString("classifier.output_name"),
		},
		Sentiment: SentimentConfig{Path: v.GetString("sentiment.path")},
		State:     StateConfig{Dir: v.GetString("state.dir")},
		Report: ReportConfig{
			Dir:            v.GetString("report.dir"),
			Excel:          v.GetBool("report.excel"),
			JSON:           v.GetBool("report.json"),
			ConsoleTrades:  v.GetInt("report.console_trades"),
			MonteCarloRuns: v.GetInt("report.monte_carlo_runs"),
		},
	}
	// Read key by key so environment overrides reach nested settings.
	cfg.API = api.Config{
		Host:           v.GetString("api.host"),
		Port:           v.GetInt("api.port"),
		ReadTimeout:    v.GetDuration("api.read_timeout"),
		WriteTimeout:   v.GetDuration("api.write_timeout"),
		WebSocketPath:  v.GetString("api.websocket_path"),
		AllowedOrigins: StringList(v.Get("api.allowed_origins")),
	}

	switch cfg.Data.Source {
	case SourceFile, SourceBybit:
	default:
		add("data.source must be %q or %q, got %q", SourceFile, SourceBybit, cfg.Data.Source)
	}
	switch cfg.Classifier.Kind {
	case ClassifierNone:
	case ClassifierLinear, ClassifierONNX:
		if cfg.Classifier.Path == "" {
			add("classifier.path is required for a %s classifier", cfg.Classifier.Kind)
		}
	default:
		add("classifier.kind must be %q or %q, got %q", ClassifierLinear, ClassifierONNX, cfg.Classifier.Kind)
	}

	if len(problems) > 0 {
		return nil, &types.ConfigError{Problems: problems}
	}
	return cfg, nil
}

// decodeStrategies accepts a list of {name, params} maps or a comma
// separated list of names, the latter being what an environment variable
// provides.
func decodeStrategies(raw interface{}) ([]types.StrategyConfig, error) {
	if s, ok := raw.(string); ok {
		var out []types.StrategyConfig
		for _, name := range StringList(s) {
			out = append(out, types.StrategyConfig{Name: name})
		}
		return out, nil
	}

	items, err := cast.ToSliceE(raw)
	if err != nil {
		return nil, err
	}
	out := make([]types.StrategyConfig, 0, len(items))
	for i, item := range items {
		if name, ok := item.(string); ok {
			out = append(out, types.StrategyConfig{Name: name})
			continue
		}
		m, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		name := cast.ToString(m["name"])
		if name == "" {
			return nil, fmt.Errorf("entry %d has no name", i)
		}
		sc := types.StrategyConfig{Name: name}
		if p, ok := m["params"]; ok && p != nil {
			params, err := cast.ToStringMapE(p)
			if err != nil {
				return nil, fmt.Errorf("%s params: %w", name, err)
			}
			sc.Params = params
		}
		out = append(out, sc)
	}
	return out, nil
}

// StringList reads a list setting that may arrive as a slice or as a comma
// or space separated string.
func StringList(raw interface{}) []string {
	if s, ok := raw.(string); ok {
		fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
		out := make([]string, 0, len(fields))
		for _, f := range fields {
			if f = strings.TrimSpace(f); f != "" {
				out = append(out, f)
			}
		}
		return out
	}
	return cast.ToStringSlice(raw)
}
