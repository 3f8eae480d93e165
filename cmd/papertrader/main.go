// Command papertrader backtests strategies on stored bars and runs live
// paper trading sessions against polled market data.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/atlas-desktop/papertrader/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "0.1.0"

type rootFlags struct {
	configPath string
	envFile    string
	logLevel   string
	symbols    []string
	strategies []string
	sessionID  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "papertrader",
		Short: "Paper trading simulation engine",
		Long: `papertrader runs technical and model-driven strategies against
historical or live market data with simulated cash, risk checks and
performance reporting. No real orders are ever placed.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Config file (yaml, json or toml)")
	pf.StringVar(&flags.envFile, "env-file", ".env", "Optional dotenv file loaded before the config")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")
	pf.StringSliceVarP(&flags.symbols, "symbols", "s", nil, "Watchlist override, e.g. BTCUSDT,ETHUSDT")
	pf.StringSliceVar(&flags.strategies, "strategy", nil, "Strategy override; repeat for an ensemble")
	pf.StringVar(&flags.sessionID, "session", "", "Session id override")

	rootCmd.AddCommand(newBacktestCmd(flags))
	rootCmd.AddCommand(newLiveCmd(flags))
	rootCmd.AddCommand(newDownloadCmd(flags))
	rootCmd.AddCommand(newStrategiesCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "papertrader version %s\n", version)
		},
	})
	return rootCmd
}

// load reads the dotenv file, the config and the command line overrides,
// and builds the logger.
func (f *rootFlags) load() (*config.Config, *zap.Logger, error) {
	if f.envFile != "" {
		if _, err := os.Stat(f.envFile); err == nil {
			if err := godotenv.Load(f.envFile); err != nil {
				return nil, nil, fmt.Errorf("load %s: %w", f.envFile, err)
			}
		}
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	f.apply(cfg)

	level := cfg.LogLevel
	if f.logLevel != "" {
		level = f.logLevel
	}
	return cfg, setupLogger(level), nil
}

func (f *rootFlags) apply(cfg *config.Config) {
	if len(f.symbols) > 0 {
		cfg.Session.Watchlist = f.symbols
	}
	if len(f.strategies) > 0 {
		cfg.Session.Strategies = strategyConfigs(f.strategies, cfg.Session.Strategies)
	}
	if f.sessionID != "" {
		cfg.Session.SessionID = f.sessionID
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
