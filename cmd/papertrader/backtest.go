package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/atlas-desktop/papertrader/internal/config"
	"github.com/atlas-desktop/papertrader/internal/montecarlo"
	"github.com/atlas-desktop/papertrader/internal/reporting"
	"github.com/atlas-desktop/papertrader/internal/runner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type backtestFlags struct {
	start  string
	end    string
	excel  bool
	json   bool
	trades int
	mcRuns int
}

func newBacktestCmd(root *rootFlags) *cobra.Command {
	flags := &backtestFlags{}
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay stored bars through the configured strategies",
		Example: `  papertrader backtest -c papertrader.yaml --start 2024-01-01 --end 2024-03-01
  papertrader backtest -s BTCUSDT --strategy rsi --strategy momentum --excel`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBacktest(cmd, root, flags)
		},
	}
	cmd.Flags().StringVar(&flags.start, "start", "", "First cycle, YYYY-MM-DD or RFC3339 (default: first bar)")
	cmd.Flags().StringVar(&flags.end, "end", "", "Last cycle, YYYY-MM-DD or RFC3339 (default: last bar)")
	cmd.Flags().BoolVar(&flags.excel, "excel", false, "Write an xlsx report to the report directory")
	cmd.Flags().BoolVar(&flags.json, "json", false, "Write a JSON report to the report directory")
	cmd.Flags().IntVar(&flags.trades, "trades", -1, "Trades to print (default from config)")
	cmd.Flags().IntVar(&flags.mcRuns, "monte-carlo", -1, "Monte Carlo resampling runs over closed trades, 0 disables (default from config)")
	return cmd
}

func runBacktest(cmd *cobra.Command, root *rootFlags, flags *backtestFlags) error {
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	start, err := parseTime(flags.start)
	if err != nil {
		return err
	}
	end, err := parseTime(flags.end)
	if err != nil {
		return err
	}

	registry, closer, err := newRegistry(logger, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	source, err := newSource(logger, cfg)
	if err != nil {
		return err
	}

	bt, err := runner.NewBacktest(cfg.Session, source, registry, runner.Options{Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, runErr := bt.Run(ctx, start, end)
	if result == nil {
		return runErr
	}
	if runErr != nil {
		logger.Warn("Backtest ended early, reporting partial result", zap.Error(runErr))
	}

	summary := reporting.FromBacktest(result, bt.Strategy())

	runs := cfg.Report.MonteCarloRuns
	if flags.mcRuns >= 0 {
		runs = flags.mcRuns
	}
	if runs > 0 && runErr == nil {
		mcCfg := montecarlo.DefaultConfig()
		mcCfg.Runs = runs
		mc, err := montecarlo.NewSimulator(logger, mcCfg).Run(ctx, result.Trades, cfg.Session.InitialCapital)
		if err != nil {
			logger.Warn("Monte Carlo simulation failed", zap.Error(err))
		}
		summary.MonteCarlo = mc
	}

	trades := cfg.Report.ConsoleTrades
	if flags.trades >= 0 {
		trades = flags.trades
	}
	reporting.NewConsole(cmd.OutOrStdout(), "USDT", trades).Write(summary)

	if err := writeReports(logger, cfg.Report, summary, flags.excel || cfg.Report.Excel, flags.json || cfg.Report.JSON); err != nil {
		return err
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// writeReports writes the requested report files named after the session.
func writeReports(logger *zap.Logger, rc config.ReportConfig, summary reporting.Summary, excel, json bool) error {
	base := filepath.Join(rc.Dir, fmt.Sprintf("%s_%s", summary.SessionID, summary.Mode))
	if excel {
		path := base + ".xlsx"
		if err := reporting.WriteExcelFile(path, summary); err != nil {
			return fmt.Errorf("write excel report: %w", err)
		}
		logger.Info("Excel report written", zap.String("path", path))
	}
	if json {
		path := base + ".json"
		if err := reporting.WriteJSONFile(path, summary); err != nil {
			return fmt.Errorf("write json report: %w", err)
		}
		logger.Info("JSON report written", zap.String("path", path))
	}
	return nil
}
