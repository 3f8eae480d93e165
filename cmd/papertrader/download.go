package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/papertrader/internal/data"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/atlas-desktop/papertrader/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type downloadFlags struct {
	start string
	end   string
	days  int
}

func newDownloadCmd(root *rootFlags) *cobra.Command {
	flags := &downloadFlags{}
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Fetch Bybit klines for the watchlist into the local data store",
		Example: `  papertrader download -s BTCUSDT,ETHUSDT --days 30
  papertrader download -c papertrader.yaml --start 2024-01-01 --end 2024-06-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(cmd, root, flags)
		},
	}
	cmd.Flags().StringVar(&flags.start, "start", "", "First bar, YYYY-MM-DD or RFC3339")
	cmd.Flags().StringVar(&flags.end, "end", "", "Last bar (default: now)")
	cmd.Flags().IntVar(&flags.days, "days", 30, "Days to fetch when --start is not given")
	return cmd
}

func runDownload(cmd *cobra.Command, root *rootFlags, flags *downloadFlags) error {
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	end, err := parseTime(flags.end)
	if err != nil {
		return err
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	start, err := parseTime(flags.start)
	if err != nil {
		return err
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -flags.days)
	}
	if !start.Before(end) {
		return fmt.Errorf("start %s is not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	symbols := utils.NormalizeSymbols(cfg.Session.Watchlist)
	if len(symbols) == 0 {
		return types.NewConfigError("watchlist is empty")
	}
	tf := cfg.Session.Timeframe
	if !tf.Valid() {
		return types.NewConfigError("unknown timeframe %q", tf)
	}

	store, err := data.NewStore(logger, cfg.Data.Dir)
	if err != nil {
		return err
	}
	bybit := newBybit(logger, cfg)
	validator := data.NewValidator(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, symbol := range symbols {
		bars, err := bybit.HistoricalBars(ctx, symbol, tf, start, end)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", symbol, err)
		}
		// SaveBars stores the cleaned sequence.
		if report := validator.Validate(bars, symbol); report.Err() != nil {
			logger.Warn("Downloaded bars have issues", zap.String("symbol", symbol), zap.Error(report.Err()))
		}
		if err := store.SaveBars(symbol, tf, bars); err != nil {
			return fmt.Errorf("save %s: %w", symbol, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-12s %6d bars  %s → %s\n", symbol, len(bars),
			start.Format("2006-01-02 15:04"), end.Format("2006-01-02 15:04"))
	}
	return nil
}
