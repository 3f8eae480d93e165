package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/papertrader/internal/api"
	"github.com/atlas-desktop/papertrader/internal/persistence"
	"github.com/atlas-desktop/papertrader/internal/reporting"
	"github.com/atlas-desktop/papertrader/internal/runner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type liveFlags struct {
	noAPI   bool
	autoDay bool
	excel   bool
	json    bool
}

func newLiveCmd(root *rootFlags) *cobra.Command {
	flags := &liveFlags{}
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Run a paper trading session against live market data",
		Long: `Run a paper trading session. A cycle runs immediately and then once per
trading interval until interrupted. Sessions with a fixed id resume from
their last checkpoint in the state directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLive(cmd, root, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.noAPI, "no-api", false, "Do not serve the HTTP/WebSocket API")
	cmd.Flags().BoolVar(&flags.autoDay, "auto-day", true, "Start a new trading day at each UTC midnight")
	cmd.Flags().BoolVar(&flags.excel, "excel", false, "Write an xlsx report on shutdown")
	cmd.Flags().BoolVar(&flags.json, "json", false, "Write a JSON report on shutdown")
	return cmd
}

func runLive(cmd *cobra.Command, root *rootFlags, flags *liveFlags) error {
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	registry, closer, err := newRegistry(logger, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	source, err := newSource(logger, cfg)
	if err != nil {
		return err
	}
	store, err := persistence.NewFileStore(logger, cfg.State.Dir)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server := api.NewServer(logger, cfg.API, reg)
	opts := runner.Options{
		Logger:          logger,
		Registerer:      reg,
		AutoDayBoundary: flags.autoDay,
	}
	if !flags.noAPI {
		opts.OnCycle = server.Hub().PublishCycle
	}

	if cfg.Session.SessionID == "" {
		logger.Warn("No session id configured, this session cannot be resumed after exit")
	}
	live, err := runner.NewLive(cfg.Session, source, registry, store, runner.RealClock{}, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	if !flags.noAPI {
		server.AddSession(live)
		go func() { serverErr <- server.Start(ctx) }()
	}

	if err := live.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case <-live.Done():
		logger.Warn("Live session ended", zap.String("reason", live.Status().Reason))
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server failed", zap.Error(err))
		}
	}

	if err := live.Stop(); err != nil && !errors.Is(err, runner.ErrNotRunning) {
		logger.Warn("Stop failed", zap.Error(err))
	}
	<-live.Done()

	if !flags.noAPI {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn("API server shutdown failed", zap.Error(err))
		}
	}

	summary := reporting.FromLive(live.Status(), live.Snapshot(), live.Report())
	reporting.NewConsole(cmd.OutOrStdout(), "USDT", cfg.Report.ConsoleTrades).Write(summary)
	return writeReports(logger, cfg.Report, summary, flags.excel || cfg.Report.Excel, flags.json || cfg.Report.JSON)
}
