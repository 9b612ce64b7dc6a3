package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vipul43/warncheck/internal/appium"
	"github.com/vipul43/warncheck/internal/device"
	"github.com/vipul43/warncheck/internal/events"
	"github.com/vipul43/warncheck/internal/evidence"
	"github.com/vipul43/warncheck/internal/metrics"
	"github.com/vipul43/warncheck/internal/retention"
	"github.com/vipul43/warncheck/internal/service"
	"github.com/vipul43/warncheck/internal/watcher"
)

// pause after each UI action so the app can render
const stepDelay = 2 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker that checks queued jobs on the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	if len(a.cfg.Credentials) == 0 {
		logger.Warn("no platform accounts configured, every job will fail")
	}

	// Connect to event stream
	publisher, err := events.New(a.cfg.NATSURL, a.cfg.NATSSubject, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	// Initialize services
	q := a.queue(publisher)
	pool := a.pool()

	// Initialize device controller
	controller := device.NewController(device.NewADB(a.cfg.ADBPath), device.Options{
		Address:          a.cfg.DeviceAddress,
		MaxAttempts:      a.cfg.ConnectMaxAttempts,
		RetryDelay:       a.cfg.ConnectRetryDelay,
		Recovery:         a.cfg.BridgeRecovery,
		RestartThreshold: a.cfg.BridgeRestartThreshold,
	}, logger)

	// Initialize checker
	checker := service.NewChecker(service.CheckerDeps{
		Device:      controller,
		Sessions:    appium.NewClient(a.cfg.AppiumURL),
		Pool:        pool,
		Ledger:      a.verdicts,
		Jobs:        a.jobs,
		Cancel:      q,
		Credentials: a.cfg,
		Evidence: evidence.New(a.cfg.DataDir, a.cfg.EvidenceBucket, a.cfg.EvidenceRegion,
			a.cfg.EvidenceAccessKey, a.cfg.EvidenceSecretKey),
		Publisher: publisher,
	}, service.CheckerOptions{
		DialogTimeout: a.cfg.DialogTimeout,
		CheckDelay:    a.cfg.CheckDelay,
		RestartEvery:  a.cfg.RestartEvery,
		StepDelay:     stepDelay,
	}, logger)

	// Initialize retention schedule
	purge, err := retention.New(a.jobs, a.cfg.JobRetention, a.cfg.RetentionSchedule, logger)
	if err != nil {
		return err
	}

	// Initialize watcher
	w := watcher.New(q, a.jobs, pool, a.accountIDs(), controller, checker, publisher, logger)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start metrics server
	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, a.cfg.MetricsAddr, logger); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}
	go purge.Start(ctx)

	// Start worker
	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer shutdownCancel()

		select {
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker error", zap.Error(err))
			}
		}

		logger.Info("worker stopped")
		return nil

	case err := <-errChan:
		return err
	}
}
