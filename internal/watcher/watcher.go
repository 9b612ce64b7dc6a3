package watcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/warncheck/internal/apperrors"
	"github.com/vipul43/warncheck/internal/events"
	"github.com/vipul43/warncheck/internal/metrics"
	"github.com/vipul43/warncheck/internal/models"
	"github.com/vipul43/warncheck/internal/service"
)

const finishTimeout = 10 * time.Second

// JobSource hands out claimed jobs in FIFO order
type JobSource interface {
	RecoverInterrupted(ctx context.Context) (int64, error)
	Next(ctx context.Context) (*models.Job, error)
}

// JobFinisher records terminal job statuses
type JobFinisher interface {
	Finish(ctx context.Context, jobID string, status models.JobStatus, reason *string, lastError *string) error
}

// AccountSyncer prepares the account pool for the configured credentials
type AccountSyncer interface {
	Sync(ctx context.Context, accountIDs []string) error
}

// DeviceSession is the connect/teardown half of the device controller
type DeviceSession interface {
	Connect(ctx context.Context) error
	Teardown(ctx context.Context)
}

// Runner executes one job on a connected device
type Runner interface {
	Run(ctx context.Context, job *models.Job) service.RunResult
}

// Watcher is the single worker: it takes one job at a time and runs it to a terminal status
type Watcher struct {
	queue      JobSource
	jobs       JobFinisher
	accounts   AccountSyncer
	accountIDs []string
	device     DeviceSession
	runner     Runner
	publisher  events.Publisher
	logger     *zap.Logger
}

func New(
	queue JobSource,
	jobs JobFinisher,
	accounts AccountSyncer,
	accountIDs []string,
	device DeviceSession,
	runner Runner,
	publisher events.Publisher,
	logger *zap.Logger,
) *Watcher {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Watcher{
		queue:      queue,
		jobs:       jobs,
		accounts:   accounts,
		accountIDs: accountIDs,
		device:     device,
		runner:     runner,
		publisher:  publisher,
		logger:     logger.Named("watcher"),
	}
}

// Start recovers state left by a previous process, then runs jobs until ctx is done.
// A persistence failure stops the worker and is returned.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("starting worker", zap.Int("accounts", len(w.accountIDs)))

	if _, err := w.queue.RecoverInterrupted(ctx); err != nil {
		return err
	}
	if err := w.accounts.Sync(ctx, w.accountIDs); err != nil {
		return err
	}

	for {
		job, err := w.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker shutting down")
				return ctx.Err()
			}
			return err
		}

		if err := w.process(ctx, job); err != nil {
			w.logger.Error("worker halted", zap.String("job_id", job.ID), zap.Error(err))
			return err
		}
		if ctx.Err() != nil {
			w.logger.Info("worker shutting down")
			return ctx.Err()
		}
	}
}

func (w *Watcher) process(ctx context.Context, job *models.Job) error {
	started := time.Now()
	logger := w.logger.With(zap.String("job_id", job.ID))
	logger.Info("job started", zap.Int("usernames", len(job.Usernames)))
	w.publisher.Publish(ctx, events.Event{
		Type:   events.JobStarted,
		JobID:  job.ID,
		Status: string(models.JobStatusRunning),
	})

	if err := w.device.Connect(ctx); err != nil {
		return w.finish(ctx, job, service.RunResult{Status: models.JobStatusFailed, Err: err}, started)
	}
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.Background(), finishTimeout)
		defer cancel()
		w.device.Teardown(teardownCtx)
	}()

	return w.finish(ctx, job, w.runner.Run(ctx, job), started)
}

// finish stores the terminal status. It returns an error only when the worker must halt.
func (w *Watcher) finish(ctx context.Context, job *models.Job, result service.RunResult, started time.Time) error {
	var reason, lastError *string
	if result.Status == models.JobStatusFailed {
		r := apperrors.Reason(result.Err)
		if ctx.Err() != nil && !errors.Is(result.Err, apperrors.ErrPersistence) {
			r = models.ReasonInterrupted
		}
		reason = &r
		if result.Err != nil {
			msg := result.Err.Error()
			lastError = &msg
		}
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := w.jobs.Finish(storeCtx, job.ID, result.Status, reason, lastError); err != nil {
		return err
	}

	labelReason := ""
	if reason != nil {
		labelReason = *reason
	}
	metrics.JobsTotal.WithLabelValues(string(result.Status), labelReason).Inc()
	metrics.JobDuration.WithLabelValues(string(result.Status)).Observe(time.Since(started).Seconds())

	eventType := events.JobFinished
	if result.Status == models.JobStatusCancelled {
		eventType = events.JobCancelled
	}
	w.publisher.Publish(storeCtx, events.Event{
		Type:   eventType,
		JobID:  job.ID,
		Status: string(result.Status),
		Reason: labelReason,
	})

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("status", string(result.Status)),
		zap.Int("processed", result.Processed),
		zap.Duration("elapsed", time.Since(started)),
	}
	if result.Status == models.JobStatusFailed {
		w.logger.Warn("job failed", append(fields, zap.String("reason", labelReason), zap.Error(result.Err))...)
	} else {
		w.logger.Info("job finished", fields...)
	}

	if errors.Is(result.Err, apperrors.ErrPersistence) {
		return result.Err
	}
	return nil
}
