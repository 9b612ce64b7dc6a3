package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vipul43/warncheck/internal/metrics"
)

// Purger deletes finished jobs and their verdicts
type Purger interface {
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention removes finished jobs older than the retention window on a cron schedule
type Retention struct {
	purger   Purger
	keep     time.Duration
	schedule cron.Schedule
	expr     string
	logger   *zap.Logger
	now      func() time.Time
}

// New validates the schedule. A keep of zero or less disables purging.
func New(purger Purger, keep time.Duration, expr string, logger *zap.Logger) (*Retention, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", expr, err)
	}
	return &Retention{
		purger:   purger,
		keep:     keep,
		schedule: schedule,
		expr:     expr,
		logger:   logger.Named("retention"),
		now:      time.Now,
	}, nil
}

// Enabled reports whether finished jobs are ever purged
func (r *Retention) Enabled() bool {
	return r.keep > 0
}

// Purge deletes jobs that finished more than keep ago
func (r *Retention) Purge(ctx context.Context) (int64, error) {
	if !r.Enabled() {
		return 0, nil
	}
	cutoff := r.now().UTC().Add(-r.keep)
	n, err := r.purger.PurgeFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.PurgedJobsTotal.Add(float64(n))
		r.logger.Info("purged finished jobs", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Start runs Purge on the schedule until ctx is done
func (r *Retention) Start(ctx context.Context) {
	if !r.Enabled() {
		r.logger.Info("retention disabled")
		return
	}

	c := cron.New(cron.WithLocation(time.UTC))
	c.Schedule(r.schedule, cron.FuncJob(func() {
		if _, err := r.Purge(ctx); err != nil {
			r.logger.Error("failed to purge finished jobs", zap.Error(err))
		}
	}))
	c.Start()
	r.logger.Info("retention scheduled",
		zap.String("schedule", r.expr),
		zap.Duration("keep", r.keep),
		zap.Time("next_run", r.schedule.Next(r.now())))

	<-ctx.Done()
	<-c.Stop().Done()
}
