package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warncheck_jobs_total",
	Help: "Count of jobs finished by the worker",
}, []string{"status", "reason"})

var JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "warncheck_job_duration_seconds",
	Help:    "Wall time of jobs from start to finish",
	Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200},
}, []string{"status"})

var VerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warncheck_verdicts_total",
	Help: "Count of recorded verdicts",
}, []string{"outcome"})

var ConnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warncheck_device_connect_attempts_total",
	Help: "Count of device bridge handshake attempts",
}, []string{"result"})

var BridgeRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warncheck_device_bridge_restarts_total",
	Help: "Count of bridge kill-and-restart recoveries",
})

var AccountUsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warncheck_account_uses_total",
	Help: "Count of consuming actions per account",
}, []string{"account"})

var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "warncheck_queue_depth",
	Help: "Jobs waiting in the queue",
})

var PurgedJobsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warncheck_purged_jobs_total",
	Help: "Count of finished jobs removed by retention",
})

// Serve exposes /metrics on addr until ctx is done
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
