package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// Result labels.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultError     = "error"
	ResultAborted   = "aborted"
)

var (
	// Builds counts finished survey image builds by result.
	Builds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "survey_builds_total",
		Help: "Number of survey image builds by result.",
	}, []string{"result"})

	// Provisions counts participation environment provisioning attempts.
	Provisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "participation_provisions_total",
		Help: "Number of participation provisioning attempts by result.",
	}, []string{"result"})

	// Exports counts recording exports performed during teardown.
	Exports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "participation_exports_total",
		Help: "Number of recording exports by result.",
	}, []string{"result"})

	// Reaped counts participations deleted for exceeding the maximum age.
	Reaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "participation_reaped_total",
		Help: "Number of participations deleted by the stale reaper.",
	})

	// JobWaitSeconds observes how long builds and uploads were awaited.
	JobWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "survey_operator_job_wait_seconds",
		Help: "Time spent waiting for build and upload jobs.",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(Builds, Provisions, Exports, Reaped, JobWaitSeconds)
}

// ObserveJobWait records the wait duration of a job of the given kind.
func ObserveJobWait(kind string, start time.Time) {
	JobWaitSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// Handler serves /metrics and /healthz.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Listen serves Handler on addr until ctx is done.
func Listen(ctx context.Context, addr string) {
	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	klog.Infof("Serving metrics on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		klog.Errorf("Metrics server stopped: %v", err)
	}
}
