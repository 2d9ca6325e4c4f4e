// Package metrics exposes the daemon's prometheus instrumentation,
// grounded on fluxcd-flux's decorator-over-an-interface pattern
// (jobs/metrics.go's instrumentedJobStore): wrap a collaborator, time
// every call, publish through go-kit's prometheus adapter.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/wafflehacks/wafflemaker/internal/queue"
)

const namespace = "wafflemaker"

// JobMetrics times job execution, labeled by kind.
type JobMetrics struct {
	Duration metrics.Histogram
}

// NewJobMetrics registers and returns the job-duration histogram.
func NewJobMetrics() JobMetrics {
	return JobMetrics{
		Duration: kitprometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Time spent executing a queue job, in seconds.",
			Buckets:   stdprometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

func kindLabel(k queue.Kind) string {
	switch k {
	case queue.KindReconcile:
		return "reconcile"
	case queue.KindDelete:
		return "delete"
	case queue.KindFail:
		return "fail"
	default:
		return "unknown"
	}
}

// instrumentedHandler decorates a queue.Handler with duration
// observations, the same shape as fluxcd-flux's instrumentedJobStore.
type instrumentedHandler struct {
	inner queue.Handler
	m     JobMetrics
}

// InstrumentHandler wraps a queue.Handler so every job's processing time
// is observed under JobMetrics.
func InstrumentHandler(inner queue.Handler, m JobMetrics) queue.Handler {
	return &instrumentedHandler{inner: inner, m: m}
}

func (h *instrumentedHandler) Handle(ctx context.Context, job queue.Job) {
	defer func(begin time.Time) {
		h.m.Duration.With("kind", kindLabel(job.Kind)).Observe(time.Since(begin).Seconds())
	}(time.Now())
	h.inner.Handle(ctx, job)
}

// LeaseMetrics counts lease renewal attempts, labeled by result.
type LeaseMetrics struct {
	Renewals metrics.Counter
}

// NewLeaseMetrics registers and returns the lease-renewal counter.
func NewLeaseMetrics() LeaseMetrics {
	return LeaseMetrics{
		Renewals: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "leases",
			Name:      "renewals_total",
			Help:      "Number of lease renewal attempts, by result.",
		}, []string{"result"}),
	}
}

// ObserveRenewal records the outcome of one renewal attempt.
func (m LeaseMetrics) ObserveRenewal(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Renewals.With("result", result).Add(1)
}

// HTTPMetrics times and counts HTTP requests, labeled by route, method,
// and status code.
type HTTPMetrics struct {
	Duration metrics.Histogram
}

// NewHTTPMetrics registers and returns the request-duration histogram.
func NewHTTPMetrics(subsystem string) HTTPMetrics {
	return HTTPMetrics{
		Duration: kitprometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Time (in seconds) spent serving HTTP requests.",
			Buckets:   stdprometheus.DefBuckets,
		}, []string{"method", "route", "status_code"}),
	}
}

// statusWriter captures the status code an http.Handler wrote, since
// http.ResponseWriter doesn't expose it otherwise.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Instrument wraps next, observing request duration under route.
func (m HTTPMetrics) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		begin := time.Now()
		next.ServeHTTP(sw, r)
		m.Duration.With(
			"method", r.Method,
			"route", route,
			"status_code", fmt.Sprint(sw.status),
		).Observe(time.Since(begin).Seconds())
	})
}

var _ queue.Handler = (*instrumentedHandler)(nil)
