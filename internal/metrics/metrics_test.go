package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wafflehacks/wafflemaker/internal/metrics"
	"github.com/wafflehacks/wafflemaker/internal/queue"
)

type recordingHandler struct {
	handled []queue.Job
}

func (r *recordingHandler) Handle(ctx context.Context, job queue.Job) {
	r.handled = append(r.handled, job)
}

func TestInstrumentHandlerObservesEveryJob(t *testing.T) {
	inner := &recordingHandler{}
	m := metrics.NewJobMetrics()
	wrapped := metrics.InstrumentHandler(inner, m)

	wrapped.Handle(context.Background(), queue.Job{Kind: queue.KindReconcile, ServiceID: "app/api"})

	assert.Len(t, inner.handled, 1)
	assert.Equal(t, "app/api", inner.handled[0].ServiceID)
}

func TestLeaseMetricsObserveRenewalTracksResult(t *testing.T) {
	m := metrics.NewLeaseMetrics()

	assert.NotPanics(t, func() {
		m.ObserveRenewal(nil)
		m.ObserveRenewal(assert.AnError)
	})
}

func TestHTTPMetricsInstrumentCapturesStatus(t *testing.T) {
	m := metrics.NewHTTPMetrics("test")
	handler := m.Instrument("/ping", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
}
