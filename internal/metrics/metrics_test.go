package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestRecordReject_NormalizesReason(t *testing.T) {
	busy := AdmissionRejectTotal.WithLabelValues("session_busy")
	unknown := AdmissionRejectTotal.WithLabelValues("unknown")
	beforeBusy, beforeUnknown := counterValue(t, busy), counterValue(t, unknown)

	RecordReject("SESSION_BUSY ")
	RecordReject("something-else")

	assert.Equal(t, beforeBusy+1, counterValue(t, busy))
	assert.Equal(t, beforeUnknown+1, counterValue(t, unknown))
}

func TestSetLiveSessions(t *testing.T) {
	SetLiveSessions(1, 5, 2)
	assert.Equal(t, 1.0, gaugeValue(t, LiveSessions.WithLabelValues("starting")))
	assert.Equal(t, 5.0, gaugeValue(t, LiveSessions.WithLabelValues("active")))
	assert.Equal(t, 2.0, gaugeValue(t, LiveSessions.WithLabelValues("draining")))
}

func TestRecordSandboxLaunch(t *testing.T) {
	failed := sandboxLaunchTotal.WithLabelValues("process", "error")
	before := counterValue(t, failed)
	RecordSandboxLaunch("process", errors.New("exec: not found"), 0)
	assert.Equal(t, before+1, counterValue(t, failed))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/v1/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/abc", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `rlm_http_request_duration_seconds_count{method="GET",path="/v1/sessions/{id}",status="204"}`), body)
	assert.NotContains(t, body, "/v1/sessions/abc")
}
