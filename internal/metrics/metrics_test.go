package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterAndCount(t *testing.T) {
	m := New()

	m.RequestsTotal.WithLabelValues("memory_guideline", "add", "ok").Inc()
	m.RequestsTotal.WithLabelValues("memory_guideline", "add", "ok").Inc()
	m.WritesTotal.WithLabelValues("guideline").Inc()
	m.QueueDepth.Set(3)
	m.BreakerState.WithLabelValues("classifier-llm").Set(BreakerStateValue("open"))

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.RequestsTotal.WithLabelValues("memory_guideline", "add", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.BreakerState.WithLabelValues("classifier-llm")))
}

func TestIndependentInstances(t *testing.T) {
	// Two instances never collide: each owns its registry.
	a := New()
	b := New()
	a.QueueProcessed.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.QueueProcessed))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.QueueProcessed))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.WritesTotal.WithLabelValues("knowledge").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mnemo_writes_total")
}

func TestBreakerStateValues(t *testing.T) {
	assert.Equal(t, 0.0, BreakerStateValue("closed"))
	assert.Equal(t, 1.0, BreakerStateValue("half-open"))
	assert.Equal(t, 2.0, BreakerStateValue("open"))
}
