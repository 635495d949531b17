package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLifecycleGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RequestStarted()
	m.RequestStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeRequests))

	m.RequestRetired(OutcomeComplete, 1500*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues(OutcomeComplete)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.requestDuration))
}

func TestParseFailureIgnoresZero(t *testing.T) {
	m := New(nil)
	m.ParseFailure(StageSSEPayload, 0)
	m.ParseFailure(StageSSEPayload, 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.parseFailures.WithLabelValues(StageSSEPayload)))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RequestStarted()
		m.RequestRetired(OutcomeErrored, time.Second)
		m.SSEEvent("ping")
		m.ParseFailure(StageDecompress, 1)
		m.Passthrough()
		m.ObserverConnected()
		m.ObserverDisconnected()
		m.NotificationDropped()
	})
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Passthrough()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "wiretap_passthrough_total 1"))
}
