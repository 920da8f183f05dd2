package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordSyncBatch(nil, 2)
	m.RecordSyncBatch(errors.New("feed down"), 0)
	m.RecordRouteCheck(true)
	m.RecordRouteCheck(false)
	m.RecordRouteCheck(false)
	m.RecordSwap("success")
	m.RecordNetWorthUsers(nil, 50)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncBatches.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncBatches.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.priceUpdates))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.routeChecks.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.swapOutcomes.WithLabelValues("success")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.netWorthUsers.WithLabelValues("success")))
}

func TestMetricsHandlerExposesHTTPSeries(t *testing.T) {
	m := NewMetrics()
	m.ObserveHTTP("/api/assets", http.MethodGet, http.StatusOK, 10*time.Millisecond)
	m.ObserveJob("price-sync", nil, time.Second)
	m.SetBreakerOpen("jupiter", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `memefolio_http_requests_total{method="GET",route="/api/assets",status="200"} 1`)
	assert.Contains(t, body, `memefolio_job_runs_total{job="price-sync",outcome="success"} 1`)
	assert.Contains(t, body, `memefolio_breaker_open{name="jupiter"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSyncBatch(nil, 1)
		m.RecordSwapAttempt(nil)
		m.RecordWalletFunding("funded")
		m.ObserveHTTP("", http.MethodGet, 200, time.Millisecond)
		m.SetBreakerOpen("x", false)
	})
	assert.Nil(t, m.Registry())
}
