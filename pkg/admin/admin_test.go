package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/gemini-gateway/pkg/accesslog"
)

func TestHandleHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)

	HandleHealth(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, "should return 200 OK")
}

func TestHandleMetricsAndStatusz(t *testing.T) {
	m := NewMetrics()

	m.ObserveRequest("server", "HIT", 20, 3*time.Millisecond)
	m.ObserveRequest("server", "MISS", 20, 300*time.Millisecond)
	m.ObserveRequest("proxy", "", 53, time.Millisecond)
	m.RecordFetch("ok")
	m.RecordCache("get", false)
	m.RecordCache("put", true)
	m.RecordConversion(false)
	m.RecordRefused("allow_list")

	m.InflightAdd("req1")
	m.InflightAdd("req2")
	m.InflightAdd("req3")
	m.InflightRemove("req3")
	m.InflightRemove("unknown")

	rr := httptest.NewRecorder()
	HandleMetrics(rr, httptest.NewRequest("GET", "/metrics", nil), m)
	require.Equal(t, http.StatusOK, rr.Code, "metrics should return 200")

	body := rr.Body.String()
	assert.Contains(t, body, `gateway_requests_total{mode="server",outcome="HIT"} 1`)
	assert.Contains(t, body, `gateway_requests_total{mode="proxy",outcome="NONE"} 1`)
	assert.Contains(t, body, `gateway_responses_total{status="20"} 2`)
	assert.Contains(t, body, `gateway_cache_operations_total{op="get",result="miss"} 1`)
	assert.Contains(t, body, `gateway_cache_operations_total{op="put",result="ok"} 1`)
	assert.Contains(t, body, `gateway_conversions_total{result="empty"} 1`)
	assert.Contains(t, body, `gateway_refused_total{reason="allow_list"} 1`)
	assert.Contains(t, body, "gateway_inflight_requests 2")
	assert.Contains(t, body, "gateway_request_duration_seconds_bucket")

	rr2 := httptest.NewRecorder()
	HandleStatusz(rr2, m)
	require.Equal(t, http.StatusOK, rr2.Code, "statusz should return 200")

	html := rr2.Body.String()
	assert.Contains(t, html, "req1", "statusz should list inflight request keys")
	assert.Contains(t, html, "req2", "statusz should list inflight request keys")
	assert.NotContains(t, html, "req3")
	assert.Contains(t, html, "<table", "statusz should render an HTML table")
}

func TestObserverFeedsRequests(t *testing.T) {
	m := NewMetrics()
	obs := m.Observer()
	obs(accesslog.Record{Mode: "server", Outcome: "MISS", Status: 20, LatencySecs: 0.2})
	obs(accesslog.Record{Mode: "server", Outcome: "MISS", Status: 51})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("server", "MISS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.statuses.WithLabelValues("51")))
}

func TestMux(t *testing.T) {
	m := NewMetrics()
	mux := NewMux(m, func() interface{} { return map[string]string{"hostname": "localhost"} }, []byte("-----BEGIN CERTIFICATE-----\n"))

	for path, want := range map[string]string{
		"/varz":    `"hostname":"localhost"`,
		"/cert":    "BEGIN CERTIFICATE",
		"/metrics": "gateway_inflight_requests",
	} {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
		require.Equal(t, http.StatusOK, rr.Code, path)
		assert.Contains(t, rr.Body.String(), want, path)
	}

	rr := httptest.NewRecorder()
	HandleCert(rr, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
