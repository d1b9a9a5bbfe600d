// Package admin implements the HTTP admin endpoints of the gateway: health,
// Prometheus metrics, in-flight requests, effective configuration and the
// listener certificate.
package admin

import (
	"encoding/json"
	"html"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jnovack/gemini-gateway/pkg/accesslog"
)

// HistogramBuckets defines the latency buckets (seconds) used when observing request durations.
var HistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics owns a private Prometheus registry and the in-flight table shown
// on /statusz.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	statuses        *prometheus.CounterVec
	fetches         *prometheus.CounterVec
	cacheOps        *prometheus.CounterVec
	conversions     *prometheus.CounterVec
	refused         *prometheus.CounterVec
	inflightGauge   prometheus.Gauge
	requestDuration *prometheus.HistogramVec

	mu       sync.Mutex
	inflight map[string]time.Time
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inflight: make(map[string]time.Time),
	}
	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Requests answered, by mode and cache outcome",
	}, []string{"mode", "outcome"})
	m.statuses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_responses_total",
		Help: "Responses by Gemini status",
	}, []string{"status"})
	m.fetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_fetches_total",
		Help: "Outbound fetches by result",
	}, []string{"result"})
	m.cacheOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_operations_total",
		Help: "Cache operations by kind and result",
	}, []string{"op", "result"})
	m.conversions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_conversions_total",
		Help: "Document conversions by result",
	}, []string{"result"})
	m.refused = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_refused_total",
		Help: "Requests refused before dispatch",
	}, []string{"reason"})
	m.inflightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_inflight_requests",
		Help: "In-flight requests",
	})
	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Request duration by cache outcome",
		Buckets: HistogramBuckets,
	}, []string{"outcome"})

	m.registry.MustRegister(m.requests, m.statuses, m.fetches, m.cacheOps,
		m.conversions, m.refused, m.inflightGauge, m.requestDuration)
	return m
}

// Registry exposes the registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// InflightAdd records an inflight request with id.
func (m *Metrics) InflightAdd(id string) {
	m.mu.Lock()
	m.inflight[id] = time.Now()
	m.mu.Unlock()
	m.inflightGauge.Inc()
}

// InflightRemove removes an inflight request id.
func (m *Metrics) InflightRemove(id string) {
	m.mu.Lock()
	_, ok := m.inflight[id]
	delete(m.inflight, id)
	m.mu.Unlock()
	if ok {
		m.inflightGauge.Dec()
	}
}

// Inflight returns a copy of the in-flight table.
func (m *Metrics) Inflight() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.inflight))
	for k, v := range m.inflight {
		out[k] = v
	}
	return out
}

// ObserveRequest counts one answered request.
func (m *Metrics) ObserveRequest(mode, outcome string, status int, d time.Duration) {
	if outcome == "" {
		outcome = "NONE"
	}
	m.requests.WithLabelValues(mode, outcome).Inc()
	m.statuses.WithLabelValues(strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Observer returns an access log observer feeding ObserveRequest.
func (m *Metrics) Observer() accesslog.Observer {
	return func(r accesslog.Record) {
		m.ObserveRequest(r.Mode, r.Outcome, r.Status, time.Duration(r.LatencySecs*float64(time.Second)))
	}
}

// RecordFetch counts an outbound fetch by result (ok, redirect, http_error, error).
func (m *Metrics) RecordFetch(result string) { m.fetches.WithLabelValues(result).Inc() }

// RecordCache counts a cache operation (get, put, touch) by result.
func (m *Metrics) RecordCache(op string, ok bool) {
	result := "ok"
	if !ok {
		result = "fail"
		if op == "get" {
			result = "miss"
		}
	} else if op == "get" {
		result = "hit"
	}
	m.cacheOps.WithLabelValues(op, result).Inc()
}

// RecordConversion counts a document conversion.
func (m *Metrics) RecordConversion(ok bool) {
	if ok {
		m.conversions.WithLabelValues("ok").Inc()
		return
	}
	m.conversions.WithLabelValues("empty").Inc()
}

// RecordRefused counts a request refused by the allow-list or rate limiter.
func (m *Metrics) RecordRefused(reason string) { m.refused.WithLabelValues(reason).Inc() }

// Admin handlers

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HandleVarz writes config (provided) as JSON.
func HandleVarz(w http.ResponseWriter, cfg interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

// HandleStatusz renders a small HTML page showing inflight requests.
func HandleStatusz(w http.ResponseWriter, m *Metrics) {
	reqs := m.Inflight()
	keys := make([]string, 0, len(reqs))
	for k := range reqs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return reqs[keys[i]].Before(reqs[keys[j]]) })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Status</h1>"))
	_, _ = w.Write([]byte("<p>Inflight: " + strconv.Itoa(len(reqs)) + "</p>"))
	_, _ = w.Write([]byte("<table border='1'><tr><th>Request</th><th>Start</th><th>Age(s)</th></tr>"))
	now := time.Now()
	for _, k := range keys {
		t := reqs[k]
		age := now.Sub(t).Seconds()
		_, _ = w.Write([]byte("<tr><td>" + html.EscapeString(k) + "</td><td>" + t.Format(time.RFC3339) + "</td><td>" + strconv.FormatFloat(age, 'f', 3, 64) + "</td></tr>"))
	}
	_, _ = w.Write([]byte("</table></body></html>"))
}

// HandleMetrics writes the registry in the Prometheus exposition format.
func HandleMetrics(w http.ResponseWriter, r *http.Request, m *Metrics) {
	promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// HandleCert serves the PEM encoded listener certificate.
func HandleCert(w http.ResponseWriter, certPEM []byte) {
	if len(certPEM) == 0 {
		http.Error(w, "no certificate", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(certPEM)
}

// NewMux wires every admin endpoint.
func NewMux(m *Metrics, varz func() interface{}, certPEM []byte) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HandleHealth)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) { HandleMetrics(w, r, m) })
	mux.HandleFunc("/statusz", func(w http.ResponseWriter, _ *http.Request) { HandleStatusz(w, m) })
	mux.HandleFunc("/varz", func(w http.ResponseWriter, _ *http.Request) { HandleVarz(w, varz()) })
	mux.HandleFunc("/cert", func(w http.ResponseWriter, _ *http.Request) { HandleCert(w, certPEM) })
	return mux
}
