// ABOUTME: Prometheus metrics for the control plane
// ABOUTME: Registry plus counters wired into the HTTP middleware and handlers

package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	authFailures    prometheus.Counter
	rateLimited     *prometheus.CounterVec
	gatewayStarts   prometheus.Counter
	gatewayStops    prometheus.Counter
	relaySessions   prometheus.Counter
	relayActiveConn prometheus.Gauge
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawhost_http_requests_total",
			Help: "HTTP requests by method, route pattern, and status code.",
		}, []string{"method", "route", "code"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clawhost_auth_failures_total",
			Help: "Login attempts that were rejected.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawhost_rate_limited_total",
			Help: "Requests rejected by a rate gate.",
		}, []string{"gate"}),
		gatewayStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clawhost_gateway_starts_total",
			Help: "Successful gateway starts.",
		}),
		gatewayStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clawhost_gateway_stops_total",
			Help: "Successful gateway stops.",
		}),
		relaySessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clawhost_relay_sessions_total",
			Help: "Relay sessions accepted.",
		}),
		relayActiveConn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clawhost_relay_sessions_active",
			Help: "Relay sessions currently open.",
		}),
	}
	reg.MustRegister(m.requestsTotal, m.authFailures, m.rateLimited,
		m.gatewayStarts, m.gatewayStops, m.relaySessions, m.relayActiveConn)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests per route pattern. WebSocket routes are not
// instrumented through this wrapper because hijacked connections cannot go
// through a plain recorder.
func (m *metrics) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.code)).Inc()
	})
}
