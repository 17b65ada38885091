// Package metrics exposes Prometheus collectors for sessions, tool calls
// and HTTP requests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ggoodman/ontap-mcp-server-go/sessions"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ontap_mcp"

// Metrics implements sessions.Observer and tools.Observer.
type Metrics struct {
	reg *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsCreated  prometheus.Counter
	sessionsRemoved  *prometheus.CounterVec
	sessionLifetime  prometheus.Histogram
	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
}

// New registers every collector, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "active",
			Help: "Sessions currently in the registry.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "created_total",
			Help: "Sessions created.",
		}),
		sessionsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "removed_total",
			Help: "Sessions removed, by reason.",
		}, []string{"reason"}),
		sessionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "lifetime_seconds",
			Help:    "Session lifetime at removal.",
			Buckets: []float64{60, 300, 1200, 3600, 6 * 3600, 24 * 3600},
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tools", Name: "calls_total",
			Help: "Tool calls, by tool, category and outcome.",
		}, []string{"tool", "category", "outcome"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tools", Name: "call_duration_seconds",
			Help:    "Tool call duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
	}
	m.reg.MustRegister(
		m.sessionsActive, m.sessionsCreated, m.sessionsRemoved, m.sessionLifetime,
		m.toolCalls, m.toolCallDuration, m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) SessionCreated() {
	m.sessionsCreated.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionRemoved(reason sessions.Reason, lifetime time.Duration) {
	m.sessionsActive.Dec()
	m.sessionsRemoved.WithLabelValues(string(reason)).Inc()
	m.sessionLifetime.Observe(lifetime.Seconds())
}

func (m *Metrics) ToolCalled(name, category string, failed bool, dur time.Duration) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(name, category, outcome).Inc()
	m.toolCallDuration.WithLabelValues(name).Observe(dur.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Middleware counts requests by chi route pattern, so session ids and
// query strings never become label values.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}
