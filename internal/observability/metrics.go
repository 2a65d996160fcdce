package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	AllocationsTotal    *prometheus.CounterVec
	ComplianceFlags     *prometheus.CounterVec
	PayoutsTotal        *prometheus.CounterVec
	ConservationBreaks  prometheus.Counter
	BroadcastFailures   prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copperleaf_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copperleaf_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copperleaf_tip_allocations_total",
		Help: "Tip allocations processed, by outcome.",
	}, []string{"outcome"})
	flags := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copperleaf_tip_compliance_flags_total",
		Help: "Compliance violations flagged during allocation or scan.",
	}, []string{"code"})
	payouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copperleaf_tip_payouts_total",
		Help: "Payouts posted, by method and outcome.",
	}, []string{"method", "outcome"})
	conservation := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "copperleaf_tip_conservation_breaks_total",
		Help: "Allocations whose entry set did not sum to the tip amount. Must stay zero.",
	})
	broadcast := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "copperleaf_tip_broadcast_failures_total",
		Help: "Failed fire-and-forget event publishes.",
	})
	registry.MustRegister(requests, duration, allocations, flags, payouts, conservation, broadcast)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		AllocationsTotal:   allocations,
		ComplianceFlags:    flags,
		PayoutsTotal:       payouts,
		ConservationBreaks: conservation,
		BroadcastFailures:  broadcast,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
