package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics for the field-operations core.
var (
	proximityChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proximity_checks_total",
			Help: "Proximity checks by outcome (allowed/denied).",
		},
		[]string{"asset_kind", "outcome"},
	)

	reportTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_transitions_total",
			Help: "Inspection report state transitions.",
		},
		[]string{"from", "to"},
	)

	escalationSweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escalation_sweeps_total",
		Help: "Escalation sweep runs.",
	})

	escalatedReportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escalated_reports_total",
		Help: "Reports force-escalated past the SLA window.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		proximityChecksTotal, reportTransitionsTotal,
		escalationSweepsTotal, escalatedReportsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProximityCheck records a proximity gate decision.
func ObserveProximityCheck(assetKind string, allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	proximityChecksTotal.WithLabelValues(assetKind, outcome).Inc()
}

// ObserveTransition records a lifecycle transition.
func ObserveTransition(from, to string) {
	reportTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveSweep records one escalation sweep and how many reports it escalated.
func ObserveSweep(escalated int) {
	escalationSweepsTotal.Inc()
	escalatedReportsTotal.Add(float64(escalated))
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
