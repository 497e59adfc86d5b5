// Package metrics exposes the Prometheus collectors for the ledger service:
// HTTP request metrics plus domain counters for submits, retries, batch
// seals, and event bus drops.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every collector registered by this package.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledger",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"method", "path"})

	// SubmitLatency records end-to-end submit() latency per request kind
	// and outcome (executed|failed).
	SubmitLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledger",
		Subsystem: "engine",
		Name:      "submit_duration_seconds",
		Help:      "Duration of the submit pipeline from admission to commit.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"kind", "outcome"})

	// RetryTotal counts store-transaction retries caused by serialization
	// conflicts, by request kind.
	RetryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "engine",
		Name:      "retries_total",
		Help:      "Total number of store-transaction retries after a serialization conflict.",
	}, []string{"kind"})

	// BatchSealedTotal counts batch seals by trigger (size|time).
	BatchSealedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "batch",
		Name:      "sealed_total",
		Help:      "Total number of batches sealed, by trigger.",
	}, []string{"trigger"})

	// SubscriberDropsTotal counts events dropped for a subscriber: the event
	// that overflowed its bounded queue (which disconnects it), or a frame the
	// websocket writer failed to encode.
	SubscriberDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "eventbus",
		Name:      "subscriber_drops_total",
		Help:      "Total number of events dropped for a slow subscriber.",
	})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		SubmitLatency,
		RetryTotal,
		BatchSealedTotal,
		SubscriberDropsTotal,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// InstrumentHandler wraps next with HTTP request metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		status := http.StatusText(rec.status)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration.Seconds())
	})
}
