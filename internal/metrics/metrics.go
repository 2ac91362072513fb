// Package metrics exposes Prometheus collectors for runs, batches and backend calls.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pagesift"

var (
	backendReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Classifier backend calls by backend, model and result",
		},
		[]string{"backend", "model", "result"},
	)

	backendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Duration of classifier backend calls",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"backend"},
	)

	batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches by outcome (ok, degraded, unparseable)",
		},
		[]string{"outcome"},
	)

	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_dropped_total",
			Help:      "Verdict entries dropped during validation",
		},
		[]string{"reason"},
	)

	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Batch retries by backend",
		},
		[]string{"backend"},
	)

	matchedPages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matched_pages_total",
			Help:      "Pages selected for extraction",
		},
	)

	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by outcome",
		},
		[]string{"outcome"},
	)
)

var once sync.Once

// Init registers collectors with the default registry. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(backendReqs, backendLatency, batches, dropped, retries, matchedPages, runs)
	})
}

// Handler returns the http.Handler for /metrics.
func Handler() http.Handler { return promhttp.Handler() }

func ObserveBackend(backend, model, result string, dur time.Duration) {
	backendReqs.WithLabelValues(backend, model, result).Inc()
	backendLatency.WithLabelValues(backend).Observe(dur.Seconds())
}

func IncBatch(outcome string) { batches.WithLabelValues(outcome).Inc() }

func IncDropped(reason string, n int) { dropped.WithLabelValues(reason).Add(float64(n)) }

func IncRetry(backend string) { retries.WithLabelValues(backend).Inc() }

func AddMatches(n int) { matchedPages.Add(float64(n)) }

func IncRun(outcome string) { runs.WithLabelValues(outcome).Inc() }
