// Package metrics exposes Prometheus collectors for the grantscraper service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsStartedTotal      *prometheus.CounterVec
	jobsFinishedTotal     *prometheus.CounterVec
	phaseTransitionsTotal *prometheus.CounterVec
	streamSessionsLive    prometheus.Gauge
	streamCoalescedTotal  prometheus.Counter
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call multiple times; helpers call it lazily.
func Init() {
	once.Do(func() {
		jobsStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantscraper_jobs_started_total",
				Help: "Jobs started, labeled by kind.",
			},
			[]string{"kind"},
		)
		jobsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantscraper_jobs_finished_total",
				Help: "Jobs that reached a terminal phase, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)
		phaseTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantscraper_phase_transitions_total",
				Help: "Phase transitions applied to job records.",
			},
			[]string{"kind", "phase"},
		)
		streamSessionsLive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "grantscraper_stream_sessions",
				Help: "Live status stream sessions.",
			},
		)
		streamCoalescedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "grantscraper_stream_events_coalesced_total",
				Help: "Events dropped from slow subscriber queues in favor of newer ones.",
			},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantscraper_http_requests_total",
				Help: "HTTP requests served, labeled by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		)
		httpRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grantscraper_http_request_duration_seconds",
				Help:    "HTTP request latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// JobStarted records a job launch.
func JobStarted(kind string) {
	Init()
	jobsStartedTotal.WithLabelValues(kind).Inc()
}

// JobFinished records a terminal transition; outcome is completed or error.
func JobFinished(kind, outcome string) {
	Init()
	jobsFinishedTotal.WithLabelValues(kind, outcome).Inc()
}

// PhaseTransition records an applied phase change.
func PhaseTransition(kind, phase string) {
	Init()
	phaseTransitionsTotal.WithLabelValues(kind, phase).Inc()
}

// StreamSessionOpened increments the live session gauge.
func StreamSessionOpened() {
	Init()
	streamSessionsLive.Inc()
}

// StreamSessionClosed decrements the live session gauge.
func StreamSessionClosed() {
	Init()
	streamSessionsLive.Dec()
}

// StreamEventCoalesced counts an overflow coalesce on a subscriber queue.
func StreamEventCoalesced() {
	Init()
	streamCoalescedTotal.Inc()
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, status int, dur time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestSeconds.WithLabelValues(method, route).Observe(dur.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}
