// Package observability holds the service's Prometheus metrics and
// OpenTelemetry tracing setup.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"event-ingestion-service/internal/downstream"
)

const namespace = "ingest"

// Metrics owns a private registry so tests and multiple instances in one
// process never collide on the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	eventOutcomes      *prometheus.CounterVec
	cycles             prometheus.Counter
	cycleDuration      prometheus.Histogram
	leased             prometheus.Counter
	reclaimed          prometheus.Counter
	downstreamRequests *prometheus.CounterVec
	downstreamDuration *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec
	ingested           *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_outcomes_total",
			Help:      "Processing attempts by outcome.",
		}, []string{"outcome"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_cycles_total",
			Help:      "Completed worker cycles.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_cycle_duration_seconds",
			Help:      "Wall time of one worker cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		leased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_leased_total",
			Help:      "Events leased by this worker.",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_reclaimed_total",
			Help:      "Expired leases returned to the queue.",
		}),
		downstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downstream_requests_total",
			Help:      "Downstream graph requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		downstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "downstream_request_duration_seconds",
			Help:      "Downstream graph request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "1 for the breaker's current state, 0 for the others.",
		}, []string{"state"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Events received at intake by source and result.",
		}, []string{"source", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventOutcomes,
		m.cycles,
		m.cycleDuration,
		m.leased,
		m.reclaimed,
		m.downstreamRequests,
		m.downstreamDuration,
		m.breakerState,
		m.ingested,
	)
	m.BreakerStateChanged(downstream.StateClosed, downstream.StateClosed)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) EventOutcome(outcome string) {
	m.eventOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CycleCompleted(leased int, d time.Duration) {
	m.cycles.Inc()
	m.leased.Add(float64(leased))
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) LeasesReclaimed(n int) {
	m.reclaimed.Add(float64(n))
}

func (m *Metrics) ObserveDownstream(operation, outcome string, d time.Duration) {
	m.downstreamRequests.WithLabelValues(operation, outcome).Inc()
	m.downstreamDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// BreakerStateChanged matches downstream.Breaker.OnStateChange.
func (m *Metrics) BreakerStateChanged(_, to downstream.State) {
	for _, s := range []downstream.State{downstream.StateClosed, downstream.StateOpen, downstream.StateHalfOpen} {
		v := 0.0
		if s == to {
			v = 1
		}
		m.breakerState.WithLabelValues(string(s)).Set(v)
	}
}

// Ingested counts one intake result ("created", "duplicate", "invalid",
// "error") for a source ("webhook", "bus").
func (m *Metrics) Ingested(source, result string) {
	m.ingested.WithLabelValues(source, result).Inc()
}
