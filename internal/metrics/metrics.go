// Package metrics holds the Prometheus collectors of the chat core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mutation outcomes.
const (
	OutcomeAcked     = "acked"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
	OutcomeRequeued  = "requeued"
)

// Inbound event results.
const (
	ResultApplied  = "applied"
	ResultEcho     = "echo"
	ResultDeferred = "deferred"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Metrics bundles the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	mutations *prometheus.CounterVec
	inbound   *prometheus.CounterVec
	queue     *prometheus.GaugeVec
	delivery  *prometheus.HistogramVec
}

// New creates and registers the collectors. b may be nil.
func New(b *bus.Bus) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_mutations_total",
			Help: "Outbox entries by kind and outcome.",
		}, []string{"kind", "outcome"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_inbound_events_total",
			Help: "Inbound transport events by kind and result.",
		}, []string{"kind", "result"}),
		queue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatcore_outbox_entries",
			Help: "Outbox entries currently stored, by state.",
		}, []string{"state"}),
		delivery: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatcore_delivery_seconds",
			Help:    "Round trip of a mutation delivery attempt.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"kind"}),
	}
	m.registry.MustRegister(m.mutations, m.inbound, m.queue, m.delivery,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if b != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "chatcore_bus_dropped_total",
			Help: "Bus deliveries skipped because a subscriber was full.",
		}, func() float64 { return float64(b.Dropped()) }))
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Mutation counts an outbox entry outcome.
func (m *Metrics) Mutation(kind, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind, outcome).Inc()
}

// Inbound counts an inbound event result.
func (m *Metrics) Inbound(kind, result string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(kind, result).Inc()
}

// Queue sets the outbox gauges.
func (m *Metrics) Queue(pending, failed int) {
	if m == nil {
		return
	}
	m.queue.WithLabelValues("pending").Set(float64(pending))
	m.queue.WithLabelValues("failed").Set(float64(failed))
}

// Delivery observes one delivery round trip in seconds.
func (m *Metrics) Delivery(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.delivery.WithLabelValues(kind).Observe(seconds)
}
