// Package metrics holds the Prometheus collectors shared by the mutation service,
// the broadcast hub and the stream relay. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "canopy"

// Metrics is the set of canopy collectors registered on one registry.
type Metrics struct {
	mutations        *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	subscribers      prometheus.Gauge
	eventsPublished  *prometheus.CounterVec
	evictions        *prometheus.CounterVec
	relayRecords     *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Mutations handled, by operation and result",
		}, []string{"op", "result"}),
		mutationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mutation_duration_seconds",
			Help:      "Time from validation to publish for a mutation",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Current number of live stream subscribers",
		}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Change events handed to the hub, by type",
		}, []string{"type"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_evicted_total",
			Help:      "Subscribers dropped by the hub, by reason",
		}, []string{"reason"}),
		relayRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_records_total",
			Help:      "DynamoDB stream records processed by the relay, by result",
		}, []string{"result"}),
	}
}

// ObserveMutation records one mutation outcome.
func (m *Metrics) ObserveMutation(op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, result).Inc()
	m.mutationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SubscriberAdded increments the live subscriber gauge.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

// SubscriberRemoved decrements the live subscriber gauge.
func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

// EventPublished counts one published event of the given type.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// SubscriberEvicted counts a subscriber dropped for reason.
func (m *Metrics) SubscriberEvicted(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

// RelayRecord counts one stream record with its processing result.
func (m *Metrics) RelayRecord(result string) {
	if m == nil {
		return
	}
	m.relayRecords.WithLabelValues(result).Inc()
}

// Handler serves the exposition format for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
