// Package metrics defines the Prometheus collectors for the ingestion
// pipeline and the search gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for MessagesTotal.
const (
	OutcomeAck        = "ack"
	OutcomePermanent  = "permanent"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	MessagesTotal    *prometheus.CounterVec
	MessageDuration  *prometheus.HistogramVec
	DeadLettersTotal *prometheus.CounterVec
	VectorsUpserted  *prometheus.CounterVec
	SearchRequests   *prometheus.CounterVec
	SearchDuration   prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New creates all collectors and registers them on reg. Passing a fresh
// prometheus.NewRegistry keeps tests isolated from the global registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smara_messages_total",
				Help: "Queue messages handled, by consumer and settlement outcome.",
			},
			[]string{"consumer", "outcome"},
		),
		MessageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smara_message_duration_seconds",
				Help:    "Time spent handling a single queue message.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"consumer"},
		),
		DeadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smara_dead_letters_total",
				Help: "Messages escalated to the dead-letter sink.",
			},
			[]string{"consumer"},
		),
		VectorsUpserted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smara_vectors_upserted_total",
				Help: "Vector records written to the index, by modality.",
			},
			[]string{"modality"},
		),
		SearchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smara_search_requests_total",
				Help: "Search requests by status (ok, empty, error).",
			},
			[]string{"status"},
		),
		SearchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "smara_search_duration_seconds",
				Help:    "Search latency in seconds.",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.MessageDuration,
		m.DeadLettersTotal,
		m.VectorsUpserted,
		m.SearchRequests,
		m.SearchDuration,
	)
	return m
}

// InitConsumers creates the labelled series for each consumer so they are
// exported at zero before the first message arrives.
func (m *Metrics) InitConsumers(consumers ...string) {
	if m == nil {
		return
	}
	for _, c := range consumers {
		for _, o := range []string{OutcomeAck, OutcomePermanent, OutcomeRetry, OutcomeDeadLetter} {
			m.MessagesTotal.WithLabelValues(c, o)
		}
		m.MessageDuration.WithLabelValues(c)
		m.DeadLettersTotal.WithLabelValues(c)
	}
	for _, status := range []string{"ok", "error"} {
		m.SearchRequests.WithLabelValues(status)
	}
}

// ObserveMessage records one settled message.
func (m *Metrics) ObserveMessage(consumer, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(consumer, outcome).Inc()
	m.MessageDuration.WithLabelValues(consumer).Observe(time.Since(started).Seconds())
	if outcome == OutcomeDeadLetter {
		m.DeadLettersTotal.WithLabelValues(consumer).Inc()
	}
}

func (m *Metrics) ObserveUpsert(modality string) {
	if m == nil {
		return
	}
	m.VectorsUpserted.WithLabelValues(modality).Inc()
}

func (m *Metrics) ObserveSearch(status string, started time.Time) {
	if m == nil {
		return
	}
	m.SearchRequests.WithLabelValues(status).Inc()
	m.SearchDuration.Observe(time.Since(started).Seconds())
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
