// Package metrics exports transaction and endpoint activity to Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ocx/workerlink/internal/events"
	"github.com/ocx/workerlink/internal/transaction"
)

// Metrics holds all Prometheus metrics for the link. It implements
// transaction.Observer.
type Metrics struct {
	// Transaction metrics
	TransactionsStarted *prometheus.CounterVec
	TransactionsSettled *prometheus.CounterVec
	TransactionDuration *prometheus.HistogramVec
	Pending             prometheus.Gauge
	UnknownResponses    prometheus.Counter

	// Endpoint metrics
	EndpointEvents *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TransactionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workerlink_transactions_started_total",
				Help: "Transactions initiated towards the worker",
			},
			[]string{"op"},
		),

		TransactionsSettled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workerlink_transactions_settled_total",
				Help: "Transactions settled, by outcome",
			},
			[]string{"op", "status"}, // status: concluded, failed, cancelled, aborted
		),

		TransactionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workerlink_transaction_duration_seconds",
				Help:    "Time from initiation to settlement",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		Pending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "workerlink_transactions_pending",
				Help: "Transactions awaiting a response",
			},
		),

		UnknownResponses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "workerlink_unknown_responses_total",
				Help: "Responses whose id matched no pending transaction",
			},
		),

		EndpointEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workerlink_endpoint_events_total",
				Help: "Endpoint lifecycle events",
			},
			[]string{"type"},
		),
	}
}

func (m *Metrics) TransactionStarted(op string) {
	m.TransactionsStarted.WithLabelValues(op).Inc()
	m.Pending.Inc()
}

func (m *Metrics) TransactionSettled(rec transaction.Record) {
	m.TransactionsSettled.WithLabelValues(rec.Op, string(rec.Status)).Inc()
	m.TransactionDuration.WithLabelValues(rec.Op).Observe(rec.Duration.Seconds())
	m.Pending.Dec()
}

func (m *Metrics) UnknownResponse(transaction.ID) {
	m.UnknownResponses.Inc()
}

// Watch counts endpoint lifecycle events published on bus. The returned
// function stops watching.
func (m *Metrics) Watch(bus events.Bus) func() {
	types := []events.EventType{
		events.EventEndpointOpened,
		events.EventEndpointFaulted,
		events.EventEndpointClosed,
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, bus.Subscribe(t, func(ctx context.Context, e *events.Event) error {
			m.EndpointEvents.WithLabelValues(string(e.Type)).Inc()
			return nil
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
