// Package metrics exposes marketplace activity to Prometheus.
package metrics

import (
	"context"

	"marketplace/internal/market"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts operations by outcome and committed events by type. It is
// also a market.EventSink so it sees exactly what the ledger commits.
type Metrics struct {
	operations *prometheus.CounterVec
	events     *prometheus.CounterVec
	volume     *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace",
			Name:      "operations_total",
			Help:      "Marketplace operations by name and outcome kind.",
		}, []string{"operation", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace",
			Name:      "events_total",
			Help:      "Committed marketplace events by type.",
		}, []string{"type"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace",
			Name:      "volume_total",
			Help:      "Listed price of settled sales and rentals.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.operations, m.events, m.volume)
	return m
}

// ObserveOperation counts one finished operation.
func (m *Metrics) ObserveOperation(operation string, err error) {
	m.operations.WithLabelValues(operation, market.ErrorKind(err)).Inc()
}

func (m *Metrics) Publish(_ context.Context, e market.Event) error {
	m.events.WithLabelValues(e.EventName()).Inc()
	switch ev := e.(type) {
	case market.ProductSold:
		m.volume.WithLabelValues("sale").Add(float64(ev.Price))
	case market.ProductRented:
		m.volume.WithLabelValues("rent").Add(float64(ev.Price))
	}
	return nil
}
