// Package metrics exposes Prometheus counters and gauges for the
// responder and storage layers, and the HTTP handler that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the responder and storage layers
// update during normal operation.
type Metrics struct {
	Transactions      *prometheus.CounterVec
	TransactionErrors *prometheus.CounterVec
	StorageFreeBytes  *prometheus.GaugeVec
	StorageCapacity   *prometheus.GaugeVec
	EnumerationItems  *prometheus.GaugeVec
	EventsForwarded   *prometheus.CounterVec
}

// New registers every instrument against its own registry, letting
// callers run more than one Metrics instance in tests without global
// registry collisions.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtpd",
			Name:      "transactions_total",
			Help:      "Completed MTP transactions by opcode name.",
		}, []string{"opcode"}),
		TransactionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtpd",
			Name:      "transaction_errors_total",
			Help:      "MTP transactions that completed with a non-OK response, by opcode and response name.",
		}, []string{"opcode", "response"}),
		StorageFreeBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mtpd",
			Name:      "storage_free_bytes",
			Help:      "Free space reported by the last GetStorageInfo refresh, by storage ID.",
		}, []string{"storage_id"}),
		StorageCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mtpd",
			Name:      "storage_capacity_bytes",
			Help:      "Total capacity of each configured storage.",
		}, []string{"storage_id"}),
		EnumerationItems: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mtpd",
			Name:      "enumeration_items",
			Help:      "Objects discovered by the most recent enumeration pass, by storage ID.",
		}, []string{"storage_id"}),
		EventsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtpd",
			Name:      "events_forwarded_total",
			Help:      "Events written to the interrupt endpoint, by event kind.",
		}, []string{"kind"}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
