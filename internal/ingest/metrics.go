package ingest

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts the ingest surface.
type Metrics struct {
	Accepted  *prometheus.CounterVec
	Rejected  *prometheus.CounterVec
	Derived   prometheus.Counter
	AppendErr prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics registers the ingest metrics on the default registry. The
// registry rejects duplicates, so registration happens once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() { metrics = newMetrics() })
	return metrics
}

func newMetrics() *Metrics {
	return &Metrics{
		Accepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labplane",
			Subsystem: "ingest",
			Name:      "events_accepted_total",
			Help:      "Envelopes appended to the event store.",
		}, []string{"type_prefix"}),
		Rejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labplane",
			Subsystem: "ingest",
			Name:      "events_rejected_total",
			Help:      "Envelopes rejected before append.",
		}, []string{"code"}),
		Derived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "labplane",
			Subsystem: "ingest",
			Name:      "events_derived_total",
			Help:      "BLE identity events derived from observations.",
		}),
		AppendErr: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "labplane",
			Subsystem: "ingest",
			Name:      "append_errors_total",
			Help:      "Store append failures.",
		}),
	}
}
