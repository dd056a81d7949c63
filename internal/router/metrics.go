package router

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts the dispatch surface.
type Metrics struct {
	Dispatched *prometheus.CounterVec
	Denied     *prometheus.CounterVec
	Failed     prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics registers the router metrics on the default registry. The
// registry rejects duplicates, so registration happens once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() { metrics = newMetrics() })
	return metrics
}

func newMetrics() *Metrics {
	return &Metrics{
		Dispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labplane",
			Subsystem: "router",
			Name:      "requests_dispatched_total",
			Help:      "Requests that cleared the pipeline, by class and outcome.",
		}, []string{"class", "outcome"}),
		Denied: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labplane",
			Subsystem: "router",
			Name:      "requests_denied_total",
			Help:      "Requests refused before dispatch, by denial kind.",
		}, []string{"kind"}),
		Failed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "labplane",
			Subsystem: "router",
			Name:      "requests_failed_total",
			Help:      "Requests that failed after acceptance (vault or publish).",
		}),
	}
}
