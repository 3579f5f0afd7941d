package task

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dispatcher's operational self-metrics.
type Metrics struct {
	StoresAdmitted *prometheus.CounterVec
	StoresRejected *prometheus.CounterVec
	Fetches        *prometheus.CounterVec
	SessionsActive prometheus.Gauge
}

// NewMetrics registers the dispatcher metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StoresAdmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vector",
			Subsystem: "task",
			Name:      "stores_admitted_total",
			Help:      "Store requests that admitted a new profiling session.",
		}, []string{"metric"}),
		StoresRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vector",
			Subsystem: "task",
			Name:      "stores_rejected_total",
			Help:      "Store requests rejected synchronously, by reason.",
		}, []string{"metric", "reason"}),
		Fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vector",
			Subsystem: "task",
			Name:      "fetches_total",
			Help:      "Fetch requests served.",
		}, []string{"metric"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vector",
			Subsystem: "task",
			Name:      "sessions_active",
			Help:      "Profiling sessions currently in flight.",
		}),
	}
}
