package decision

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the decision coordinator.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	PendingDecisions prometheus.Gauge
	DecisionDuration prometheus.Histogram
}

// NewMetrics creates and registers coordinator metrics. sync.Once
// guards against duplicate registration across coordinators.
//
// Metrics:
//   - popguard_decisions_total{outcome} - terminal transitions (resolved, timeout, canceled, expired)
//   - popguard_pending_decisions - currently open decision requests
//   - popguard_decision_duration_seconds - time from open to terminal transition
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			DecisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "popguard_decisions_total",
					Help: "Total terminal decision transitions",
				},
				[]string{"outcome"},
			),

			PendingDecisions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "popguard_pending_decisions",
					Help: "Currently open decision requests",
				},
			),

			DecisionDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "popguard_decision_duration_seconds",
					Help:    "Time from decision request to terminal transition",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
				},
			),
		}
	})
	return globalMetrics
}
