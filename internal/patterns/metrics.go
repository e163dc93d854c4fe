package patterns

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the learning engine.
type Metrics struct {
	ObservationsLearned *prometheus.CounterVec
	ObservationsIgnored *prometheus.CounterVec
	PatternsCreated     prometheus.Counter
	PatternsRelabeled   prometheus.Counter
	PatternsRemoved     *prometheus.CounterVec
	PatternCount        prometheus.Gauge
	SuggestionsTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics for the engine.
//
// Uses sync.Once so metrics are only registered once globally,
// preventing duplicate collector registration panics when multiple
// stores are constructed (as in tests).
//
// Metrics:
//   - popguard_observations_learned_total{decision} - learnable observations applied
//   - popguard_observations_ignored_total{decision} - observations dropped by the learner
//   - popguard_patterns_created_total - new patterns created
//   - popguard_patterns_relabeled_total - patterns that flipped decision
//   - popguard_patterns_removed_total{reason} - patterns removed (decayed, expired, evicted)
//   - popguard_pattern_count - current number of stored patterns
//   - popguard_suggestions_total{result} - suggestion queries (hit or miss)
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			ObservationsLearned: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "popguard_observations_learned_total",
					Help: "Total observations folded into the pattern store",
				},
				[]string{"decision"}, // "close" or "keep"
			),

			ObservationsIgnored: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "popguard_observations_ignored_total",
					Help: "Total observations ignored by the learner",
				},
				[]string{"decision"}, // "pending", "timeout" or "dismiss"
			),

			PatternsCreated: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "popguard_patterns_created_total",
					Help: "Total new patterns created",
				},
			),

			PatternsRelabeled: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "popguard_patterns_relabeled_total",
					Help: "Total patterns that flipped their learned decision",
				},
			),

			PatternsRemoved: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "popguard_patterns_removed_total",
					Help: "Total patterns removed from the store",
				},
				[]string{"reason"}, // "decayed", "expired" or "evicted"
			),

			PatternCount: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "popguard_pattern_count",
					Help: "Current number of stored patterns",
				},
			),

			SuggestionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "popguard_suggestions_total",
					Help: "Total suggestion queries",
				},
				[]string{"result"}, // "hit" or "miss"
			),
		}
	})
	return globalMetrics
}
