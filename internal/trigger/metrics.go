package trigger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch outcomes
const (
	OutcomeSpawned   = "spawned"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeError     = "error"
)

var (
	dispatchCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adw_dispatches_total",
			Help: "Runs dispatched by trigger, by outcome",
		},
		[]string{"dispatcher", "outcome"},
	)

	activeGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adw_active_runs",
			Help: "Background runs started by a dispatcher that have not been reaped",
		},
		[]string{"dispatcher"},
	)

	pollCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adw_poll_cycles_total",
			Help: "Completed poll cycles per dispatcher",
		},
		[]string{"dispatcher"},
	)
)

// dispatcherMetrics binds the metric vectors to one dispatcher label
type dispatcherMetrics struct {
	name   string
	active prometheus.Gauge
	polls  prometheus.Counter
}

func newDispatcherMetrics(name string) dispatcherMetrics {
	return dispatcherMetrics{
		name:   name,
		active: activeGauge.WithLabelValues(name),
		polls:  pollCounter.WithLabelValues(name),
	}
}

func (m dispatcherMetrics) dispatched(outcome string) {
	dispatchCounter.WithLabelValues(m.name, outcome).Inc()
}
