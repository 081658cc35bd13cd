package devicetree

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of a tree. A nil *Metrics records
// nothing.
type Metrics struct {
	executed  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	cancelled prometheus.Counter
	devices   *prometheus.GaugeVec
	passes    prometheus.Counter
	duration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg if it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diskplan",
			Name:      "actions_executed_total",
			Help:      "Actions executed successfully, by kind",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diskplan",
			Name:      "action_failures_total",
			Help:      "Actions that failed during execution, by kind",
		}, []string{"kind"}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diskplan",
			Name:      "actions_cancelled_total",
			Help:      "Pending actions cancelled or collapsed before execution",
		}),
		devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "diskplan",
			Name:      "devices",
			Help:      "Devices in the tree, by state",
		}, []string{"state"}),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diskplan",
			Name:      "populate_passes_total",
			Help:      "Discovery passes run by the populator",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "diskplan",
			Name:      "action_duration_seconds",
			Help:      "Time spent executing an action, by kind",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(m.executed, m.failures, m.cancelled, m.devices, m.passes, m.duration)
	}

	return m
}

func (m *Metrics) actionExecuted(kind ActionKind, seconds float64) {
	if m == nil {
		return
	}

	m.executed.WithLabelValues(kind.String()).Inc()
	m.duration.WithLabelValues(kind.String()).Observe(seconds)
}

func (m *Metrics) actionFailed(kind ActionKind) {
	if m == nil {
		return
	}

	m.failures.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) actionsCancelled(n int) {
	if m == nil || n == 0 {
		return
	}

	m.cancelled.Add(float64(n))
}

func (m *Metrics) setDevices(visible, hidden int) {
	if m == nil {
		return
	}

	m.devices.WithLabelValues("visible").Set(float64(visible))
	m.devices.WithLabelValues("hidden").Set(float64(hidden))
}

func (m *Metrics) populatePass() {
	if m == nil {
		return
	}

	m.passes.Inc()
}
