package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/mapeflow/metric"
)

// runtimeMetrics holds Prometheus metrics for runtime lifecycle operations.
type runtimeMetrics struct {
	// Lifecycle operations by phase (init, shutdown) and status
	phases        *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec

	// Bridges (publishers, subscribers, pushers) owned by the runtime
	bridges *prometheus.GaugeVec
}

// newRuntimeMetrics creates and registers runtime metrics with the provided registry.
func newRuntimeMetrics(registry *metric.MetricsRegistry) (*runtimeMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &runtimeMetrics{
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "runtime",
			Name:      "phases_total",
			Help:      "Total number of runtime init and shutdown operations",
		}, []string{"phase", "status"}),

		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "runtime",
			Name:      "phase_duration_seconds",
			Help:      "Runtime init and shutdown duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}, []string{"phase"}),

		bridges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "runtime",
			Name:      "bridges",
			Help:      "Bridges owned by the runtime, by kind",
		}, []string{"kind"}),
	}

	if err := registry.RegisterCounterVec("runtime", "phases", m.phases); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("runtime", "phase_duration", m.phaseDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("runtime", "bridges", m.bridges); err != nil {
		return nil, err
	}

	return m, nil
}

// recordPhase records an init or shutdown operation.
func (m *runtimeMetrics) recordPhase(phase string, success bool, seconds float64) {
	if m == nil {
		return
	}

	status := "success"
	if !success {
		status = "failure"
	}

	m.phases.WithLabelValues(phase, status).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(seconds)
}

// addBridge counts a bridge of the given kind.
func (m *runtimeMetrics) addBridge(kind string) {
	if m != nil {
		m.bridges.WithLabelValues(kind).Inc()
	}
}

// resetBridges clears the bridge gauges after shutdown.
func (m *runtimeMetrics) resetBridges() {
	if m != nil {
		m.bridges.Reset()
	}
}
