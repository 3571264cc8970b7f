package metric

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/mapeflow/item"
)

// Sink is a stream observer exporting the numeric value of each item as a
// gauge labelled by the item's source path. Non-numeric items are counted as
// skipped.
type Sink struct {
	name    string
	values  *prometheus.GaugeVec
	samples *prometheus.CounterVec
	logger  *slog.Logger
}

// NewSink registers the gauge <namespace>_telemetry_<name> on registry.
func NewSink(registry *MetricsRegistry, name string, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		name: name,
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "telemetry",
			Name:      name,
			Help:      "Last numeric value observed per source",
		}, []string{"source"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "telemetry",
			Name:      name + "_samples_total",
			Help:      "Items observed by the sink",
		}, []string{"status"}),
		logger: logger.With("component", "sink", "sink", name),
	}
	if err := registry.RegisterGaugeVec("sink", name, s.values); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("sink", name+"_samples", s.samples); err != nil {
		registry.Unregister("sink", name)
		return nil, err
	}
	return s, nil
}

// OnNext records v.
func (s *Sink) OnNext(v any) {
	f, ok := item.ToFloat(item.ValueOf(v))
	if !ok {
		s.samples.WithLabelValues("skipped").Inc()
		return
	}
	source := item.SourceOf(v)
	if source == "" {
		source = "unknown"
	}
	s.values.WithLabelValues(source).Set(f)
	s.samples.WithLabelValues("recorded").Inc()
}

// OnError logs the terminal error.
func (s *Sink) OnError(err error) {
	s.logger.Warn("Telemetry stream failed", "error", err)
}

// OnCompleted does nothing; the last values stay exported.
func (s *Sink) OnCompleted() {}
