// Package metric exposes the Prometheus metrics of a mapeflow process.
//
// A MetricsRegistry owns a private Prometheus registry holding the runtime
// families (Metrics) plus any component metric registered under a
// "component.metric" key. Every Metrics recorder is nil-safe, so packages take
// a *Metrics and callers that do not care about metrics pass nil.
//
//	registry := metric.NewMetricsRegistry()
//	app := mape.NewApp(mape.WithMetrics(registry.CoreMetrics()))
//	server := metric.NewServer(9090, "/metrics", registry)
//	go server.Start()
//	defer server.Stop(5 * time.Second)
//
// Sink turns a stream of telemetry messages into a gauge per source path:
//
//	sink, _ := metric.NewSink(registry, "speed_kmh", logger)
//	analyzer.Subscribe(sink)
package metric
