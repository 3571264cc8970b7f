package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime metric families. Every Record method is safe on a
// nil receiver so components can run without a registry.
type Metrics struct {
	ElementItems     *prometheus.CounterVec
	ElementErrors    *prometheus.CounterVec
	ElementRunning   *prometheus.GaugeVec
	LateEmissions    *prometheus.CounterVec
	MethodCalls      *prometheus.CounterVec
	BridgeMessages   *prometheus.CounterVec
	BridgeQueueDepth *prometheus.GaugeVec
	HTTPRequests     *prometheus.CounterVec
	LockWait         *prometheus.HistogramVec
	Notifications    *prometheus.CounterVec
	EventLoopPending prometheus.Gauge
}

// NewMetrics creates the runtime metric families without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		ElementItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "element",
				Name:      "items_total",
				Help:      "Items observed on element ports",
			},
			[]string{"loop", "element", "port"},
		),
		ElementErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "element",
				Name:      "errors_total",
				Help:      "Business logic and method invocation failures",
			},
			[]string{"loop", "element", "source"},
		),
		ElementRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "element",
				Name:      "running",
				Help:      "1 while the element pipeline is started",
			},
			[]string{"loop", "element"},
		),
		LateEmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "element",
				Name:      "late_emissions_total",
				Help:      "Async handler emissions dropped because the element was stopped",
			},
			[]string{"loop", "element"},
		),
		MethodCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "element",
				Name:      "method_calls_total",
				Help:      "Method calls dispatched to elements",
			},
			[]string{"loop", "element", "method"},
		),
		BridgeMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "bridge",
				Name:      "messages_total",
				Help:      "Items crossing a remote bridge",
			},
			[]string{"bridge", "direction", "status"},
		),
		BridgeQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "bridge",
				Name:      "queue_depth",
				Help:      "Items waiting in a publisher queue",
			},
			[]string{"channel"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "HTTP bridge requests by endpoint and status code",
			},
			[]string{"endpoint", "code"},
		),
		LockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "knowledge",
				Name:      "lock_wait_seconds",
				Help:      "Time spent obtaining distributed locks",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"result"},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "knowledge",
				Name:      "notifications_total",
				Help:      "Keyspace notifications delivered to handlers",
			},
			[]string{"command"},
		),
		EventLoopPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "eventloop",
				Name:      "pending_tasks",
				Help:      "Tasks queued on the event loop",
			},
		),
	}
}

func (c *Metrics) register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.ElementItems,
		c.ElementErrors,
		c.ElementRunning,
		c.LateEmissions,
		c.MethodCalls,
		c.BridgeMessages,
		c.BridgeQueueDepth,
		c.HTTPRequests,
		c.LockWait,
		c.Notifications,
		c.EventLoopPending,
	)
}

// RecordItem counts an item on an element port ("in" or "out").
func (c *Metrics) RecordItem(loop, element, port string) {
	if c == nil {
		return
	}
	c.ElementItems.WithLabelValues(loop, element, port).Inc()
}

// RecordElementError counts a failure; source is "handler" or "method".
func (c *Metrics) RecordElementError(loop, element, source string) {
	if c == nil {
		return
	}
	c.ElementErrors.WithLabelValues(loop, element, source).Inc()
}

// RecordRunning tracks the element run state.
func (c *Metrics) RecordRunning(loop, element string, running bool) {
	if c == nil {
		return
	}
	v := 0.0
	if running {
		v = 1
	}
	c.ElementRunning.WithLabelValues(loop, element).Set(v)
}

// RecordLateEmission counts an async emission dropped after stop.
func (c *Metrics) RecordLateEmission(loop, element string) {
	if c == nil {
		return
	}
	c.LateEmissions.WithLabelValues(loop, element).Inc()
}

// RecordMethodCall counts a dispatched method call.
func (c *Metrics) RecordMethodCall(loop, element, method string) {
	if c == nil {
		return
	}
	c.MethodCalls.WithLabelValues(loop, element, method).Inc()
}

// RecordBridge counts an item crossing a bridge. Direction is "out" or "in",
// status is "ok", "error" or "dropped".
func (c *Metrics) RecordBridge(bridge, direction, status string) {
	if c == nil {
		return
	}
	c.BridgeMessages.WithLabelValues(bridge, direction, status).Inc()
}

// RecordQueueDepth sets the publisher queue depth for a channel.
func (c *Metrics) RecordQueueDepth(channel string, depth int) {
	if c == nil {
		return
	}
	c.BridgeQueueDepth.WithLabelValues(channel).Set(float64(depth))
}

// RecordHTTPRequest counts a gateway request.
func (c *Metrics) RecordHTTPRequest(endpoint string, code int) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(endpoint, statusLabel(code)).Inc()
}

// RecordLockWait observes the time spent obtaining a lock.
func (c *Metrics) RecordLockWait(obtained bool, d time.Duration) {
	if c == nil {
		return
	}
	result := "obtained"
	if !obtained {
		result = "failed"
	}
	c.LockWait.WithLabelValues(result).Observe(d.Seconds())
}

// RecordNotification counts a keyspace notification.
func (c *Metrics) RecordNotification(command string) {
	if c == nil {
		return
	}
	c.Notifications.WithLabelValues(command).Inc()
}

// RecordPendingTasks sets the event loop queue length.
func (c *Metrics) RecordPendingTasks(n int) {
	if c == nil {
		return
	}
	c.EventLoopPending.Set(float64(n))
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
