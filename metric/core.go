// Package metric provides Prometheus instrumentation for the relay: the core
// platform metrics, the registry components register their own collectors
// against, and the operational HTTP server exposing them.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the Prometheus namespace shared by every collector in the
// process, including component-owned ones.
const Namespace = "rviewer"

// Metrics contains platform-level metrics (not component-specific)
type Metrics struct {
	ComponentStatus *prometheus.GaugeVec
	ComponentHealth *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec
	UptimeSeconds   prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "component",
				Name:      "status",
				Help:      "Component lifecycle state (0=created, 1=initialized, 2=started, 3=stopped, 4=failed)",
			},
			[]string{"component"},
		),

		ComponentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "component",
				Name:      "healthy",
				Help:      "Component health (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "process",
				Name:      "uptime_seconds",
				Help:      "Process uptime in seconds",
			},
		),
	}
}

// RecordComponentStatus updates the component lifecycle state metric
func (c *Metrics) RecordComponentStatus(component string, status int) {
	c.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordComponentHealth updates the component health metric
func (c *Metrics) RecordComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.ComponentHealth.WithLabelValues(component).Set(value)
}

// RecordError increments the error counter for a component
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordUptime updates the process uptime metric
func (c *Metrics) RecordUptime(since time.Time) {
	c.UptimeSeconds.Set(time.Since(since).Seconds())
}
