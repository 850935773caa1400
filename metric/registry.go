package metric

import (
	stderrors "errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chengwei-dev/r-enhanced-viewer/errors"
)

// Registry manages the registration and lifecycle of metrics.
// Components register their own collectors against the underlying Prometheus
// registry; the core platform metrics are registered at construction.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
}

// NewRegistry creates a new metrics registry with core platform metrics and
// the Go runtime and process collectors.
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &Registry{
		prometheusRegistry: prometheusRegistry,
		Metrics:            NewMetrics(),
	}

	prometheusRegistry.MustRegister(
		registry.Metrics.ComponentStatus,
		registry.Metrics.ComponentHealth,
		registry.Metrics.ErrorsTotal,
		registry.Metrics.UptimeSeconds,
	)

	prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core platform metrics
func (r *Registry) CoreMetrics() *Metrics {
	return r.Metrics
}

// Register registers an additional collector, classifying duplicate
// registrations as invalid rather than fatal.
func (r *Registry) Register(c prometheus.Collector) error {
	if err := r.prometheusRegistry.Register(c); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "Registry", "Register", "duplicate metric registration")
		}
		return errors.WrapFatal(err, "Registry", "Register", "register collector with prometheus")
	}
	return nil
}

// Unregister removes a collector from the registry
func (r *Registry) Unregister(c prometheus.Collector) bool {
	return r.prometheusRegistry.Unregister(c)
}
