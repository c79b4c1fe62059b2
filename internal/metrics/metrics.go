// Package metrics holds the process-wide Prometheus collectors shared by
// the Coordinator and the Fan-out Server (SPEC_FULL.md §8.4). A single
// Registry is constructed once in cmd/deploymentd and handed to both HTTP
// surfaces' constructors, so counts from the deployment-network Coordinator
// show up on the management-network /metrics endpoint the way the spec
// describes ("exposed at GET /metrics on the management interface only").
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector this repo exports, on a private
// prometheus.Registry rather than the global DefaultRegisterer so tests can
// construct as many Registries as they like without colliding on
// already-registered metric names.
type Registry struct {
	registry *prometheus.Registry

	ConfigRequests    prometheus.Counter
	StatusReports     *prometheus.CounterVec
	HostnamesAssigned *prometheus.CounterVec
	BusSubscribers    prometheus.Gauge
}

// New builds and registers every collector.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		registry: reg,
		ConfigRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpi_deployment_config_requests_total",
			Help: "Total /api/config requests handled by the Coordinator.",
		}),
		StatusReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpi_deployment_status_reports_total",
			Help: "Total /api/status reports received, labeled by reported status.",
		}, []string{"status"}),
		HostnamesAssigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpi_deployment_hostnames_assigned_total",
			Help: "Total hostnames assigned, labeled by product type and venue.",
		}, []string{"product_type", "venue_code"}),
		BusSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rpi_deployment_bus_subscribers",
			Help: "Current number of active Event Bus push-channel subscribers.",
		}),
	}

	reg.MustRegister(m.ConfigRequests, m.StatusReports, m.HostnamesAssigned, m.BusSubscribers)
	return m
}

// Handler exposes the registry in the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
