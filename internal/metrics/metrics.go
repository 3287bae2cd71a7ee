// Package metrics exposes engine counters to Prometheus. All methods are
// safe on a nil *Metrics, which disables collection.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "igdnat"

// Metrics 汇总引擎指标
type Metrics struct {
	registry *prometheus.Registry

	subscriptionEvents *prometheus.CounterVec
	eventsMissed       prometheus.Counter
	portMappings       *prometheus.CounterVec
	actionFailures     *prometheus.CounterVec
	connectionServices prometheus.Gauge
	detectedAddresses  prometheus.Gauge
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		subscriptionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "events_total",
			Help:      "GENA subscription lifecycle events by kind.",
		}, []string{"event"}),
		eventsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "events_missed_total",
			Help:      "Events lost according to GENA sequence numbers.",
		}),
		portMappings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "portmap",
			Name:      "results_total",
			Help:      "Port mapping outcomes per reconciliation attempt.",
		}, []string{"outcome"}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_failures_total",
			Help:      "Failed UPnP action invocations by action name.",
		}, []string{"action"}),
		connectionServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_services",
			Help:      "Known WAN connection services.",
		}),
		detectedAddresses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detected_addresses",
			Help:      "Gateways with a recorded external address.",
		}),
	}
	m.registry.MustRegister(
		m.subscriptionEvents,
		m.eventsMissed,
		m.portMappings,
		m.actionFailures,
		m.connectionServices,
		m.detectedAddresses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SubscriptionEvent counts a lifecycle event such as "established".
func (m *Metrics) SubscriptionEvent(event string) {
	if m == nil {
		return
	}
	m.subscriptionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) EventsMissed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsMissed.Add(float64(n))
}

// PortMapping counts an outcome: "added", "present", "failed" or "removed".
func (m *Metrics) PortMapping(outcome string) {
	if m == nil {
		return
	}
	m.portMappings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ActionFailed(action string) {
	if m == nil {
		return
	}
	m.actionFailures.WithLabelValues(action).Inc()
}

func (m *Metrics) SetConnectionServices(n int) {
	if m == nil {
		return
	}
	m.connectionServices.Set(float64(n))
}

func (m *Metrics) SetDetectedAddresses(n int) {
	if m == nil {
		return
	}
	m.detectedAddresses.Set(float64(n))
}
