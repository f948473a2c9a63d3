// Package metrics exports daemon counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "icgw"

// Metrics implements the observer interfaces of the identity manager, the
// registry and the actor controller.
type Metrics struct {
	registry *prometheus.Registry

	calls       *prometheus.CounterVec
	callLatency *prometheus.HistogramVec
	resolutions *prometheus.CounterVec
	identityOps *prometheus.CounterVec
	rpcRequests *prometheus.CounterVec
	rateLimited prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "canister_calls_total",
			Help:      "Canister calls by mode and outcome.",
		}, []string{"mode", "outcome"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "canister_call_duration_seconds",
			Help:      "Canister call latency by mode.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"mode"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interface_resolutions_total",
			Help:      "Interface document resolutions by source and outcome.",
		}, []string{"source", "outcome"}),
		identityOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_mutations_total",
			Help:      "Identity mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_rate_limited_total",
			Help:      "JSON-RPC requests rejected by the rate limiter.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.calls, m.callLatency, m.resolutions, m.identityOps, m.rpcRequests, m.rateLimited,
	)
	return m
}

func (m *Metrics) ObserveCall(mode, outcome string, d time.Duration) {
	m.calls.WithLabelValues(mode, outcome).Inc()
	m.callLatency.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) ObserveInterfaceResolution(source, outcome string) {
	m.resolutions.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) ObserveIdentityMutation(op, outcome string) {
	m.identityOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveRPC(method, outcome string) {
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ObserveRateLimited() {
	m.rateLimited.Inc()
}

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }
