package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Sanduku.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox lifecycle metrics.
	SandboxOperationsTotal   *prometheus.CounterVec
	SandboxOperationDuration *prometheus.HistogramVec

	// Provisioning metrics.
	CredentialMethodsTotal *prometheus.CounterVec
	ToolInstallsTotal      *prometheus.CounterVec

	// Tunnel metrics.
	TunnelNegotiationsTotal   *prometheus.CounterVec
	TunnelFailuresTotal       *prometheus.CounterVec
	TunnelNegotiationDuration prometheus.Histogram

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "sandbox",
			Name:      "operations_total",
			Help:      "Total sandbox lifecycle operations.",
		}, []string{"op", "status"}),

		SandboxOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "sandbox",
			Name:      "operation_duration_seconds",
			Help:      "Sandbox operation duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"op"}),

		CredentialMethodsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "sandbox",
			Name:      "credential_methods_total",
			Help:      "Credential provisioning outcomes by winning strategy.",
		}, []string{"method"}),

		ToolInstallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "sandbox",
			Name:      "tool_installs_total",
			Help:      "Terminal tool bootstrap outcomes by install method.",
		}, []string{"tool", "method"}),

		TunnelNegotiationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "tunnel",
			Name:      "negotiations_total",
			Help:      "Total terminal tunnel negotiations.",
		}, []string{"status"}),

		TunnelFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "tunnel",
			Name:      "failures_total",
			Help:      "Tunnel negotiation failures by classification.",
		}, []string{"classification"}),

		TunnelNegotiationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "tunnel",
			Name:      "negotiation_duration_seconds",
			Help:      "Tunnel negotiation duration in seconds.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 45, 60},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SandboxOperationsTotal,
		m.SandboxOperationDuration,
		m.CredentialMethodsTotal,
		m.ToolInstallsTotal,
		m.TunnelNegotiationsTotal,
		m.TunnelFailuresTotal,
		m.TunnelNegotiationDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
