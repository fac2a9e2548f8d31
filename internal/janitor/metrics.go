package janitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the reconciliation loop.
type Metrics struct {
	SweepsTotal      *prometheus.CounterVec
	DriftTotal       *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	RunningSandboxes prometheus.Gauge
}

// NewMetrics creates and registers janitor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "janitor",
			Name:      "sweeps_total",
			Help:      "Total reconciliation sweeps by outcome.",
		}, []string{"status"}),
		DriftTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "janitor",
			Name:      "drift_total",
			Help:      "Registry/runtime drift findings by kind.",
		}, []string{"kind"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "janitor",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each reconciliation sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		RunningSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "sandbox",
			Name:      "running",
			Help:      "Managed containers reported running at the last sweep.",
		}),
	}

	reg.MustRegister(
		m.SweepsTotal,
		m.DriftTotal,
		m.SweepDuration,
		m.RunningSandboxes,
	)

	return m
}
