package janitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the cleanup janitor.
type Metrics struct {
	SweepsTotal    prometheus.Counter
	SweepsFailed   prometheus.Counter
	ProxiesRemoved prometheus.Counter
	SweepDuration  prometheus.Histogram
}

// NewMetrics creates and registers janitor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "janitor",
			Name:      "sweeps_total",
			Help:      "Total cleanup sweeps run.",
		}),
		SweepsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "janitor",
			Name:      "sweeps_failed_total",
			Help:      "Total cleanup sweeps that returned an error.",
		}),
		ProxiesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "janitor",
			Name:      "proxies_removed_total",
			Help:      "Total orphaned proxy containers removed by sweeps.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "janitor",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each cleanup sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.SweepsTotal,
		m.SweepsFailed,
		m.ProxiesRemoved,
		m.SweepDuration,
	)

	return m
}
