package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Ngome.
// Uses a custom registry, never the global default one.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox metrics.
	SandboxRunsTotal   *prometheus.CounterVec
	SandboxRunDuration *prometheus.HistogramVec

	// Proxy metrics.
	ProxiesCreatedTotal prometheus.Counter
	ProxiesReusedTotal  prometheus.Counter

	// Billing metrics.
	UsageEntriesTotal *prometheus.CounterVec
	UsageCostTotal    *prometheus.CounterVec

	// Gateway metrics.
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRuns prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Total sandbox runs by outcome.",
		}, []string{"outcome"}),

		SandboxRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Sandbox run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"outcome"}),

		ProxiesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "proxy",
			Name:      "created_total",
			Help:      "Total proxy containers created.",
		}),

		ProxiesReusedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "proxy",
			Name:      "reused_total",
			Help:      "Total proxy requests served by an already-running container.",
		}),

		UsageEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "billing",
			Name:      "usage_entries_total",
			Help:      "Total audit entries read per billing account.",
		}, []string{"billing_account"}),

		UsageCostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "billing",
			Name:      "usage_cost_usd_total",
			Help:      "Total proxied LLM cost in USD per billing account.",
		}, []string{"billing_account"}),

		GatewayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total gateway protocol requests.",
		}, []string{"method", "status"}),

		GatewayRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Gateway request round-trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngome",
			Name:      "active_runs",
			Help:      "Number of sandbox runs currently executing.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SandboxRunsTotal,
		m.SandboxRunDuration,
		m.ProxiesCreatedTotal,
		m.ProxiesReusedTotal,
		m.UsageEntriesTotal,
		m.UsageCostTotal,
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
		m.ActiveRuns,
	)

	return m
}

// RecordRun records one finished sandbox run. outcome is "ok", "exit",
// "timeout", "oom", or "setup_error".
func (m *MetricsCollector) RecordRun(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SandboxRunsTotal.WithLabelValues(outcome).Inc()
	m.SandboxRunDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordProxy records one EnsureProxy call: a fresh container or a
// still-running one served again.
func (m *MetricsCollector) RecordProxy(reused bool) {
	if m == nil {
		return
	}
	if reused {
		m.ProxiesReusedTotal.Inc()
		return
	}
	m.ProxiesCreatedTotal.Inc()
}

// RecordUsage records audit entries attributed to one billing account.
func (m *MetricsCollector) RecordUsage(billingAccount string, entries int, costUSD float64) {
	if m == nil {
		return
	}
	m.UsageEntriesTotal.WithLabelValues(billingAccount).Add(float64(entries))
	m.UsageCostTotal.WithLabelValues(billingAccount).Add(costUSD)
}

// RecordGatewayRequest records one gateway round-trip. status is "ok",
// "error", or "timeout".
func (m *MetricsCollector) RecordGatewayRequest(method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.GatewayRequestsTotal.WithLabelValues(method, status).Inc()
	m.GatewayRequestDuration.WithLabelValues(method).Observe(seconds)
}
