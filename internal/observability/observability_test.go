package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/ngome/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_NilConfigDisablesEverything(t *testing.T) {
	obs, err := New(nil, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if obs != nil {
		t.Errorf("obs = %+v, want nil", obs)
	}
	// Nil-safe methods must not panic.
	obs.Shutdown(context.Background())
	if obs.MetricsOrNil() != nil {
		t.Error("metrics from a nil facade")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("metrics not created")
	}

	obs.Metrics.RecordRun("timeout", 2.5)
	obs.Metrics.RecordUsage("acct-1", 3, 0.05)
	obs.Metrics.RecordGatewayRequest("agent", "ok", 0.2)

	families, err := obs.Metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}
	for _, name := range []string{
		"ngome_sandbox_runs_total",
		"ngome_billing_usage_cost_usd_total",
		"ngome_gateway_requests_total",
	} {
		if byName[name] == nil {
			t.Errorf("metric %s not gathered", name)
		}
	}
	if mf := byName["ngome_billing_usage_cost_usd_total"]; mf != nil {
		if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 0.05 {
			t.Errorf("usage cost = %v, want 0.05", v)
		}
	}
}

func TestMetrics_NilCollectorIsSafe(t *testing.T) {
	var m *MetricsCollector
	m.RecordRun("ok", 1)
	m.RecordProxy(true)
	m.RecordUsage("acct", 1, 0.01)
	m.RecordGatewayRequest("connect", "ok", 0.1)
}

func TestMetrics_RecordProxySplitsCreatedAndReused(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordProxy(false)
	m.RecordProxy(true)
	m.RecordProxy(true)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]float64{
		"ngome_proxy_created_total": 1,
		"ngome_proxy_reused_total":  2,
	}
	for _, mf := range families {
		expected, ok := want[mf.GetName()]
		if !ok {
			continue
		}
		if v := mf.GetMetric()[0].GetCounter().GetValue(); v != expected {
			t.Errorf("%s = %v, want %v", mf.GetName(), v, expected)
		}
		delete(want, mf.GetName())
	}
	for name := range want {
		t.Errorf("metric %s not gathered", name)
	}
}

func TestHealth_AggregatesChecks(t *testing.T) {
	h := NewHealthChecker(testLogger())
	h.AddCheck("engine", func(ctx context.Context) error { return nil })
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("unreachable") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %s, want degraded", status.Status)
	}
	if status.Checks["engine"].Status != "ok" {
		t.Errorf("engine = %+v", status.Checks["engine"])
	}
	if status.Checks["store"].Status != "fail" {
		t.Errorf("store = %+v", status.Checks["store"])
	}
}
