package observability

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/gateway"
	"github.com/jkaninda/ngome/internal/protocol"
	"github.com/jkaninda/ngome/internal/sandbox"
)

// --- InstrumentedRunner ---

// SandboxRunner is the execution surface the instrumented wrapper decorates.
type SandboxRunner interface {
	RunOnce(ctx context.Context, req sandbox.RunRequest) (*sandbox.RunResult, error)
}

// InstrumentedRunner wraps a SandboxRunner with metrics and tracing.
type InstrumentedRunner struct {
	inner   SandboxRunner
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedRunner wraps a runner with observability. Either of
// metrics and ts may be nil.
func NewInstrumentedRunner(inner SandboxRunner, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{inner: inner, metrics: metrics, tracer: tracer}
}

func (r *InstrumentedRunner) RunOnce(ctx context.Context, req sandbox.RunRequest) (*sandbox.RunResult, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.String("sandbox.run_id", req.RunID),
				attribute.String("sandbox.image", req.Image),
				attribute.String("sandbox.network", string(req.Network.Mode)),
			))
		defer span.End()
	}

	if r.metrics != nil {
		r.metrics.ActiveRuns.Inc()
		defer r.metrics.ActiveRuns.Dec()
	}

	start := time.Now()
	result, err := r.inner.RunOnce(ctx, req)
	duration := time.Since(start).Seconds()

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "setup_error"
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result.ErrorCode != "":
		outcome = string(result.ErrorCode)
		if r.tracer != nil {
			trace.SpanFromContext(ctx).SetAttributes(
				attribute.String("sandbox.error_code", string(result.ErrorCode)))
		}
	case result.ExitCode != 0:
		outcome = "exit"
		if r.tracer != nil {
			trace.SpanFromContext(ctx).SetAttributes(
				attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if r.metrics != nil {
		r.metrics.RecordRun(outcome, duration)
	}
	return result, err
}

// --- InstrumentedGateway ---

// GatewayClient is the invocation surface of the gateway client.
type GatewayClient interface {
	Agent(ctx context.Context, params protocol.AgentParams, timeout time.Duration) (json.RawMessage, error)
}

// InstrumentedGateway wraps a gateway client with metrics and tracing.
type InstrumentedGateway struct {
	inner   GatewayClient
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedGateway wraps a gateway client with observability.
func NewInstrumentedGateway(inner GatewayClient, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedGateway {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedGateway{inner: inner, metrics: metrics, tracer: tracer}
}

func (g *InstrumentedGateway) Agent(ctx context.Context, params protocol.AgentParams, timeout time.Duration) (json.RawMessage, error) {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "gateway.agent",
			trace.WithAttributes(
				attribute.String("gateway.agent_id", params.AgentID),
			))
		defer span.End()
	}

	start := time.Now()
	payload, err := g.inner.Agent(ctx, params, timeout)
	duration := time.Since(start).Seconds()

	status := "ok"
	if err != nil {
		status = "error"
		var perr *gateway.ProtocolError
		if errors.As(err, &perr) && perr.Code == gateway.CodeRequestTimeout {
			status = "timeout"
		}
		if g.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if g.metrics != nil {
		g.metrics.RecordGatewayRequest("agent", status, duration)
	}
	return payload, err
}

// --- Compile-time interface checks ---

var (
	_ SandboxRunner = (*sandbox.Runner)(nil)
	_ SandboxRunner = (*InstrumentedRunner)(nil)
	_ GatewayClient = (*gateway.Client)(nil)
	_ GatewayClient = (*InstrumentedGateway)(nil)
)
