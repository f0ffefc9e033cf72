package observer

import (
	"context"
	"time"

	lilac "github.com/lilac-dev/lilac"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedAgent wraps any Agent to emit OTEL lifecycle spans, metrics, and logs.
// The wrapper creates a parent span for each run that contains all inner
// operations as child spans via context propagation.
type ObservedAgent struct {
	inner lilac.Agent
	inst  *Instruments
}

// WrapAgent returns an instrumented Agent that emits run telemetry.
func WrapAgent(inner lilac.Agent, inst *Instruments) *ObservedAgent {
	return &ObservedAgent{inner: inner, inst: inst}
}

var _ lilac.Agent = (*ObservedAgent)(nil)

func (o *ObservedAgent) Name() string { return o.inner.Name() }

// Execute wraps the inner agent's Execute, emitting an agent.execute span.
func (o *ObservedAgent) Execute(ctx context.Context, task lilac.AgentTask) (lilac.AgentResult, error) {
	ctx, span := o.start(ctx, "agent.execute", task)
	defer span.End()
	begin := time.Now()

	result, err := o.inner.Execute(ctx, task)
	o.finish(ctx, span, task, begin, err)
	return result, err
}

// ExecuteStream wraps the inner agent's ExecuteStream, emitting an
// agent.stream span that covers the whole run including fragment production.
func (o *ObservedAgent) ExecuteStream(ctx context.Context, task lilac.AgentTask, ch chan<- lilac.OutputFragment) (lilac.AgentResult, error) {
	ctx, span := o.start(ctx, "agent.stream", task)
	defer span.End()
	begin := time.Now()

	result, err := o.inner.ExecuteStream(ctx, task, ch)
	o.finish(ctx, span, task, begin, err)
	return result, err
}

func (o *ObservedAgent) start(ctx context.Context, name string, task lilac.AgentTask) (context.Context, trace.Span) {
	ctx, span := o.inst.Tracer.Start(ctx, name, trace.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
		AttrRequestID.String(task.RequestID),
		AttrSessionID.String(task.SessionID),
	))
	span.AddEvent("agent.started")
	return ctx, span
}

func (o *ObservedAgent) finish(ctx context.Context, span trace.Span, task lilac.AgentTask, begin time.Time, err error) {
	durationMs := float64(time.Since(begin).Milliseconds())
	status := "ok"

	if ctx.Err() != nil && err != nil {
		status = "cancelled"
		span.AddEvent("agent.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	} else if err != nil {
		status = "error"
		span.AddEvent("agent.failed", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.AddEvent("agent.completed")
	}
	span.SetAttributes(AttrAgentStatus.String(status))

	// Metrics
	o.inst.AgentRuns.Add(ctx, 1, metric.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.AgentDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("agent run completed"))
	rec.AddAttributes(
		otellog.String("agent.name", o.inner.Name()),
		otellog.String("agent.status", status),
		otellog.String("request.id", task.RequestID),
		otellog.String("session.id", task.SessionID),
		otellog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}
