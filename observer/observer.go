// Package observer provides OTEL-based observability for the lilac pipeline.
//
// It holds the shared instrument set for the webhook ingress, the event bus,
// the token minter, the request cache, and agent runs, and wraps Agent with
// an instrumented version that emits traces, metrics, and logs via
// OpenTelemetry. Users export to any OTEL-compatible backend by setting
// standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/lilac-dev/lilac/observer"

// Instruments holds all OTEL instruments used across the pipeline.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Bus
	BusPublishes  metric.Int64Counter
	BusDeliveries metric.Int64Counter
	BusAcks       metric.Int64Counter

	// Webhook ingress
	WebhookDeliveries metric.Int64Counter
	DedupHits         metric.Int64Counter

	// GitHub auth
	TokenMints metric.Int64Counter

	// Request cache
	CacheEvictions metric.Int64Counter

	// Agent runs
	AgentRuns     metric.Int64Counter
	AgentDuration metric.Float64Histogram
}

// RecordBusPublish counts one published entry on topic.
func (i *Instruments) RecordBusPublish(topic string) {
	i.BusPublishes.Add(context.Background(), 1, metric.WithAttributes(AttrTopic.String(topic)))
}

// RecordBusDelivery counts one envelope handed to a subscription handler.
func (i *Instruments) RecordBusDelivery(topic string) {
	i.BusDeliveries.Add(context.Background(), 1, metric.WithAttributes(AttrTopic.String(topic)))
}

// RecordBusAck counts one successful group ack.
func (i *Instruments) RecordBusAck(topic string) {
	i.BusAcks.Add(context.Background(), 1, metric.WithAttributes(AttrTopic.String(topic)))
}

// RecordWebhookDelivery counts one accepted webhook delivery.
func (i *Instruments) RecordWebhookDelivery(ghEvent string) {
	i.WebhookDeliveries.Add(context.Background(), 1, metric.WithAttributes(AttrWebhookEvent.String(ghEvent)))
}

// RecordDedupHit counts one webhook delivery dropped as a duplicate.
func (i *Instruments) RecordDedupHit() {
	i.DedupHits.Add(context.Background(), 1)
}

// RecordTokenMint counts one installation token mint.
func (i *Instruments) RecordTokenMint() {
	i.TokenMints.Add(context.Background(), 1)
}

// RecordCacheEviction counts one evicted request cache entry.
func (i *Instruments) RecordCacheEviction() {
	i.CacheEvictions.Add(context.Background(), 1)
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("lilac")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	busPublishes, err := meter.Int64Counter("bus.publishes",
		metric.WithDescription("Entries published to bus streams"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, err
	}

	busDeliveries, err := meter.Int64Counter("bus.deliveries",
		metric.WithDescription("Entries delivered to subscribers"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, err
	}

	busAcks, err := meter.Int64Counter("bus.acks",
		metric.WithDescription("Entries acknowledged by work-group consumers"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, err
	}

	webhookDeliveries, err := meter.Int64Counter("webhook.deliveries",
		metric.WithDescription("Webhook deliveries received"),
		metric.WithUnit("{delivery}"))
	if err != nil {
		return nil, err
	}

	dedupHits, err := meter.Int64Counter("webhook.dedup_hits",
		metric.WithDescription("Webhook deliveries dropped as duplicates"),
		metric.WithUnit("{delivery}"))
	if err != nil {
		return nil, err
	}

	tokenMints, err := meter.Int64Counter("github.token_mints",
		metric.WithDescription("GitHub installation token mints"),
		metric.WithUnit("{mint}"))
	if err != nil {
		return nil, err
	}

	cacheEvictions, err := meter.Int64Counter("requestcache.evictions",
		metric.WithDescription("Request cache entries evicted"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, err
	}

	agentRuns, err := meter.Int64Counter("agent.runs",
		metric.WithDescription("Agent run count"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	agentDuration, err := meter.Float64Histogram("agent.duration",
		metric.WithDescription("Agent run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:            tracer,
		Meter:             meter,
		Logger:            logger,
		BusPublishes:      busPublishes,
		BusDeliveries:     busDeliveries,
		BusAcks:           busAcks,
		WebhookDeliveries: webhookDeliveries,
		DedupHits:         dedupHits,
		TokenMints:        tokenMints,
		CacheEvictions:    cacheEvictions,
		AgentRuns:         agentRuns,
		AgentDuration:     agentDuration,
	}, nil
}
