package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the OTLP/gRPC exporter the Producer's
// connect, reconnect and publish spans are sent to. Adapted from the
// example pack's producer tracer config down to the fields this module
// actually needs (no Jaeger-specific sampling knobs).
type TracingConfig struct {
	ServiceName    string        `env:"FLOWMQ_TRACING_SERVICE_NAME" envDefault:"flowmq-client"`
	CollectorEndpoint string     `env:"FLOWMQ_TRACING_ENDPOINT" envDefault:"localhost:4317"`
	SampleRatio    float64       `env:"FLOWMQ_TRACING_SAMPLE_RATIO" envDefault:"1.0"`
	BatchTimeout   time.Duration `env:"FLOWMQ_TRACING_BATCH_TIMEOUT" envDefault:"1s"`
}

// Tracer wraps an OpenTelemetry tracer with the span helpers Producer
// calls at its connect/reconnect/publish boundaries.
type Tracer struct {
	tracer trace.Tracer
	tp     *sdktrace.TracerProvider
}

// NewTracer builds a Tracer exporting over OTLP/gRPC. The returned
// cleanup func flushes and shuts the exporter down; callers should defer
// it alongside Client.Close.
func NewTracer(ctx context.Context, cfg TracingConfig) (*Tracer, func(context.Context) error, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build otlp exporter: %w", err)
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	t := &Tracer{tracer: tp.Tracer(cfg.ServiceName), tp: tp}
	cleanup := func(ctx context.Context) error {
		if err := tp.ForceFlush(ctx); err != nil {
			return err
		}
		return tp.Shutdown(ctx)
	}
	return t, cleanup, nil
}

// StartSpan opens a span named name, returning the derived context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// EndWithError records err on span (if non-nil) and sets the final span
// status, then ends it.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
