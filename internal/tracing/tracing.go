package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "orchestra"

// Config selects the OTLP exporter. An empty Endpoint leaves the global
// no-op provider in place.
type Config struct {
	ServiceName string `mapstructure:"service_name"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
}

// Init installs a batching OTLP/HTTP tracer provider. The returned shutdown
// func flushes pending spans; it is a no-op when tracing is disabled.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}
	name := cfg.ServiceName
	if name == "" {
		name = tracerName
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartNodeSpan opens a span around one node start.
func StartNodeSpan(ctx context.Context, planExecutionID, nodeExecutionID, stepType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "node.start",
		trace.WithAttributes(
			attribute.String("plan_execution.id", planExecutionID),
			attribute.String("node_execution.id", nodeExecutionID),
			attribute.String("step.type", stepType),
		),
	)
}

// StartInterruptSpan opens a span around interrupt handling.
func StartInterruptSpan(ctx context.Context, interruptID, interruptType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "interrupt.handle",
		trace.WithAttributes(
			attribute.String("interrupt.id", interruptID),
			attribute.String("interrupt.type", interruptType),
		),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
