package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/personaforge/personaforge/core"
)

// TracingProvider implements core.Telemetry with OpenTelemetry. Creating one
// registers a global tracer provider, which also turns the adapters'
// otelhttp transports from no-ops into real span sources.
type TracingProvider struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	metrics  *MetricInstruments
}

// NewTracingProvider creates a tracing provider exporting to the given
// endpoint. "stdout" writes pretty-printed spans to standard output for
// local development; anything else is an OTLP gRPC collector address,
// defaulting to OTEL_EXPORTER_OTLP_ENDPOINT and then localhost:4317.
func NewTracingProvider(serviceName, endpoint string) (*TracingProvider, error) {
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
	}

	var exporter sdktrace.SpanExporter
	var err error
	if endpoint == "stdout" {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return newTracingProvider(serviceName, tp), nil
}

// newTracingProvider wires the provider around an assembled SDK tracer
// provider and installs it globally.
func newTracingProvider(serviceName string, tp *sdktrace.TracerProvider) *TracingProvider {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return &TracingProvider{
		tracer:   tp.Tracer(serviceName),
		provider: tp,
		metrics:  NewMetricInstruments(serviceName),
	}
}

// StartSpan starts a span under the active trace in ctx.
func (t *TracingProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &tracingSpan{span: span}
}

// RecordMetric records a value distribution under the provider's meter.
func (t *TracingProvider) RecordMetric(name string, value float64, labels map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	_ = t.metrics.RecordHistogram(context.Background(), name, value,
		metric.WithAttributes(attrs...))
}

// Shutdown flushes pending spans and stops the exporter.
func (t *TracingProvider) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// tracingSpan adapts an OpenTelemetry span to core.Span.
type tracingSpan struct {
	span trace.Span
}

func (s *tracingSpan) End() {
	s.span.End()
}

func (s *tracingSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *tracingSpan) RecordError(err error) {
	s.span.RecordError(err)
}
