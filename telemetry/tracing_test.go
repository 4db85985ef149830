package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordedTracing(t *testing.T) (*TracingProvider, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	provider := newTracingProvider("personaforge-test", tp)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return provider, recorder
}

func TestTracingProviderRecordsSpans(t *testing.T) {
	provider, recorder := newRecordedTracing(t)

	_, span := provider.StartSpan(context.Background(), "persona.generate")
	span.SetAttribute("persona.count", 2)
	span.SetAttribute("cached", true)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "persona.generate", spans[0].Name())

	attrs := make(map[string]string)
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "2", attrs["persona.count"])
	assert.Equal(t, "true", attrs["cached"])
}

func TestTracingSpanRecordsError(t *testing.T) {
	provider, recorder := newRecordedTracing(t)

	_, span := provider.StartSpan(context.Background(), "persona.enrich")
	span.RecordError(errors.New("upstream down"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.NotEmpty(t, spans[0].Events())
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestTracingSpansNestUnderOneTrace(t *testing.T) {
	provider, recorder := newRecordedTracing(t)

	ctx, parent := provider.StartSpan(context.Background(), "persona.generate")
	_, child := provider.StartSpan(ctx, "persona.enrich")
	child.End()
	parent.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[0].SpanContext().TraceID(), spans[1].SpanContext().TraceID())
}

func TestNewTracingProviderStdoutExporter(t *testing.T) {
	provider, err := NewTracingProvider("personaforge-test", "stdout")
	require.NoError(t, err)
	require.NoError(t, provider.Shutdown(context.Background()))
}
