package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ajitpratap0/nebulakv/pkg/config"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	prev := otel.GetTracerProvider()
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return sr
}

func TestStartAndEndSpan(t *testing.T) {
	sr := recordSpans(t)

	_, span := StartSpan(context.Background(), "kv.get", attribute.String("key", "user:1"))
	EndSpan(span, nil)

	_, span = StartSpan(context.Background(), "kv.set")
	EndSpan(span, errors.New("boom"))

	spans := sr.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "kv.get", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("key", "user:1"))

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
	require.Len(t, spans[1].Events(), 1)
	assert.Equal(t, "exception", spans[1].Events()[0].Name)
}

func TestInitTracing_Disabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	shutdown, err := InitTracing(config.TracingConfig{}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, prev, otel.GetTracerProvider())
}

func TestInitTracing_StdoutExport(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var out bytes.Buffer
	cfg := config.Default().Tracing
	cfg.Enabled = true
	shutdown, err := InitTracing(cfg, &out)
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "kv.search")
	EndSpan(span, nil)

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, out.String(), "kv.search")
}

func TestInitTracing_InvalidExporter(t *testing.T) {
	_, err := InitTracing(config.TracingConfig{Enabled: true, Exporter: "zipkin"}, &bytes.Buffer{})
	assert.Error(t, err)
}
