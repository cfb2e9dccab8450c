package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "livesync", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceSessionCall_RecordsAttributesAndError(t *testing.T) {
	rec := installRecorder(t)

	ctx, span := TraceSessionCall(context.Background(), "heartbeat", "s-1")
	RecordError(ctx, errors.New("not live"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "session.heartbeat", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), SessionIDKey.String("s-1"))
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestTraceWebSocketMessage(t *testing.T) {
	rec := installRecorder(t)

	ctx, span := TraceWebSocketMessage(context.Background(), "chat_message", "s-1")
	AddSpanAttributes(ctx, BatchSizeKey.Int(3))
	MeasureDuration(ctx, time.Now(), "dispatch")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "websocket.chat_message", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.Int("batch.size", 3))
}

func TestTraceHTTPRequestAndRepository(t *testing.T) {
	rec := installRecorder(t)

	_, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/sessions")
	span.End()
	_, span = TraceRepositoryOperation(context.Background(), "get", "redis")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "http.GET", spans[0].Name())
	assert.Equal(t, "repo.get", spans[1].Name())
}
