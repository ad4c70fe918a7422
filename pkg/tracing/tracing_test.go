package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "peerlink", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceNegotiation_Attributes(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := TraceNegotiation(context.Background(), "initiator", "PC-view", "PC-share", "sess-1")
	AddSpanAttributes(ctx, StateKey.String("Connected"))
	AddEvent(ctx, "answer applied")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "negotiation.initiator", spans[0].Name())

	attrs := map[attribute.Key]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "PC-share", attrs[TargetIDKey])
	assert.Equal(t, "sess-1", attrs[SessionIDKey])
	assert.Equal(t, "Connected", attrs[StateKey])
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "answer applied", spans[0].Events()[0].Name)
}

func TestRecordError_SetsStatus(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := TraceStoreOperation(context.Background(), "redis", "put_offer")
	RecordError(ctx, errors.New("connection refused"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "store.put_offer", spans[0].Name())
}

func TestHelpers_NoopWithoutRecordingSpan(t *testing.T) {
	ctx := context.Background()
	AddSpanAttributes(ctx, PeerIDKey.String("x"))
	AddEvent(ctx, "ignored")
	RecordError(ctx, errors.New("ignored"))
}
