package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	shutdown, err := Init(context.Background(), "", logger)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_RecordsAttributesAndError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "orders.Pay", OrderID("ord_1"), Quantity(3))
	End(span, errors.New("invalid transition"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "orders.Pay", spans[0].Name())
	assert.Equal(t, otelcodes.Error, spans[0].Status().Code)

	attrs := map[string]bool{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = true
	}
	assert.True(t, attrs["order.id"])
	assert.True(t, attrs["quantity"])
}
