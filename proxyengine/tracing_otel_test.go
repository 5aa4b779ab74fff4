package proxyengine

import (
	"context"
	"errors"
	"testing"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func TestOTelTracerRecordsHandshakeSpans(t *testing.T) {
	tp, recorder := newTestTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := NewOTelTracer(tp.Tracer("proxyengine-test"))

	span := tracer.StartSpan("proxyengine.setup", TraceAttribute{Key: "channel", Value: 0})
	span.AddEvent("listening")
	span.End(nil)

	failSpan := tracer.StartSpan("proxyengine.connect", TraceAttribute{Key: "remote", Value: 1})
	failSpan.End(errors.New("connect failed"))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 recorded spans, got %d", len(spans))
	}
	names := map[string]bool{}
	for _, s := range spans {
		names[s.Name()] = true
	}
	if !names["proxyengine.setup"] || !names["proxyengine.connect"] {
		t.Fatalf("missing expected span names: %+v", names)
	}
}

func TestOTelTracerNilSafe(t *testing.T) {
	var tracer *OTelTracer
	if span := tracer.StartSpan("noop"); span != nil {
		t.Fatalf("expected nil span from nil tracer")
	}

	var span *otelSpan
	span.End(nil)
	span.AddEvent("noop")
	span.RecordError(nil)
}
