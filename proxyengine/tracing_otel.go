package proxyengine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var _ Tracer = (*OTelTracer)(nil)

// OTelTracer adapts an OpenTelemetry trace.Tracer to the Tracer interface,
// adapted one-for-one from the vendored fabric client's otelTracerAdapter
// test helper, promoted here to production code since the handshake's
// control path (unlike the cooperative progress loop) may legitimately
// block on span creation.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer wraps t as a Tracer.
func NewOTelTracer(t trace.Tracer) *OTelTracer {
	return &OTelTracer{tracer: t}
}

// StartSpan starts an OpenTelemetry span named name with attrs attached.
func (o *OTelTracer) StartSpan(name string, attrs ...TraceAttribute) Span {
	if o == nil || o.tracer == nil {
		return nil
	}
	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		attributes = append(attributes, toAttribute(a))
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(attributes...))
	return &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End(err error) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.End()
}

func (s *otelSpan) AddEvent(name string, attrs ...TraceAttribute) {
	if s == nil || s.span == nil {
		return
	}
	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		attributes = append(attributes, toAttribute(a))
	}
	s.span.AddEvent(name, trace.WithAttributes(attributes...))
}

func (s *otelSpan) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
}

func toAttribute(attr TraceAttribute) attribute.KeyValue {
	if attr.Key == "" {
		return attribute.String("undefined", fmt.Sprint(attr.Value))
	}
	switch v := attr.Value.(type) {
	case string:
		return attribute.String(attr.Key, v)
	case bool:
		return attribute.Bool(attr.Key, v)
	case int:
		return attribute.Int(attr.Key, v)
	case int64:
		return attribute.Int64(attr.Key, v)
	default:
		return attribute.String(attr.Key, fmt.Sprint(v))
	}
}
