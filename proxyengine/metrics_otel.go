package proxyengine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters, adapted
// one-for-one from the vendored fabric client's OTelMetrics: the same
// meter-resolution fallback and attribute composition, with proxy-specific
// instrument names in place of dispatcher/send/receive ones.
type OTelMetrics struct {
	meter metric.Meter

	creditsGranted   metric.Int64Counter
	sendIssued       metric.Int64Counter
	sendFailed       metric.Int64Counter
	recvPosted       metric.Int64Counter
	recvFailed       metric.Int64Counter
	completionReaped metric.Int64Counter
	flushIssued      metric.Int64Counter
	sharedRefcount   metric.Int64Gauge
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/quorumnet/collnet/proxyengine"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	creditsGranted, err := meter.Int64Counter("proxyengine.credits.granted")
	if err != nil {
		return nil, err
	}
	sendIssued, err := meter.Int64Counter("proxyengine.send.issued")
	if err != nil {
		return nil, err
	}
	sendFailed, err := meter.Int64Counter("proxyengine.send.failed")
	if err != nil {
		return nil, err
	}
	recvPosted, err := meter.Int64Counter("proxyengine.recv.posted")
	if err != nil {
		return nil, err
	}
	recvFailed, err := meter.Int64Counter("proxyengine.recv.failed")
	if err != nil {
		return nil, err
	}
	completionReaped, err := meter.Int64Counter("proxyengine.completion.reaped")
	if err != nil {
		return nil, err
	}
	flushIssued, err := meter.Int64Counter("proxyengine.flush.issued")
	if err != nil {
		return nil, err
	}
	sharedRefcount, err := meter.Int64Gauge("proxyengine.sharedpool.refcount")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:            meter,
		creditsGranted:   creditsGranted,
		sendIssued:       sendIssued,
		sendFailed:       sendFailed,
		recvPosted:       recvPosted,
		recvFailed:       recvFailed,
		completionReaped: completionReaped,
		flushIssued:      flushIssued,
		sharedRefcount:   sharedRefcount,
	}, nil
}

func (o *OTelMetrics) CreditsGranted(attrs map[string]string) {
	o.creditsGranted.Add(context.Background(), 1, metric.WithAttributes(otelProxyAttrs(attrs)...))
}

func (o *OTelMetrics) SendIssued(attrs map[string]string) {
	o.sendIssued.Add(context.Background(), 1, metric.WithAttributes(otelProxyAttrs(attrs)...))
}

func (o *OTelMetrics) SendFailed(_ error, attrs map[string]string) {
	o.sendFailed.Add(context.Background(), 1, metric.WithAttributes(otelProxyAttrs(attrs)...))
}

func (o *OTelMetrics) RecvPosted(attrs map[string]string) {
	o.recvPosted.Add(context.Background(), 1, metric.WithAttributes(otelProxyAttrs(attrs)...))
}

func (o *OTelMetrics) RecvFailed(_ error, attrs map[string]string) {
	o.recvFailed.Add(context.Background(), 1, metric.WithAttributes(otelProxyAttrs(attrs)...))
}

func (o *OTelMetrics) CompletionReaped(attrs map[string]string) {
	o.completionReaped.Add(context.Background(), 1, metric.WithAttributes(otelProxyAttrs(attrs)...))
}

func (o *OTelMetrics) FlushIssued(attrs map[string]string) {
	o.flushIssued.Add(context.Background(), 1, metric.WithAttributes(otelProxyAttrs(attrs)...))
}

func (o *OTelMetrics) SharedPoolRefcount(attrs map[string]string, refcount int) {
	o.sharedRefcount.Record(context.Background(), int64(refcount), metric.WithAttributes(otelProxyAttrs(attrs)...))
}

func otelProxyAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelChannel, attrs[labelChannel]),
		attribute.String(labelProtocol, attrs[labelProtocol]),
	}
	if v := attrs[labelDirection]; v != "" {
		kvs = append(kvs, attribute.String(labelDirection, v))
	}
	if v := attrs[labelShared]; v != "" {
		kvs = append(kvs, attribute.String(labelShared, v))
	}
	return kvs
}
