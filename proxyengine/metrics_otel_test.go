package proxyengine

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	attrs := map[string]string{
		labelChannel:   "0",
		labelProtocol:  "SIMPLE",
		labelDirection: "send",
		labelShared:    "true",
	}
	metrics.CreditsGranted(attrs)
	metrics.SendIssued(attrs)
	metrics.SendFailed(errors.New("boom"), attrs)
	metrics.RecvPosted(attrs)
	metrics.RecvFailed(errors.New("boom"), attrs)
	metrics.CompletionReaped(attrs)
	metrics.FlushIssued(attrs)
	metrics.SharedPoolRefcount(attrs, 3)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	counters := map[string]float64{
		"proxyengine.credits.granted":   1,
		"proxyengine.send.issued":       1,
		"proxyengine.send.failed":       1,
		"proxyengine.recv.posted":       1,
		"proxyengine.recv.failed":       1,
		"proxyengine.completion.reaped": 1,
		"proxyengine.flush.issued":      1,
	}
	for name, want := range counters {
		if got := otelSumValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
	if got := otelGaugeValue(rm, "proxyengine.sharedpool.refcount"); got != 3 {
		t.Fatalf("unexpected gauge value: got %v want 3", got)
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelSumValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}

func otelGaugeValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			if data, ok := m.Data.(metricdata.Gauge[int64]); ok {
				var last float64
				for _, dp := range data.DataPoints {
					last = float64(dp.Value)
				}
				return last
			}
		}
	}
	return 0
}
