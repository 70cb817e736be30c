package proxy

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// otelInstruments mirrors PerformanceMetrics as OTel counters/histograms.
// It is an additive sink: the in-memory PerformanceMetrics struct remains
// the source of truth for Metrics(); these instruments are monotonic and
// are never reset by ResetPerformanceMetrics, matching OTel's own
// counter semantics.
type otelInstruments struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

func newOtelInstruments(meter metric.Meter) *otelInstruments {
	if meter == nil {
		return nil
	}
	calls, err := meter.Int64Counter("mcp_gateway_tool_calls_total",
		metric.WithDescription("total tools/call requests handled by this endpoint's ProxyServer"))
	if err != nil {
		return nil
	}
	duration, err := meter.Float64Histogram("mcp_gateway_tool_call_duration_ms",
		metric.WithDescription("tools/call duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil
	}
	return &otelInstruments{calls: calls, duration: duration}
}

func (o *otelInstruments) record(ctx context.Context, durationMs float64, success bool) {
	if o == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	o.calls.Add(ctx, 1, attrs)
	o.duration.Record(ctx, durationMs, attrs)
}
