// Package observe provides application-wide observability primitives for
// voxgate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/voxgate/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// SessionDuration tracks total call length from open to cleanup.
	SessionDuration metric.Float64Histogram

	// UpstreamConnectDuration tracks backend handshake latency.
	UpstreamConnectDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// AuthFailures counts rejected connection upgrades.
	AuthFailures metric.Int64Counter

	// BargeIns counts caller interruptions of in-flight responses.
	BargeIns metric.Int64Counter

	// UpstreamEvents counts backend events by type. Use with attribute:
	//   attribute.String("type", ...)
	UpstreamEvents metric.Int64Counter

	// ModerationChecks counts transcript safety checks by outcome. Use with
	// attribute: attribute.String("outcome", "clear"|"flagged"|"error")
	ModerationChecks metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// SessionTimeouts counts timeout terminations by reason. Use with
	// attribute: attribute.String("reason", ...)
	SessionTimeouts metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// handshake and HTTP latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for whole
// call durations, up to the 5-minute ceiling and a little beyond.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 180, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("voxgate.session.duration",
		metric.WithDescription("Total call length from open to cleanup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamConnectDuration, err = m.Float64Histogram("voxgate.upstream.connect.duration",
		metric.WithDescription("Backend session handshake latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AuthFailures, err = m.Int64Counter("voxgate.auth.failures",
		metric.WithDescription("Total rejected connection upgrades."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxgate.bargeins",
		metric.WithDescription("Total caller interruptions of in-flight responses."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamEvents, err = m.Int64Counter("voxgate.upstream.events",
		metric.WithDescription("Total backend events by type."),
	); err != nil {
		return nil, err
	}
	if met.ModerationChecks, err = m.Int64Counter("voxgate.moderation.checks",
		metric.WithDescription("Total transcript safety checks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxgate.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.SessionTimeouts, err = m.Int64Counter("voxgate.session.timeouts",
		metric.WithDescription("Total timeout terminations by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordUpstreamEvent records one backend event counter increment.
func (m *Metrics) RecordUpstreamEvent(ctx context.Context, eventType string) {
	m.UpstreamEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordModerationCheck records a safety-check outcome: "clear", "flagged",
// or "error".
func (m *Metrics) RecordModerationCheck(ctx context.Context, outcome string) {
	m.ModerationChecks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordSessionTimeout records a timeout termination by reason.
func (m *Metrics) RecordSessionTimeout(ctx context.Context, reason string) {
	m.SessionTimeouts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
