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

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Session lifecycle ---

	// ActiveSessions tracks the number of live proxied sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsTotal counts sessions accepted since process start.
	SessionsTotal metric.Int64Counter

	// SessionDuration tracks full session lifetimes, accept to teardown.
	SessionDuration metric.Float64Histogram

	// --- Frame traffic ---

	// InboundFrames counts frames received from downstream clients. Use with
	// attribute.String("type", ...).
	InboundFrames metric.Int64Counter

	// OutboundFrames counts frames sent to downstream clients. Use with
	// attribute.String("type", ...).
	OutboundFrames metric.Int64Counter

	// AudioForwarded accumulates play time of proxied PCM in seconds. Use
	// with attribute.String("direction", "inbound"|"outbound").
	AudioForwarded metric.Float64Counter

	// --- Tool execution ---

	// ToolInvocations counts tool calls. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("outcome", ...)
	ToolInvocations metric.Int64Counter

	// ToolDuration tracks tool handler latency.
	ToolDuration metric.Float64Histogram

	// --- Conversation flow ---

	// TurnsCompleted counts completed model turns across all sessions.
	TurnsCompleted metric.Int64Counter

	// Interruptions counts barge-in events signalled by the upstream.
	Interruptions metric.Int64Counter

	// UpstreamConnects counts upstream dial attempts. Use with
	// attribute.String("outcome", ...).
	UpstreamConnects metric.Int64Counter

	// --- Token issuing ---

	// TokensIssued counts ephemeral token responses. Use with
	// attribute.String("cache", "hit"|"miss").
	TokensIssued metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for whole
// session lifetimes, which run from seconds to the better part of an hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Session lifecycle.
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.sessions.active",
		metric.WithDescription("Number of live proxied sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsTotal, err = m.Int64Counter("voxgate.sessions.total",
		metric.WithDescription("Total sessions accepted since process start."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voxgate.session.duration",
		metric.WithDescription("Session lifetime from accept to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Frame traffic.
	if met.InboundFrames, err = m.Int64Counter("voxgate.frames.inbound",
		metric.WithDescription("Frames received from downstream clients by type."),
	); err != nil {
		return nil, err
	}
	if met.OutboundFrames, err = m.Int64Counter("voxgate.frames.outbound",
		metric.WithDescription("Frames sent to downstream clients by type."),
	); err != nil {
		return nil, err
	}
	if met.AudioForwarded, err = m.Float64Counter("voxgate.audio.forwarded",
		metric.WithDescription("Play time of proxied PCM audio by direction."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Tool execution.
	if met.ToolInvocations, err = m.Int64Counter("voxgate.tool.invocations",
		metric.WithDescription("Total tool invocations by tool name and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("voxgate.tool.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Conversation flow.
	if met.TurnsCompleted, err = m.Int64Counter("voxgate.turns.completed",
		metric.WithDescription("Completed model turns across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxgate.interruptions",
		metric.WithDescription("Barge-in events signalled by the upstream."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamConnects, err = m.Int64Counter("voxgate.upstream.connects",
		metric.WithDescription("Upstream dial attempts by outcome."),
	); err != nil {
		return nil, err
	}

	// Token issuing.
	if met.TokensIssued, err = m.Int64Counter("voxgate.tokens.issued",
		metric.WithDescription("Ephemeral token responses by cache outcome."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordInboundFrame increments the inbound frame counter for one frame type.
func (m *Metrics) RecordInboundFrame(ctx context.Context, frameType string) {
	m.InboundFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", frameType)),
	)
}

// RecordOutboundFrame increments the outbound frame counter for one frame
// type.
func (m *Metrics) RecordOutboundFrame(ctx context.Context, frameType string) {
	m.OutboundFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", frameType)),
	)
}

// RecordAudioForwarded adds one chunk's play time to the audio counter for
// the given direction ("inbound" or "outbound").
func (m *Metrics) RecordAudioForwarded(ctx context.Context, direction string, seconds float64) {
	m.AudioForwarded.Add(ctx, seconds,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordToolInvocation records one tool call with its outcome and duration.
func (m *Metrics) RecordToolInvocation(ctx context.Context, tool, outcome string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.ToolInvocations.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, seconds, attrs)
}

// RecordUpstreamConnect records one upstream dial attempt by outcome
// ("ok" or "error").
func (m *Metrics) RecordUpstreamConnect(ctx context.Context, outcome string) {
	m.UpstreamConnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordTokenIssued records one token response, tagged by whether it was
// served from cache.
func (m *Metrics) RecordTokenIssued(ctx context.Context, cached bool) {
	outcome := "miss"
	if cached {
		outcome = "hit"
	}
	m.TokensIssued.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cache", outcome)),
	)
}

// SessionStarted bumps the active-session gauge and the session total.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
	m.SessionsTotal.Add(ctx, 1)
}

// SessionEnded decrements the active-session gauge and records the session's
// lifetime.
func (m *Metrics) SessionEnded(ctx context.Context, seconds float64) {
	m.ActiveSessions.Add(ctx, -1)
	m.SessionDuration.Record(ctx, seconds)
}
