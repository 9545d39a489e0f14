// Package observe provides application-wide observability primitives for
// supportvoice: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [Init] so that metrics can still be
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

// meterName is the instrumentation scope name used for all supportvoice metrics.
const meterName = "github.com/MrWong99/supportvoice"

// Well-known values for the "reason" attribute of [Metrics.ProtocolIgnored].
const (
	ReasonMalformed       = "malformed"
	ReasonUnknownType     = "unknown_type"
	ReasonInvalidAudio    = "invalid_audio"
	ReasonEmptyTranscript = "empty_transcript"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// NegotiationDuration tracks how long session start requests take.
	NegotiationDuration metric.Float64Histogram

	// DialDuration tracks how long the transport channel takes to open.
	DialDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts call attempts. Use with attribute:
	//   attribute.String("agent_id", ...)
	CallsStarted metric.Int64Counter

	// CallsEnded counts finished calls. Use with attribute:
	//   attribute.String("reason", ...)
	CallsEnded metric.Int64Counter

	// StateTransitions counts call state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// FramesSent counts outbound audio frames.
	FramesSent metric.Int64Counter

	// FramesMuted counts captured blocks dropped while muted.
	FramesMuted metric.Int64Counter

	// FramesReceived counts inbound frames by type. Use with attribute:
	//   attribute.String("type", ...)
	FramesReceived metric.Int64Counter

	// AudioScheduled accumulates the seconds of agent audio placed on the
	// playback timeline.
	AudioScheduled metric.Float64Counter

	// --- Error counters ---

	// ProtocolIgnored counts inbound frames that were dropped. Use with
	// attribute:
	//   attribute.String("reason", ...)
	ProtocolIgnored metric.Int64Counter

	// AgentErrors counts "error" frames sent by the remote agent.
	AgentErrors metric.Int64Counter

	// SendErrors counts outbound frames the transport failed to write.
	SendErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of calls that are not idle.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops and simulator request time, labelled
	// with method, route pattern and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for call setup latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.NegotiationDuration, err = m.Float64Histogram("supportvoice.negotiation.duration",
		metric.WithDescription("Latency of voice session negotiation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DialDuration, err = m.Float64Histogram("supportvoice.transport.dial.duration",
		metric.WithDescription("Latency of opening the transport channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("supportvoice.calls.started",
		metric.WithDescription("Total call attempts by agent ID."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("supportvoice.calls.ended",
		metric.WithDescription("Total finished calls by end reason."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("supportvoice.state.transitions",
		metric.WithDescription("Total call state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("supportvoice.frames.sent",
		metric.WithDescription("Total outbound audio frames."),
	); err != nil {
		return nil, err
	}
	if met.FramesMuted, err = m.Int64Counter("supportvoice.frames.muted",
		metric.WithDescription("Total captured blocks dropped while muted."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("supportvoice.frames.received",
		metric.WithDescription("Total inbound frames by type."),
	); err != nil {
		return nil, err
	}
	if met.AudioScheduled, err = m.Float64Counter("supportvoice.playback.scheduled",
		metric.WithDescription("Total seconds of agent audio scheduled for playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProtocolIgnored, err = m.Int64Counter("supportvoice.protocol.ignored",
		metric.WithDescription("Total inbound frames ignored as malformed or unknown, by reason."),
	); err != nil {
		return nil, err
	}
	if met.AgentErrors, err = m.Int64Counter("supportvoice.agent.errors",
		metric.WithDescription("Total error frames received from the remote agent."),
	); err != nil {
		return nil, err
	}
	if met.SendErrors, err = m.Int64Counter("supportvoice.transport.send_errors",
		metric.WithDescription("Total outbound frames that failed to send."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("supportvoice.active_calls",
		metric.WithDescription("Number of calls that are not idle."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("supportvoice.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProtocolIgnored records an inbound frame dropped for reason.
func (m *Metrics) RecordProtocolIgnored(ctx context.Context, reason string) {
	m.ProtocolIgnored.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFrameReceived records an inbound frame of the given type.
func (m *Metrics) RecordFrameReceived(ctx context.Context, frameType string) {
	m.FramesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", frameType)))
}

// RecordTransition records a call state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordCallStarted records a call attempt against agentID.
func (m *Metrics) RecordCallStarted(ctx context.Context, agentID string) {
	m.CallsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
}

// RecordCallEnded records a finished call.
func (m *Metrics) RecordCallEnded(ctx context.Context, reason string) {
	m.CallsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
