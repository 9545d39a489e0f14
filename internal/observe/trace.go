package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the supportvoice tracer.
const tracerName = "github.com/MrWong99/supportvoice"

// Tracer returns the package-level [trace.Tracer] for supportvoice. It uses
// the globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type callKey struct{}

// callInfo identifies the call a context belongs to.
type callInfo struct {
	callID  string
	agentID string
}

// WithCall returns a copy of ctx tagged with a call and agent ID. Loggers
// obtained via [Logger] from the returned context carry both IDs.
func WithCall(ctx context.Context, callID, agentID string) context.Context {
	return context.WithValue(ctx, callKey{}, callInfo{callID: callID, agentID: agentID})
}

// CallID returns the call ID stored by [WithCall], or "".
func CallID(ctx context.Context) string {
	ci, _ := ctx.Value(callKey{}).(callInfo)
	return ci.callID
}

// Logger is [LoggerFrom] applied to [slog.Default].
func Logger(ctx context.Context) *slog.Logger {
	return LoggerFrom(ctx, slog.Default())
}

// LoggerFrom returns base enriched with call_id and agent_id from
// [WithCall] and with trace_id and span_id from the span in ctx. Attributes
// that are absent are omitted.
func LoggerFrom(ctx context.Context, base *slog.Logger) *slog.Logger {
	var attrs []any
	if ci, ok := ctx.Value(callKey{}).(callInfo); ok {
		attrs = append(attrs, slog.String("call_id", ci.callID), slog.String("agent_id", ci.agentID))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()), slog.String("span_id", sc.SpanID().String()))
	}
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}
