package zeus

import "context"

// Tracer hands out spans around task runs, model calls, and tool execution.
// telemetry.NewTracer adapts OTEL to this interface; components hold the
// interface so nothing outside telemetry imports OTEL directly. A nil
// Tracer means tracing is off.
type Tracer interface {
	// Start opens a span named name and returns a context carrying it.
	// The returned Span must be ended by the caller.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced operation, alive until End.
type Span interface {
	// SetAttr attaches attributes after the span was started.
	SetAttr(attrs ...SpanAttr)
	// Event marks a point-in-time annotation on the span.
	Event(name string, attrs ...SpanAttr)
	// Error attaches err and flags the span as failed.
	Error(err error)
	// End closes the span. Call it exactly once.
	End()
}

// SpanAttr is a key-value pair attached to spans and events.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr builds a string attribute.
func StringAttr(k, v string) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// IntAttr builds an int attribute.
func IntAttr(k string, v int) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// BoolAttr builds a bool attribute.
func BoolAttr(k string, v bool) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// Float64Attr builds a float64 attribute.
func Float64Attr(k string, v float64) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}
