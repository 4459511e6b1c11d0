package trace

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Message header keys. The traceparent pair is rewritten at every hop; the
// x-parent pair is set once at the system's entry point and copied verbatim
// through every subsequent hop.
const (
	HeaderTraceparent     = "traceparent"
	HeaderTracestate      = "tracestate"
	HeaderRootTraceparent = "x-parent-traceparent"
	HeaderRootTracestate  = "x-parent-tracestate"
)

var propagator = propagation.TraceContext{}

// RootContext is the original request's trace context as opaque W3C strings.
type RootContext struct {
	Traceparent string
	Tracestate  string
}

func (r RootContext) Valid() bool { return r.Traceparent != "" }

// Context returns a context parented on the root, for consumers that resume
// the original trace instead of nesting under the producer's span tree.
func (r RootContext) Context(ctx context.Context) context.Context {
	carrier := propagation.MapCarrier{HeaderTraceparent: r.Traceparent}
	if r.Tracestate != "" {
		carrier[HeaderTracestate] = r.Tracestate
	}
	return propagator.Extract(ctx, carrier)
}

// Envelope carries the two context threads of a queue message: the hop
// context of the immediate producer→consumer transition and the preserved
// root context of the original request.
type Envelope struct {
	Hop  trace.SpanContext
	Root RootContext
}

// Extract reads both context threads from message headers. The returned
// context carries the hop span context, so a span started from it becomes a
// child of the producer's span. On the first hop, where no root headers were
// set yet, the hop context doubles as the root.
func Extract(ctx context.Context, headers map[string]string) (context.Context, Envelope) {
	hopCtx := propagator.Extract(ctx, propagation.MapCarrier(headers))

	env := Envelope{
		Hop: trace.SpanContextFromContext(hopCtx),
		Root: RootContext{
			Traceparent: headers[HeaderRootTraceparent],
			Tracestate:  headers[HeaderRootTracestate],
		},
	}
	if !env.Root.Valid() {
		env.Root = RootContext{
			Traceparent: headers[HeaderTraceparent],
			Tracestate:  headers[HeaderTracestate],
		}
	}

	return hopCtx, env
}

// Inject writes the current span as the next hop context and re-attaches the
// unchanged root headers.
func Inject(ctx context.Context, env Envelope, headers map[string]string) {
	propagator.Inject(ctx, propagation.MapCarrier(headers))
	if env.Root.Valid() {
		headers[HeaderRootTraceparent] = env.Root.Traceparent
		if env.Root.Tracestate != "" {
			headers[HeaderRootTracestate] = env.Root.Tracestate
		}
	}
}

// CaptureRoot freezes the current span context as the root of everything
// downstream. Called once, at the system's entry point.
func CaptureRoot(ctx context.Context) RootContext {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	return RootContext{
		Traceparent: carrier[HeaderTraceparent],
		Tracestate:  carrier[HeaderTracestate],
	}
}
