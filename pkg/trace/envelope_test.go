package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	pipetrace "github.com/MoebiusX/OtelE2E-sub003/pkg/trace"
)

func newTestTracer() oteltrace.Tracer {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(tracetest.NewInMemoryExporter()),
	)
	return tp.Tracer("test")
}

func TestCaptureRootAndInject(t *testing.T) {
	tracer := newTestTracer()

	ctx, rootSpan := tracer.Start(context.Background(), "order.submit")
	defer rootSpan.End()

	root := pipetrace.CaptureRoot(ctx)
	require.True(t, root.Valid())

	parts := strings.Split(root.Traceparent, "-")
	require.Len(t, parts, 4, "traceparent must be version-traceid-spanid-flags")
	assert.Equal(t, "00", parts[0])
	assert.Len(t, parts[1], 32)
	assert.Len(t, parts[2], 16)

	headers := map[string]string{}
	pipetrace.Inject(ctx, pipetrace.Envelope{Root: root}, headers)

	assert.Equal(t, root.Traceparent, headers[pipetrace.HeaderTraceparent],
		"at the entry point the hop context is the root span itself")
	assert.Equal(t, root.Traceparent, headers[pipetrace.HeaderRootTraceparent])
}

func TestRootSurvivesMultipleHops(t *testing.T) {
	tracer := newTestTracer()

	ctx, rootSpan := tracer.Start(context.Background(), "order.submit")
	root := pipetrace.CaptureRoot(ctx)
	headers := map[string]string{}
	pipetrace.Inject(ctx, pipetrace.Envelope{Root: root}, headers)
	rootSpan.End()

	// Walk three hops; each regenerates the hop context.
	for hop := 0; hop < 3; hop++ {
		hopCtx, env := pipetrace.Extract(context.Background(), headers)
		require.True(t, env.Hop.IsValid())

		spanCtx, span := tracer.Start(hopCtx, "hop", oteltrace.WithSpanKind(oteltrace.SpanKindConsumer))
		next := map[string]string{}
		pipetrace.Inject(spanCtx, env, next)
		span.End()

		assert.Equal(t, root.Traceparent, next[pipetrace.HeaderRootTraceparent],
			"root header must be forwarded byte-for-byte")
		assert.NotEqual(t, headers[pipetrace.HeaderTraceparent], next[pipetrace.HeaderTraceparent],
			"hop context must be regenerated at every hop")
		headers = next
	}
}

func TestExtractFallsBackToHopOnFirstHop(t *testing.T) {
	tracer := newTestTracer()

	ctx, span := tracer.Start(context.Background(), "producer")
	headers := map[string]string{}
	pipetrace.Inject(ctx, pipetrace.Envelope{}, headers)
	span.End()

	require.NotContains(t, headers, pipetrace.HeaderRootTraceparent)

	_, env := pipetrace.Extract(context.Background(), headers)
	assert.Equal(t, headers[pipetrace.HeaderTraceparent], env.Root.Traceparent)
}

func TestRootContextResume(t *testing.T) {
	tracer := newTestTracer()

	ctx, rootSpan := tracer.Start(context.Background(), "order.submit")
	root := pipetrace.CaptureRoot(ctx)
	rootTraceID := oteltrace.SpanContextFromContext(ctx).TraceID()
	rootSpan.End()

	resumed := root.Context(context.Background())
	sc := oteltrace.SpanContextFromContext(resumed)
	require.True(t, sc.IsValid())
	assert.Equal(t, rootTraceID, sc.TraceID(),
		"resuming from the root header must land in the original trace")
	assert.True(t, sc.IsRemote())
}

func TestSpanParentageAcrossOneHop(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracer := tp.Tracer("test")

	ctx, producer := tracer.Start(context.Background(), "order.publish",
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer))
	producerSpanID := producer.SpanContext().SpanID()
	headers := map[string]string{}
	pipetrace.Inject(ctx, pipetrace.Envelope{Root: pipetrace.CaptureRoot(ctx)}, headers)
	producer.End()

	hopCtx, _ := pipetrace.Extract(context.Background(), headers)
	_, consumer := tracer.Start(hopCtx, "order.match",
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer))
	consumer.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	var consumed tracetest.SpanStub
	for _, s := range spans {
		if s.Name == "order.match" {
			consumed = s
		}
	}
	assert.Equal(t, producerSpanID, consumed.Parent.SpanID())
}
