package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// NewProvider wires a tracer provider that exports finished spans through zap
// and registers it (plus the W3C propagator) globally. Callers must Shutdown
// the returned provider to flush the batch on exit.
func NewProvider(service string, logger *zap.Logger) *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&zapExporter{logger: logger}),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", service),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp
}

// zapExporter logs finished spans instead of shipping them to a collector;
// the structured fields keep the trace topology greppable.
type zapExporter struct {
	logger *zap.Logger
}

var _ sdktrace.SpanExporter = (*zapExporter)(nil)

func (e *zapExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		sc := s.SpanContext()
		fields := []zap.Field{
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
			zap.String("kind", s.SpanKind().String()),
			zap.String("status", s.Status().Code.String()),
			zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
		}
		if parent := s.Parent(); parent.HasSpanID() {
			fields = append(fields, zap.String("parent_span_id", parent.SpanID().String()))
		}
		e.logger.Debug("span "+s.Name(), fields...)
	}
	return nil
}

func (e *zapExporter) Shutdown(context.Context) error { return nil }
