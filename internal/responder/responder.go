package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MoebiusX/OtelE2E-sub003/pkg/broker"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/config"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/models"
	pipetrace "github.com/MoebiusX/OtelE2E-sub003/pkg/trace"
)

const (
	keyPrefix     = "order:result:"
	channelPrefix = "executions."
	resultTTL     = 1 * time.Hour // TTL prevents unbounded memory growth
)

// Responder terminates the pipeline: it consumes execution responses, resumes
// the ORIGINAL request trace from the preserved root header (so the trace
// reads submit → result as one flat causal line instead of nesting under the
// matcher's span tree), and makes the result available to front-ends through
// Redis.
type Responder struct {
	cfg    *config.Config
	logger *zap.Logger
	broker broker.Broker
	rdb    RedisClient
	tracer oteltrace.Tracer
}

func New(cfg *config.Config, logger *zap.Logger, b broker.Broker, rdb RedisClient, tracer oteltrace.Tracer) *Responder {
	return &Responder{
		cfg:    cfg,
		logger: logger,
		broker: b,
		rdb:    rdb,
		tracer: tracer,
	}
}

// Start declares the response queue and registers the consumer.
func (r *Responder) Start(ctx context.Context) error {
	if err := r.broker.DeclareQueue(ctx, r.cfg.Queues.Responses); err != nil {
		return fmt.Errorf("declare queue %s: %w", r.cfg.Queues.Responses, err)
	}
	if err := r.broker.Subscribe(ctx, r.cfg.Queues.Responses, r.Handle); err != nil {
		return err
	}

	r.logger.Info("Responder Started", zap.String("queue", r.cfg.Queues.Responses))
	return nil
}

// Run starts the responder and blocks until ctx is cancelled.
func (r *Responder) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	r.logger.Info("Shutdown signal received, stopping responder...")
	return nil
}

func (r *Responder) Handle(ctx context.Context, d *broker.Delivery) {
	_, env := pipetrace.Extract(ctx, d.Headers)

	resultCtx, span := r.tracer.Start(env.Root.Context(ctx), "order.result",
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer))
	defer span.End()

	var resp models.ExecutionResponse
	if err := json.Unmarshal(d.Body, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed response payload")
		r.logger.Error("JSON Unmarshal Error", zap.Error(err))
		if err := d.Nack(false); err != nil {
			r.logger.Error("Nack Error", zap.Error(err))
		}
		return
	}

	span.SetAttributes(
		attribute.String("order.id", resp.OrderID),
		attribute.String("order.correlation_id", resp.CorrelationID),
		attribute.String("order.status", string(resp.Status)),
		attribute.String("order.processor_id", resp.ProcessorID),
	)

	// Atomic SET + PUBLISH in a single pipeline: readers polling the key and
	// subscribers on the channel see the same result.
	pipe := r.rdb.Pipeline()
	pipe.Set(resultCtx, keyPrefix+resp.CorrelationID, d.Body, resultTTL)
	pipe.Publish(resultCtx, channelPrefix+resp.CorrelationID, d.Body)

	if _, err := pipe.Exec(resultCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "result store unavailable")
		r.logger.Error("Redis Pipeline Error", zap.Error(err), zap.String("correlation_id", resp.CorrelationID))
		// Left un-acked: the broker redelivers and the write is retried.
		return
	}

	if err := d.Ack(); err != nil {
		r.logger.Error("Ack Error", zap.Error(err))
		return
	}

	r.logger.Debug("Result stored",
		zap.String("correlation_id", resp.CorrelationID),
		zap.String("status", string(resp.Status)))
}

// Result fetches the latest stored response for a correlation id.
func (r *Responder) Result(ctx context.Context, correlationID string) (*models.ExecutionResponse, error) {
	payload, err := r.rdb.Get(ctx, keyPrefix+correlationID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var resp models.ExecutionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
