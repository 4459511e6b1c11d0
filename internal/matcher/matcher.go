package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MoebiusX/OtelE2E-sub003/pkg/broker"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/config"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/metrics"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/models"
	pipetrace "github.com/MoebiusX/OtelE2E-sub003/pkg/trace"
)

// Matcher competes with its sibling processes for messages on the orders
// queue and simulates market execution. One sequential consume loop per
// process; horizontal scaling means running more processes.
type Matcher struct {
	cfg         *config.Config
	logger      *zap.Logger
	broker      broker.Broker
	metrics     *metrics.Metrics
	tracer      oteltrace.Tracer
	rand        Rand
	clock       Clock
	processorID string
}

func New(
	cfg *config.Config,
	logger *zap.Logger,
	b broker.Broker,
	m *metrics.Metrics,
	tracer oteltrace.Tracer,
	rnd Rand,
	clock Clock,
) *Matcher {
	processorID := cfg.Worker.ProcessorID
	if processorID == "" {
		host, _ := os.Hostname()
		processorID = fmt.Sprintf("matcher-%s-%s", host, uuid.NewString()[:8])
	}
	return &Matcher{
		cfg:         cfg,
		logger:      logger,
		broker:      b,
		metrics:     m,
		tracer:      tracer,
		rand:        rnd,
		clock:       clock,
		processorID: processorID,
	}
}

func (w *Matcher) ProcessorID() string { return w.processorID }

// Start declares the queues and registers the consumer. Once it returns the
// matcher is receiving; callers that co-locate a producer in the same process
// must Start consumers before producing.
func (w *Matcher) Start(ctx context.Context) error {
	queues := []string{w.cfg.Queues.Orders, w.cfg.Queues.Responses}
	if w.cfg.Queues.DeadLetter != "" {
		queues = append(queues, w.cfg.Queues.DeadLetter)
	}
	for _, q := range queues {
		if err := w.broker.DeclareQueue(ctx, q); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}

	if err := w.broker.Subscribe(ctx, w.cfg.Queues.Orders, w.Handle); err != nil {
		return err
	}

	w.logger.Info("Matcher Started",
		zap.String("processor_id", w.processorID),
		zap.String("queue", w.cfg.Queues.Orders))
	return nil
}

// Run starts the matcher and blocks until ctx is cancelled.
func (w *Matcher) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	w.logger.Info("Shutdown signal received, stopping matcher...")
	return nil
}

// Handle runs the per-message state machine:
// received → validating → executing → {filled, rejected}.
func (w *Matcher) Handle(ctx context.Context, d *broker.Delivery) {
	started := w.clock.Now()
	hopCtx, env := pipetrace.Extract(ctx, d.Headers)

	order, err := models.Normalize(d.Body, w.cfg.Worker.ReferencePrice)
	if err != nil {
		w.reject(hopCtx, env, d, err)
		return
	}

	matchCtx, span := w.tracer.Start(hopCtx, "order.match",
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer),
		oteltrace.WithAttributes(
			attribute.String("order.id", order.OrderID),
			attribute.String("order.pair", order.Pair),
			attribute.String("order.side", string(order.Side)),
			attribute.Float64("order.quantity", order.Quantity),
			attribute.Float64("order.price", order.CurrentPrice),
			attribute.Int("messaging.redelivery_count", d.RetryCount),
		))
	defer span.End()

	w.clock.Sleep(w.cfg.Worker.ProcessingDelay())

	fill := w.execute(order)
	span.SetAttributes(
		attribute.Float64("order.fill_price", fill.FillPrice),
		attribute.Float64("order.slippage_percent", fill.SlippagePercent),
	)

	side := string(order.Side)
	w.metrics.OrdersProcessed.WithLabelValues(string(fill.Status), side).Inc()
	w.metrics.ProcessingDuration.WithLabelValues(side).Observe(w.clock.Now().Sub(started).Seconds())
	w.metrics.Slippage.WithLabelValues(side).Observe(fill.SlippagePercent)

	if err := w.publishResponse(matchCtx, env, fill); err != nil {
		// Response queue unreachable: leave the delivery open so the broker
		// redelivers it. The retry will execute again with a fresh fill.
		span.RecordError(err)
		span.SetStatus(codes.Error, "response publish failed")
		w.logger.Error("Response Publish Error",
			zap.String("order_id", order.OrderID), zap.Error(err))
		return
	}

	if err := d.Ack(); err != nil {
		w.logger.Error("Ack Error", zap.String("order_id", order.OrderID), zap.Error(err))
		return
	}

	w.logger.Debug("Order filled",
		zap.String("order_id", order.OrderID),
		zap.String("side", side),
		zap.Float64("fill_price", fill.FillPrice),
		zap.Float64("total_value", fill.TotalValue))
}

// execute simulates the market fill with bounded random slippage.
func (w *Matcher) execute(order *models.OrderMessage) models.ExecutionResponse {
	slippage := 0.0001 + w.rand.Float64()*0.0050
	direction := 1.0
	if order.Side == models.SideSell {
		direction = -1.0
	}

	fillPrice := models.Round2(order.CurrentPrice * (1 + slippage*direction))

	return models.ExecutionResponse{
		OrderID:         order.OrderID,
		CorrelationID:   order.CorrelationID,
		Status:          models.StatusFilled,
		FillPrice:       fillPrice,
		TotalValue:      models.Round2(fillPrice * order.Quantity),
		SlippagePercent: models.Round2(slippage * 100),
		ProcessedAt:     w.clock.Now(),
		ProcessorID:     w.processorID,
	}
}

// publishResponse opens the producer span for the next hop and forwards the
// root context untouched.
func (w *Matcher) publishResponse(matchCtx context.Context, env pipetrace.Envelope, resp models.ExecutionResponse) error {
	pubCtx, pubSpan := w.tracer.Start(matchCtx, "order.response",
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer),
		oteltrace.WithAttributes(
			attribute.String("order.id", resp.OrderID),
			attribute.String("order.status", string(resp.Status)),
		))
	defer pubSpan.End()

	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	headers := map[string]string{}
	pipetrace.Inject(pubCtx, env, headers)

	if _, err := w.broker.Publish(pubCtx, w.cfg.Queues.Responses, payload, headers); err != nil {
		pubSpan.RecordError(err)
		pubSpan.SetStatus(codes.Error, "publish failed")
		return err
	}
	return nil
}

// reject terminates a malformed payload. With a dead-letter queue configured
// the message is quarantined and the submitter gets a terminal REJECTED
// response; without one the message is nacked and silently dropped.
func (w *Matcher) reject(hopCtx context.Context, env pipetrace.Envelope, d *broker.Delivery, cause error) {
	_, span := w.tracer.Start(hopCtx, "order.match",
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer))
	defer span.End()
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	// Best-effort identifiers so the response can still be correlated and
	// the rejected counter keeps its side label when the payload parsed.
	var probe struct {
		OrderID       string      `json:"orderId"`
		CorrelationID string      `json:"correlationId"`
		Side          models.Side `json:"side"`
	}
	_ = json.Unmarshal(d.Body, &probe)
	side := "UNKNOWN"
	if probe.Side == models.SideBuy || probe.Side == models.SideSell {
		side = string(probe.Side)
	}

	w.metrics.OrdersProcessed.WithLabelValues(string(models.StatusRejected), side).Inc()
	w.logger.Warn("Rejecting malformed order", zap.Error(cause))

	if w.cfg.Queues.DeadLetter == "" {
		if err := d.Nack(false); err != nil {
			w.logger.Error("Nack Error", zap.Error(err))
		}
		return
	}

	resp := models.ExecutionResponse{
		OrderID:       probe.OrderID,
		CorrelationID: probe.CorrelationID,
		Status:        models.StatusRejected,
		Reason:        cause.Error(),
		ProcessedAt:   w.clock.Now(),
		ProcessorID:   w.processorID,
	}
	if err := w.publishResponse(hopCtx, env, resp); err != nil {
		w.logger.Error("Rejected Response Publish Error", zap.Error(err))
	}

	dlqHeaders := copyHeaders(d.Headers)
	dlqHeaders["x-death-reason"] = cause.Error()
	dlqHeaders["x-death-queue"] = d.Queue
	if _, err := w.broker.Publish(hopCtx, w.cfg.Queues.DeadLetter, d.Body, dlqHeaders); err != nil {
		w.logger.Error("Dead-letter Publish Error", zap.Error(err))
		if err := d.Nack(false); err != nil {
			w.logger.Error("Nack Error", zap.Error(err))
		}
		return
	}

	if err := d.Ack(); err != nil {
		w.logger.Error("Ack Error", zap.Error(err))
	}
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}
