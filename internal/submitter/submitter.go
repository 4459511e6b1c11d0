package submitter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MoebiusX/OtelE2E-sub003/pkg/broker"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/config"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/models"
	pipetrace "github.com/MoebiusX/OtelE2E-sub003/pkg/trace"
)

// Submitter stands in for the HTTP edge: it opens the root span of each
// request, freezes it as the root context, and publishes the order as the
// first hop. In production an API edge does this; the submitter keeps the
// pipeline exercisable without one.
type Submitter struct {
	cfg    *config.Config
	logger *zap.Logger
	broker broker.Broker
	tracer oteltrace.Tracer
	rand   Rand
	clock  Clock

	pairs      []string
	basePrices map[string]float64
	seq        int64
}

func New(
	cfg *config.Config,
	logger *zap.Logger,
	b broker.Broker,
	tracer oteltrace.Tracer,
	rnd Rand,
	clock Clock,
) *Submitter {
	return &Submitter{
		cfg:    cfg,
		logger: logger,
		broker: b,
		tracer: tracer,
		rand:   rnd,
		clock:  clock,
		pairs:  []string{"BTC/USD", "ETH/USD", "SOL/USD"},
		basePrices: map[string]float64{
			"BTC/USD": 50000.0,
			"ETH/USD": 3400.0,
			"SOL/USD": 150.0,
		},
	}
}

func (s *Submitter) Run(ctx context.Context) error {
	if err := s.broker.DeclareQueue(ctx, s.cfg.Queues.Orders); err != nil {
		return fmt.Errorf("declare queue %s: %w", s.cfg.Queues.Orders, err)
	}

	interval := time.Duration(s.cfg.Submitter.IntervalMs) * time.Millisecond
	s.logger.Info("Submitter Started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Shutdown signal received, stopping submitter...")
			return nil
		default:
			if _, err := s.SubmitRandom(ctx); err != nil {
				s.logger.Error("Submit Error", zap.Error(err))
			}
			s.clock.Sleep(interval)
		}
	}
}

// SubmitRandom builds a random market order around the pair's base price.
func (s *Submitter) SubmitRandom(ctx context.Context) (string, error) {
	pair := s.pairs[s.rand.Intn(len(s.pairs))]
	base := s.basePrices[pair]
	fluctuation := (s.rand.Float64()*2 - 1) * base * 0.01

	side := models.SideBuy
	if s.rand.Intn(2) == 1 {
		side = models.SideSell
	}

	s.seq++
	order := models.OrderMessage{
		OrderID:      fmt.Sprintf("ORD-%d", s.seq),
		Pair:         pair,
		Side:         side,
		Quantity:     0.01 + s.rand.Float64(),
		OrderType:    models.OrderTypeMarket,
		CurrentPrice: models.Round2(base + fluctuation),
	}
	return s.Submit(ctx, order)
}

// Submit opens the root span for one order and publishes it as the first
// hop. Returns the correlation id callers use to look up the result.
func (s *Submitter) Submit(ctx context.Context, order models.OrderMessage) (string, error) {
	if order.CorrelationID == "" {
		order.CorrelationID = uuid.NewString()
	}

	submitCtx, span := s.tracer.Start(ctx, "order.submit",
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer),
		oteltrace.WithAttributes(
			attribute.String("order.id", order.OrderID),
			attribute.String("order.pair", order.Pair),
			attribute.String("order.side", string(order.Side)),
			attribute.Float64("order.quantity", order.Quantity),
		))
	defer span.End()

	sc := oteltrace.SpanContextFromContext(submitCtx)
	order.TraceID = sc.TraceID().String()
	order.SpanID = sc.SpanID().String()
	order.Timestamp = s.clock.Now().UnixMilli()

	payload, err := json.Marshal(order)
	if err != nil {
		return "", err
	}

	// The submit span is both the first hop's parent and the root of the
	// whole distributed trace.
	headers := map[string]string{}
	pipetrace.Inject(submitCtx, pipetrace.Envelope{Root: pipetrace.CaptureRoot(submitCtx)}, headers)

	if _, err := s.broker.Publish(submitCtx, s.cfg.Queues.Orders, payload, headers); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return "", err
	}

	s.logger.Debug("Order submitted",
		zap.String("order_id", order.OrderID),
		zap.String("correlation_id", order.CorrelationID),
		zap.String("pair", order.Pair))
	return order.CorrelationID, nil
}
