package fanout

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MoebiusX/OtelE2E-sub003/pkg/broker"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/config"
	pipetrace "github.com/MoebiusX/OtelE2E-sub003/pkg/trace"
)

// WorkFunc is the branch-specific handling; tests inject failures here.
type WorkFunc func(ctx context.Context, body []byte) error

// Branch is one of the sibling queues fed by a processing message. Each
// branch simulates bounded random work within its own latency window.
type Branch struct {
	Queue   string
	MinWork time.Duration
	MaxWork time.Duration
	Work    WorkFunc
}

// Processor consumes the payments processing queue and fans each message out
// to the validation, notification, and audit queues. Every branch publish is
// a fresh sibling span under the processing span, so the trace shows a tree
// rather than a chain, and a failing branch never blocks the others.
type Processor struct {
	cfg      *config.Config
	logger   *zap.Logger
	broker   broker.Broker
	tracer   oteltrace.Tracer
	rand     Rand
	clock    Clock
	branches []Branch
}

func New(
	cfg *config.Config,
	logger *zap.Logger,
	b broker.Broker,
	tracer oteltrace.Tracer,
	rnd Rand,
	clock Clock,
	branches ...Branch,
) *Processor {
	if len(branches) == 0 {
		branches = []Branch{
			{Queue: cfg.Queues.Validation, MinWork: 10 * time.Millisecond, MaxWork: 30 * time.Millisecond},
			{Queue: cfg.Queues.Notification, MinWork: 20 * time.Millisecond, MaxWork: 60 * time.Millisecond},
			{Queue: cfg.Queues.Audit, MinWork: 5 * time.Millisecond, MaxWork: 15 * time.Millisecond},
		}
	}
	return &Processor{
		cfg:      cfg,
		logger:   logger,
		broker:   b,
		tracer:   tracer,
		rand:     rnd,
		clock:    clock,
		branches: branches,
	}
}

// Start declares all queues and registers the processing and branch
// consumers; it returns once every subscription is live.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.broker.DeclareQueue(ctx, p.cfg.Queues.Processing); err != nil {
		return fmt.Errorf("declare queue %s: %w", p.cfg.Queues.Processing, err)
	}
	for _, br := range p.branches {
		if err := p.broker.DeclareQueue(ctx, br.Queue); err != nil {
			return fmt.Errorf("declare queue %s: %w", br.Queue, err)
		}
	}

	if err := p.broker.Subscribe(ctx, p.cfg.Queues.Processing, p.HandleProcessing); err != nil {
		return err
	}
	for _, br := range p.branches {
		if err := p.broker.Subscribe(ctx, br.Queue, p.branchHandler(br)); err != nil {
			return err
		}
	}

	p.logger.Info("Fan-out Processor Started",
		zap.String("queue", p.cfg.Queues.Processing),
		zap.Int("branches", len(p.branches)))
	return nil
}

// Run starts the processor and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	p.logger.Info("Shutdown signal received, stopping fan-out processor...")
	return nil
}

// HandleProcessing publishes the consumed message to every branch queue.
// Branch failures are isolated: a publish error is recorded on its own span
// and the remaining siblings still go out.
func (p *Processor) HandleProcessing(ctx context.Context, d *broker.Delivery) {
	hopCtx, env := pipetrace.Extract(ctx, d.Headers)

	procCtx, span := p.tracer.Start(hopCtx, "payment.process",
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer),
		oteltrace.WithAttributes(attribute.Int("fanout.branches", len(p.branches))))
	defer span.End()

	for _, br := range p.branches {
		p.publishBranch(procCtx, env, br.Queue, d.Body)
	}

	if err := d.Ack(); err != nil {
		p.logger.Error("Ack Error", zap.String("queue", d.Queue), zap.Error(err))
	}
}

func (p *Processor) publishBranch(procCtx context.Context, env pipetrace.Envelope, queue string, body []byte) {
	pubCtx, span := p.tracer.Start(procCtx, queue+" publish",
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer),
		oteltrace.WithAttributes(attribute.String("messaging.destination", queue)))
	defer span.End()

	headers := map[string]string{}
	pipetrace.Inject(pubCtx, env, headers)

	if _, err := p.broker.Publish(pubCtx, queue, body, headers); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		p.logger.Error("Branch Publish Error", zap.String("queue", queue), zap.Error(err))
	}
}

func (p *Processor) branchHandler(br Branch) broker.Handler {
	return func(ctx context.Context, d *broker.Delivery) {
		hopCtx, _ := pipetrace.Extract(ctx, d.Headers)

		_, span := p.tracer.Start(hopCtx, br.Queue+" handle",
			oteltrace.WithSpanKind(oteltrace.SpanKindConsumer))
		defer span.End()

		p.clock.Sleep(p.workDuration(br))

		if br.Work != nil {
			if err := br.Work(ctx, d.Body); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				p.logger.Warn("Branch handler failed", zap.String("queue", br.Queue), zap.Error(err))
				if err := d.Nack(false); err != nil {
					p.logger.Error("Nack Error", zap.String("queue", br.Queue), zap.Error(err))
				}
				return
			}
		}

		span.SetStatus(codes.Ok, "")
		if err := d.Ack(); err != nil {
			p.logger.Error("Ack Error", zap.String("queue", br.Queue), zap.Error(err))
		}
	}
}

func (p *Processor) workDuration(br Branch) time.Duration {
	if br.MaxWork <= br.MinWork {
		return br.MinWork
	}
	return br.MinWork + time.Duration(p.rand.Float64()*float64(br.MaxWork-br.MinWork))
}
