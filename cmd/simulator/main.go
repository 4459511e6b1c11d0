package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/MoebiusX/OtelE2E-sub003/internal/fanout"
	"github.com/MoebiusX/OtelE2E-sub003/internal/matcher"
	"github.com/MoebiusX/OtelE2E-sub003/internal/submitter"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/broker"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/config"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/metrics"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/models"
	pipetrace "github.com/MoebiusX/OtelE2E-sub003/pkg/trace"
)

const service = "pipeline-simulator"

// The simulator runs the whole pipeline in one process on the embedded
// broker in fan-out delivery mode, without Kafka or Redis. Useful for demos
// and for eyeballing the trace topology in the span log.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.App.Env)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	tp := pipetrace.NewProvider(service, logger)

	m := metrics.New()
	b := broker.NewMemory(broker.MemoryOptions{
		Mode:     broker.ModeFanOut,
		MinDelay: time.Duration(cfg.Broker.MinDelayMs) * time.Millisecond,
		MaxDelay: time.Duration(cfg.Broker.MaxDelayMs) * time.Millisecond,
		Logger:   logger,
		OnDepth:  m.ObserveDepth,
	})

	tracer := otel.Tracer(service)
	seed := time.Now().UnixNano()

	// Each component gets its own rand source; *rand.Rand is not safe for
	// concurrent use across the three consumer goroutines.
	sub := submitter.New(cfg, logger, b, tracer,
		submitter.RealRand{Rand: rand.New(rand.NewSource(seed))}, submitter.RealClock{})
	match := matcher.New(cfg, logger, b, m, tracer,
		matcher.RealRand{Rand: rand.New(rand.NewSource(seed + 1))}, matcher.RealClock{})
	proc := fanout.New(cfg, logger, b, tracer,
		fanout.RealRand{Rand: rand.New(rand.NewSource(seed + 2))}, fanout.RealClock{})

	metricsSrv := m.Serve(cfg.App.MetricsAddr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	// Fan-out delivery only reaches subscribers registered at publish time, so
	// every consumer must be live before the submit loop produces anything.
	if err := match.Start(ctx); err != nil {
		logger.Fatal("Matcher failed to start", zap.Error(err))
	}
	if err := proc.Start(ctx); err != nil {
		logger.Fatal("Fan-out processor failed to start", zap.Error(err))
	}

	// Terminal consumer: log each fill and trigger the payment pipeline.
	if err := b.DeclareQueue(ctx, cfg.Queues.Responses); err != nil {
		logger.Fatal("Failed to declare response queue", zap.Error(err))
	}
	err = b.Subscribe(ctx, cfg.Queues.Responses, func(ctx context.Context, d *broker.Delivery) {
		_, env := pipetrace.Extract(ctx, d.Headers)

		var resp models.ExecutionResponse
		if err := json.Unmarshal(d.Body, &resp); err != nil {
			logger.Error("JSON Unmarshal Error", zap.Error(err))
			d.Nack(false)
			return
		}

		logger.Info("Execution response",
			zap.String("order_id", resp.OrderID),
			zap.String("status", string(resp.Status)),
			zap.Float64("fill_price", resp.FillPrice),
			zap.String("processor_id", resp.ProcessorID))

		if resp.Status == models.StatusFilled {
			resultCtx, span := tracer.Start(env.Root.Context(ctx), "payment.initiate")
			headers := map[string]string{}
			pipetrace.Inject(resultCtx, env, headers)
			if _, err := b.Publish(resultCtx, cfg.Queues.Processing, d.Body, headers); err != nil {
				logger.Error("Processing Publish Error", zap.Error(err))
			}
			span.End()
		}
		d.Ack()
	})
	if err != nil {
		logger.Fatal("Failed to subscribe response consumer", zap.Error(err))
	}

	if err := sub.Run(ctx); err != nil {
		logger.Fatal("Submitter failed", zap.Error(err))
	}

	logger.Info("Closing broker...")
	if err := b.Close(); err != nil {
		logger.Error("Error closing broker", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)
	tp.Shutdown(shutdownCtx)

	logger.Info("Simulator exited cleanly")
}
