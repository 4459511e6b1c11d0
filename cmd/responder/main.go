package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/MoebiusX/OtelE2E-sub003/internal/responder"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/broker"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/config"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/metrics"
	pipetrace "github.com/MoebiusX/OtelE2E-sub003/pkg/trace"
)

const service = "order-responder"

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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	m := metrics.New()
	b, err := broker.FromConfig(cfg, broker.ModeCompeting, logger, m.ObserveDepth)
	if err != nil {
		logger.Fatal("Failed to construct broker", zap.Error(err))
	}

	r := responder.New(cfg, logger, b, rdb, otel.Tracer(service))

	metricsSrv := m.Serve(cfg.App.MetricsAddr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := r.Run(ctx); err != nil {
		logger.Fatal("Responder failed", zap.Error(err))
	}

	logger.Info("Closing broker...")
	if err := b.Close(); err != nil {
		logger.Error("Error closing broker", zap.Error(err))
	}

	logger.Info("Closing Redis...")
	rdb.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)
	tp.Shutdown(shutdownCtx)

	logger.Info("Responder exited cleanly")
}
