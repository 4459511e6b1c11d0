package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/MoebiusX/OtelE2E-sub003/internal/matcher"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/broker"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/config"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/metrics"
	pipetrace "github.com/MoebiusX/OtelE2E-sub003/pkg/trace"
)

const service = "order-matcher"

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
	b, err := broker.FromConfig(cfg, broker.ModeCompeting, logger, m.ObserveDepth)
	if err != nil {
		logger.Fatal("Failed to construct broker", zap.Error(err))
	}

	worker := matcher.New(cfg, logger, b, m, otel.Tracer(service),
		matcher.RealRand{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))},
		matcher.RealClock{})

	metricsSrv := m.Serve(cfg.App.MetricsAddr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	// A broker connectivity failure at startup surfaces here; Fatal exits 1.
	if err := worker.Run(ctx); err != nil {
		logger.Fatal("Matcher failed", zap.Error(err))
	}

	logger.Info("Closing broker...")
	if err := b.Close(); err != nil {
		logger.Error("Error closing broker", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)
	tp.Shutdown(shutdownCtx)

	logger.Info("Matcher exited cleanly")
}
