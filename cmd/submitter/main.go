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

	"github.com/MoebiusX/OtelE2E-sub003/internal/submitter"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/broker"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/config"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/metrics"
	pipetrace "github.com/MoebiusX/OtelE2E-sub003/pkg/trace"
)

const service = "order-submitter"

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

	s := submitter.New(cfg, logger, b, otel.Tracer(service),
		submitter.RealRand{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))},
		submitter.RealClock{})

	metricsSrv := m.Serve(cfg.App.MetricsAddr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := s.Run(ctx); err != nil {
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

	logger.Info("Submitter exited cleanly")
}
