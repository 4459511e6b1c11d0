package broker

import (
	"time"

	"go.uber.org/zap"

	"github.com/MoebiusX/OtelE2E-sub003/pkg/config"
)

// FromConfig builds the configured backend: "kafka" for the networked
// deployment, "memory" for the embedded simulator.
func FromConfig(cfg *config.Config, mode DeliveryMode, logger *zap.Logger, onDepth func(queue string, depth int)) (Broker, error) {
	if cfg.Broker.Backend == "kafka" {
		return NewKafka(cfg.Kafka.Brokers, cfg.Kafka.GroupID, mode, logger)
	}
	return NewMemory(MemoryOptions{
		Mode:     mode,
		MinDelay: time.Duration(cfg.Broker.MinDelayMs) * time.Millisecond,
		MaxDelay: time.Duration(cfg.Broker.MaxDelayMs) * time.Millisecond,
		Logger:   logger,
		OnDepth:  onDepth,
	}), nil
}
