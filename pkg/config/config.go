package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the pipeline binaries.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queues    QueuesConfig    `mapstructure:"queues"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Submitter SubmitterConfig `mapstructure:"submitter"`
}

type AppConfig struct {
	Env         string `mapstructure:"env"` // e.g., "local", "prod"
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// BrokerConfig selects the queue backend and tunes the simulated latency of
// the embedded one.
type BrokerConfig struct {
	Backend    string `mapstructure:"backend"` // "memory" or "kafka"
	MinDelayMs int    `mapstructure:"min_delay_ms"`
	MaxDelayMs int    `mapstructure:"max_delay_ms"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueuesConfig struct {
	Orders       string `mapstructure:"orders"`
	Responses    string `mapstructure:"responses"`
	DeadLetter   string `mapstructure:"dead_letter"` // empty disables dead-lettering
	Processing   string `mapstructure:"processing"`
	Validation   string `mapstructure:"validation"`
	Notification string `mapstructure:"notification"`
	Audit        string `mapstructure:"audit"`
}

type WorkerConfig struct {
	ProcessorID       string  `mapstructure:"processor_id"`
	ProcessingDelayMs int     `mapstructure:"processing_delay_ms"`
	ReferencePrice    float64 `mapstructure:"reference_price"` // quantity derivation for legacy payloads
}

type SubmitterConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
}

func (w WorkerConfig) ProcessingDelay() time.Duration {
	return time.Duration(w.ProcessingDelayMs) * time.Millisecond
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Load .env into the process environment first (if it exists), so viper's
	// AutomaticEnv can see those keys as real env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	v.SetDefault("app.env", "local")
	v.SetDefault("app.metrics_addr", ":9464")

	v.SetDefault("broker.backend", "memory")
	v.SetDefault("broker.min_delay_ms", 10)
	v.SetDefault("broker.max_delay_ms", 50)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "order-matchers")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queues.orders", "orders")
	v.SetDefault("queues.responses", "order-responses")
	v.SetDefault("queues.dead_letter", "orders-dlq")
	v.SetDefault("queues.processing", "payments.processing")
	v.SetDefault("queues.validation", "payments.validation")
	v.SetDefault("queues.notification", "payments.notification")
	v.SetDefault("queues.audit", "payments.audit")

	v.SetDefault("worker.processor_id", "")
	v.SetDefault("worker.processing_delay_ms", 80)
	v.SetDefault("worker.reference_price", 42500.0)

	v.SetDefault("submitter.interval_ms", 500)

	// Map dot-notation keys to underscore env vars (e.g. "broker.backend" -> BROKER_BACKEND).
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnv(v, "app.env", "app.metrics_addr")
	bindEnv(v, "broker.backend", "broker.min_delay_ms", "broker.max_delay_ms")
	bindEnv(v, "kafka.brokers", "kafka.group_id")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "queues.orders", "queues.responses", "queues.dead_letter")
	bindEnv(v, "queues.processing", "queues.validation", "queues.notification", "queues.audit")
	bindEnv(v, "worker.processor_id", "worker.processing_delay_ms", "worker.reference_price")
	bindEnv(v, "submitter.interval_ms")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %v", err)
	}

	if cfg.Broker.Backend != "memory" && cfg.Broker.Backend != "kafka" {
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}
	if cfg.Broker.Backend == "kafka" && len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}
	if cfg.Worker.ReferencePrice <= 0 {
		return nil, fmt.Errorf("worker reference price must be positive")
	}
	if cfg.Broker.MaxDelayMs < cfg.Broker.MinDelayMs {
		return nil, fmt.Errorf("broker max delay must be >= min delay")
	}

	return &cfg, nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
