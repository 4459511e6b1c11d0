package tests

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/MoebiusX/OtelE2E-sub003/internal/fanout"
	"github.com/MoebiusX/OtelE2E-sub003/internal/matcher"
	"github.com/MoebiusX/OtelE2E-sub003/internal/responder"
	"github.com/MoebiusX/OtelE2E-sub003/internal/submitter"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/broker"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/config"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/metrics"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/models"
)

func pipelineConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Queues = config.QueuesConfig{
		Orders:       "orders",
		Responses:    "order-responses",
		DeadLetter:   "orders-dlq",
		Processing:   "payments.processing",
		Validation:   "payments.validation",
		Notification: "payments.notification",
		Audit:        "payments.audit",
	}
	cfg.Worker.ProcessorID = "itest-matcher"
	cfg.Worker.ReferencePrice = 42500
	return cfg
}

// Wires submitter, matcher and responder on the embedded broker and follows
// one order from submission to the stored result in Redis.
func TestPipeline_OrderToStoredResult(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := pipelineConfig()
	logger := zap.NewNop()

	exporter := tracetest.NewInMemoryExporter()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)).Tracer("pipeline-itest")

	b := broker.NewMemory(broker.MemoryOptions{Logger: logger})
	defer b.Close()

	sub := submitter.New(cfg, logger, b, tracer,
		submitter.RealRand{Rand: rand.New(rand.NewSource(7))}, submitter.RealClock{})
	match := matcher.New(cfg, logger, b, metrics.New(), tracer,
		matcher.RealRand{Rand: rand.New(rand.NewSource(8))}, matcher.RealClock{})
	resp := responder.New(cfg, logger, b, rdb, tracer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Consumers come up synchronously so the very first submitted order is
	// already covered by live subscriptions.
	require.NoError(t, match.Start(ctx))
	require.NoError(t, resp.Start(ctx))

	corrID, err := sub.Submit(ctx, models.OrderMessage{
		OrderID:      "ORD-IT-1",
		Pair:         "BTC/USD",
		Side:         models.SideBuy,
		Quantity:     0.5,
		OrderType:    models.OrderTypeMarket,
		CurrentPrice: 50000,
	})
	require.NoError(t, err)

	key := "order:result:" + corrID
	require.Eventually(t, func() bool { return mr.Exists(key) },
		3*time.Second, 50*time.Millisecond, "result never reached Redis")

	raw, err := mr.Get(key)
	require.NoError(t, err)

	var stored models.ExecutionResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, "ORD-IT-1", stored.OrderID)
	assert.Equal(t, corrID, stored.CorrelationID)
	assert.Equal(t, models.StatusFilled, stored.Status)
	assert.Equal(t, "itest-matcher", stored.ProcessorID)
	// BUY slippage is 0.01%..0.51% above the quoted price.
	assert.GreaterOrEqual(t, stored.FillPrice, 50005.0)
	assert.LessOrEqual(t, stored.FillPrice, 50255.0)

	// The whole flow is one connected trace: the hop headers chain every span
	// to the submit span's trace, and the preserved root header additionally
	// lets the result span parent directly on order.submit.
	spans := exporter.GetSpans()
	byName := map[string][]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = append(byName[s.Name], s)
	}

	var submitSpan, resultSpan *tracetest.SpanStub
	for i, s := range byName["order.submit"] {
		if hasAttr(s, "order.id", "ORD-IT-1") {
			submitSpan = &byName["order.submit"][i]
		}
	}
	require.NotNil(t, submitSpan)
	for i, s := range byName["order.result"] {
		if s.SpanContext.TraceID() == submitSpan.SpanContext.TraceID() {
			resultSpan = &byName["order.result"][i]
		}
	}
	require.NotNil(t, resultSpan, "order.result should resume the submit trace")
	assert.Equal(t, submitSpan.SpanContext.SpanID(), resultSpan.Parent.SpanID())

	var matchSpan *tracetest.SpanStub
	for i, s := range byName["order.match"] {
		if hasAttr(s, "order.id", "ORD-IT-1") {
			matchSpan = &byName["order.match"][i]
		}
	}
	require.NotNil(t, matchSpan)
	assert.Equal(t, submitSpan.SpanContext.TraceID(), matchSpan.SpanContext.TraceID(),
		"hop propagation keeps every stage in the submit span's trace")
	assert.Equal(t, submitSpan.SpanContext.SpanID(), matchSpan.Parent.SpanID(),
		"order.match is a child of the publishing span")
}

// Feeds a filled response into the payment queue and checks all three
// downstream branches run.
func TestPipeline_FanOutBranchesRun(t *testing.T) {
	cfg := pipelineConfig()
	logger := zap.NewNop()

	exporter := tracetest.NewInMemoryExporter()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)).Tracer("pipeline-itest")

	b := broker.NewMemory(broker.MemoryOptions{Logger: logger})
	defer b.Close()

	proc := fanout.New(cfg, logger, b, tracer,
		fanout.RealRand{Rand: rand.New(rand.NewSource(7))}, fanout.RealClock{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, proc.Start(ctx))

	payload, _ := json.Marshal(models.ExecutionResponse{OrderID: "ORD-IT-2", Status: models.StatusFilled})
	_, err := b.Publish(ctx, cfg.Queues.Processing, payload, map[string]string{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		seen := map[string]bool{}
		for _, s := range exporter.GetSpans() {
			seen[s.Name] = true
		}
		return seen["payments.validation handle"] &&
			seen["payments.notification handle"] &&
			seen["payments.audit handle"]
	}, 3*time.Second, 50*time.Millisecond, "not every branch handled the payment")
}

func hasAttr(s tracetest.SpanStub, key, want string) bool {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key && kv.Value.AsString() == want {
			return true
		}
	}
	return false
}
