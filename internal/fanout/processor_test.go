package fanout_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/MoebiusX/OtelE2E-sub003/internal/fanout"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/broker"
	"github.com/MoebiusX/OtelE2E-sub003/pkg/config"
)

type instantClock struct{}

func (instantClock) Sleep(time.Duration) {}

type fixedRand struct{}

func (fixedRand) Float64() float64 { return 0.5 }

func testConfig() *config.Config {
	return &config.Config{
		Queues: config.QueuesConfig{
			Processing:   "payments.processing",
			Validation:   "payments.validation",
			Notification: "payments.notification",
			Audit:        "payments.audit",
		},
	}
}

func startProcessor(t *testing.T, branches ...fanout.Branch) (*broker.Memory, *tracetest.InMemoryExporter, context.CancelFunc) {
	t.Helper()

	b := broker.NewMemory(broker.MemoryOptions{})
	t.Cleanup(func() { b.Close() })

	exporter := tracetest.NewInMemoryExporter()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)).Tracer("fanout-test")

	p := fanout.New(testConfig(), zap.NewNop(), b, tracer, fixedRand{}, instantClock{}, branches...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := p.Run(ctx); err != nil {
			t.Errorf("processor run: %v", err)
		}
	}()

	// Run declares queues before subscribing; wait until publishes can land.
	require.Eventually(t, func() bool {
		_, err := b.Publish(ctx, "payments.processing", []byte(`{"probe":true}`), nil)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	return b, exporter, cancel
}

func spansByName(exporter *tracetest.InMemoryExporter) map[string][]tracetest.SpanStub {
	out := map[string][]tracetest.SpanStub{}
	for _, s := range exporter.GetSpans() {
		out[s.Name] = append(out[s.Name], s)
	}
	return out
}

func TestFanout_PublishesToAllThreeBranches(t *testing.T) {
	_, exporter, _ := startProcessor(t)

	require.Eventually(t, func() bool {
		spans := spansByName(exporter)
		return len(spans["payments.validation handle"]) >= 1 &&
			len(spans["payments.notification handle"]) >= 1 &&
			len(spans["payments.audit handle"]) >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFanout_BranchSpansAreSiblings(t *testing.T) {
	_, exporter, _ := startProcessor(t)

	var processing tracetest.SpanStub
	require.Eventually(t, func() bool {
		spans := spansByName(exporter)
		if len(spans["payment.process"]) == 0 {
			return false
		}
		processing = spans["payment.process"][0]
		return len(spans["payments.validation publish"]) >= 1 &&
			len(spans["payments.notification publish"]) >= 1 &&
			len(spans["payments.audit publish"]) >= 1
	}, 2*time.Second, 20*time.Millisecond)

	spans := spansByName(exporter)
	for _, queue := range []string{"payments.validation", "payments.notification", "payments.audit"} {
		pub := spans[queue+" publish"][0]
		assert.Equal(t, processing.SpanContext.SpanID(), pub.Parent.SpanID(),
			"%s publish must be a direct child of payment.process, not chained", queue)
	}
}

func TestFanout_AuditFailureIsolated(t *testing.T) {
	cfg := testConfig()
	branches := []fanout.Branch{
		{Queue: cfg.Queues.Validation},
		{Queue: cfg.Queues.Notification},
		{Queue: cfg.Queues.Audit, Work: func(context.Context, []byte) error {
			return errors.New("audit store unavailable")
		}},
	}

	_, exporter, _ := startProcessor(t, branches...)

	require.Eventually(t, func() bool {
		spans := spansByName(exporter)
		return len(spans["payments.validation handle"]) >= 1 &&
			len(spans["payments.notification handle"]) >= 1 &&
			len(spans["payments.audit handle"]) >= 1
	}, 2*time.Second, 20*time.Millisecond)

	spans := spansByName(exporter)
	assert.Equal(t, codes.Ok, spans["payments.validation handle"][0].Status.Code)
	assert.Equal(t, codes.Ok, spans["payments.notification handle"][0].Status.Code)
	assert.Equal(t, codes.Error, spans["payments.audit handle"][0].Status.Code)
}
