package metrics

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the Prometheus collectors for the execution pipeline.
type Metrics struct {
	OrdersProcessed    *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	Slippage           *prometheus.HistogramVec
	QueueMessages      *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New builds the metric set on its own registry so tests and multiple
// instances stay isolated.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		OrdersProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orders_processed_total",
				Help: "Total number of orders processed by terminal status",
			},
			[]string{"status", "side"},
		),
		ProcessingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "order_processing_duration_seconds",
				Help:    "Order processing duration in seconds",
				Buckets: []float64{.01, .025, .05, .075, .1, .25, .5, 1, 2.5},
			},
			[]string{"side"},
		),
		Slippage: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "order_slippage_percent",
				Help:    "Simulated fill slippage as a percentage of the quoted price",
				Buckets: []float64{.01, .05, .1, .2, .3, .4, .51},
			},
			[]string{"side"},
		),
		QueueMessages: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_messages",
				Help: "Current number of messages buffered per queue",
			},
			[]string{"queue"},
		),
	}
}

// ObserveDepth is the broker depth callback.
func (m *Metrics) ObserveDepth(queue string, depth int) {
	m.QueueMessages.WithLabelValues(queue).Set(float64(depth))
}

// Serve exposes the pull endpoint and liveness probe. The returned server is
// already listening; callers shut it down on exit.
func (m *Metrics) Serve(addr string, logger *zap.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	return srv
}
