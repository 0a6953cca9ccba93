package embeddings

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metrics holds all embedding-related metrics.
type Metrics struct {
	logger   *zap.Logger
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance for embeddings. Collectors are
// registered on the default registry; duplicate registration (tests building
// several services) falls back to the already-registered collector.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		logger: logger,
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "entityd_embedding_generation_duration_seconds",
			Help:    "Duration of embedding generation in seconds, labeled by model and mode.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"model", "mode"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entityd_embedding_errors_total",
			Help: "Total embedding generation errors by model and mode.",
		}, []string{"model", "mode"}),
	}
	m.duration = registerHistogramVec(m.duration, logger)
	m.errors = registerCounterVec(m.errors, logger)
	return m
}

func registerHistogramVec(c *prometheus.HistogramVec, logger *zap.Logger) *prometheus.HistogramVec {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.HistogramVec)
		}
		logger.Warn("failed to register histogram", zap.Error(err))
	}
	return c
}

func registerCounterVec(c *prometheus.CounterVec, logger *zap.Logger) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
		logger.Warn("failed to register counter", zap.Error(err))
	}
	return c
}

// RecordGeneration records embedding generation metrics.
func (m *Metrics) RecordGeneration(model, mode string, duration time.Duration, err error) {
	m.duration.WithLabelValues(model, mode).Observe(duration.Seconds())
	if err != nil {
		m.errors.WithLabelValues(model, mode).Inc()
	}
}
