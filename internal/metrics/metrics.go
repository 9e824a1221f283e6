package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PipelineCollector records what each driver invocation did. A nil
// collector is valid and records nothing.
type PipelineCollector struct {
	registry            *prometheus.Registry
	lessonsTransitioned *prometheus.CounterVec
	batches             *prometheus.CounterVec
	batchLines          *prometheus.CounterVec
	driverDuration      *prometheus.HistogramVec
}

// NewPipelineCollector constructs a collector on its own registry.
func NewPipelineCollector() (*PipelineCollector, error) {
	registry := prometheus.NewRegistry()

	lessonsTransitioned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "lessons_transitioned_total",
		Help:      "Lessons moved to a step status by a driver.",
	}, []string{"step", "status"})

	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "batches_total",
		Help:      "Provider batches by step and outcome (submitted, completed, failed).",
	}, []string{"step", "outcome"})

	batchLines := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "batch_lines_total",
		Help:      "Batch result lines handled, by step and result.",
	}, []string{"step", "result"})

	driverDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ingest",
		Name:      "driver_duration_seconds",
		Help:      "Wall time of a CLI driver invocation.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"command"})

	for _, c := range []prometheus.Collector{lessonsTransitioned, batches, batchLines, driverDuration} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return &PipelineCollector{
		registry:            registry,
		lessonsTransitioned: lessonsTransitioned,
		batches:             batches,
		batchLines:          batchLines,
		driverDuration:      driverDuration,
	}, nil
}

// LessonsTransitioned adds n lessons moved to (step, status).
func (c *PipelineCollector) LessonsTransitioned(step, status string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.lessonsTransitioned.WithLabelValues(step, status).Add(float64(n))
}

// Batch counts one batch reaching an outcome.
func (c *PipelineCollector) Batch(step, outcome string) {
	if c == nil {
		return
	}
	c.batches.WithLabelValues(step, outcome).Inc()
}

// BatchLines adds n result lines handled with the given result.
func (c *PipelineCollector) BatchLines(step, result string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.batchLines.WithLabelValues(step, result).Add(float64(n))
}

// ObserveDriver records how long a command ran.
func (c *PipelineCollector) ObserveDriver(command string, d time.Duration) {
	if c == nil {
		return
	}
	c.driverDuration.WithLabelValues(command).Observe(d.Seconds())
}

// Handler returns an HTTP handler exposing the collected metrics.
func (c *PipelineCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Push sends the collected metrics to a Pushgateway, replacing the metrics
// previously pushed under the same job and instance.
func (c *PipelineCollector) Push(ctx context.Context, gatewayURL, job, instance string) error {
	if c == nil || gatewayURL == "" {
		return nil
	}
	pusher := push.New(gatewayURL, job).Gatherer(c.registry)
	if instance != "" {
		pusher = pusher.Grouping("instance", instance)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
