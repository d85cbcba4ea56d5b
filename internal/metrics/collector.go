// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records the orchestration pipeline's metrics.
type Collector struct {
	// Turn metrics
	turnsTotal     *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	turnIterations prometheus.Histogram
	lockWait       prometheus.Histogram

	// Model call metrics
	modelRequestsTotal   *prometheus.CounterVec
	modelRequestDuration *prometheus.HistogramVec
	modelTokensUsed      *prometheus.CounterVec

	// Tool metrics
	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	// Registry metrics
	snapshotBuilds *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the pipeline metrics under the given namespace.
// A nil registerer uses the default registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.turnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of conversation turns",
		},
		[]string{"source", "status"},
	)

	c.turnDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Conversation turn duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"source"},
	)

	c.turnIterations = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_iterations",
			Help:      "Model round-trips per turn",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	c.lockWait = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_lock_wait_seconds",
			Help:      "Time spent waiting for the per-conversation lock",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.modelRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_requests_total",
			Help:      "Total number of model requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.modelRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_request_duration_seconds",
			Help:      "Model request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.modelTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.toolCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)

	c.toolCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	c.snapshotBuilds = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_snapshot_builds_total",
			Help:      "Total number of tool snapshot builds",
		},
		[]string{"status"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordTurn records one finished conversation turn.
func (c *Collector) RecordTurn(source, status string, iterations int, duration time.Duration) {
	c.turnsTotal.WithLabelValues(source, status).Inc()
	c.turnDuration.WithLabelValues(source).Observe(duration.Seconds())
	c.turnIterations.Observe(float64(iterations))
}

// RecordLockWait records time spent acquiring the per-conversation lock.
func (c *Collector) RecordLockWait(duration time.Duration) {
	c.lockWait.Observe(duration.Seconds())
}

// RecordModelRequest records one model round-trip.
func (c *Collector) RecordModelRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.modelRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.modelRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.modelTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.modelTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// RecordToolCall records one tool invocation.
func (c *Collector) RecordToolCall(tool, status string, duration time.Duration) {
	c.toolCallsTotal.WithLabelValues(tool, status).Inc()
	c.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordSnapshotBuild records one tool snapshot build.
func (c *Collector) RecordSnapshotBuild(status string) {
	c.snapshotBuilds.WithLabelValues(status).Inc()
}
