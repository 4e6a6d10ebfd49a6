// Package metrics counts test and step outcomes in a Prometheus registry
// that can be exported in the node-exporter textfile format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/executor"
	"github.com/devicelab-dev/pagecheck/pkg/flow"
)

const namespace = "pagecheck"

// loadAction labels start-condition results, which have no action.
const loadAction = "load"

// Collector is an executor.Observer that records run metrics. Each
// Collector owns its registry.
type Collector struct {
	registry *prometheus.Registry

	TestsTotal    *prometheus.CounterVec
	TestDuration  *prometheus.HistogramVec
	TestsRunning  prometheus.Gauge
	StepsTotal    *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	StepFailures  *prometheus.CounterVec
	CriticalTotal *prometheus.CounterVec
}

var _ executor.Observer = (*Collector)(nil)

// New creates a collector with a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		TestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "test",
				Name:      "results_total",
				Help:      "Finished tests by status",
			},
			[]string{"status"},
		),
		TestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "test",
				Name:      "duration_seconds",
				Help:      "Test duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
			},
			[]string{"status"},
		),
		TestsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "test",
				Name:      "running",
				Help:      "Tests currently executing",
			},
		),
		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "step",
				Name:      "results_total",
				Help:      "Finished steps and failed start conditions by action and status",
			},
			[]string{"action", "status"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "step",
				Name:      "duration_seconds",
				Help:      "Step duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
			[]string{"action"},
		),
		StepFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "step",
				Name:      "failures_total",
				Help:      "Step failures by error category and code",
			},
			[]string{"category", "code"},
		),
		CriticalTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "test",
				Name:      "critical_errors_total",
				Help:      "Tests ended by a critical error, by error code",
			},
			[]string{"code"},
		),
	}
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// WriteTextfile writes every metric to path in the text exposition format.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}

func (c *Collector) OnTestStart(executor.TestInfo) {
	c.TestsRunning.Inc()
}

func (c *Collector) OnStateChange(executor.TestInfo, executor.State) {}

func (c *Collector) OnStepStart(executor.TestInfo, int, *flow.Step) {}

func (c *Collector) OnStepEnd(_ executor.TestInfo, _ int, result *core.StepResult) {
	action := string(result.Action)
	if action == "" {
		action = loadAction
	}
	c.StepsTotal.WithLabelValues(action, result.Status.String()).Inc()
	c.StepDuration.WithLabelValues(action).Observe(result.Duration.Seconds())
	if result.Failed() {
		c.StepFailures.WithLabelValues(result.Category.String(), result.Code).Inc()
	}
}

func (c *Collector) OnTestEnd(_ executor.TestInfo, result *core.TestResult) {
	c.TestsRunning.Dec()
	status := result.Status.String()
	c.TestsTotal.WithLabelValues(status).Inc()
	c.TestDuration.WithLabelValues(status).Observe(result.Duration.Seconds())
	if result.Critical {
		c.CriticalTotal.WithLabelValues(core.CodeOf(result.Err)).Inc()
	}
}

// RecordSkipped counts tests the runner skipped; they never reach the
// observer.
func (c *Collector) RecordSkipped(run *core.RunResult) {
	for _, t := range run.Tests {
		if t.Status == core.StatusSkipped {
			c.TestsTotal.WithLabelValues(t.Status.String()).Inc()
		}
	}
}
