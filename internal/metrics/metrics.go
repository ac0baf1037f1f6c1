package metrics

import (
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tcflow"

// Recorder owns the Prometheus collectors for one process.
//
// All methods are nil-safe so components can run without metrics.
type Recorder struct {
	registry         *prometheus.Registry
	hostCalls        *prometheus.CounterVec
	hostRetries      *prometheus.CounterVec
	workflowSteps    *prometheus.CounterVec
	pollTicks        prometheus.Counter
	workflowDuration *prometheus.HistogramVec
	invariants       *prometheus.CounterVec
}

// New registers the tcflow collectors on a private registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		hostCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_calls_total",
				Help:      "Automation host calls by operation and result.",
			},
			[]string{"op", "result"},
		),
		hostRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_call_retries_total",
				Help:      "Busy rejections absorbed by the call gate.",
			},
			[]string{"op"},
		),
		workflowSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_steps_total",
				Help:      "Workflow step outcomes.",
			},
			[]string{"workflow", "step", "outcome"},
		),
		pollTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Test-result poll ticks executed.",
		}),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Wall-clock workflow duration.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"workflow", "outcome"},
		),
		invariants: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invariant_violations_total",
				Help:      "Invariant violations reported at runtime.",
			},
			[]string{"invariant", "severity"},
		),
	}
	r.registry.MustRegister(
		r.hostCalls,
		r.hostRetries,
		r.workflowSteps,
		r.pollTicks,
		r.workflowDuration,
		r.invariants,
	)
	return r
}

// HostCall counts one completed gated host call.
func (r *Recorder) HostCall(op, result string) {
	if r == nil {
		return
	}
	r.hostCalls.WithLabelValues(label(op), label(result)).Inc()
}

// HostRetry counts one absorbed busy rejection.
func (r *Recorder) HostRetry(op string) {
	if r == nil {
		return
	}
	r.hostRetries.WithLabelValues(label(op)).Inc()
}

// Step counts one workflow step outcome.
func (r *Recorder) Step(workflow, step, outcome string) {
	if r == nil {
		return
	}
	r.workflowSteps.WithLabelValues(label(workflow), label(step), label(outcome)).Inc()
}

// PollTick counts one poll loop iteration.
func (r *Recorder) PollTick() {
	if r == nil {
		return
	}
	r.pollTicks.Inc()
}

// WorkflowDone observes one workflow duration.
func (r *Recorder) WorkflowDone(workflow, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.workflowDuration.WithLabelValues(label(workflow), label(outcome)).Observe(elapsed.Seconds())
}

// InvariantViolation counts one reported invariant violation. Its signature
// matches invariants.Observer.
func (r *Recorder) InvariantViolation(name, severity string) {
	if r == nil {
		return
	}
	r.invariants.WithLabelValues(label(name), label(severity)).Inc()
}

// Gatherer exposes the private registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

// WriteTextfile writes the current metrics in text exposition format for a
// node-exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return errors.New("metrics recorder is nil")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("textfile path is required")
	}
	return prometheus.WriteToTextfile(path, r.registry)
}

func label(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
