// Package workflow sequences named multi-step workflows over a bound
// session and reports a structured result.
//
// An Engine runs an ordered list of steps. A failing required step halts
// the run and every later step is reported skipped, except cleanup steps,
// which always run. Best-effort steps record per-item failures without
// halting. In dry-run mode only non-mutating steps run; mutating steps are
// listed in the plan instead.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tcflow/tcflow/internal/events"
	"github.com/tcflow/tcflow/internal/logging"
	"github.com/tcflow/tcflow/internal/metrics"
	"github.com/tcflow/tcflow/internal/state"
	"github.com/tcflow/tcflow/internal/telemetry/invariants"
)

// StepKind sets the failure semantics of a step.
type StepKind string

const (
	// KindRequired halts the run on failure.
	KindRequired StepKind = "required"
	// KindBestEffort records failures per item and never halts the run.
	KindBestEffort StepKind = "best_effort"
	// KindCleanup always runs, even after a halt.
	KindCleanup StepKind = "cleanup"
)

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepSucceeded       StepStatus = "succeeded"
	StepFailed          StepStatus = "failed"
	StepPartiallyFailed StepStatus = "partially_failed"
	StepSkipped         StepStatus = "skipped"
	StepTimeout         StepStatus = "timeout"
	StepPlanned         StepStatus = "planned"
)

// Outcome is the overall result of a run.
type Outcome string

const (
	OutcomeSucceeded       Outcome = state.WorkflowSucceeded
	OutcomeFailed          Outcome = state.WorkflowFailed
	OutcomePartiallyFailed Outcome = state.WorkflowPartiallyFailed
	OutcomeTimeout         Outcome = state.WorkflowTimeout
)

var (
	// ErrSkip makes a step report itself skipped without failing.
	ErrSkip = errors.New("step skipped")
	// ErrTimeout makes a step halt the run with a timeout outcome.
	ErrTimeout = errors.New("step timed out")
)

// Skip returns an ErrSkip carrying a reason for the step result.
func Skip(reason string) error {
	return fmt.Errorf("%w: %s", ErrSkip, reason)
}

// Step is one unit of a workflow.
type Step struct {
	Name string
	Kind StepKind
	// Mutating steps change the host or runtime, or only make sense after
	// such a change. Dry runs plan them instead of running them.
	Mutating bool
	Run      func(ctx context.Context, sc *StepContext) error
	// Describe, when set, explains a planned step in dry-run mode. It runs
	// after every earlier non-mutating step.
	Describe func() string
}

// ItemResult is one item of a best-effort step.
type ItemResult struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// StepResult reports one step.
type StepResult struct {
	Name       string       `json:"name"`
	Kind       StepKind     `json:"kind"`
	Status     StepStatus   `json:"status"`
	Detail     string       `json:"detail,omitempty"`
	Error      string       `json:"error,omitempty"`
	Items      []ItemResult `json:"items,omitempty"`
	DurationMs int64        `json:"durationMs"`
}

// PlanEntry lists a step a dry run would have executed.
type PlanEntry struct {
	Step     string `json:"step"`
	Mutating bool   `json:"mutating"`
	Detail   string `json:"detail,omitempty"`
}

// Run describes one workflow execution.
type Run struct {
	ID       string
	Workflow string
	DryRun   bool
	Steps    []Step
}

// Report is what the engine returns for a run.
type Report struct {
	RunID    string
	Workflow string
	Outcome  Outcome
	DryRun   bool
	Steps    []StepResult
	Plan     []PlanEntry
	// Err is the error of the step that decided the outcome, if any.
	Err       error
	StartedAt time.Time
	Elapsed   time.Duration
}

// StepContext is handed to a running step.
type StepContext struct {
	runID    string
	workflow string
	step     string
	bus      events.Bus
	logger   *log.Logger
	items    []ItemResult
	detail   string
}

// Item records one item of a best-effort step. A nil err marks success.
func (sc *StepContext) Item(name string, err error) {
	item := ItemResult{Name: name, Status: StepSucceeded}
	if err != nil {
		item.Status = StepFailed
		item.Error = err.Error()
		sc.logger.Warn("step item failed", "step", sc.step, "item", name, "err", err)
	}
	sc.items = append(sc.items, item)
}

// Detail sets the human-readable detail of the step result.
func (sc *StepContext) Detail(format string, args ...any) {
	sc.detail = fmt.Sprintf(format, args...)
}

// Progress publishes a progress message tagged with the step name.
func (sc *StepContext) Progress(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	sc.logger.Debug("progress", "step", sc.step, "message", message)
	events.PublishProgress(sc.bus, events.Progress{
		RunID:    sc.runID,
		Workflow: sc.workflow,
		StepTag:  sc.step,
		Message:  message,
	})
}

// RunID returns the id of the run the step belongs to.
func (sc *StepContext) RunID() string {
	return sc.runID
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Machine *state.Machine
	Bus     events.Bus
	Metrics *metrics.Recorder
	Tracer  trace.Tracer
	Logger  *log.Logger
}

// Engine executes runs.
type Engine struct {
	machine *state.Machine
	bus     events.Bus
	metrics *metrics.Recorder
	tracer  trace.Tracer
	logger  *log.Logger
	now     func() time.Time
}

// NewEngine builds an engine. All options are optional.
func NewEngine(opts EngineOptions) *Engine {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("tcflow/workflow")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		machine: opts.Machine,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		tracer:  tracer,
		logger:  logger.With("component", "workflow"),
		now:     time.Now,
	}
}

// Execute runs every step of run in order and returns the report.
func (e *Engine) Execute(ctx context.Context, run Run) (Report, error) {
	if e == nil {
		return Report{}, errors.New("workflow engine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	workflow := strings.TrimSpace(run.Workflow)
	if workflow == "" {
		return Report{}, errors.New("workflow name is required")
	}
	for i, step := range run.Steps {
		if strings.TrimSpace(step.Name) == "" || step.Run == nil {
			return Report{}, fmt.Errorf("workflow %s: step %d needs a name and a run function", workflow, i)
		}
	}
	runID := strings.TrimSpace(run.ID)
	if runID == "" {
		runID = uuid.NewString()
	}

	started := e.now()
	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("workflow", workflow),
		attribute.Bool("dry_run", run.DryRun),
		attribute.Int("steps", len(run.Steps)),
	))
	defer span.End()

	logger := e.logger.With("run_id", runID, "workflow", workflow)
	report := Report{
		RunID:     runID,
		Workflow:  workflow,
		DryRun:    run.DryRun,
		Steps:     make([]StepResult, 0, len(run.Steps)),
		Plan:      make([]PlanEntry, 0),
		StartedAt: started.UTC(),
	}
	if err := e.transition(ctx, runID, state.WorkflowPending, state.WorkflowRunning, "started"); err != nil {
		return Report{}, err
	}
	logger.Info("workflow started", "dry_run", run.DryRun)

	var (
		halted   bool
		timedOut bool
	)
	for _, step := range run.Steps {
		kind := step.Kind
		if kind == "" {
			kind = KindRequired
		}
		if halted && kind != KindCleanup {
			report.Steps = append(report.Steps, StepResult{Name: step.Name, Kind: kind, Status: StepSkipped, Detail: "not run after earlier failure"})
			e.metrics.Step(workflow, step.Name, string(StepSkipped))
			continue
		}
		invariants.CheckFailFastRespected(ctx, "workflow.Engine.Execute", workflow, step.Name, halted && kind != KindCleanup)

		if run.DryRun && step.Mutating {
			entry := PlanEntry{Step: step.Name, Mutating: true}
			if step.Describe != nil {
				entry.Detail = step.Describe()
			}
			report.Plan = append(report.Plan, entry)
			report.Steps = append(report.Steps, StepResult{Name: step.Name, Kind: kind, Status: StepPlanned, Detail: entry.Detail})
			continue
		}
		if run.DryRun {
			report.Plan = append(report.Plan, PlanEntry{Step: step.Name})
		}

		stepCtx := ctx
		if kind == KindCleanup {
			stepCtx = context.WithoutCancel(ctx)
		}
		result, err := e.runStep(stepCtx, runID, workflow, kind, step, logger)
		report.Steps = append(report.Steps, result)
		e.metrics.Step(workflow, step.Name, string(result.Status))
		events.PublishEvent(e.bus, events.Event{
			Type:       events.EventTypeStepResult,
			EntityType: string(state.EntityWorkflow),
			EntityID:   runID,
			Payload:    result,
			Severity:   stepSeverity(result.Status),
		})

		switch {
		case kind == KindRequired && result.Status == StepTimeout:
			halted, timedOut = true, true
			report.Err = err
		case kind == KindRequired && result.Status == StepFailed:
			halted = true
			report.Err = err
		case kind == KindBestEffort && err != nil && report.Err == nil:
			report.Err = err
		case kind == KindCleanup && result.Status == StepFailed:
			logger.Warn("cleanup step failed", "step", step.Name, "err", err)
		}
	}

	report.Outcome = decideOutcome(report.Steps, halted, timedOut)
	report.Elapsed = e.now().Sub(started)
	if err := e.transition(ctx, runID, state.WorkflowRunning, string(report.Outcome), outcomeReason(report)); err != nil {
		logger.Warn("record workflow outcome failed", "err", err)
	}
	e.metrics.WorkflowDone(workflow, string(report.Outcome), report.Elapsed)

	span.SetAttributes(
		attribute.String("outcome", string(report.Outcome)),
		attribute.Int64("duration_ms", report.Elapsed.Milliseconds()),
	)
	if report.Outcome == OutcomeSucceeded {
		span.SetStatus(codes.Ok, string(report.Outcome))
	} else {
		if report.Err != nil {
			span.RecordError(report.Err)
		}
		span.SetStatus(codes.Error, string(report.Outcome))
	}
	logger.Info("workflow finished", "outcome", report.Outcome, "elapsed", report.Elapsed)
	return report, nil
}

func (e *Engine) runStep(ctx context.Context, runID, workflow string, kind StepKind, step Step, logger *log.Logger) (result StepResult, err error) {
	started := e.now()
	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("workflow", workflow),
		attribute.String("step", step.Name),
		attribute.String("kind", string(kind)),
	))
	sc := &StepContext{
		runID:    runID,
		workflow: workflow,
		step:     step.Name,
		bus:      e.bus,
		logger:   logger,
	}
	defer func() {
		result.DurationMs = e.now().Sub(started).Milliseconds()
		span.SetAttributes(
			attribute.String("status", string(result.Status)),
			attribute.Int64("duration_ms", result.DurationMs),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, string(result.Status))
		}
		span.End()
	}()

	logger.Debug("step started", "step", step.Name, "kind", kind)
	err = safeRun(ctx, step, sc)

	result = StepResult{Name: step.Name, Kind: kind, Detail: sc.detail, Items: sc.items}
	switch {
	case errors.Is(err, ErrSkip):
		result.Status = StepSkipped
		if result.Detail == "" {
			result.Detail = strings.TrimPrefix(strings.TrimPrefix(err.Error(), ErrSkip.Error()), ": ")
		}
		err = nil
	case errors.Is(err, ErrTimeout):
		result.Status = StepTimeout
		result.Error = err.Error()
	case err != nil:
		result.Status = StepFailed
		result.Error = err.Error()
	case len(sc.items) > 0:
		result.Status = aggregateItems(sc.items)
	default:
		result.Status = StepSucceeded
	}
	if kind == KindBestEffort && result.Status != StepSucceeded && result.Status != StepSkipped && err == nil {
		err = fmt.Errorf("step %s: %d of %d items failed", step.Name, failedItems(sc.items), len(sc.items))
	}
	logger.Debug("step finished", "step", step.Name, "status", result.Status)
	return result, err
}

func safeRun(ctx context.Context, step Step, sc *StepContext) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("step %s panicked: %v", step.Name, recovered)
		}
	}()
	return step.Run(ctx, sc)
}

func aggregateItems(items []ItemResult) StepStatus {
	failed := failedItems(items)
	switch {
	case failed == 0:
		return StepSucceeded
	case failed == len(items):
		return StepFailed
	default:
		return StepPartiallyFailed
	}
}

func failedItems(items []ItemResult) int {
	failed := 0
	for _, item := range items {
		if item.Status == StepFailed {
			failed++
		}
	}
	return failed
}

// decideOutcome applies, in order: a timeout halt, a required failure, then
// the items of best-effort steps. Best-effort items decide between
// Succeeded, PartiallyFailed (some failed) and Failed (all failed). Cleanup
// failures are reported on their step only.
func decideOutcome(steps []StepResult, halted, timedOut bool) Outcome {
	if timedOut {
		return OutcomeTimeout
	}
	if halted {
		return OutcomeFailed
	}
	var succeeded, failed int
	for _, step := range steps {
		if step.Kind != KindBestEffort {
			continue
		}
		if len(step.Items) == 0 {
			switch step.Status {
			case StepFailed:
				failed++
			case StepSucceeded:
				succeeded++
			}
			continue
		}
		for _, item := range step.Items {
			if item.Status == StepFailed {
				failed++
			} else {
				succeeded++
			}
		}
	}
	switch {
	case failed == 0:
		return OutcomeSucceeded
	case succeeded > 0:
		return OutcomePartiallyFailed
	default:
		return OutcomeFailed
	}
}

func (e *Engine) transition(ctx context.Context, runID, from, to, reason string) error {
	if e.machine == nil {
		return nil
	}
	if err := e.machine.Transition(ctx, state.EntityWorkflow, runID, from, to, reason); err != nil {
		return fmt.Errorf("workflow %s: %w", runID, err)
	}
	return nil
}

func outcomeReason(report Report) string {
	if report.Err != nil {
		return report.Err.Error()
	}
	return string(report.Outcome)
}

func stepSeverity(status StepStatus) string {
	switch status {
	case StepFailed, StepTimeout:
		return events.SeverityError
	case StepPartiallyFailed:
		return events.SeverityWarn
	default:
		return events.SeverityInfo
	}
}
