// Package poller decides the outcome of a test run hosted on the runtime.
//
// The runtime's only test output is free-text diagnostics. A Poller waits
// for the runtime to reach Run, then repeatedly checks the runtime state and
// scans the host's diagnostics snapshot until the summary is complete, the
// runtime faults, or the deadline passes.
package poller

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
	"github.com/tcflow/tcflow/internal/host"
	"github.com/tcflow/tcflow/internal/logging"
	"github.com/tcflow/tcflow/internal/metrics"
	"github.com/tcflow/tcflow/internal/runtimelink"
	"github.com/tcflow/tcflow/internal/state"
)

const (
	// DefaultInterval is the poll tick interval.
	DefaultInterval = time.Second
	// DefaultTimeout is the overall wall-clock budget of a poll run.
	DefaultTimeout = 5 * time.Minute
	// DefaultCompletionGrace is the extra wait for trailing messages.
	DefaultCompletionGrace = 2 * time.Second
)

// Outcome is the terminal result of a poll run.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeRuntimeFault Outcome = "runtime_fault"
	OutcomeTimeout      Outcome = "timeout"
)

// ErrRuntimeFault matches every *RuntimeFaultError.
var ErrRuntimeFault = errors.New("runtime fault")

// RuntimeFaultError reports an unexpected runtime state during a phase.
type RuntimeFaultError struct {
	Phase string
	State runtimelink.State
	Err   error
}

func (e *RuntimeFaultError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("runtime fault while %s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("runtime fault while %s: runtime in state %s", e.Phase, e.State)
}

// Is lets errors.Is match ErrRuntimeFault.
func (e *RuntimeFaultError) Is(target error) bool {
	return target == ErrRuntimeFault
}

func (e *RuntimeFaultError) Unwrap() error {
	return e.Err
}

// StateReader reads the runtime state.
type StateReader interface {
	ReadState(ctx context.Context) (runtimelink.State, error)
}

// DiagnosticsSource returns the current diagnostics snapshot.
type DiagnosticsSource interface {
	Diagnostics(ctx context.Context) ([]host.DiagnosticItem, error)
}

// TestPollState accumulates what a poll run has seen so far.
type TestPollState struct {
	Summary
	Messages []Message `json:"messages"`
	Failures []string  `json:"failures"`
}

func newTestPollState() TestPollState {
	return TestPollState{Messages: make([]Message, 0), Failures: make([]string, 0)}
}

// Observe folds one diagnostics snapshot into the state. Summary markers are
// read from every item; messages only from the test task. Messages and
// failures are deduplicated by exact text.
func (s *TestPollState) Observe(items []host.DiagnosticItem, task string) {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, item.Description)
	}
	s.Summary.Merge(ExtractSummary(lines))

	seen := make(map[string]struct{}, len(s.Messages))
	for _, msg := range s.Messages {
		seen[msg.Text] = struct{}{}
	}
	failures := make(map[string]struct{}, len(s.Failures))
	for _, failure := range s.Failures {
		failures[failure] = struct{}{}
	}
	for _, msg := range ExtractTaskMessages(items, task) {
		if _, dup := seen[msg.Text]; !dup {
			seen[msg.Text] = struct{}{}
			s.Messages = append(s.Messages, msg)
		}
		if IsFailure(msg.Text) {
			if _, dup := failures[msg.Text]; !dup {
				failures[msg.Text] = struct{}{}
				s.Failures = append(s.Failures, msg.Text)
			}
		}
	}
}

// Result is the final report of a poll run.
type Result struct {
	Outcome      Outcome       `json:"outcome"`
	State        TestPollState `json:"state"`
	AllPassed    bool          `json:"allPassed"`
	RuntimeState string        `json:"runtimeState,omitempty"`
	Ticks        int           `json:"ticks"`
	Elapsed      time.Duration `json:"elapsedNs"`
}

// Options configures a Poller.
type Options struct {
	Runtime         StateReader
	Diagnostics     DiagnosticsSource
	Interval        time.Duration
	CompletionGrace time.Duration
	Machine         *state.Machine
	Bus             events.Bus
	Metrics         *metrics.Recorder
	Tracer          trace.Tracer
	Logger          *log.Logger
}

// RunOptions configures one poll run.
type RunOptions struct {
	// ID names the poll entity in the state machine. Empty generates one.
	ID string
	// Task is the test task whose messages are collected. Empty selects
	// messages by test-output markers.
	Task    string
	Timeout time.Duration
	// Progress, when set, receives human-readable status lines.
	Progress func(message string)
}

// Poller runs test-result poll loops.
type Poller struct {
	runtime     StateReader
	diagnostics DiagnosticsSource
	interval    time.Duration
	grace       time.Duration
	machine     *state.Machine
	bus         events.Bus
	metrics     *metrics.Recorder
	tracer      trace.Tracer
	logger      *log.Logger
	now         func() time.Time
}

// New validates options and builds a Poller.
func New(opts Options) (*Poller, error) {
	if opts.Runtime == nil {
		return nil, errors.New("runtime state reader is required")
	}
	if opts.Diagnostics == nil {
		return nil, errors.New("diagnostics source is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	grace := opts.CompletionGrace
	if grace < 0 {
		grace = 0
	} else if grace == 0 {
		grace = DefaultCompletionGrace
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("tcflow/poller")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Poller{
		runtime:     opts.Runtime,
		diagnostics: opts.Diagnostics,
		interval:    interval,
		grace:       grace,
		machine:     opts.Machine,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		tracer:      tracer,
		logger:      logger.With("component", "poller"),
		now:         time.Now,
	}, nil
}

// Run drives AwaitingRunState, Polling and a terminal outcome. Timeout is
// an outcome, not an error. A runtime fault returns the result together with
// a *RuntimeFaultError. Host failures return an error.
func (p *Poller) Run(ctx context.Context, opts RunOptions) (Result, error) {
	if p == nil {
		return Result{}, errors.New("poller is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	started := p.now()
	ctx, span := p.tracer.Start(ctx, "poll.run", trace.WithAttributes(
		attribute.String("poll_id", id),
		attribute.String("task", opts.Task),
		attribute.Int64("timeout_ms", timeout.Milliseconds()),
	))
	run := &pollRun{
		poller:   p,
		parent:   ctx,
		id:       id,
		task:     strings.TrimSpace(opts.Task),
		progress: opts.Progress,
		current:  state.PollAwaitingRunState,
		result:   Result{State: newTestPollState()},
	}
	defer func() {
		run.result.Elapsed = p.now().Sub(started)
		span.SetAttributes(
			attribute.String("outcome", string(run.result.Outcome)),
			attribute.Int("ticks", run.result.Ticks),
			attribute.Int64("duration_ms", run.result.Elapsed.Milliseconds()),
		)
		span.End()
	}()

	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := run.execute(ctx, deadlineCtx)
	if err != nil && !errors.Is(err, ErrRuntimeFault) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, string(result.Outcome))
	}
	return result, err
}

type pollRun struct {
	poller   *Poller
	parent   context.Context
	id       string
	task     string
	progress func(string)
	current  string
	result   Result
}

func (r *pollRun) execute(parent, ctx context.Context) (Result, error) {
	p := r.poller

	r.report("waiting for runtime to enter Run")
	outcome, err := r.awaitRunState(ctx)
	if err != nil || outcome != "" {
		return r.finish(parent, outcome, err)
	}
	if err := r.transition(ctx, state.PollPolling, "runtime running"); err != nil {
		return r.result, err
	}
	r.report("runtime running, polling test results")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		outcome, err := r.tick(ctx)
		if err != nil || outcome != "" {
			return r.finish(parent, outcome, err)
		}
		if r.result.State.Complete() {
			r.report("test results exported")
			if err := sleepContext(parent, p.grace); err != nil {
				return r.result, err
			}
			if items, err := p.diagnostics.Diagnostics(parent); err == nil {
				r.result.State.Observe(items, r.task)
			}
			return r.finish(parent, OutcomeCompleted, nil)
		}
		select {
		case <-ctx.Done():
			outcome, err := r.expired()
			return r.finish(parent, outcome, err)
		case <-ticker.C:
		}
	}
}

// awaitRunState returns an empty outcome once the runtime is running.
func (r *pollRun) awaitRunState(ctx context.Context) (Outcome, error) {
	p := r.poller
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		current, err := p.runtime.ReadState(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return r.expired()
			}
			p.logger.Debug("runtime state unavailable, retrying", "err", err)
		case current.Running():
			r.result.RuntimeState = current.String()
			return "", nil
		case current.Transitional() || current.ADS == runtimelink.StateIdle:
			r.result.RuntimeState = current.String()
		default:
			r.result.RuntimeState = current.String()
			return OutcomeRuntimeFault, &RuntimeFaultError{Phase: "awaiting run state", State: current}
		}
		select {
		case <-ctx.Done():
			return r.expired()
		case <-ticker.C:
		}
	}
}

func (r *pollRun) tick(ctx context.Context) (Outcome, error) {
	p := r.poller
	p.metrics.PollTick()
	r.result.Ticks++

	current, err := p.runtime.ReadState(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return r.expired()
		}
		return OutcomeRuntimeFault, &RuntimeFaultError{Phase: "polling", Err: err}
	}
	r.result.RuntimeState = current.String()
	if !current.Running() {
		return OutcomeRuntimeFault, &RuntimeFaultError{Phase: "polling", State: current}
	}

	items, err := p.diagnostics.Diagnostics(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return r.expired()
		}
		return "", fmt.Errorf("read diagnostics: %w", err)
	}
	before := len(r.result.State.Messages)
	r.result.State.Observe(items, r.task)
	for _, msg := range r.result.State.Messages[before:] {
		r.report(msg.Text)
	}
	return "", nil
}

// expired maps a done run context to Timeout, unless the caller's own
// context was cancelled.
func (r *pollRun) expired() (Outcome, error) {
	if err := r.parent.Err(); err != nil {
		return "", err
	}
	return OutcomeTimeout, nil
}

func (r *pollRun) finish(parent context.Context, outcome Outcome, err error) (Result, error) {
	p := r.poller
	if outcome == "" {
		return r.result, err
	}
	r.result.Outcome = outcome
	summary := r.result.State.Summary
	r.result.AllPassed = outcome == OutcomeCompleted && summary.Failed != nil && *summary.Failed == 0 && len(r.result.State.Failures) == 0

	target := map[Outcome]string{
		OutcomeCompleted:    state.PollCompleted,
		OutcomeRuntimeFault: state.PollRuntimeFault,
		OutcomeTimeout:      state.PollTimeout,
	}[outcome]
	if transitionErr := r.transition(parent, target, string(outcome)); transitionErr != nil && err == nil {
		err = transitionErr
	}

	switch outcome {
	case OutcomeRuntimeFault:
		p.logger.Warn("runtime fault", "poll_id", r.id, "runtime_state", r.result.RuntimeState, "err", err)
		events.PublishEvent(p.bus, events.Event{
			Type:       events.EventTypeRuntimeFault,
			EntityType: string(state.EntityPoll),
			EntityID:   r.id,
			Payload:    r.result,
			Severity:   events.SeverityError,
		})
		r.report("runtime fault: " + r.result.RuntimeState)
	case OutcomeTimeout:
		p.logger.Warn("test results not complete before deadline", "poll_id", r.id, "ticks", r.result.Ticks)
		r.report("timed out waiting for test results")
	default:
		p.logger.Info("test results complete", "poll_id", r.id, "all_passed", r.result.AllPassed, "ticks", r.result.Ticks)
	}
	return r.result, err
}

func (r *pollRun) transition(ctx context.Context, to, reason string) error {
	p := r.poller
	if p.machine == nil {
		r.current = to
		return nil
	}
	if err := p.machine.Transition(ctx, state.EntityPoll, r.id, r.current, to, reason); err != nil {
		return fmt.Errorf("poll %s: %w", r.id, err)
	}
	r.current = to
	return nil
}

func (r *pollRun) report(message string) {
	if r.progress != nil {
		r.progress(message)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
