package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/tcflow/tcflow/internal/callgate"
	"github.com/tcflow/tcflow/internal/events"
	"github.com/tcflow/tcflow/internal/host"
	"github.com/tcflow/tcflow/internal/logging"
	"github.com/tcflow/tcflow/internal/metadata"
	"github.com/tcflow/tcflow/internal/metrics"
	"github.com/tcflow/tcflow/internal/poller"
	"github.com/tcflow/tcflow/internal/runtimelink"
	"github.com/tcflow/tcflow/internal/session"
	"github.com/tcflow/tcflow/internal/state"
)

// Workflow names.
const (
	WorkflowBuild       = "build"
	WorkflowDeploy      = "deploy"
	WorkflowIO          = "io"
	WorkflowBootProject = "boot_project"
	WorkflowTest        = "test"
	WorkflowInfo        = "info"
)

const (
	// DefaultRestartWait is the pause between activation and restart.
	DefaultRestartWait = 5 * time.Second
	// DefaultADSPort is the runtime port of the first PLC.
	DefaultADSPort = 851
)

// Sessions binds sessions for projects.
type Sessions interface {
	Acquire(ctx context.Context, gate *callgate.Gate, req session.Request) (*session.Handle, error)
}

// LinkFactory returns a new, unconnected runtime link.
type LinkFactory func() (runtimelink.Link, error)

// Options configures an Orchestrator.
type Options struct {
	Sessions Sessions
	// Metadata defaults to the YAML sidecar provider.
	Metadata metadata.Provider
	// Links is required by the test workflow only.
	Links LinkFactory

	// LocalNetID addresses the local runtime when a run has no target.
	LocalNetID    string
	RetryInterval time.Duration
	// RestartWait is the pause between activation and restart. Negative
	// disables it.
	RestartWait     time.Duration
	DefaultADSPort  int
	PollInterval    time.Duration
	PollTimeout     time.Duration
	CompletionGrace time.Duration

	Machine *state.Machine
	Bus     events.Bus
	Metrics *metrics.Recorder
	Tracer  trace.Tracer
	Logger  *log.Logger
}

// Orchestrator runs the named workflows.
type Orchestrator struct {
	sessions        Sessions
	metadata        metadata.Provider
	links           LinkFactory
	engine          *Engine
	localNetID      string
	retryInterval   time.Duration
	restartWait     time.Duration
	defaultPort     int
	pollInterval    time.Duration
	pollTimeout     time.Duration
	completionGrace time.Duration
	machine         *state.Machine
	bus             events.Bus
	metrics         *metrics.Recorder
	tracer          trace.Tracer
	logger          *log.Logger
	sleep           func(context.Context, time.Duration) error
}

// New validates options and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session registry is required")
	}
	provider := opts.Metadata
	if provider == nil {
		provider = metadata.SidecarProvider{}
	}
	restartWait := opts.RestartWait
	if restartWait < 0 {
		restartWait = 0
	} else if restartWait == 0 {
		restartWait = DefaultRestartWait
	}
	port := opts.DefaultADSPort
	if port <= 0 {
		port = DefaultADSPort
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Orchestrator{
		sessions:        opts.Sessions,
		metadata:        provider,
		links:           opts.Links,
		engine:          NewEngine(EngineOptions{Machine: opts.Machine, Bus: opts.Bus, Metrics: opts.Metrics, Tracer: opts.Tracer, Logger: logger}),
		localNetID:      strings.TrimSpace(opts.LocalNetID),
		retryInterval:   opts.RetryInterval,
		restartWait:     restartWait,
		defaultPort:     port,
		pollInterval:    opts.PollInterval,
		pollTimeout:     opts.PollTimeout,
		completionGrace: opts.CompletionGrace,
		machine:         opts.Machine,
		bus:             opts.Bus,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		logger:          logger,
		sleep:           sleepContext,
	}, nil
}

// ProjectRequest is common to every workflow that binds a session.
type ProjectRequest struct {
	ProjectPath string
	// ForceVersion selects a tool version that must be installed. It
	// overrides the version the project declares.
	ForceVersion string
	// Variant, when set, is selected before anything else changes.
	Variant string
	// RunID names the run. Empty generates one.
	RunID  string
	DryRun bool
}

// BuildRequest configures the build workflow.
type BuildRequest struct {
	ProjectRequest
	Clean bool
}

// DeployRequest configures the deploy workflow.
type DeployRequest struct {
	ProjectRequest
	SkipBuild bool
	// TargetNetID overrides the target declared in the project metadata.
	TargetNetID string
	// PLC limits boot project configuration to one PLC project.
	PLC string
}

// IORequest configures the I/O workflow.
type IORequest struct {
	ProjectRequest
	// Devices limits the change to named devices. Empty means all.
	Devices []string
	Enable  bool
	// Activate activates the configuration and restarts the runtime
	// afterwards.
	Activate bool
}

// BootProjectRequest configures the boot project workflow.
type BootProjectRequest struct {
	ProjectRequest
	PLC       string
	Autostart bool
}

// TestRequest configures the test workflow.
type TestRequest struct {
	ProjectRequest
	SkipBuild   bool
	TargetNetID string
	// Task names the test task. Empty auto-detects it.
	Task string
	// PLC selects the PLC whose runtime port is polled.
	PLC string
	// Port overrides the runtime port.
	Port    int
	Timeout time.Duration
	// StartVariable names a BOOL symbol set to TRUE once the runtime is
	// connected, for test programs that wait for a start signal.
	StartVariable string
}

// InfoRequest configures the info workflow.
type InfoRequest struct {
	ProjectPath string
	RunID       string
	// Live binds a session to list PLC projects and variants from the host.
	Live bool
}

// Result is the structured outcome of one workflow run.
type Result struct {
	RunID       string                `json:"runId"`
	Workflow    string                `json:"workflow"`
	Outcome     Outcome               `json:"outcome"`
	Summary     string                `json:"summary"`
	Error       string                `json:"error,omitempty"`
	DryRun      bool                  `json:"dryRun"`
	Steps       []StepResult          `json:"steps"`
	Plan        []PlanEntry           `json:"plan,omitempty"`
	Diagnostics []host.DiagnosticItem `json:"diagnostics"`
	Session     *session.Session      `json:"session,omitempty"`
	Project     *metadata.ProjectInfo `json:"project,omitempty"`
	PLCs        []host.PLCProject     `json:"plcs,omitempty"`
	Variants    []string              `json:"variants,omitempty"`
	TestTask    string                `json:"testTask,omitempty"`
	Test        *poller.Result        `json:"test,omitempty"`
	StartedAt   time.Time             `json:"startedAt"`
	DurationMs  int64                 `json:"durationMs"`

	err error
}

// Err returns the error that decided a non-successful outcome.
func (r Result) Err() error {
	return r.err
}

// Succeeded reports whether the outcome is succeeded.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeSucceeded
}

// Build cleans (optionally) and builds the project and reports its
// diagnostics.
func (o *Orchestrator) Build(ctx context.Context, req BuildRequest) (Result, error) {
	rs, err := o.newRun(WorkflowBuild, req.ProjectRequest)
	if err != nil {
		return Result{}, err
	}
	steps := []Step{rs.readMetadata(), rs.acquireSession(), rs.discover(discovery{})}
	steps = append(steps, rs.selectVariant()...)
	if req.Clean {
		steps = append(steps, rs.clean())
	}
	steps = append(steps, rs.build())
	steps = append(steps, rs.cleanups()...)
	return o.execute(ctx, rs, steps)
}

// Deploy builds (unless skipped), selects the target, configures boot
// projects, activates the configuration and restarts the runtime.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (Result, error) {
	rs, err := o.newRun(WorkflowDeploy, req.ProjectRequest)
	if err != nil {
		return Result{}, err
	}
	rs.targetNetID = strings.TrimSpace(req.TargetNetID)
	steps := []Step{rs.readMetadata(), rs.acquireSession(), rs.discover(discovery{plc: req.PLC})}
	steps = append(steps, rs.selectVariant()...)
	if !req.SkipBuild {
		steps = append(steps, rs.build())
	}
	steps = append(steps,
		rs.setTarget(),
		rs.bootProjects(true),
		rs.activate(),
		rs.waitBeforeRestart(),
		rs.restart(),
	)
	steps = append(steps, rs.cleanups()...)
	return o.execute(ctx, rs, steps)
}

// IO enables or disables I/O devices, typically to run tests without
// hardware attached.
func (o *Orchestrator) IO(ctx context.Context, req IORequest) (Result, error) {
	rs, err := o.newRun(WorkflowIO, req.ProjectRequest)
	if err != nil {
		return Result{}, err
	}
	steps := []Step{rs.readMetadata(), rs.acquireSession(), rs.discover(discovery{}), rs.discoverIODevices(req.Devices)}
	steps = append(steps, rs.selectVariant()...)
	steps = append(steps, rs.setIODevices(req.Enable))
	if req.Activate {
		steps = append(steps, rs.activate(), rs.waitBeforeRestart(), rs.restart())
	}
	steps = append(steps, rs.cleanups()...)
	return o.execute(ctx, rs, steps)
}

// SetBootProject enables and generates boot projects, for every PLC or the
// named one.
func (o *Orchestrator) SetBootProject(ctx context.Context, req BootProjectRequest) (Result, error) {
	rs, err := o.newRun(WorkflowBootProject, req.ProjectRequest)
	if err != nil {
		return Result{}, err
	}
	steps := []Step{rs.readMetadata(), rs.acquireSession(), rs.discover(discovery{plc: req.PLC})}
	steps = append(steps, rs.selectVariant()...)
	steps = append(steps, rs.bootProjects(req.Autostart))
	steps = append(steps, rs.cleanups()...)
	return o.execute(ctx, rs, steps)
}

// RunTests deploys the project, waits for the runtime to run the tests and
// polls the diagnostics until the results are exported.
func (o *Orchestrator) RunTests(ctx context.Context, req TestRequest) (Result, error) {
	if o != nil && o.links == nil {
		return Result{}, errors.New("runtime link factory is required for tests")
	}
	rs, err := o.newRun(WorkflowTest, req.ProjectRequest)
	if err != nil {
		return Result{}, err
	}
	rs.targetNetID = strings.TrimSpace(req.TargetNetID)
	rs.port = req.Port
	rs.pollTimeout = req.Timeout
	rs.startVariable = strings.TrimSpace(req.StartVariable)
	steps := []Step{rs.readMetadata(), rs.acquireSession(), rs.discover(discovery{plc: req.PLC, tasks: true, task: req.Task})}
	steps = append(steps, rs.selectVariant()...)
	if !req.SkipBuild {
		steps = append(steps, rs.build())
	}
	steps = append(steps,
		rs.setTarget(),
		rs.enableTestTask(),
		rs.activate(),
		rs.waitBeforeRestart(),
		rs.restart(),
		rs.connectRuntime(),
	)
	if rs.startVariable != "" {
		steps = append(steps, rs.startTests())
	}
	steps = append(steps,
		rs.pollResults(),
		rs.collectDiagnostics(),
		rs.disconnectRuntime(),
		rs.releaseSession(),
	)
	return o.execute(ctx, rs, steps)
}

// Info reports project metadata and, when live, what the host reports.
func (o *Orchestrator) Info(ctx context.Context, req InfoRequest) (Result, error) {
	rs, err := o.newRun(WorkflowInfo, ProjectRequest{ProjectPath: req.ProjectPath, RunID: req.RunID})
	if err != nil {
		return Result{}, err
	}
	steps := []Step{rs.readMetadata()}
	if req.Live {
		steps = append(steps, rs.acquireSession(), rs.discover(discovery{variants: true}))
	} else {
		steps = append(steps, rs.declaredPLCs())
	}
	steps = append(steps, rs.releaseSession())
	return o.execute(ctx, rs, steps)
}

func (o *Orchestrator) newRun(workflow string, req ProjectRequest) (*runState, error) {
	if o == nil {
		return nil, errors.New("orchestrator is nil")
	}
	req.ProjectPath = strings.TrimSpace(req.ProjectPath)
	if req.ProjectPath == "" {
		return nil, errors.New("project path is required")
	}
	req.ForceVersion = strings.TrimSpace(req.ForceVersion)
	req.Variant = strings.TrimSpace(req.Variant)
	return &runState{
		o:        o,
		workflow: workflow,
		req:      req,
		result: &Result{
			Workflow:    workflow,
			DryRun:      req.DryRun,
			Diagnostics: make([]host.DiagnosticItem, 0),
		},
	}, nil
}

// execute acquires the call gate for the whole run. Releasing the session
// releases it too; the deferred Release covers runs that never bound one.
func (o *Orchestrator) execute(ctx context.Context, rs *runState, steps []Step) (Result, error) {
	rs.gate = callgate.Acquire(callgate.Options{
		RetryInterval: o.retryInterval,
		Logger:        o.logger,
		Metrics:       o.metrics,
		Tracer:        o.tracer,
	})
	defer rs.gate.Release()

	report, err := o.engine.Execute(ctx, Run{
		ID:       rs.req.RunID,
		Workflow: rs.workflow,
		DryRun:   rs.req.DryRun,
		Steps:    steps,
	})
	if err != nil {
		return Result{}, err
	}

	result := *rs.result
	result.RunID = report.RunID
	result.Outcome = report.Outcome
	result.Steps = report.Steps
	result.Plan = report.Plan
	result.StartedAt = report.StartedAt
	result.DurationMs = report.Elapsed.Milliseconds()
	result.err = report.Err
	if report.Err != nil {
		result.Error = report.Err.Error()
	}
	result.Summary = summarize(result)
	return result, nil
}

func summarize(result Result) string {
	errs := len(host.Errors(result.Diagnostics))
	warnings := len(host.Warnings(result.Diagnostics))
	summary := fmt.Sprintf("%s %s", result.Workflow, strings.ReplaceAll(string(result.Outcome), "_", " "))
	if result.DryRun {
		summary += " (dry run)"
	}
	if errs > 0 || warnings > 0 {
		summary += fmt.Sprintf(": %d error(s), %d warning(s)", errs, warnings)
	}
	if t := result.Test; t != nil && t.State.Tests != nil {
		summary += fmt.Sprintf("; tests %d", *t.State.Tests)
		if t.State.Passed != nil && t.State.Failed != nil {
			summary += fmt.Sprintf(", passed %d, failed %d", *t.State.Passed, *t.State.Failed)
		}
	}
	return summary
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
