package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tcflow/tcflow/internal/callgate"
	"github.com/tcflow/tcflow/internal/host"
	"github.com/tcflow/tcflow/internal/metadata"
	"github.com/tcflow/tcflow/internal/poller"
	"github.com/tcflow/tcflow/internal/runtimelink"
	"github.com/tcflow/tcflow/internal/session"
)

// runState is shared by the steps of one run. Steps execute strictly in
// order, so it needs no locking.
type runState struct {
	o        *Orchestrator
	workflow string
	req      ProjectRequest
	gate     *callgate.Gate
	result   *Result

	info        metadata.ProjectInfo
	handle      *session.Handle
	plcs        []host.PLCProject
	devices     []host.IODevice
	testTask    host.Task
	targetNetID string
	port        int
	pollTimeout time.Duration
	link        runtimelink.Link

	startVariable string
}

type discovery struct {
	plc      string
	tasks    bool
	task     string
	variants bool
}

func (rs *runState) readMetadata() Step {
	return Step{
		Name: "read-metadata",
		Run: func(ctx context.Context, sc *StepContext) error {
			info, err := rs.o.metadata.Describe(ctx, rs.req.ProjectPath)
			if err != nil {
				return err
			}
			rs.info = info
			rs.result.Project = &info
			if info.ToolVersion != "" {
				sc.Detail("declared tool version %s", info.ToolVersion)
			}
			return nil
		},
	}
}

func (rs *runState) acquireSession() Step {
	return Step{
		Name: "acquire-session",
		Run: func(ctx context.Context, sc *StepContext) error {
			req := session.Request{
				ProjectPath:  rs.req.ProjectPath,
				ToolVersion:  rs.info.ToolVersion,
				ForceVersion: rs.req.ForceVersion,
			}
			if req.ForceVersion == "" && rs.info.ToolVersionPinned {
				req.ForceVersion = rs.info.ToolVersion
			}
			sc.Progress("binding automation host for %s", rs.req.ProjectPath)
			handle, err := rs.o.sessions.Acquire(ctx, rs.gate, req)
			if err != nil {
				return err
			}
			rs.handle = handle
			bound := handle.Session()
			rs.result.Session = &bound
			if bound.Reused {
				sc.Detail("reused host %s", bound.DisplayName)
			} else {
				sc.Detail("launched host %s", bound.DisplayName)
			}
			return nil
		},
	}
}

func (rs *runState) discover(d discovery) Step {
	return Step{
		Name: "discover",
		Run: func(ctx context.Context, sc *StepContext) error {
			if err := rs.bound(); err != nil {
				return err
			}
			plcs, err := rs.handle.PLCProjects(ctx)
			if err != nil {
				return fmt.Errorf("list PLC projects: %w", err)
			}
			rs.result.PLCs = plcs
			if rs.plcs, err = selectPLCs(plcs, d.plc); err != nil {
				return err
			}

			if rs.req.Variant != "" || d.variants {
				variants, err := rs.handle.Variants(ctx)
				switch {
				case err == nil:
					rs.result.Variants = variants
				case errors.Is(err, host.ErrVersionIncompatible) && rs.req.Variant == "":
				default:
					return fmt.Errorf("list variants: %w", err)
				}
				if rs.req.Variant != "" && !containsFold(variants, rs.req.Variant) {
					return &host.NotFoundError{Entity: "variant", Name: rs.req.Variant, Available: variants}
				}
			}

			if d.tasks {
				if err := rs.detectTestTask(ctx, d.task); err != nil {
					return err
				}
			}
			sc.Detail("%d PLC project(s)", len(plcs))
			return nil
		},
	}
}

func (rs *runState) detectTestTask(ctx context.Context, requested string) error {
	requested = strings.TrimSpace(requested)
	tasks, err := rs.handle.Tasks(ctx)
	if errors.Is(err, host.ErrVersionIncompatible) {
		rs.testTask = host.Task{Name: requested, Enabled: true}
		rs.result.TestTask = requested
		return nil
	}
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	task, err := SelectTestTask(tasks, requested)
	if err != nil {
		return err
	}
	rs.testTask = task
	rs.result.TestTask = task.Name
	return nil
}

// SelectTestTask resolves the test task. A requested name must exist. With
// no name, exactly one task whose name contains "test" is selected; none
// returns the zero Task, which selects messages by test-output markers;
// more than one is an *AmbiguousTaskError.
func SelectTestTask(tasks []host.Task, requested string) (host.Task, error) {
	requested = strings.TrimSpace(requested)
	if requested != "" {
		names := make([]string, 0, len(tasks))
		for _, task := range tasks {
			if strings.EqualFold(task.Name, requested) {
				return task, nil
			}
			names = append(names, task.Name)
		}
		return host.Task{}, &host.NotFoundError{Entity: "task", Name: requested, Available: names}
	}

	candidates := make([]host.Task, 0)
	for _, task := range tasks {
		if strings.Contains(strings.ToLower(task.Name), "test") {
			candidates = append(candidates, task)
		}
	}
	switch len(candidates) {
	case 0:
		return host.Task{}, nil
	case 1:
		return candidates[0], nil
	default:
		names := make([]string, 0, len(candidates))
		for _, task := range candidates {
			names = append(names, task.Name)
		}
		return host.Task{}, &AmbiguousTaskError{Candidates: names}
	}
}

func (rs *runState) discoverIODevices(names []string) Step {
	return Step{
		Name: "discover-io",
		Run: func(ctx context.Context, sc *StepContext) error {
			if err := rs.bound(); err != nil {
				return err
			}
			devices, err := rs.handle.IODevices(ctx)
			if err != nil {
				return fmt.Errorf("list I/O devices: %w", err)
			}
			if len(names) == 0 {
				rs.devices = devices
				sc.Detail("%d I/O device(s)", len(devices))
				return nil
			}
			available := make([]string, 0, len(devices))
			for _, device := range devices {
				available = append(available, device.Name)
			}
			selected := make([]host.IODevice, 0, len(names))
			for _, name := range names {
				device, ok := findDevice(devices, name)
				if !ok {
					return &host.NotFoundError{Entity: "I/O device", Name: name, Available: available}
				}
				selected = append(selected, device)
			}
			rs.devices = selected
			sc.Detail("%d of %d I/O device(s) selected", len(selected), len(devices))
			return nil
		},
	}
}

func (rs *runState) selectVariant() []Step {
	if rs.req.Variant == "" {
		return nil
	}
	return []Step{{
		Name:     "select-variant",
		Mutating: true,
		Describe: func() string { return "select variant " + rs.req.Variant },
		Run: func(ctx context.Context, sc *StepContext) error {
			if err := rs.bound(); err != nil {
				return err
			}
			sc.Progress("selecting variant %s", rs.req.Variant)
			return rs.handle.SelectVariant(ctx, rs.req.Variant)
		},
	}}
}

func (rs *runState) clean() Step {
	return Step{
		Name:     "clean",
		Mutating: true,
		Describe: func() string { return "clean the project" },
		Run: func(ctx context.Context, sc *StepContext) error {
			if err := rs.bound(); err != nil {
				return err
			}
			sc.Progress("cleaning project")
			return rs.handle.Clean(ctx)
		},
	}
}

func (rs *runState) build() Step {
	return Step{
		Name:     "build",
		Mutating: true,
		Describe: func() string { return "build the project" },
		Run: func(ctx context.Context, sc *StepContext) error {
			if err := rs.bound(); err != nil {
				return err
			}
			sc.Progress("building project")
			if err := rs.handle.Build(ctx); err != nil {
				return err
			}
			items, err := rs.handle.Diagnostics(ctx)
			if err != nil {
				return fmt.Errorf("read build diagnostics: %w", err)
			}
			rs.setDiagnostics(items)
			errs := host.Errors(items)
			sc.Detail("%d error(s), %d warning(s)", len(errs), len(host.Warnings(items)))
			if len(errs) > 0 {
				return fmt.Errorf("%w: %d error(s), first: %s", ErrBuildFailed, len(errs), describeItem(errs[0]))
			}
			return nil
		},
	}
}

func (rs *runState) setTarget() Step {
	return Step{
		Name:     "set-target",
		Mutating: true,
		Describe: func() string {
			if target := rs.target(); target != "" {
				return "select target " + target
			}
			return "keep the project target"
		},
		Run: func(ctx context.Context, sc *StepContext) error {
			if err := rs.bound(); err != nil {
				return err
			}
			target := rs.target()
			if target == "" {
				return Skip("no target net id; project target kept")
			}
			sc.Progress("selecting target %s", target)
			if err := rs.handle.SetTarget(ctx, target); err != nil {
				return err
			}
			sc.Detail("target %s", target)
			return nil
		},
	}
}

func (rs *runState) bootProjects(autostart bool) Step {
	return Step{
		Name:     "boot-project",
		Kind:     KindBestEffort,
		Mutating: true,
		Describe: func() string {
			return "enable and generate boot project for " + strings.Join(plcNames(rs.plcs), ", ")
		},
		Run: func(ctx context.Context, sc *StepContext) error {
			if err := rs.bound(); err != nil {
				return err
			}
			if len(rs.plcs) == 0 {
				return Skip("no PLC projects")
			}
			for _, plc := range rs.plcs {
				sc.Progress("generating boot project for %s", plc.Name)
				sc.Item(plc.Name, rs.handle.ActivateBootProject(ctx, plc.Name, autostart))
			}
			return nil
		},
	}
}

func (rs *runState) setIODevices(enable bool) Step {
	verb := "disable"
	if enable {
		verb = "enable"
	}
	return Step{
		Name:     verb + "-io",
		Kind:     KindBestEffort,
		Mutating: true,
		Describe: func() string {
			names := make([]string, 0, len(rs.devices))
			for _, device := range rs.devices {
				names = append(names, device.Name)
			}
			return fmt.Sprintf("%s %d I/O device(s): %s", verb, len(names), strings.Join(names, ", "))
		},
		Run: func(ctx context.Context, sc *StepContext) error {
			if err := rs.bound(); err != nil {
				return err
			}
			if len(rs.devices) == 0 {
				return Skip("no I/O devices")
			}
			for _, device := range rs.devices {
				if device.Enabled == enable {
					sc.Item(device.Name, nil)
					continue
				}
				sc.Progress("%s I/O device %s", verb, device.Name)
				sc.Item(device.Name, rs.handle.SetIODeviceEnabled(ctx, device.Name, enable))
			}
			return nil
		},
	}
}

func (rs *runState) enableTestTask() Step {
	return Step{
		Name:     "enable-task",
		Mutating: true,
		Describe: func() string {
			if rs.testTask.Name == "" {
				return "no test task to enable"
			}
			return "enable task " + rs.testTask.Name
		},
		Run: func(ctx context.Context, sc *StepContext) error {
			if err := rs.bound(); err != nil {
				return err
			}
			switch {
			case rs.testTask.Name == "":
				return Skip("no test task selected")
			case rs.testTask.Enabled:
				return Skip("task " + rs.testTask.Name + " already enabled")
			}
			sc.Progress("enabling task %s", rs.testTask.Name)
			return rs.handle.SetTaskEnabled(ctx, rs.testTask.Name, true)
		},
	}
}

func (rs *runState) activate() Step {
	return Step{
		Name:     "activate",
		Mutating: true,
		Describe: func() string { return "activate the configuration" },
		Run: func(ctx context.Context, sc *StepContext) error {
			if err := rs.bound(); err != nil {
				return err
			}
			sc.Progress("activating configuration")
			return rs.handle.Activate(ctx)
		},
	}
}

func (rs *runState) waitBeforeRestart() Step {
	wait := rs.o.restartWait
	return Step{
		Name:     "wait",
		Mutating: true,
		Describe: func() string { return fmt.Sprintf("wait %s before restart", wait) },
		Run: func(ctx context.Context, sc *StepContext) error {
			if wait <= 0 {
				return Skip("no restart wait configured")
			}
			sc.Progress("waiting %s for the activation to settle", wait)
			return rs.o.sleep(ctx, wait)
		},
	}
}

func (rs *runState) restart() Step {
	return Step{
		Name:     "restart",
		Mutating: true,
		Describe: func() string { return "restart the runtime in run mode" },
		Run: func(ctx context.Context, sc *StepContext) error {
			if err := rs.bound(); err != nil {
				return err
			}
			sc.Progress("restarting runtime")
			return rs.handle.Restart(ctx)
		},
	}
}

func (rs *runState) connectRuntime() Step {
	return Step{
		Name:     "connect-runtime",
		Mutating: true,
		Describe: func() string {
			return fmt.Sprintf("connect to runtime %s:%d", rs.runtimeNetID(), rs.runtimePort())
		},
		Run: func(ctx context.Context, sc *StepContext) error {
			netID := rs.runtimeNetID()
			if netID == "" {
				return errors.New("no runtime net id: pass a target or configure the local net id")
			}
			link, err := rs.o.links()
			if err != nil {
				return fmt.Errorf("create runtime link: %w", err)
			}
			port := rs.runtimePort()
			if err := link.Connect(ctx, netID, port); err != nil {
				_ = link.Close()
				return fmt.Errorf("connect runtime %s:%d: %w", netID, port, err)
			}
			rs.link = link
			sc.Detail("runtime %s:%d", netID, port)
			return nil
		},
	}
}

// startTests writes TRUE to the start variable and reads it back, so a
// misspelled symbol fails the run instead of timing out the poll.
func (rs *runState) startTests() Step {
	return Step{
		Name:     "start-tests",
		Mutating: true,
		Describe: func() string {
			return fmt.Sprintf("set %s to TRUE", rs.startVariable)
		},
		Run: func(ctx context.Context, sc *StepContext) error {
			if rs.link == nil {
				return errors.New("runtime link is not connected")
			}
			if err := rs.link.WriteVariable(ctx, rs.startVariable, []byte{1}); err != nil {
				return fmt.Errorf("write start variable %s: %w", rs.startVariable, err)
			}
			value, err := rs.link.ReadVariable(ctx, rs.startVariable, 1)
			if err != nil {
				return fmt.Errorf("read back start variable %s: %w", rs.startVariable, err)
			}
			if len(value) != 1 || value[0] == 0 {
				return fmt.Errorf("start variable %s did not latch", rs.startVariable)
			}
			sc.Progress("test start signalled through %s", rs.startVariable)
			return nil
		},
	}
}

func (rs *runState) pollResults() Step {
	return Step{
		Name:     "poll-results",
		Mutating: true,
		Describe: func() string {
			task := rs.testTask.Name
			if task == "" {
				task = "(detected by test markers)"
			}
			return fmt.Sprintf("poll test results of task %s", task)
		},
		Run: func(ctx context.Context, sc *StepContext) error {
			if err := rs.bound(); err != nil {
				return err
			}
			if rs.link == nil {
				return errors.New("runtime link is not connected")
			}
			p, err := poller.New(poller.Options{
				Runtime:         rs.link,
				Diagnostics:     rs.handle,
				Interval:        rs.o.pollInterval,
				CompletionGrace: rs.o.completionGrace,
				Machine:         rs.o.machine,
				Bus:             rs.o.bus,
				Metrics:         rs.o.metrics,
				Tracer:          rs.o.tracer,
				Logger:          rs.o.logger,
			})
			if err != nil {
				return err
			}
			timeout := rs.pollTimeout
			if timeout <= 0 {
				timeout = rs.o.pollTimeout
			}
			result, err := p.Run(ctx, poller.RunOptions{
				ID:       sc.RunID(),
				Task:     rs.testTask.Name,
				Timeout:  timeout,
				Progress: func(message string) { sc.Progress("%s", message) },
			})
			if result.Outcome != "" {
				rs.result.Test = &result
			}
			if err != nil {
				return fmt.Errorf("poll test results: %w", err)
			}

			summary := result.State.Summary
			switch {
			case result.Outcome == poller.OutcomeTimeout:
				return fmt.Errorf("%w: test results incomplete after %d tick(s)", ErrTimeout, result.Ticks)
			case !result.AllPassed:
				failed := max(deref(summary.Failed), len(result.State.Failures))
				return fmt.Errorf("%w: %d of %d test(s) failed", ErrTestsFailed, failed, deref(summary.Tests))
			}
			sc.Detail("%d test(s) passed", deref(summary.Passed))
			return nil
		},
	}
}

func (rs *runState) declaredPLCs() Step {
	return Step{
		Name: "declared-plcs",
		Run: func(_ context.Context, sc *StepContext) error {
			plcs := make([]host.PLCProject, 0, len(rs.info.PLCs))
			for _, plc := range rs.info.PLCs {
				plcs = append(plcs, host.PLCProject{Name: plc.Name, AMSPort: plc.AMSPort})
			}
			rs.result.PLCs = plcs
			sc.Detail("%d PLC project(s) declared", len(plcs))
			return nil
		},
	}
}

func (rs *runState) cleanups() []Step {
	return []Step{rs.collectDiagnostics(), rs.releaseSession()}
}

func (rs *runState) collectDiagnostics() Step {
	return Step{
		Name: "collect-diagnostics",
		Kind: KindCleanup,
		Run: func(ctx context.Context, sc *StepContext) error {
			if rs.handle == nil {
				return Skip("no session bound")
			}
			items, err := rs.handle.Diagnostics(ctx)
			if err != nil {
				return fmt.Errorf("read diagnostics: %w", err)
			}
			rs.setDiagnostics(items)
			sc.Detail("%d error(s), %d warning(s)", len(host.Errors(items)), len(host.Warnings(items)))
			return nil
		},
	}
}

func (rs *runState) disconnectRuntime() Step {
	return Step{
		Name: "disconnect-runtime",
		Kind: KindCleanup,
		Run: func(context.Context, *StepContext) error {
			if rs.link == nil {
				return Skip("runtime not connected")
			}
			err := rs.link.Close()
			rs.link = nil
			return err
		},
	}
}

// releaseSession closes the handle, which releases the gate and the project
// binding. The host process keeps running.
func (rs *runState) releaseSession() Step {
	return Step{
		Name: "release-session",
		Kind: KindCleanup,
		Run: func(_ context.Context, sc *StepContext) error {
			if rs.handle == nil {
				return Skip("no session bound")
			}
			if err := rs.handle.Close(); err != nil {
				return err
			}
			sc.Detail("host %s left running for reuse", rs.handle.Session().DisplayName)
			return nil
		},
	}
}

func (rs *runState) bound() error {
	if rs.handle == nil {
		return errors.New("no session bound")
	}
	return nil
}

func (rs *runState) target() string {
	if rs.targetNetID != "" {
		return rs.targetNetID
	}
	return rs.info.TargetNetID
}

func (rs *runState) runtimeNetID() string {
	if target := rs.target(); target != "" {
		return target
	}
	return rs.o.localNetID
}

func (rs *runState) runtimePort() int {
	if rs.port > 0 {
		return rs.port
	}
	if len(rs.plcs) == 1 && rs.plcs[0].AMSPort > 0 {
		return rs.plcs[0].AMSPort
	}
	return rs.o.defaultPort
}

// setDiagnostics keeps errors and warnings in first-seen order.
func (rs *runState) setDiagnostics(items []host.DiagnosticItem) {
	out := make([]host.DiagnosticItem, 0)
	for _, item := range items {
		if item.Severity == host.SeverityError || item.Severity == host.SeverityWarning {
			out = append(out, item)
		}
	}
	rs.result.Diagnostics = out
}

func selectPLCs(plcs []host.PLCProject, name string) ([]host.PLCProject, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return plcs, nil
	}
	for _, plc := range plcs {
		if strings.EqualFold(plc.Name, name) {
			return []host.PLCProject{plc}, nil
		}
	}
	return nil, &host.NotFoundError{Entity: "PLC project", Name: name, Available: plcNames(plcs)}
}

func plcNames(plcs []host.PLCProject) []string {
	names := make([]string, 0, len(plcs))
	for _, plc := range plcs {
		names = append(names, plc.Name)
	}
	return names
}

func findDevice(devices []host.IODevice, name string) (host.IODevice, bool) {
	for _, device := range devices {
		if strings.EqualFold(device.Name, strings.TrimSpace(name)) {
			return device, true
		}
	}
	return host.IODevice{}, false
}

func containsFold(values []string, want string) bool {
	for _, value := range values {
		if strings.EqualFold(value, want) {
			return true
		}
	}
	return false
}

func describeItem(item host.DiagnosticItem) string {
	if item.File == "" {
		return item.Description
	}
	if item.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", item.File, item.Line, item.Description)
	}
	return fmt.Sprintf("%s: %s", item.File, item.Description)
}

func deref(value *int) int {
	if value == nil {
		return 0
	}
	return *value
}
