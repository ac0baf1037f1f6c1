// Package hosttest provides a scriptable in-memory automation host for tests.
package hosttest

import (
	"context"
	"sync"

	"github.com/tcflow/tcflow/internal/host"
)

var (
	_ host.Host                 = (*Fake)(nil)
	_ host.TaskController       = (*Fake)(nil)
	_ host.BootProjectGenerator = (*Fake)(nil)
	_ host.IODeviceController   = (*Fake)(nil)
	_ host.VariantSelector      = (*Fake)(nil)
	_ host.ResponderAware       = (*Fake)(nil)
)

// Fake records every call and answers from its fields. Busy and Fail script
// per-operation rejections keyed by host.Op* names.
type Fake struct {
	mu sync.Mutex

	ProjectPath     string
	ReadyAfter      int
	Versions        []string
	SelectedVersion string
	PLCs            []host.PLCProject
	TaskList        []host.Task
	Devices         []host.IODevice
	VariantList     []string
	SelectedVariant string
	Items           []host.DiagnosticItem
	Target          string
	BootProjects    map[string]bool

	// Busy holds the number of ErrBusy rejections left per operation.
	Busy map[string]int
	// Fail holds a terminal error per operation.
	Fail map[string]error
	// FailNamed holds a terminal error per task, PLC or device name.
	FailNamed map[string]error
	// DiagnosticsFn, when set, replaces Items. call counts from 1.
	DiagnosticsFn func(call int) []host.DiagnosticItem

	calls       []string
	readyChecks int
	diagCalls   int
	closed      bool
	responder   host.PendingResponder
}

// Basic hides every optional sub-interface of a host.
type Basic struct {
	host.Host
}

func (f *Fake) stepNamed(op, name string) error {
	if err := f.step(op); err != nil {
		return err
	}
	return f.FailNamed[name]
}

func (f *Fake) step(op string) error {
	f.calls = append(f.calls, op)
	if f.Busy[op] > 0 {
		f.Busy[op]--
		return host.ErrBusy
	}
	if err := f.Fail[op]; err != nil {
		return err
	}
	return nil
}

// Calls returns the operations invoked so far, busy rejections included.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how often op was invoked.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if call == op {
			count++
		}
	}
	return count
}

// Mutations returns the mutating operations invoked so far.
func (f *Fake) Mutations() []string {
	out := make([]string, 0)
	for _, call := range f.Calls() {
		if host.IsMutating(call) {
			out = append(out, call)
		}
	}
	return out
}

// Closed reports whether Close ran.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Responder returns the installed pending responder.
func (f *Fake) Responder() host.PendingResponder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responder
}

// CurrentTarget returns the net id passed to SetTarget.
func (f *Fake) CurrentTarget() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Target
}

// BootProject reports the autostart flag of a generated boot project.
func (f *Fake) BootProject(plc string) (autostart, generated bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	autostart, generated = f.BootProjects[plc]
	return autostart, generated
}

// CurrentVariant returns the selected variant.
func (f *Fake) CurrentVariant() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SelectedVariant
}

// AppendDiagnostics adds items to the diagnostics snapshot.
func (f *Fake) AppendDiagnostics(items ...host.DiagnosticItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Items = append(f.Items, items...)
}

func (f *Fake) SetResponder(responder host.PendingResponder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responder = responder
}

func (f *Fake) OpenProject(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step(host.OpOpenProject); err != nil {
		return err
	}
	f.ProjectPath = path
	return nil
}

func (f *Fake) OpenProjectPath(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step(host.OpOpenProjectPath); err != nil {
		return "", err
	}
	return f.ProjectPath, nil
}

func (f *Fake) ProjectReady(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step(host.OpProjectReady); err != nil {
		return false, err
	}
	f.readyChecks++
	return f.ProjectPath != "" && f.readyChecks > f.ReadyAfter, nil
}

func (f *Fake) ToolVersions(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step(host.OpToolVersions); err != nil {
		return nil, err
	}
	return append([]string(nil), f.Versions...), nil
}

func (f *Fake) SelectToolVersion(_ context.Context, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step(host.OpSelectToolVersion); err != nil {
		return err
	}
	f.SelectedVersion = version
	return nil
}

func (f *Fake) Clean(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step(host.OpClean)
}

func (f *Fake) Build(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step(host.OpBuild)
}

func (f *Fake) Diagnostics(context.Context) ([]host.DiagnosticItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step(host.OpDiagnostics); err != nil {
		return nil, err
	}
	f.diagCalls++
	if f.DiagnosticsFn != nil {
		return f.DiagnosticsFn(f.diagCalls), nil
	}
	return append([]host.DiagnosticItem(nil), f.Items...), nil
}

func (f *Fake) ActivateConfiguration(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step(host.OpActivate)
}

func (f *Fake) RestartRuntime(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step(host.OpRestart)
}

func (f *Fake) SetTarget(_ context.Context, netID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step(host.OpSetTarget); err != nil {
		return err
	}
	f.Target = netID
	return nil
}

func (f *Fake) PLCProjects(context.Context) ([]host.PLCProject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step(host.OpPLCProjects); err != nil {
		return nil, err
	}
	return append([]host.PLCProject(nil), f.PLCs...), nil
}

func (f *Fake) Tasks(context.Context) ([]host.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step(host.OpTasks); err != nil {
		return nil, err
	}
	return append([]host.Task(nil), f.TaskList...), nil
}

func (f *Fake) SetTaskEnabled(_ context.Context, name string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stepNamed(host.OpSetTaskEnabled, name); err != nil {
		return err
	}
	for i := range f.TaskList {
		if f.TaskList[i].Name == name {
			f.TaskList[i].Enabled = enabled
			return nil
		}
	}
	return &host.NotFoundError{Entity: "task", Name: name}
}

func (f *Fake) ActivateBootProject(_ context.Context, plc string, autostart bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stepNamed(host.OpActivateBootProject, plc); err != nil {
		return err
	}
	if f.BootProjects == nil {
		f.BootProjects = map[string]bool{}
	}
	f.BootProjects[plc] = autostart
	return nil
}

func (f *Fake) IODevices(context.Context) ([]host.IODevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step(host.OpIODevices); err != nil {
		return nil, err
	}
	return append([]host.IODevice(nil), f.Devices...), nil
}

func (f *Fake) SetIODeviceEnabled(_ context.Context, name string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stepNamed(host.OpSetIODeviceEnabled, name); err != nil {
		return err
	}
	for i := range f.Devices {
		if f.Devices[i].Name == name {
			f.Devices[i].Enabled = enabled
			return nil
		}
	}
	return &host.NotFoundError{Entity: "I/O device", Name: name}
}

func (f *Fake) Variants(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step(host.OpVariants); err != nil {
		return nil, err
	}
	return append([]string(nil), f.VariantList...), nil
}

func (f *Fake) SelectVariant(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step(host.OpSelectVariant); err != nil {
		return err
	}
	f.SelectedVariant = name
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
