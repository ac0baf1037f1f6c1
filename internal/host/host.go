package host

import (
	"context"
	"strings"
)

// Severity classifies one diagnostic line reported by the automation host.
type Severity string

const (
	// SeverityError marks a diagnostic that fails a build or run.
	SeverityError Severity = "error"
	// SeverityWarning marks a non-fatal diagnostic.
	SeverityWarning Severity = "warning"
	// SeverityInfo marks informational output, including runtime log lines.
	SeverityInfo Severity = "info"
)

// DiagnosticItem is one line of host-reported diagnostic output.
//
// Items are produced by the host during build and runtime execution and are
// never mutated by this module, only filtered and classified.
type DiagnosticItem struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Task        string   `json:"task,omitempty"`
	File        string   `json:"file,omitempty"`
	Line        int      `json:"line,omitempty"`
	Column      int      `json:"column,omitempty"`
}

// PLCProject describes one PLC project nested in the automation project.
type PLCProject struct {
	Name    string `json:"name"`
	AMSPort int    `json:"amsPort"`
}

// Task is one real-time task configured in the automation project.
type Task struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority,omitempty"`
}

// IODevice is one I/O device node in the automation project tree.
type IODevice struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// PendingReply answers a host-issued responsiveness ping.
type PendingReply string

const (
	// PendingWait tells the host the caller is alive and still waiting.
	PendingWait PendingReply = "wait"
	// PendingCancel tells the host nobody is waiting any longer.
	PendingCancel PendingReply = "cancel"
)

// Host is the automation host capability set consumed by sessions.
//
// Implementations are not expected to tolerate overlapping calls; callers
// route every call through a call gate that absorbs ErrBusy rejections.
type Host interface {
	OpenProject(ctx context.Context, path string) error
	OpenProjectPath(ctx context.Context) (string, error)
	ProjectReady(ctx context.Context) (bool, error)
	ToolVersions(ctx context.Context) ([]string, error)
	SelectToolVersion(ctx context.Context, version string) error
	Clean(ctx context.Context) error
	Build(ctx context.Context) error
	Diagnostics(ctx context.Context) ([]DiagnosticItem, error)
	ActivateConfiguration(ctx context.Context) error
	RestartRuntime(ctx context.Context) error
	SetTarget(ctx context.Context, netID string) error
	PLCProjects(ctx context.Context) ([]PLCProject, error)
	// Close drops the connection to the host. It never terminates the host process.
	Close() error
}

// TaskController enables and disables real-time tasks.
type TaskController interface {
	Tasks(ctx context.Context) ([]Task, error)
	SetTaskEnabled(ctx context.Context, name string, enabled bool) error
}

// BootProjectGenerator enables and generates a PLC boot project.
type BootProjectGenerator interface {
	ActivateBootProject(ctx context.Context, plc string, autostart bool) error
}

// IODeviceController enables and disables I/O devices.
type IODeviceController interface {
	IODevices(ctx context.Context) ([]IODevice, error)
	SetIODeviceEnabled(ctx context.Context, name string, enabled bool) error
}

// VariantSelector selects a project variant. Older host interface versions
// do not offer it.
type VariantSelector interface {
	Variants(ctx context.Context) ([]string, error)
	SelectVariant(ctx context.Context, name string) error
}

// PendingResponder answers host-issued "are you still responsive" pings.
type PendingResponder interface {
	RespondPending() PendingReply
}

// ResponderAware hosts accept a responder for pending pings. Passing nil
// uninstalls the current responder.
type ResponderAware interface {
	SetResponder(responder PendingResponder)
}

// Errors returns the error-severity items in their original order.
func Errors(items []DiagnosticItem) []DiagnosticItem {
	return filterSeverity(items, SeverityError)
}

// Warnings returns the warning-severity items in their original order.
func Warnings(items []DiagnosticItem) []DiagnosticItem {
	return filterSeverity(items, SeverityWarning)
}

func filterSeverity(items []DiagnosticItem, severity Severity) []DiagnosticItem {
	out := make([]DiagnosticItem, 0)
	for _, item := range items {
		if item.Severity == severity {
			out = append(out, item)
		}
	}
	return out
}

// ParseSeverity maps host severity strings onto Severity. Unknown values are info.
func ParseSeverity(value string) Severity {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "error", "err", "fatal":
		return SeverityError
	case "warning", "warn":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
