package host

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBusy indicates the host rejected a call because it is processing another.
	// Only the call gate sees this error; it never leaves a gated call.
	ErrBusy = errors.New("host busy: call rejected, retry later")

	// ErrNotFound indicates a requested project, task, PLC, or tree node is absent.
	ErrNotFound = errors.New("not found")

	// ErrVersionIncompatible indicates the bound host interface version does not
	// support a requested capability.
	ErrVersionIncompatible = errors.New("capability unsupported by host interface version")
)

// NotFoundError names a missing entity and the alternatives that do exist.
type NotFoundError struct {
	Entity    string
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s %q not found", e.Entity, e.Name)
	if len(e.Available) > 0 {
		msg += fmt.Sprintf(" (available: %s)", strings.Join(e.Available, ", "))
	}
	return msg
}

// Is lets errors.Is match ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// VersionError names the capability the host could not provide.
type VersionError struct {
	Capability string
	Detail     string
}

func (e *VersionError) Error() string {
	if strings.TrimSpace(e.Detail) == "" {
		return fmt.Sprintf("%s: %s", e.Capability, ErrVersionIncompatible.Error())
	}
	return fmt.Sprintf("%s: %s (%s)", e.Capability, ErrVersionIncompatible.Error(), e.Detail)
}

// Is lets errors.Is match ErrVersionIncompatible.
func (e *VersionError) Is(target error) bool {
	return target == ErrVersionIncompatible
}

// HostError is the generic fatal host failure. It carries the host's original message.
type HostError struct {
	Op      string
	Code    string
	Message string
}

func (e *HostError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("host %s failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("host %s failed [%s]: %s", e.Op, e.Code, e.Message)
}

// IsBusy reports whether err is a retry-later rejection.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
