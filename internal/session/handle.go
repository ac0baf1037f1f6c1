package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tcflow/tcflow/internal/callgate"
	"github.com/tcflow/tcflow/internal/host"
)

// Handle owns one bound host connection. Every host call goes through the
// gate.
type Handle struct {
	session Session
	host    host.Host
	gate    *callgate.Gate
	settle  time.Duration
	sleep   func(context.Context, time.Duration) error
	logger  *log.Logger

	release   func()
	closeOnce sync.Once
	closeErr  error
}

// Session describes the binding.
func (h *Handle) Session() Session {
	if h == nil {
		return Session{}
	}
	return h.session
}

// Clean cleans the project and waits the settle delay.
func (h *Handle) Clean(ctx context.Context) error {
	return h.settled(ctx, host.OpClean, func(ctx context.Context) error { return h.host.Clean(ctx) })
}

// Build builds the project and waits the settle delay.
func (h *Handle) Build(ctx context.Context) error {
	return h.settled(ctx, host.OpBuild, func(ctx context.Context) error { return h.host.Build(ctx) })
}

// Activate activates the configuration on the selected target.
func (h *Handle) Activate(ctx context.Context) error {
	return h.invoke(ctx, host.OpActivate, func(ctx context.Context) error { return h.host.ActivateConfiguration(ctx) })
}

// Restart restarts the runtime in run mode.
func (h *Handle) Restart(ctx context.Context) error {
	return h.invoke(ctx, host.OpRestart, func(ctx context.Context) error { return h.host.RestartRuntime(ctx) })
}

// SetTarget selects the target runtime by AMS net id.
func (h *Handle) SetTarget(ctx context.Context, netID string) error {
	return h.invoke(ctx, host.OpSetTarget, func(ctx context.Context) error { return h.host.SetTarget(ctx, netID) })
}

// Diagnostics returns the current diagnostics snapshot in first-seen order.
func (h *Handle) Diagnostics(ctx context.Context) ([]host.DiagnosticItem, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	return callgate.Call(ctx, h.gate, host.OpDiagnostics, h.host.Diagnostics)
}

// PLCProjects lists the PLC projects of the open project.
func (h *Handle) PLCProjects(ctx context.Context) ([]host.PLCProject, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	return callgate.Call(ctx, h.gate, host.OpPLCProjects, h.host.PLCProjects)
}

// Tasks lists the real-time tasks.
func (h *Handle) Tasks(ctx context.Context) ([]host.Task, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	tc, ok := h.host.(host.TaskController)
	if !ok {
		return nil, unsupported("task control")
	}
	return callgate.Call(ctx, h.gate, host.OpTasks, tc.Tasks)
}

// SetTaskEnabled enables or disables one task.
func (h *Handle) SetTaskEnabled(ctx context.Context, name string, enabled bool) error {
	if err := h.check(); err != nil {
		return err
	}
	tc, ok := h.host.(host.TaskController)
	if !ok {
		return unsupported("task control")
	}
	return h.gate.Invoke(ctx, host.OpSetTaskEnabled, func(ctx context.Context) error {
		return tc.SetTaskEnabled(ctx, name, enabled)
	})
}

// ActivateBootProject enables and generates the boot project of one PLC.
func (h *Handle) ActivateBootProject(ctx context.Context, plc string, autostart bool) error {
	if err := h.check(); err != nil {
		return err
	}
	gen, ok := h.host.(host.BootProjectGenerator)
	if !ok {
		return unsupported("boot project generation")
	}
	return h.gate.Invoke(ctx, host.OpActivateBootProject, func(ctx context.Context) error {
		return gen.ActivateBootProject(ctx, plc, autostart)
	})
}

// IODevices lists the I/O devices.
func (h *Handle) IODevices(ctx context.Context) ([]host.IODevice, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	ctl, ok := h.host.(host.IODeviceController)
	if !ok {
		return nil, unsupported("I/O device control")
	}
	return callgate.Call(ctx, h.gate, host.OpIODevices, ctl.IODevices)
}

// SetIODeviceEnabled enables or disables one I/O device.
func (h *Handle) SetIODeviceEnabled(ctx context.Context, name string, enabled bool) error {
	if err := h.check(); err != nil {
		return err
	}
	ctl, ok := h.host.(host.IODeviceController)
	if !ok {
		return unsupported("I/O device control")
	}
	return h.gate.Invoke(ctx, host.OpSetIODeviceEnabled, func(ctx context.Context) error {
		return ctl.SetIODeviceEnabled(ctx, name, enabled)
	})
}

// Variants lists project variants.
func (h *Handle) Variants(ctx context.Context) ([]string, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	sel, ok := h.host.(host.VariantSelector)
	if !ok {
		return nil, unsupported("variant selection")
	}
	return callgate.Call(ctx, h.gate, host.OpVariants, sel.Variants)
}

// SelectVariant selects a project variant.
func (h *Handle) SelectVariant(ctx context.Context, name string) error {
	if err := h.check(); err != nil {
		return err
	}
	sel, ok := h.host.(host.VariantSelector)
	if !ok {
		return unsupported("variant selection")
	}
	return h.gate.Invoke(ctx, host.OpSelectVariant, func(ctx context.Context) error {
		return sel.SelectVariant(ctx, name)
	})
}

// Close drops the host connection, releases the gate and unbinds the
// project. The host process keeps running for later reuse.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		if h.host != nil {
			if err := h.host.Close(); err != nil {
				h.closeErr = fmt.Errorf("close host connection: %w", err)
			}
		}
		h.gate.Release()
		if h.release != nil {
			h.release()
		}
		h.logger.Debug("session released", "project", h.session.ProjectPath, "reused", h.session.Reused)
	})
	return h.closeErr
}

func (h *Handle) invoke(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.gate.Invoke(ctx, op, fn)
}

func (h *Handle) settled(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := h.invoke(ctx, op, fn); err != nil {
		return err
	}
	if err := h.sleep(ctx, h.settle); err != nil {
		return fmt.Errorf("%s settle: %w", op, err)
	}
	return nil
}

func (h *Handle) check() error {
	if h == nil {
		return errors.New("session handle is nil")
	}
	if h.host == nil {
		return errors.New("session has no host connection")
	}
	if h.gate.Released() {
		return callgate.ErrReleased
	}
	return nil
}

func unsupported(capability string) error {
	return &host.VersionError{Capability: capability, Detail: "not offered by this host"}
}
