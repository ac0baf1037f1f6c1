package hostbridge

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

const (
	// DefaultTerminationGracePeriod is the SIGTERM grace window before SIGKILL.
	DefaultTerminationGracePeriod = 5 * time.Second

	defaultTerminationPollInterval = 100 * time.Millisecond
	defaultForcedExitWait          = 2 * time.Second
)

// ProcessSignaler sends unix signals to a process ID.
type ProcessSignaler interface {
	Signal(pid int, signal syscall.Signal) error
}

// ProcessChecker checks whether a process is still alive.
type ProcessChecker interface {
	Alive(pid int) (bool, error)
}

type defaultProcessSignaler struct{}

func (defaultProcessSignaler) Signal(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

type defaultProcessChecker struct{}

func (defaultProcessChecker) Alive(pid int) (bool, error) {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, syscall.EPERM) {
		return true, nil
	}
	return false, err
}

// Terminator disposes of bridge processes out of band.
type Terminator struct {
	signaler     ProcessSignaler
	checker      ProcessChecker
	grace        time.Duration
	pollInterval time.Duration
	forcedWait   time.Duration
	now          func() time.Time
	sleep        func(time.Duration)
}

// TerminatorOptions configures a Terminator.
type TerminatorOptions struct {
	Signaler    ProcessSignaler
	Checker     ProcessChecker
	GracePeriod time.Duration
}

// NewTerminator builds a Terminator with OS defaults where omitted.
func NewTerminator(opts TerminatorOptions) *Terminator {
	signaler := opts.Signaler
	if signaler == nil {
		signaler = defaultProcessSignaler{}
	}
	checker := opts.Checker
	if checker == nil {
		checker = defaultProcessChecker{}
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultTerminationGracePeriod
	}
	return &Terminator{
		signaler:     signaler,
		checker:      checker,
		grace:        grace,
		pollInterval: defaultTerminationPollInterval,
		forcedWait:   defaultForcedExitWait,
		now:          time.Now,
		sleep:        time.Sleep,
	}
}

// Alive reports whether pid is running. Check errors count as dead.
func (t *Terminator) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := t.checker.Alive(pid)
	return err == nil && alive
}

// Terminate sends SIGTERM, waits the grace period, then escalates to SIGKILL.
func (t *Terminator) Terminate(ctx context.Context, pid int) error {
	if t == nil {
		return errors.New("terminator is nil")
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}

	if err := t.signaler.Signal(pid, syscall.SIGTERM); err != nil && !isProcessGoneError(err) {
		return fmt.Errorf("send SIGTERM to pid %d: %w", pid, err)
	}
	exited, err := t.waitForExit(ctx, pid, t.grace)
	if err != nil {
		return fmt.Errorf("wait for pid %d after SIGTERM: %w", pid, err)
	}
	if exited {
		return nil
	}

	if err := t.signaler.Signal(pid, syscall.SIGKILL); err != nil && !isProcessGoneError(err) {
		return fmt.Errorf("send SIGKILL to pid %d: %w", pid, err)
	}
	exited, err = t.waitForExit(ctx, pid, t.forcedWait)
	if err != nil {
		return fmt.Errorf("wait for pid %d after SIGKILL: %w", pid, err)
	}
	if !exited {
		return fmt.Errorf("pid %d still alive after SIGKILL", pid)
	}
	return nil
}

func (t *Terminator) waitForExit(ctx context.Context, pid int, window time.Duration) (bool, error) {
	deadline := t.now().Add(window)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		alive, err := t.checker.Alive(pid)
		if err != nil {
			return false, err
		}
		if !alive {
			return true, nil
		}
		if !t.now().Before(deadline) {
			return false, nil
		}
		t.sleep(t.pollInterval)
	}
}

func isProcessGoneError(err error) bool {
	return err != nil && errors.Is(err, syscall.ESRCH)
}
