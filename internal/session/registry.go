package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tcflow/tcflow/internal/callgate"
	"github.com/tcflow/tcflow/internal/events"
	"github.com/tcflow/tcflow/internal/host"
	"github.com/tcflow/tcflow/internal/locks"
	"github.com/tcflow/tcflow/internal/logging"
	"github.com/tcflow/tcflow/internal/telemetry/invariants"
)

const (
	// DefaultSettleDelay is the wait after clean and build.
	DefaultSettleDelay = 3 * time.Second
	// DefaultReuseLoadAttempts bounds project-ready polling on reused instances.
	DefaultReuseLoadAttempts = 5
	// DefaultFreshLoadAttempts bounds project-ready polling on fresh instances.
	DefaultFreshLoadAttempts = 60
	// DefaultLoadPollInterval is the wait between project-ready checks.
	DefaultLoadPollInterval = time.Second
)

// ErrProjectNotLoaded is returned when the project never became ready.
var ErrProjectNotLoaded = errors.New("project not loaded")

// Request names the project to bind and the tool version policy for fresh
// instances.
type Request struct {
	ProjectPath string
	// ToolVersion is the version the project declares.
	ToolVersion string
	// ForceVersion overrides ToolVersion and must be available.
	ForceVersion string
}

// Options configures a Registry.
type Options struct {
	Finder            Finder
	Factory           Factory
	Locks             *locks.Keyed
	Bus               events.Bus
	Logger            *log.Logger
	SettleDelay       time.Duration
	ReuseLoadAttempts int
	FreshLoadAttempts int
	LoadPollInterval  time.Duration
}

// Registry resolves project paths to live sessions. It is safe for
// concurrent use; acquisitions of the same project serialize.
type Registry struct {
	finder            Finder
	factory           Factory
	locks             *locks.Keyed
	bus               events.Bus
	logger            *log.Logger
	settleDelay       time.Duration
	reuseLoadAttempts int
	freshLoadAttempts int
	loadPollInterval  time.Duration
	sleep             func(context.Context, time.Duration) error

	mu    sync.Mutex
	bound map[string]string
}

// NewRegistry constructs a registry. A Factory is required; a nil Finder
// disables reuse.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Factory == nil {
		return nil, errors.New("session factory is required")
	}
	keyed := opts.Locks
	if keyed == nil {
		keyed = locks.NewKeyed()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	settle := opts.SettleDelay
	if settle < 0 {
		settle = 0
	} else if settle == 0 {
		settle = DefaultSettleDelay
	}
	reuseAttempts := opts.ReuseLoadAttempts
	if reuseAttempts <= 0 {
		reuseAttempts = DefaultReuseLoadAttempts
	}
	freshAttempts := opts.FreshLoadAttempts
	if freshAttempts <= 0 {
		freshAttempts = DefaultFreshLoadAttempts
	}
	interval := opts.LoadPollInterval
	if interval <= 0 {
		interval = DefaultLoadPollInterval
	}
	return &Registry{
		finder:            opts.Finder,
		factory:           opts.Factory,
		locks:             keyed,
		bus:               opts.Bus,
		logger:            logger.With("component", "session"),
		settleDelay:       settle,
		reuseLoadAttempts: reuseAttempts,
		freshLoadAttempts: freshAttempts,
		loadPollInterval:  interval,
		sleep:             sleepContext,
		bound:             make(map[string]string),
	}, nil
}

// Acquire binds a session for req.ProjectPath. The gate must stay acquired
// until the returned handle is closed; closing the handle releases it.
func (r *Registry) Acquire(ctx context.Context, gate *callgate.Gate, req Request) (*Handle, error) {
	if r == nil {
		return nil, errors.New("session registry is nil")
	}
	if gate == nil {
		return nil, errors.New("call gate is required")
	}
	projectPath, err := absProjectPath(req.ProjectPath)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}
	if projectPath == "" {
		return nil, errors.New("project path is required")
	}

	unlock, err := r.locks.Acquire(ctx, projectPath)
	if err != nil {
		return nil, fmt.Errorf("serialize session for %s: %w", projectPath, err)
	}
	key := locks.NormalizeKey(projectPath)

	r.mu.Lock()
	_, alreadyBound := r.bound[key]
	r.mu.Unlock()
	if !invariants.CheckSessionSingleBind(ctx, "session.Registry.Acquire", projectPath, alreadyBound) {
		unlock()
		return nil, fmt.Errorf("project %s already has a bound session", projectPath)
	}

	handle, err := r.bind(ctx, gate, projectPath, req)
	if err != nil {
		unlock()
		return nil, err
	}

	r.mu.Lock()
	r.bound[key] = handle.session.DisplayName
	r.mu.Unlock()
	handle.release = func() {
		r.mu.Lock()
		delete(r.bound, key)
		r.mu.Unlock()
		unlock()
	}

	events.PublishEvent(r.bus, events.Event{
		Type:       events.EventTypeSessionBound,
		EntityType: "session",
		EntityID:   handle.session.DisplayName,
		Payload:    handle.session,
		Severity:   events.SeverityInfo,
	})
	return handle, nil
}

// Bound returns the display names bound per normalized project path.
func (r *Registry) Bound() map[string]string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.bound))
	for key, name := range r.bound {
		out[key] = name
	}
	return out
}

func (r *Registry) bind(ctx context.Context, gate *callgate.Gate, projectPath string, req Request) (*Handle, error) {
	inst, reused := r.findReusable(ctx, gate, projectPath)
	if reused && !invariants.CheckHeadlessReuseOnly(ctx, "session.Registry.bind", inst.DisplayName, inst.Headless) {
		reused = false
	}

	session := Session{ProjectPath: projectPath}
	if reused {
		r.logger.Info("reusing host instance", "display_name", inst.DisplayName, "project", projectPath)
		gate.Attach(inst.Host)
	} else {
		launched, err := r.factory.Launch(ctx)
		if err != nil {
			return nil, fmt.Errorf("launch host instance: %w", err)
		}
		if launched.Host == nil {
			return nil, errors.New("launched host instance has no connection")
		}
		if !launched.Headless {
			closeQuietly(launched.Host)
			return nil, fmt.Errorf("launched host instance %s is not headless", launched.DisplayName)
		}
		inst = launched
		gate.Attach(inst.Host)
		r.logger.Info("launched host instance", "display_name", inst.DisplayName, "pid", inst.PID)

		version, err := r.selectVersion(ctx, gate, inst.Host, req)
		if err != nil {
			closeQuietly(inst.Host)
			return nil, err
		}
		session.ToolVersion = version
	}
	session.DisplayName = inst.DisplayName
	session.PID = inst.PID
	session.Reused = reused
	session.Headless = inst.Headless

	if err := r.openProject(ctx, gate, inst.Host, projectPath, reused); err != nil {
		closeQuietly(inst.Host)
		return nil, err
	}

	if inst.OnBound != nil {
		if err := inst.OnBound(ctx, projectPath); err != nil {
			r.logger.Warn("record bound project failed", "display_name", inst.DisplayName, "err", err)
		}
	}

	return &Handle{
		session: session,
		host:    inst.Host,
		gate:    gate,
		settle:  r.settleDelay,
		sleep:   r.sleep,
		logger:  r.logger.With("display_name", inst.DisplayName),
	}, nil
}

// findReusable never fails. Any problem, including a panicking finder,
// means no reusable instance.
func (r *Registry) findReusable(ctx context.Context, gate *callgate.Gate, projectPath string) (inst Instance, found bool) {
	if r.finder == nil {
		return Instance{}, false
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Warn("session discovery failed", "err", recovered)
			inst, found = Instance{}, false
		}
	}()
	return r.finder.FindReusable(ctx, gate, projectPath)
}

func (r *Registry) selectVersion(ctx context.Context, gate *callgate.Gate, h host.Host, req Request) (string, error) {
	available, err := callgate.Call(ctx, gate, host.OpToolVersions, h.ToolVersions)
	if err != nil {
		return "", fmt.Errorf("list tool versions: %w", err)
	}
	version, err := SelectToolVersion(available, req.ToolVersion, req.ForceVersion)
	if err != nil {
		return "", fmt.Errorf("select tool version: %w", err)
	}
	if version == "" {
		return "", nil
	}
	if err := gate.Invoke(ctx, host.OpSelectToolVersion, func(ctx context.Context) error {
		return h.SelectToolVersion(ctx, version)
	}); err != nil {
		return "", fmt.Errorf("select tool version %s: %w", version, err)
	}
	r.logger.Info("tool version selected", "version", version, "declared", req.ToolVersion, "forced", req.ForceVersion)
	return version, nil
}

func (r *Registry) openProject(ctx context.Context, gate *callgate.Gate, h host.Host, projectPath string, reused bool) error {
	attempts := r.freshLoadAttempts
	if reused {
		attempts = r.reuseLoadAttempts
	} else if err := gate.Invoke(ctx, host.OpOpenProject, func(ctx context.Context) error {
		return h.OpenProject(ctx, projectPath)
	}); err != nil {
		return fmt.Errorf("open project %s: %w", projectPath, err)
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		ready, err := callgate.Call(ctx, gate, host.OpProjectReady, h.ProjectReady)
		if err != nil {
			return fmt.Errorf("check project %s loaded: %w", projectPath, err)
		}
		if ready {
			r.logger.Debug("project loaded", "project", projectPath, "attempt", attempt)
			return nil
		}
		if attempt == attempts {
			break
		}
		if err := r.sleep(ctx, r.loadPollInterval); err != nil {
			return fmt.Errorf("wait for project %s: %w", projectPath, err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrProjectNotLoaded, attempts, &host.NotFoundError{Entity: "project", Name: projectPath})
}

func closeQuietly(h host.Host) {
	if h != nil {
		_ = h.Close()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
