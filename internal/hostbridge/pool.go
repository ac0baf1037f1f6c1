package hostbridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tcflow/tcflow/internal/callgate"
	"github.com/tcflow/tcflow/internal/directory"
	"github.com/tcflow/tcflow/internal/logging"
	"github.com/tcflow/tcflow/internal/redact"
	"github.com/tcflow/tcflow/internal/session"
)

const (
	// BannerPrefix starts the line a bridge prints once it accepts connections.
	BannerPrefix = "LISTENING "

	defaultStartTimeout = 60 * time.Second
	bannerPollInterval  = 50 * time.Millisecond
	dirPermissions      = 0o750
)

var (
	_ session.Finder  = (*Pool)(nil)
	_ session.Factory = (*Pool)(nil)
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Binary is the bridge executable.
	Binary string
	// Args are passed before the headless/listen flags.
	Args         []string
	Directory    *directory.Store
	LogDir       string
	StartTimeout time.Duration
	DialTimeout  time.Duration
	Terminator   *Terminator
	Logger       *log.Logger
}

// Pool launches bridge processes and finds running ones through the
// directory.
type Pool struct {
	binary       string
	args         []string
	dir          *directory.Store
	logDir       string
	startTimeout time.Duration
	dialTimeout  time.Duration
	terminator   *Terminator
	logger       *log.Logger
}

// Status is a directory entry plus process liveness.
type Status struct {
	directory.Entry
	Alive bool `json:"alive"`
}

// NewPool validates options and builds a Pool.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Directory == nil {
		return nil, errors.New("host directory is required")
	}
	logDir := strings.TrimSpace(opts.LogDir)
	if logDir == "" {
		logDir = filepath.Join(filepath.Dir(opts.Directory.Path()), "logs")
	}
	startTimeout := opts.StartTimeout
	if startTimeout <= 0 {
		startTimeout = defaultStartTimeout
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	terminator := opts.Terminator
	if terminator == nil {
		terminator = NewTerminator(TerminatorOptions{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pool{
		binary:       strings.TrimSpace(opts.Binary),
		args:         append([]string(nil), opts.Args...),
		dir:          opts.Directory,
		logDir:       logDir,
		startTimeout: startTimeout,
		dialTimeout:  dialTimeout,
		terminator:   terminator,
		logger:       logger.With("component", "hostbridge"),
	}, nil
}

// FindReusable dials each headless directory entry whose process is alive
// and returns the first one with projectPath open. Failing entries are
// skipped.
func (p *Pool) FindReusable(ctx context.Context, gate *callgate.Gate, projectPath string) (session.Instance, bool) {
	entries, err := p.dir.List(ctx)
	if err != nil {
		p.logger.Warn("list host directory failed", "err", err)
		return session.Instance{}, false
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.DisplayName, directory.DisplayNamePrefix) || !entry.Headless {
			continue
		}
		if !p.terminator.Alive(entry.PID) {
			p.logger.Debug("skipping dead host instance", "display_name", entry.DisplayName, "pid", entry.PID)
			continue
		}
		client, err := Dial(ctx, entry.Address, DialOptions{Timeout: p.dialTimeout, Logger: p.logger})
		if err != nil {
			p.logger.Debug("skipping unreachable host instance", "display_name", entry.DisplayName, "err", err)
			continue
		}
		inst := p.instance(entry.DisplayName, entry.PID, client)
		if session.Matches(ctx, gate, inst, projectPath) {
			return inst, true
		}
		client.Close() //nolint:errcheck // candidate rejected
	}
	return session.Instance{}, false
}

// Launch starts a headless bridge, waits for its banner, registers it in the
// directory and returns a connected instance. The process outlives tcflow.
func (p *Pool) Launch(ctx context.Context) (session.Instance, error) {
	if p.binary == "" {
		return session.Instance{}, errors.New("bridge binary is not configured")
	}
	if err := os.MkdirAll(p.logDir, dirPermissions); err != nil {
		return session.Instance{}, fmt.Errorf("create bridge log directory: %w", err)
	}

	name := directory.NewDisplayName()
	logPath := filepath.Join(p.logDir, name+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return session.Instance{}, fmt.Errorf("create bridge log %s: %w", logPath, err)
	}

	args := append(append([]string(nil), p.args...), "--headless", "--listen", "127.0.0.1:0", "--display-name", name)
	cmd := exec.Command(p.binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	err = cmd.Start()
	logFile.Close() //nolint:errcheck // the child holds its own descriptor
	if err != nil {
		return session.Instance{}, fmt.Errorf("start bridge %s: %w", redact.FormatCommand(p.binary, redact.Args(args)), err)
	}
	pid := cmd.Process.Pid
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	p.logger.Info("bridge started",
		"display_name", name,
		"pid", pid,
		"command", redact.FormatCommand(p.binary, redact.Args(args)),
		"log", logPath,
	)

	address, err := waitForBanner(ctx, logPath, p.startTimeout, exited)
	if err != nil {
		p.abandon(pid)
		return session.Instance{}, fmt.Errorf("bridge %s did not start: %w", name, err)
	}

	client, err := Dial(ctx, address, DialOptions{Timeout: p.dialTimeout, Logger: p.logger})
	if err != nil {
		p.abandon(pid)
		return session.Instance{}, err
	}
	if !client.Hello().Headless {
		client.Close() //nolint:errcheck // rejected
		p.abandon(pid)
		return session.Instance{}, fmt.Errorf("bridge %s did not start headless", name)
	}

	if err := p.dir.Register(ctx, directory.Entry{
		DisplayName: name,
		PID:         pid,
		Address:     address,
		Headless:    true,
	}); err != nil {
		client.Close() //nolint:errcheck // registration failed
		p.abandon(pid)
		return session.Instance{}, err
	}
	return p.instance(name, pid, client), nil
}

// List returns every directory entry with its liveness.
func (p *Pool) List(ctx context.Context) ([]Status, error) {
	entries, err := p.dir.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(entries))
	for _, entry := range entries {
		out = append(out, Status{Entry: entry, Alive: p.terminator.Alive(entry.PID)})
	}
	return out, nil
}

// Dispose terminates one instance and removes it from the directory.
func (p *Pool) Dispose(ctx context.Context, displayName string) error {
	entry, err := p.dir.Get(ctx, displayName)
	if err != nil {
		return err
	}
	if p.terminator.Alive(entry.PID) {
		if err := p.terminator.Terminate(ctx, entry.PID); err != nil {
			return fmt.Errorf("dispose %s: %w", displayName, err)
		}
	}
	if err := p.dir.Remove(ctx, displayName); err != nil {
		return err
	}
	p.logger.Info("host instance disposed", "display_name", displayName, "pid", entry.PID)
	return nil
}

// Prune removes directory entries whose process is gone.
func (p *Pool) Prune(ctx context.Context) ([]directory.Entry, error) {
	return p.dir.Prune(ctx, p.terminator.Alive)
}

func (p *Pool) instance(name string, pid int, client *Client) session.Instance {
	return session.Instance{
		DisplayName: name,
		PID:         pid,
		Headless:    client.Hello().Headless,
		Host:        client,
		OnBound: func(ctx context.Context, projectPath string) error {
			return p.dir.SetProject(ctx, name, projectPath)
		},
	}
}

func (p *Pool) abandon(pid int) {
	ctx, cancel := context.WithTimeout(context.Background(), p.terminator.grace+defaultForcedExitWait+time.Second)
	defer cancel()
	if err := p.terminator.Terminate(ctx, pid); err != nil {
		p.logger.Warn("terminate failed bridge", "pid", pid, "err", err)
	}
}

func waitForBanner(ctx context.Context, logPath string, timeout time.Duration, exited <-chan struct{}) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(bannerPollInterval)
	defer ticker.Stop()
	for {
		address, err := scanBanner(logPath)
		if err != nil {
			return "", err
		}
		if address != "" {
			return address, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("wait for %q in %s: %w", strings.TrimSpace(BannerPrefix), logPath, ctx.Err())
		case <-exited:
			return "", fmt.Errorf("bridge exited before listening, see %s", logPath)
		case <-ticker.C:
		}
	}
}

func scanBanner(logPath string) (string, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return "", fmt.Errorf("open bridge log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if address, ok := strings.CutPrefix(line, BannerPrefix); ok {
			return strings.TrimSpace(address), nil
		}
	}
	return "", scanner.Err()
}
