// Package doctor checks the automation hosts recorded in the directory:
// entries whose process is gone are pruned and live hosts that no longer
// answer are reported.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tcflow/tcflow/internal/directory"
	"github.com/tcflow/tcflow/internal/events"
	"github.com/tcflow/tcflow/internal/logging"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultProbeTimeout      = 5 * time.Second
)

// HostDirectory lists and forgets recorded hosts. *directory.Store
// satisfies it.
type HostDirectory interface {
	List(ctx context.Context) ([]directory.Entry, error)
	Remove(ctx context.Context, displayName string) error
}

// ProcessChecker reports whether a host process is still running.
type ProcessChecker interface {
	Alive(pid int) bool
}

// ProbeFunc asks the host behind address to answer. A nil error means the
// host is responsive.
type ProbeFunc func(ctx context.Context, address string) error

// EventBus publishes health reports and alerts.
type EventBus interface {
	Publish(event events.Event)
}

// Config controls heartbeat cadence and the per-host probe budget.
type Config struct {
	HeartbeatInterval time.Duration
	ProbeTimeout      time.Duration
	Logger            *log.Logger
}

// HostHealth is the verdict for one directory entry.
type HostHealth struct {
	DisplayName string `json:"displayName"`
	PID         int    `json:"pid"`
	Address     string `json:"address"`
	ProjectPath string `json:"projectPath,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// Host health verdicts.
const (
	HostResponsive   = "responsive"
	HostUnresponsive = "unresponsive"
	HostPruned       = "pruned"
)

// HealthReport is emitted on every heartbeat.
type HealthReport struct {
	Hosts        []HostHealth `json:"hosts"`
	Responsive   int          `json:"responsive"`
	Unresponsive int          `json:"unresponsive"`
	Pruned       int          `json:"pruned"`
	CheckedAt    time.Time    `json:"checkedAt"`
}

// Healthy reports whether every remaining host answered.
func (r HealthReport) Healthy() bool {
	return r.Unresponsive == 0
}

// Manager runs health checks once or on a ticker.
type Manager struct {
	hosts             HostDirectory
	processes         ProcessChecker
	probe             ProbeFunc
	bus               EventBus
	logger            *log.Logger
	heartbeatInterval time.Duration
	probeTimeout      time.Duration
	now               func() time.Time
	newTicker         func(time.Duration) *time.Ticker
}

// NewManager builds a Manager with defaults for unset intervals.
func NewManager(hosts HostDirectory, processes ProcessChecker, probe ProbeFunc, bus EventBus, cfg Config) (*Manager, error) {
	if hosts == nil {
		return nil, errors.New("host directory is required")
	}
	if processes == nil {
		return nil, errors.New("process checker is required")
	}
	if probe == nil {
		return nil, errors.New("probe is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		hosts:             hosts,
		processes:         processes,
		probe:             probe,
		bus:               bus,
		logger:            logger.With("component", "doctor"),
		heartbeatInterval: cfg.HeartbeatInterval,
		probeTimeout:      cfg.ProbeTimeout,
		now:               time.Now,
		newTicker:         time.NewTicker,
	}, nil
}

// Start runs heartbeat checks until ctx is cancelled. Each report is passed
// to onReport when it is not nil.
func (m *Manager) Start(ctx context.Context, onReport func(HealthReport)) {
	if m == nil {
		return
	}
	ticker := m.newTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := m.RunOnce(ctx)
			if err != nil {
				m.logger.Warn("health check failed", "err", err)
				m.bus.Publish(events.Event{
					Type:       events.EventTypeSystemAlert,
					Timestamp:  m.now().UTC(),
					EntityType: "health",
					EntityID:   "doctor",
					Payload: map[string]string{
						"error": err.Error(),
					},
					Severity: events.SeverityError,
				})
				continue
			}
			if onReport != nil {
				onReport(report)
			}
		}
	}
}

// RunOnce checks every recorded host once.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}

	entries, err := m.hosts.List(ctx)
	if err != nil {
		return HealthReport{}, fmt.Errorf("list host directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DisplayName < entries[j].DisplayName
	})

	now := m.now().UTC()
	report := HealthReport{
		Hosts:     make([]HostHealth, 0, len(entries)),
		CheckedAt: now,
	}
	for _, entry := range entries {
		health, err := m.checkHost(ctx, entry, now)
		if err != nil {
			return HealthReport{}, err
		}
		switch health.Status {
		case HostResponsive:
			report.Responsive++
		case HostUnresponsive:
			report.Unresponsive++
		case HostPruned:
			report.Pruned++
		}
		report.Hosts = append(report.Hosts, health)
	}

	severity := events.SeverityInfo
	if !report.Healthy() {
		severity = events.SeverityWarn
	}
	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  now,
		EntityType: "health",
		EntityID:   "doctor",
		Payload:    report,
		Severity:   severity,
	})
	m.logger.Info("health check finished",
		"responsive", report.Responsive,
		"unresponsive", report.Unresponsive,
		"pruned", report.Pruned,
	)
	return report, nil
}

func (m *Manager) checkHost(ctx context.Context, entry directory.Entry, now time.Time) (HostHealth, error) {
	health := HostHealth{
		DisplayName: entry.DisplayName,
		PID:         entry.PID,
		Address:     entry.Address,
		ProjectPath: entry.ProjectPath,
	}

	if !m.processes.Alive(entry.PID) {
		if err := m.hosts.Remove(ctx, entry.DisplayName); err != nil && !errors.Is(err, directory.ErrNotFound) {
			return HostHealth{}, fmt.Errorf("prune host %s: %w", entry.DisplayName, err)
		}
		health.Status = HostPruned
		m.publishHostTransition(entry, HostPruned, now)
		return health, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := m.probe(probeCtx, entry.Address); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return HostHealth{}, ctxErr
		}
		health.Status = HostUnresponsive
		health.Error = strings.TrimSpace(err.Error())
		m.publishHostTransition(entry, HostUnresponsive, now)
		return health, nil
	}
	health.Status = HostResponsive
	return health, nil
}

func (m *Manager) publishHostTransition(entry directory.Entry, status string, now time.Time) {
	m.bus.Publish(events.Event{
		Type:       events.EventTypeStateTransition,
		Timestamp:  now,
		EntityType: "host",
		EntityID:   entry.DisplayName,
		Payload: map[string]string{
			"to": status,
		},
		Severity: events.SeverityWarn,
	})
}
