package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tcflow/tcflow/internal/config"
	"github.com/tcflow/tcflow/internal/directory"
	"github.com/tcflow/tcflow/internal/events"
	"github.com/tcflow/tcflow/internal/hostbridge"
	"github.com/tcflow/tcflow/internal/metrics"
	"github.com/tcflow/tcflow/internal/progress"
	"github.com/tcflow/tcflow/internal/redact"
	"github.com/tcflow/tcflow/internal/runtimelink"
	"github.com/tcflow/tcflow/internal/session"
	"github.com/tcflow/tcflow/internal/state"
	"github.com/tcflow/tcflow/internal/telemetry/invariants"
	"github.com/tcflow/tcflow/internal/workflow"
)

const lastResultFile = "last-result.json"

// workflows is the orchestrator surface the commands drive.
type workflows interface {
	Build(ctx context.Context, req workflow.BuildRequest) (workflow.Result, error)
	Deploy(ctx context.Context, req workflow.DeployRequest) (workflow.Result, error)
	IO(ctx context.Context, req workflow.IORequest) (workflow.Result, error)
	SetBootProject(ctx context.Context, req workflow.BootProjectRequest) (workflow.Result, error)
	RunTests(ctx context.Context, req workflow.TestRequest) (workflow.Result, error)
	Info(ctx context.Context, req workflow.InfoRequest) (workflow.Result, error)
}

// hostPool lists and disposes launched host instances.
type hostPool interface {
	List(ctx context.Context) ([]hostbridge.Status, error)
	Dispose(ctx context.Context, displayName string) error
	Prune(ctx context.Context) ([]directory.Entry, error)
}

var _ workflows = (*workflow.Orchestrator)(nil)

// openServices wires the full stack for one run. The returned close
// function drains progress, exports metrics and closes the directory.
func openServices(_ context.Context, a *app) (workflows, func(), error) {
	cfg := a.cfg
	store, err := directory.Open(cfg.DirectoryPath)
	if err != nil {
		return nil, nil, err
	}
	pool, err := hostbridge.NewPool(hostbridge.PoolOptions{
		Binary:    cfg.BridgeBinary,
		Directory: store,
		Logger:    a.logger,
	})
	if err != nil {
		store.Close() //nolint:errcheck // best effort on error path
		return nil, nil, err
	}

	bus := events.New(events.WithLogger(a.logger))
	if !a.quiet {
		attachProgressPrinter(bus, a.stderr)
	}
	mqtt, err := attachMQTT(cfg.MQTT, bus, a)
	if err != nil {
		a.logger.Warn("mqtt progress disabled", "broker", redact.URL(cfg.MQTT.Broker), "err", err)
	}

	registry, err := session.NewRegistry(session.Options{
		Finder:            pool,
		Factory:           pool,
		Bus:               bus,
		Logger:            a.logger,
		SettleDelay:       disabledAsNegative(cfg.Session.SettleDelay),
		ReuseLoadAttempts: cfg.Session.ReuseLoadAttempts,
		FreshLoadAttempts: cfg.Session.FreshLoadAttempts,
		LoadPollInterval:  cfg.Session.LoadPollInterval,
	})
	if err != nil {
		bus.Close()
		store.Close() //nolint:errcheck // best effort on error path
		return nil, nil, err
	}

	recorder := metrics.New()
	invariants.SetObserver(recorder.InvariantViolation)
	orchestrator, err := workflow.New(workflow.Options{
		Sessions: registry,
		Links: func() (runtimelink.Link, error) {
			return runtimelink.NewADSClient(runtimelink.Options{
				RouterAddress: cfg.ADS.RouterAddress,
				LocalNetID:    cfg.ADS.LocalNetID,
				Logger:        a.logger,
			})
		},
		LocalNetID:      cfg.ADS.LocalNetID,
		RetryInterval:   cfg.Gate.RetryInterval,
		RestartWait:     disabledAsNegative(cfg.Deploy.RestartWait),
		DefaultADSPort:  cfg.ADS.DefaultPort,
		PollInterval:    cfg.Poll.Interval,
		PollTimeout:     cfg.Poll.Timeout,
		CompletionGrace: disabledAsNegative(cfg.Poll.CompletionGrace),
		Machine:         state.NewMachine("tcflow", state.WithBus(bus)),
		Bus:             bus,
		Metrics:         recorder,
		Logger:          a.logger,
	})
	if err != nil {
		bus.Close()
		store.Close() //nolint:errcheck // best effort on error path
		return nil, nil, err
	}

	closeFn := func() {
		invariants.SetObserver(nil)
		bus.Close()
		if stats := bus.Stats(); stats.Dropped > 0 {
			a.logger.Warn("progress events dropped", "dropped", stats.Dropped, "published", stats.Published)
		}
		if mqtt != nil {
			mqtt.Close()
		}
		if path := cfg.Metrics.Textfile; path != "" {
			if err := recorder.WriteTextfile(path); err != nil {
				a.logger.Warn("write metrics textfile failed", "path", path, "err", err)
			}
		}
		if err := store.Close(); err != nil {
			a.logger.Warn("close host directory failed", "err", err)
		}
	}
	return orchestrator, closeFn, nil
}

func openHostPool(_ context.Context, a *app) (hostPool, func(), error) {
	store, err := directory.Open(a.cfg.DirectoryPath)
	if err != nil {
		return nil, nil, err
	}
	pool, err := hostbridge.NewPool(hostbridge.PoolOptions{
		Binary:    a.cfg.BridgeBinary,
		Directory: store,
		Logger:    a.logger,
	})
	if err != nil {
		store.Close() //nolint:errcheck // best effort on error path
		return nil, nil, err
	}
	return pool, func() {
		if err := store.Close(); err != nil {
			a.logger.Warn("close host directory failed", "err", err)
		}
	}, nil
}

func attachMQTT(cfg config.MQTTConfig, bus events.Bus, a *app) (*progress.MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, nil
	}
	publisher, err := progress.Dial(progress.MQTTOptions{Broker: cfg.Broker, ClientID: cfg.ClientID})
	if err != nil {
		return nil, err
	}
	sink, err := progress.NewSink(progress.SinkOptions{
		Publisher:   publisher,
		TopicPrefix: cfg.TopicPrefix,
		QoS:         cfg.QoS,
		Logger:      a.logger,
	})
	if err != nil {
		publisher.Close()
		return nil, err
	}
	sink.Attach(bus)
	return publisher, nil
}

// disabledAsNegative maps a configured zero, meaning "off", onto the
// negative value the components read as disabled. Their zero means default.
func disabledAsNegative(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// report prints result on stdout, keeps a copy next to the host directory
// for bug reports and turns a non-succeeded outcome into exit code 1.
func (a *app) report(result workflow.Result) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.stdout.Write(data); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	a.saveLastResult(data)
	a.logger.Info("workflow result", "workflow", result.Workflow, "outcome", result.Outcome, "summary", result.Summary)
	if !result.Succeeded() {
		return &exitError{code: 1}
	}
	return nil
}

// lastResultPath is the result copy kept next to the host directory.
func (a *app) lastResultPath() string {
	if a.cfg == nil || a.cfg.DirectoryPath == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(a.cfg.DirectoryPath), lastResultFile)
}

func (a *app) saveLastResult(data []byte) {
	path := a.lastResultPath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		a.logger.Warn("save last result failed", "err", err)
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		a.logger.Warn("save last result failed", "err", err)
	}
}

func (a *app) writeJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	if _, err := fmt.Fprintf(a.stdout, "%s\n", data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
