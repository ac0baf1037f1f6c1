package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/tcflow/tcflow/internal/directory"
	"github.com/tcflow/tcflow/internal/doctor"
	"github.com/tcflow/tcflow/internal/events"
	"github.com/tcflow/tcflow/internal/hostbridge"
)

// healthChecker runs host fleet health checks.
type healthChecker interface {
	RunOnce(ctx context.Context) (doctor.HealthReport, error)
	Start(ctx context.Context, onReport func(doctor.HealthReport))
}

var _ healthChecker = (*doctor.Manager)(nil)

func newDoctorCommand(a *app) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check recorded host instances and prune the ones that are gone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval > 0 {
				a.doctorInterval = interval
			}
			checker, closeFn, err := a.openDoctor(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer closeFn()

			if watch {
				checker.Start(cmd.Context(), func(report doctor.HealthReport) {
					if err := a.writeJSON(report); err != nil {
						a.logger.Warn("write health report failed", "err", err)
					}
				})
				return nil
			}

			report, err := checker.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.writeJSON(report); err != nil {
				return err
			}
			if !report.Healthy() {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep checking until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 0, "heartbeat interval with --watch")
	return cmd
}

func openDoctor(_ context.Context, a *app) (healthChecker, func(), error) {
	store, err := directory.Open(a.cfg.DirectoryPath)
	if err != nil {
		return nil, nil, err
	}
	bus := events.New(events.WithLogger(a.logger))
	probe := func(ctx context.Context, address string) error {
		client, err := hostbridge.Dial(ctx, address, hostbridge.DialOptions{Logger: a.logger})
		if err != nil {
			return err
		}
		return client.Close()
	}
	manager, err := doctor.NewManager(store, hostbridge.NewTerminator(hostbridge.TerminatorOptions{}), probe, bus, doctor.Config{
		HeartbeatInterval: a.doctorInterval,
		Logger:            a.logger,
	})
	if err != nil {
		bus.Close()
		store.Close() //nolint:errcheck // best effort on error path
		return nil, nil, err
	}
	return manager, func() {
		bus.Close()
		if err := store.Close(); err != nil {
			a.logger.Warn("close host directory failed", "err", err)
		}
	}, nil
}
