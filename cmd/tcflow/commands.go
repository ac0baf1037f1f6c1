package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tcflow/tcflow/internal/workflow"
)

// projectFlags are shared by every workflow that binds a session.
type projectFlags struct {
	forceVersion string
	variant      string
	dryRun       bool
}

func (f *projectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.forceVersion, "force-version", "", "tool version to use instead of the declared one")
	cmd.Flags().StringVar(&f.variant, "variant", "", "project variant to select first")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "plan mutating steps without running them")
}

func (f *projectFlags) request(a *app, projectPath string) workflow.ProjectRequest {
	return workflow.ProjectRequest{
		ProjectPath:  projectPath,
		ForceVersion: f.forceVersion,
		Variant:      f.variant,
		RunID:        a.runID,
		DryRun:       f.dryRun,
	}
}

// runWorkflow opens the services, runs fn and reports its result.
func (a *app) runWorkflow(ctx context.Context, fn func(context.Context, workflows) (workflow.Result, error)) error {
	services, closeFn, err := a.openWorkflows(ctx, a)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	result, err := fn(ctx, services)
	closeFn()
	if err != nil {
		return err
	}
	return a.report(result)
}

func newBuildCommand(a *app) *cobra.Command {
	var (
		project projectFlags
		clean   bool
	)
	cmd := &cobra.Command{
		Use:   "build <project>",
		Short: "Build the project and report errors and warnings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := workflow.BuildRequest{ProjectRequest: project.request(a, args[0]), Clean: clean}
			return a.runWorkflow(cmd.Context(), func(ctx context.Context, w workflows) (workflow.Result, error) {
				return w.Build(ctx, req)
			})
		},
	}
	project.register(cmd)
	cmd.Flags().BoolVar(&clean, "clean", true, "clean before building (--clean=false for an incremental build)")
	return cmd
}

func newDeployCommand(a *app) *cobra.Command {
	var (
		project   projectFlags
		skipBuild bool
		target    string
		plc       string
	)
	cmd := &cobra.Command{
		Use:   "deploy <project>",
		Short: "Build, activate the configuration and restart the runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := workflow.DeployRequest{
				ProjectRequest: project.request(a, args[0]),
				SkipBuild:      skipBuild,
				TargetNetID:    target,
				PLC:            plc,
			}
			return a.runWorkflow(cmd.Context(), func(ctx context.Context, w workflows) (workflow.Result, error) {
				return w.Deploy(ctx, req)
			})
		},
	}
	project.register(cmd)
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "deploy the last build")
	cmd.Flags().StringVar(&target, "target", "", "target AMS net id")
	cmd.Flags().StringVar(&plc, "plc", "", "limit boot project configuration to one PLC project")
	return cmd
}

func newTestCommand(a *app) *cobra.Command {
	var (
		project   projectFlags
		skipBuild bool
		target    string
		task      string
		plc       string
		port      int
		timeout   time.Duration
		start     string
	)
	cmd := &cobra.Command{
		Use:   "test <project>",
		Short: "Deploy the project, run its unit tests and collect the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := workflow.TestRequest{
				ProjectRequest: project.request(a, args[0]),
				SkipBuild:      skipBuild,
				TargetNetID:    target,
				Task:           task,
				PLC:            plc,
				Port:           port,
				Timeout:        timeout,
				StartVariable:  start,
			}
			return a.runWorkflow(cmd.Context(), func(ctx context.Context, w workflows) (workflow.Result, error) {
				return w.RunTests(ctx, req)
			})
		},
	}
	project.register(cmd)
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "test the last build")
	cmd.Flags().StringVar(&target, "target", "", "target AMS net id")
	cmd.Flags().StringVar(&task, "task", "", "test task name; detected when empty")
	cmd.Flags().StringVar(&plc, "plc", "", "PLC project whose runtime port is polled")
	cmd.Flags().IntVar(&port, "port", 0, "runtime AMS port override")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "test result timeout; the configured poll timeout when zero")
	cmd.Flags().StringVar(&start, "start-variable", "", "BOOL symbol set to TRUE to start the tests")
	return cmd
}

func newIOCommand(a *app) *cobra.Command {
	var (
		project  projectFlags
		devices  []string
		enable   bool
		activate bool
	)
	cmd := &cobra.Command{
		Use:   "io <project>",
		Short: "Disable or enable I/O devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := workflow.IORequest{
				ProjectRequest: project.request(a, args[0]),
				Devices:        devices,
				Enable:         enable,
				Activate:       activate,
			}
			return a.runWorkflow(cmd.Context(), func(ctx context.Context, w workflows) (workflow.Result, error) {
				return w.IO(ctx, req)
			})
		},
	}
	project.register(cmd)
	cmd.Flags().StringSliceVar(&devices, "device", nil, "device name; repeat for several, all devices when omitted")
	cmd.Flags().BoolVar(&enable, "enable", false, "enable instead of disable")
	cmd.Flags().BoolVar(&activate, "activate", false, "activate the configuration and restart afterwards")
	return cmd
}

func newBootProjectCommand(a *app) *cobra.Command {
	var (
		project   projectFlags
		plc       string
		autostart bool
	)
	cmd := &cobra.Command{
		Use:   "boot-project <project>",
		Short: "Enable and generate boot projects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := workflow.BootProjectRequest{
				ProjectRequest: project.request(a, args[0]),
				PLC:            plc,
				Autostart:      autostart,
			}
			return a.runWorkflow(cmd.Context(), func(ctx context.Context, w workflows) (workflow.Result, error) {
				return w.SetBootProject(ctx, req)
			})
		},
	}
	project.register(cmd)
	cmd.Flags().StringVar(&plc, "plc", "", "PLC project; all when empty")
	cmd.Flags().BoolVar(&autostart, "autostart", true, "start the boot project with the runtime")
	return cmd
}

func newInfoCommand(a *app) *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "info <project>",
		Short: "Show project metadata, PLC projects and variants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := workflow.InfoRequest{ProjectPath: args[0], RunID: a.runID, Live: live}
			return a.runWorkflow(cmd.Context(), func(ctx context.Context, w workflows) (workflow.Result, error) {
				return w.Info(ctx, req)
			})
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "ask the automation host instead of the metadata sidecar")
	return cmd
}

func newSessionsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage automation host instances left running for reuse",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List launched host instances",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withHosts(cmd.Context(), func(ctx context.Context, pool hostPool) error {
					statuses, err := pool.List(ctx)
					if err != nil {
						return err
					}
					return a.writeJSON(statuses)
				})
			},
		},
		&cobra.Command{
			Use:   "dispose <display-name>",
			Short: "Terminate one host instance",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withHosts(cmd.Context(), func(ctx context.Context, pool hostPool) error {
					if err := pool.Dispose(ctx, args[0]); err != nil {
						return err
					}
					return a.writeJSON(map[string]string{"disposed": args[0]})
				})
			},
		},
		&cobra.Command{
			Use:   "prune",
			Short: "Forget host instances whose process is gone",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withHosts(cmd.Context(), func(ctx context.Context, pool hostPool) error {
					pruned, err := pool.Prune(ctx)
					if err != nil {
						return err
					}
					return a.writeJSON(pruned)
				})
			},
		},
	)
	return cmd
}

func (a *app) withHosts(ctx context.Context, fn func(context.Context, hostPool) error) error {
	pool, closeFn, err := a.openHosts(ctx, a)
	if err != nil {
		return fmt.Errorf("open host directory: %w", err)
	}
	defer closeFn()
	return fn(ctx, pool)
}
