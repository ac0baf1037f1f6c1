package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tcflow/tcflow/internal/config"
	"github.com/tcflow/tcflow/internal/logging"
	"github.com/tcflow/tcflow/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

// exitError ends the process with code and no further message. The result
// document on stdout already explains the failure.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runID := uuid.NewString()
	logger, err := logging.New(logging.WithLevel(cfg.LogLevel), logging.WithRunID(runID))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	shutdown, err := telemetry.Init(ctx, telemetry.Options{Endpoint: cfg.OTel.Endpoint, RunID: runID})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdown()

	ctx, span := telemetry.StartCommand(ctx, resolveCommandName(args), runID)
	logger.WithTraceContext(ctx)

	a := newApp(cfg, logger.Logger, runID, os.Stdout, os.Stderr)
	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(ctx)
	telemetry.EndCommand(span, err)
	return err
}

// resolveCommandName returns the first argument that is not a flag, the
// subcommand cobra will dispatch to.
func resolveCommandName(args []string) string {
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		return arg
	}
	return "root"
}

// app carries what every command needs. The open functions build the
// service stack lazily so help and version never touch the host directory.
type app struct {
	cfg    *config.Config
	logger *log.Logger
	runID  string
	stdout io.Writer
	stderr io.Writer
	quiet  bool

	doctorInterval time.Duration

	openWorkflows func(ctx context.Context, a *app) (workflows, func(), error)
	openHosts     func(ctx context.Context, a *app) (hostPool, func(), error)
	openDoctor    func(ctx context.Context, a *app) (healthChecker, func(), error)
}

func newApp(cfg *config.Config, logger *log.Logger, runID string, stdout, stderr io.Writer) *app {
	return &app{
		cfg:           cfg,
		logger:        logger,
		runID:         runID,
		stdout:        stdout,
		stderr:        stderr,
		openWorkflows: openServices,
		openHosts:     openHostPool,
		openDoctor:    openDoctor,
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "tcflow",
		Short:         "Build, deploy and test automation projects through a reusable host session",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "do not print progress to stderr")
	root.AddCommand(
		newBuildCommand(a),
		newDeployCommand(a),
		newTestCommand(a),
		newIOCommand(a),
		newBootProjectCommand(a),
		newInfoCommand(a),
		newSessionsCommand(a),
		newDoctorCommand(a),
		newBugreportCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if a.logger == nil {
			return errors.New("logger is required")
		}
		if a.cfg == nil {
			return errors.New("config is required")
		}
		a.logger.With("command", cmd.CommandPath()).Debug("command invocation")
		return nil
	}
	return root
}
