package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcflow/tcflow/internal/directory"
	"github.com/tcflow/tcflow/internal/hostbridge"
	"github.com/tcflow/tcflow/internal/workflow"
)

func TestBuildCommandMapsFlagsAndPrintsResult(t *testing.T) {
	t.Parallel()

	a, stdout, _ := testApp(t)
	fake := &fakeWorkflows{result: workflow.Result{RunID: "run-test", Summary: "build succeeded"}}
	fake.install(a)

	err := execute(t, a, "build", "plant.sln", "--clean", "--force-version", "3.1.4024.35", "--variant", "Line2", "--dry-run")
	require.NoError(t, err)

	require.NotNil(t, fake.build)
	assert.Equal(t, workflow.BuildRequest{
		ProjectRequest: workflow.ProjectRequest{
			ProjectPath:  "plant.sln",
			ForceVersion: "3.1.4024.35",
			Variant:      "Line2",
			RunID:        "run-test",
			DryRun:       true,
		},
		Clean: true,
	}, *fake.build)
	assert.Equal(t, 1, fake.closed)

	var printed map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &printed))
	assert.Equal(t, "build", printed["workflow"])
	assert.Equal(t, "succeeded", printed["outcome"])
	assert.Equal(t, "build succeeded", printed["summary"])

	saved, err := os.ReadFile(a.lastResultPath())
	require.NoError(t, err)
	assert.Equal(t, stdout.String(), string(saved))
}

func TestBuildCommandCleansByDefault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want bool
	}{
		{name: "default", args: []string{"build", "plant.sln"}, want: true},
		{name: "incremental", args: []string{"build", "plant.sln", "--clean=false"}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a, _, _ := testApp(t)
			fake := &fakeWorkflows{result: workflow.Result{RunID: "run-test"}}
			fake.install(a)

			require.NoError(t, execute(t, a, tt.args...))
			require.NotNil(t, fake.build)
			assert.Equal(t, tt.want, fake.build.Clean)
		})
	}
}

func TestWorkflowCommandExitsNonZeroUnlessSucceeded(t *testing.T) {
	t.Parallel()

	outcomes := []workflow.Outcome{workflow.OutcomeFailed, workflow.OutcomePartiallyFailed, workflow.OutcomeTimeout}
	for _, outcome := range outcomes {
		outcome := outcome
		t.Run(string(outcome), func(t *testing.T) {
			t.Parallel()

			a, stdout, _ := testApp(t)
			fake := &fakeWorkflows{result: workflow.Result{Outcome: outcome}}
			fake.install(a)

			err := execute(t, a, "deploy", "plant.sln")
			var exit *exitError
			require.ErrorAs(t, err, &exit)
			assert.Equal(t, 1, exit.code)
			assert.Contains(t, stdout.String(), `"outcome": "`+string(outcome)+`"`)
		})
	}
}

func TestDeployCommandMapsFlags(t *testing.T) {
	t.Parallel()

	a, _, _ := testApp(t)
	fake := &fakeWorkflows{}
	fake.install(a)

	require.NoError(t, execute(t, a, "deploy", "plant.sln", "--skip-build", "--target", "5.80.201.232.1.1", "--plc", "Main"))
	require.NotNil(t, fake.deploy)
	assert.Equal(t, "plant.sln", fake.deploy.ProjectPath)
	assert.True(t, fake.deploy.SkipBuild)
	assert.Equal(t, "5.80.201.232.1.1", fake.deploy.TargetNetID)
	assert.Equal(t, "Main", fake.deploy.PLC)
	assert.False(t, fake.deploy.DryRun)
}

func TestTestCommandMapsFlags(t *testing.T) {
	t.Parallel()

	a, _, _ := testApp(t)
	fake := &fakeWorkflows{}
	fake.install(a)

	require.NoError(t, execute(t, a, "test", "plant.sln", "--task", "UnitTestTask", "--plc", "Tests", "--port", "852", "--timeout", "90s", "--start-variable", "PRG_TEST.bStart"))
	require.NotNil(t, fake.test)
	assert.Equal(t, "UnitTestTask", fake.test.Task)
	assert.Equal(t, "Tests", fake.test.PLC)
	assert.Equal(t, 852, fake.test.Port)
	assert.Equal(t, 90*time.Second, fake.test.Timeout)
	assert.Equal(t, "PRG_TEST.bStart", fake.test.StartVariable)
	assert.False(t, fake.test.SkipBuild)
}

func TestIOCommandMapsDevices(t *testing.T) {
	t.Parallel()

	a, _, _ := testApp(t)
	fake := &fakeWorkflows{}
	fake.install(a)

	require.NoError(t, execute(t, a, "io", "plant.sln", "--device", "EtherCAT Master", "--device", "Drive 2", "--enable", "--activate"))
	require.NotNil(t, fake.io)
	assert.Equal(t, []string{"EtherCAT Master", "Drive 2"}, fake.io.Devices)
	assert.True(t, fake.io.Enable)
	assert.True(t, fake.io.Activate)
}

func TestBootProjectCommandDefaultsToAutostart(t *testing.T) {
	t.Parallel()

	a, _, _ := testApp(t)
	fake := &fakeWorkflows{}
	fake.install(a)

	require.NoError(t, execute(t, a, "boot-project", "plant.sln"))
	require.NotNil(t, fake.boot)
	assert.True(t, fake.boot.Autostart)
	assert.Empty(t, fake.boot.PLC)

	require.NoError(t, execute(t, a, "boot-project", "plant.sln", "--plc", "Main", "--autostart=false"))
	assert.False(t, fake.boot.Autostart)
	assert.Equal(t, "Main", fake.boot.PLC)
}

func TestInfoCommandMapsLive(t *testing.T) {
	t.Parallel()

	a, _, _ := testApp(t)
	fake := &fakeWorkflows{}
	fake.install(a)

	require.NoError(t, execute(t, a, "info", "plant.sln", "--live"))
	require.NotNil(t, fake.info)
	assert.Equal(t, workflow.InfoRequest{ProjectPath: "plant.sln", RunID: "run-test", Live: true}, *fake.info)
}

func TestWorkflowCommandReturnsWorkflowError(t *testing.T) {
	t.Parallel()

	a, stdout, _ := testApp(t)
	fake := &fakeWorkflows{err: errors.New("project path is required")}
	fake.install(a)

	err := execute(t, a, "build", " ")
	require.Error(t, err)
	assert.Equal(t, "project path is required", err.Error())
	assert.Empty(t, stdout.String())
	assert.Equal(t, 1, fake.closed)
}

func TestWorkflowCommandReportsServiceFailure(t *testing.T) {
	t.Parallel()

	a, _, _ := testApp(t)
	err := execute(t, a, "build", "plant.sln")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize services: workflows not configured")
}

func TestWorkflowCommandRequiresProject(t *testing.T) {
	t.Parallel()

	a, _, _ := testApp(t)
	fake := &fakeWorkflows{}
	fake.install(a)

	require.Error(t, execute(t, a, "deploy"))
	assert.Nil(t, fake.deploy)
}

func TestSessionsListPrintsStatuses(t *testing.T) {
	t.Parallel()

	a, stdout, _ := testApp(t)
	pool := &fakeHostPool{statuses: []hostbridge.Status{{
		Entry: directory.Entry{DisplayName: "tcflow-host-a", PID: 42, Headless: true},
		Alive: true,
	}}}
	pool.install(a)

	require.NoError(t, execute(t, a, "sessions", "list"))

	var printed []map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &printed))
	require.Len(t, printed, 1)
	assert.Equal(t, "tcflow-host-a", printed[0]["displayName"])
	assert.Equal(t, true, printed[0]["alive"])
}

func TestSessionsDisposeAndPrune(t *testing.T) {
	t.Parallel()

	a, stdout, _ := testApp(t)
	pool := &fakeHostPool{pruned: []directory.Entry{{DisplayName: "tcflow-host-b", PID: 7}}}
	pool.install(a)

	require.NoError(t, execute(t, a, "sessions", "dispose", "tcflow-host-a"))
	assert.Equal(t, []string{"tcflow-host-a"}, pool.disposed)
	assert.JSONEq(t, `{"disposed":"tcflow-host-a"}`, stdout.String())

	stdout.Reset()
	require.NoError(t, execute(t, a, "sessions", "prune"))
	assert.Contains(t, stdout.String(), `"displayName": "tcflow-host-b"`)
}

func TestSessionsPropagatesPoolErrors(t *testing.T) {
	t.Parallel()

	a, _, _ := testApp(t)
	pool := &fakeHostPool{err: errors.New("host not found: tcflow-host-z")}
	pool.install(a)

	err := execute(t, a, "sessions", "dispose", "tcflow-host-z")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host not found")
}

func TestDisabledAsNegative(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(-1), disabledAsNegative(0))
	assert.Equal(t, 5*time.Second, disabledAsNegative(5*time.Second))
}

func TestLastResultPathFollowsDirectory(t *testing.T) {
	t.Parallel()

	a, _, _ := testApp(t)
	assert.Equal(t, filepath.Join(filepath.Dir(a.cfg.DirectoryPath), lastResultFile), a.lastResultPath())

	a.cfg.DirectoryPath = ""
	assert.Empty(t, a.lastResultPath())
}
