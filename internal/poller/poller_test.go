package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcflow/tcflow/internal/host"
	"github.com/tcflow/tcflow/internal/host/hosttest"
	"github.com/tcflow/tcflow/internal/metrics"
	"github.com/tcflow/tcflow/internal/runtimelink"
	"github.com/tcflow/tcflow/internal/state"
)

// scriptedRuntime returns states in order and repeats the last one.
type scriptedRuntime struct {
	mu     sync.Mutex
	states []runtimelink.State
	errs   map[int]error
	calls  int
}

func (r *scriptedRuntime) ReadState(context.Context) (runtimelink.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call := r.calls
	r.calls++
	if err := r.errs[call]; err != nil {
		return runtimelink.State{}, err
	}
	if call >= len(r.states) {
		call = len(r.states) - 1
	}
	return r.states[call], nil
}

func running() runtimelink.State { return runtimelink.State{ADS: runtimelink.StateRun} }

func summaryLines() []host.DiagnosticItem {
	return []host.DiagnosticItem{
		{Description: "| Test suites: 2"},
		{Description: "| Tests: 10"},
		{Description: "| Successful tests: 8"},
		{Description: "| Failed tests: 2"},
		{Description: "| Duration: 3.5"},
		{Description: "TEST RESULTS EXPORTED"},
	}
}

func newTestPoller(t *testing.T, rt StateReader, diag DiagnosticsSource, machine *state.Machine) *Poller {
	t.Helper()
	p, err := New(Options{
		Runtime:         rt,
		Diagnostics:     diag,
		Interval:        5 * time.Millisecond,
		CompletionGrace: -1,
		Machine:         machine,
		Metrics:         metrics.New(),
	})
	require.NoError(t, err)
	return p
}

func TestRunCompletesWithSummary(t *testing.T) {
	t.Parallel()

	rt := &scriptedRuntime{states: []runtimelink.State{
		{ADS: runtimelink.StateReconfig},
		{ADS: runtimelink.StateStart},
		running(),
	}}
	diag := &hosttest.Fake{DiagnosticsFn: func(call int) []host.DiagnosticItem {
		if call < 3 {
			return []host.DiagnosticItem{{Description: "| Test suites: 2"}}
		}
		return summaryLines()
	}}
	machine := state.NewMachine("poller-test")
	var progress []string

	result, err := newTestPoller(t, rt, diag, machine).Run(context.Background(), RunOptions{
		ID:       "poll-1",
		Timeout:  2 * time.Second,
		Progress: func(message string) { progress = append(progress, message) },
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.False(t, result.AllPassed)
	require.True(t, result.State.Complete())
	assert.Equal(t, 2, *result.State.Suites)
	assert.Equal(t, 10, *result.State.Tests)
	assert.Equal(t, 8, *result.State.Passed)
	assert.Equal(t, 2, *result.State.Failed)
	assert.InDelta(t, 3.5, *result.State.Duration, 1e-9)
	assert.Equal(t, 3, result.Ticks)
	assert.Equal(t, "Run/0", result.RuntimeState)
	assert.Equal(t, state.PollCompleted, machine.Current(state.EntityPoll, "poll-1"))
	assert.Contains(t, progress, "test results exported")
}

func TestRunAllPassed(t *testing.T) {
	t.Parallel()

	items := []host.DiagnosticItem{
		{Description: "| Test suites: 1"},
		{Description: "| Tests: 4"},
		{Description: "| Successful tests: 4"},
		{Description: "| Failed tests: 0"},
		{Description: "| Duration: 0.2"},
		{Description: "TEST RESULTS EXPORTED"},
	}
	rt := &scriptedRuntime{states: []runtimelink.State{running()}}

	result, err := newTestPoller(t, rt, &hosttest.Fake{Items: items}, nil).Run(context.Background(), RunOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.True(t, result.AllPassed)
}

func TestRunTimesOutWithoutSentinel(t *testing.T) {
	t.Parallel()

	rt := &scriptedRuntime{states: []runtimelink.State{running()}}
	diag := &hosttest.Fake{Items: []host.DiagnosticItem{{Description: "| Tests: 10"}}}
	machine := state.NewMachine("poller-test")

	result, err := newTestPoller(t, rt, diag, machine).Run(context.Background(), RunOptions{ID: "poll-t", Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, result.Outcome)
	assert.NotEqual(t, OutcomeRuntimeFault, result.Outcome)
	assert.False(t, result.AllPassed)
	require.NotNil(t, result.State.Tests)
	assert.Equal(t, state.PollTimeout, machine.Current(state.EntityPoll, "poll-t"))
}

func TestRunTimesOutWhileAwaitingRunState(t *testing.T) {
	t.Parallel()

	rt := &scriptedRuntime{states: []runtimelink.State{{ADS: runtimelink.StateInit}}}

	result, err := newTestPoller(t, rt, &hosttest.Fake{}, nil).Run(context.Background(), RunOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, result.Outcome)
	assert.Zero(t, result.Ticks)
}

func TestRunFaultsWhenRuntimeStopsWhilePolling(t *testing.T) {
	t.Parallel()

	rt := &scriptedRuntime{states: []runtimelink.State{running(), running(), {ADS: runtimelink.StateStop}}}
	diag := &hosttest.Fake{}
	machine := state.NewMachine("poller-test")

	started := time.Now()
	result, err := newTestPoller(t, rt, diag, machine).Run(context.Background(), RunOptions{ID: "poll-f", Timeout: time.Minute})
	require.Error(t, err)
	assert.Less(t, time.Since(started), 10*time.Second)

	assert.ErrorIs(t, err, ErrRuntimeFault)
	var fault *RuntimeFaultError
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "polling", fault.Phase)
	assert.Equal(t, runtimelink.StateStop, fault.State.ADS)
	assert.Equal(t, OutcomeRuntimeFault, result.Outcome)
	assert.Equal(t, state.PollRuntimeFault, machine.Current(state.EntityPoll, "poll-f"))
}

func TestRunFaultsOnStateReadErrorWhilePolling(t *testing.T) {
	t.Parallel()

	rt := &scriptedRuntime{
		states: []runtimelink.State{running()},
		errs:   map[int]error{1: errors.New("ads router not ready")},
	}

	result, err := newTestPoller(t, rt, &hosttest.Fake{}, nil).Run(context.Background(), RunOptions{Timeout: time.Minute})
	require.ErrorIs(t, err, ErrRuntimeFault)
	assert.Equal(t, OutcomeRuntimeFault, result.Outcome)
	assert.Contains(t, err.Error(), "ads router not ready")
}

func TestRunFaultsOnErrorStateBeforeRunning(t *testing.T) {
	t.Parallel()

	rt := &scriptedRuntime{states: []runtimelink.State{{ADS: runtimelink.StateStart}, {ADS: runtimelink.StateError}}}

	result, err := newTestPoller(t, rt, &hosttest.Fake{}, nil).Run(context.Background(), RunOptions{Timeout: time.Minute})
	require.ErrorIs(t, err, ErrRuntimeFault)
	var fault *RuntimeFaultError
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "awaiting run state", fault.Phase)
	assert.Equal(t, OutcomeRuntimeFault, result.Outcome)
	assert.Zero(t, result.Ticks)
}

func TestRunSurfacesHostFailures(t *testing.T) {
	t.Parallel()

	rt := &scriptedRuntime{states: []runtimelink.State{running()}}
	diag := &hosttest.Fake{Fail: map[string]error{host.OpDiagnostics: &host.HostError{Op: host.OpDiagnostics, Message: "error list unavailable"}}}

	result, err := newTestPoller(t, rt, diag, nil).Run(context.Background(), RunOptions{Timeout: time.Minute})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRuntimeFault)
	assert.Empty(t, result.Outcome)
}

func TestRunCollectsTaskMessagesAndFailures(t *testing.T) {
	t.Parallel()

	failure := "FAILED TEST 'PRG_TEST.fbMotorTests@SpeedLimit', EXP: 100, ACT: 120, MSG: limit"
	items := append([]host.DiagnosticItem{
		{Task: "TestTask", Description: "Test suite ID=0 'PRG_TEST.fbMotorTests'"},
		{Task: "TestTask", Description: "Test name=SpeedLimit"},
		{Task: "TestTask", Description: failure},
		{Task: "PlcTask", Description: "unrelated"},
	}, summaryLines()...)
	rt := &scriptedRuntime{states: []runtimelink.State{running()}}

	result, err := newTestPoller(t, rt, &hosttest.Fake{Items: items}, nil).Run(context.Background(), RunOptions{Task: "TestTask", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, []string{failure}, result.State.Failures)
	require.Len(t, result.State.Messages, 3)
	assert.Equal(t, "SpeedLimit", result.State.Messages[2].Test)
}

func TestRunReturnsCallerCancellation(t *testing.T) {
	t.Parallel()

	rt := &scriptedRuntime{states: []runtimelink.State{running()}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestPoller(t, rt, &hosttest.Fake{}, nil).Run(ctx, RunOptions{Timeout: time.Minute})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Diagnostics: &hosttest.Fake{}})
	require.Error(t, err)
	_, err = New(Options{Runtime: &scriptedRuntime{}})
	require.Error(t, err)
}
