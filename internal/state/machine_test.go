package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tcflow/tcflow/internal/events"
)

func TestTransitionFollowsLifecycles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		entity EntityType
		path   []string
	}{
		{name: "workflow succeeded", entity: EntityWorkflow, path: []string{WorkflowPending, WorkflowRunning, WorkflowSucceeded}},
		{name: "workflow partially failed", entity: EntityWorkflow, path: []string{WorkflowPending, WorkflowRunning, WorkflowPartiallyFailed}},
		{name: "workflow timed out", entity: EntityWorkflow, path: []string{WorkflowPending, WorkflowRunning, WorkflowTimeout}},
		{name: "poll completed", entity: EntityPoll, path: []string{PollAwaitingRunState, PollPolling, PollCompleted}},
		{name: "poll faulted while polling", entity: EntityPoll, path: []string{PollAwaitingRunState, PollPolling, PollRuntimeFault}},
		{name: "poll faulted before run", entity: EntityPoll, path: []string{PollAwaitingRunState, PollRuntimeFault}},
		{name: "poll never reached run", entity: EntityPoll, path: []string{PollAwaitingRunState, PollTimeout}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			machine := NewMachine("orchestrator")
			assert.Equal(t, tt.path[0], machine.Current(tt.entity, "run-1"))
			for i := 1; i < len(tt.path); i++ {
				require.NoError(t, machine.Transition(context.Background(), tt.entity, "run-1", tt.path[i-1], tt.path[i], ""))
			}

			last := tt.path[len(tt.path)-1]
			assert.Equal(t, last, machine.Current(tt.entity, "run-1"))
			assert.True(t, IsTerminal(tt.entity, last))
			assert.Len(t, machine.History(), len(tt.path)-1)
		})
	}
}

func TestTransitionRejectsSkippedState(t *testing.T) {
	t.Parallel()

	machine := NewMachine("orchestrator")
	err := machine.Transition(context.Background(), EntityWorkflow, "run-42", WorkflowPending, WorkflowSucceeded, "no steps ran")

	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.ErrorIs(t, err, &IllegalTransitionError{})
	assert.Equal(t, EntityWorkflow, illegal.EntityType)
	assert.Equal(t, "run-42", illegal.EntityID)
	assert.Equal(t, WorkflowPending, illegal.FromState)
	assert.Equal(t, WorkflowSucceeded, illegal.ToState)
	assert.Contains(t, err.Error(), `cannot transition workflow "run-42" from "pending" to "succeeded"`)
	assert.Equal(t, WorkflowPending, machine.Current(EntityWorkflow, "run-42"))
	assert.Empty(t, machine.History())
}

func TestTransitionRejectsLeavingTerminalState(t *testing.T) {
	t.Parallel()

	machine := NewMachine("poller")
	ctx := context.Background()
	require.NoError(t, machine.Transition(ctx, EntityPoll, "run-1", PollAwaitingRunState, PollTimeout, "deadline"))

	err := machine.Transition(ctx, EntityPoll, "run-1", PollTimeout, PollPolling, "resume")
	assert.ErrorIs(t, err, &IllegalTransitionError{})
	assert.Equal(t, PollTimeout, machine.Current(EntityPoll, "run-1"))
}

func TestTransitionRejectsStaleFromState(t *testing.T) {
	t.Parallel()

	machine := NewMachine("orchestrator")
	ctx := context.Background()
	require.NoError(t, machine.Transition(ctx, EntityWorkflow, "run-1", WorkflowPending, WorkflowRunning, ""))

	err := machine.Transition(ctx, EntityWorkflow, "run-1", WorkflowPending, WorkflowRunning, "")
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Contains(t, illegal.Reason, `"running"`)
}

func TestTransitionTracksEntitiesSeparately(t *testing.T) {
	t.Parallel()

	machine := NewMachine("orchestrator")
	ctx := context.Background()
	require.NoError(t, machine.Transition(ctx, EntityWorkflow, "run-1", WorkflowPending, WorkflowRunning, ""))
	require.NoError(t, machine.Transition(ctx, EntityPoll, "run-1", PollAwaitingRunState, PollPolling, ""))
	require.NoError(t, machine.Transition(ctx, EntityWorkflow, "run-2", WorkflowPending, WorkflowRunning, ""))

	assert.Equal(t, WorkflowRunning, machine.Current(EntityWorkflow, "run-1"))
	assert.Equal(t, PollPolling, machine.Current(EntityPoll, "run-1"))
	assert.Equal(t, WorkflowRunning, machine.Current(EntityWorkflow, " run-2 "))
}

func TestTransitionValidatesInput(t *testing.T) {
	t.Parallel()

	machine := NewMachine("")
	ctx := context.Background()
	require.EqualError(t, machine.Transition(ctx, EntityWorkflow, " ", WorkflowPending, WorkflowRunning, ""), "entity id must not be empty")
	require.EqualError(t, machine.Transition(ctx, EntityWorkflow, "run-1", "", WorkflowRunning, ""), "from and to states must not be empty")

	var nilMachine *Machine
	require.Error(t, nilMachine.Transition(ctx, EntityWorkflow, "run-1", WorkflowPending, WorkflowRunning, ""))
	assert.Equal(t, WorkflowPending, nilMachine.Current(EntityWorkflow, "run-1"))
	assert.Nil(t, nilMachine.History())
}

func TestTransitionRecordsHistory(t *testing.T) {
	t.Parallel()

	machine := NewMachine("")
	fixed := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)
	machine.now = func() time.Time { return fixed }

	require.NoError(t, machine.Transition(context.Background(), EntityWorkflow, "run-1", WorkflowPending, WorkflowRunning, "  session bound "))

	history := machine.History()
	require.Len(t, history, 1)
	assert.Equal(t, TransitionRecord{
		EntityType: EntityWorkflow,
		EntityID:   "run-1",
		FromState:  WorkflowPending,
		ToState:    WorkflowRunning,
		Reason:     "session bound",
		Actor:      "tcflow",
		Timestamp:  fixed,
	}, history[0])

	history[0].Actor = "changed"
	assert.Equal(t, "tcflow", machine.History()[0].Actor)
}

func TestTransitionPublishesEvent(t *testing.T) {
	t.Parallel()

	bus := events.New()
	var received []events.Event
	bus.Subscribe(events.EventTypeStateTransition, func(event events.Event) {
		received = append(received, event)
	})
	machine := NewMachine("orchestrator", WithBus(bus))

	ctx := context.Background()
	require.NoError(t, machine.Transition(ctx, EntityWorkflow, "run-5", WorkflowPending, WorkflowRunning, ""))
	require.NoError(t, machine.Transition(ctx, EntityWorkflow, "run-5", WorkflowRunning, WorkflowFailed, "build errors"))
	require.NoError(t, machine.Transition(ctx, EntityPoll, "run-5", PollAwaitingRunState, PollTimeout, ""))
	bus.Close()

	require.Len(t, received, 3)
	assert.Equal(t, "run-5", received[0].EntityID)
	assert.Equal(t, string(EntityWorkflow), received[0].EntityType)
	assert.Equal(t, events.SeverityInfo, received[0].Severity)

	record, ok := received[1].Payload.(TransitionRecord)
	require.True(t, ok)
	assert.Equal(t, WorkflowFailed, record.ToState)
	assert.Equal(t, events.SeverityError, received[1].Severity)
	assert.Equal(t, events.SeverityWarn, received[2].Severity)
}

func TestTransitionSpanAttributes(t *testing.T) {
	t.Parallel()

	recorder, provider := newRecorder(t)
	machine := NewMachine("orchestrator", WithTracer(provider.Tracer("state-test")))

	require.NoError(t, machine.Transition(context.Background(), EntityWorkflow, "run-7", WorkflowPending, WorkflowRunning, "gate acquired"))

	span := transitionSpan(t, recorder)
	attrs := spanAttrs(span.Attributes())
	assert.Equal(t, "workflow", attrs["entity_type"])
	assert.Equal(t, "run-7", attrs["entity_id"])
	assert.Equal(t, WorkflowPending, attrs["from_state"])
	assert.Equal(t, WorkflowRunning, attrs["to_state"])
	assert.Equal(t, "gate acquired", attrs["reason"])
	assert.Contains(t, attrs, "duration_ms")
	assert.Equal(t, codes.Ok, span.Status().Code)
}

func TestIllegalTransitionSpanCarriesErrorAndViolation(t *testing.T) {
	t.Parallel()

	recorder, provider := newRecorder(t)
	tracer := provider.Tracer("state-test")
	machine := NewMachine("orchestrator", WithTracer(tracer))

	parentCtx, parent := tracer.Start(context.Background(), "workflow.run")
	err := machine.Transition(parentCtx, EntityPoll, "run-9", PollAwaitingRunState, PollCompleted, "")
	parent.End()
	require.Error(t, err)

	span := transitionSpan(t, recorder)
	assert.Equal(t, parent.SpanContext().SpanID(), span.Parent().SpanID())
	assert.Equal(t, codes.Error, span.Status().Code)

	names := make([]string, 0, len(span.Events()))
	for _, event := range span.Events() {
		names = append(names, event.Name)
	}
	assert.Contains(t, names, "invariant.violation")
	assert.Contains(t, names, "exception")
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []string{WorkflowSucceeded, WorkflowFailed, WorkflowPartiallyFailed, WorkflowTimeout} {
		assert.True(t, IsTerminal(EntityWorkflow, s), s)
	}
	for _, s := range []string{PollCompleted, PollRuntimeFault, PollTimeout} {
		assert.True(t, IsTerminal(EntityPoll, s), s)
	}
	assert.False(t, IsTerminal(EntityWorkflow, WorkflowRunning))
	assert.False(t, IsTerminal(EntityWorkflow, WorkflowPending))
	assert.False(t, IsTerminal(EntityPoll, PollPolling))
	assert.False(t, IsTerminal(EntityType("unknown"), "x"))
}

func TestWrongEntityIsIllegal(t *testing.T) {
	t.Parallel()

	machine := NewMachine("orchestrator")
	err := machine.Transition(context.Background(), EntityPoll, "run-1", WorkflowPending, WorkflowRunning, "")
	assert.True(t, errors.Is(err, &IllegalTransitionError{}))
}

func newRecorder(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return recorder, provider
}

func transitionSpan(t *testing.T, recorder *tracetest.SpanRecorder) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range recorder.Ended() {
		if span.Name() == "state.transition" {
			return span
		}
	}
	require.FailNow(t, "state.transition span not recorded")
	return nil
}

func spanAttrs(attrs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		out[string(attr.Key)] = attr.Value.Emit()
	}
	return out
}
