package invariants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestReportAddsEventToActiveSpanAndNotifiesObserver(t *testing.T) {
	var observed []string
	withChecks(t, true, func(name, severity string) {
		observed = append(observed, name+"/"+severity)
	})
	recorder, tracer := newTracer(t)

	ctx, span := tracer.Start(context.Background(), "session.acquire")
	Report(ctx, InvariantSessionSingleBind, "WARN", Violation{
		Rule:  "single bind",
		Where: "session.Registry.Acquire",
		Why:   "project bound twice",
		Context: map[string]string{
			"project_path": `C:\line1\line1.sln`,
			"empty":        " ",
		},
	})
	span.End()

	events := eventsOf(recorder, "session.acquire")
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, "invariant.violation", event.Name)
	assert.Equal(t, InvariantSessionSingleBind, eventAttr(event, "invariant_name"))
	assert.Equal(t, SeverityWarn, eventAttr(event, "severity"))
	assert.Equal(t, "single bind", eventAttr(event, "rule"))
	assert.Equal(t, "session.Registry.Acquire", eventAttr(event, "where_detected"))
	assert.Equal(t, `C:\line1\line1.sln`, eventAttr(event, "context.project_path"))
	assert.Empty(t, eventAttr(event, "context.empty"))
	assert.Equal(t, []string{"session_single_bind/warn"}, observed)
}

func TestReportWithoutSpanStartsItsOwn(t *testing.T) {
	withChecks(t, true, nil)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})

	Report(context.Background(), "", "fatal", Violation{Where: "workflow.Engine.Execute"})

	events := eventsOf(recorder, "invariant.violation")
	require.Len(t, events, 1)
	assert.Equal(t, "unknown_invariant", eventAttr(events[0], "invariant_name"))
	assert.Equal(t, SeverityError, eventAttr(events[0], "severity"))
}

func TestReportDisabledSkipsEverything(t *testing.T) {
	called := false
	withChecks(t, false, func(string, string) { called = true })
	recorder, tracer := newTracer(t)

	ctx, span := tracer.Start(context.Background(), "workflow.step")
	Report(ctx, InvariantFailFastRespected, SeverityError, Violation{Where: "workflow.Engine.Execute"})
	span.End()

	assert.Empty(t, eventsOf(recorder, "workflow.step"))
	assert.False(t, called)
}

func TestChecksEmitTheirInvariant(t *testing.T) {
	withChecks(t, true, nil)

	tests := []struct {
		name string
		run  func(ctx context.Context) bool
		key  string
		want string
	}{
		{
			name: InvariantSessionSingleBind,
			run: func(ctx context.Context) bool {
				return CheckSessionSingleBind(ctx, "session.Registry.Acquire", "C:/line1/line1.sln", true)
			},
			key:  "context.project_path",
			want: "C:/line1/line1.sln",
		},
		{
			name: InvariantHeadlessReuseOnly,
			run: func(ctx context.Context) bool {
				return CheckHeadlessReuseOnly(ctx, "session.Registry.bind", "tcflow-host-1", false)
			},
			key:  "context.display_name",
			want: "tcflow-host-1",
		},
		{
			name: InvariantFailFastRespected,
			run: func(ctx context.Context) bool {
				return CheckFailFastRespected(ctx, "workflow.Engine.Execute", "deploy", "activate", true)
			},
			key:  "context.step",
			want: "activate",
		},
		{
			name: InvariantStateTransitionLegal,
			run: func(ctx context.Context) bool {
				return CheckStateTransitionLegal(ctx, "state.Machine.Transition", "workflow", "pending", "succeeded", false)
			},
			key:  "context.to_state",
			want: "succeeded",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			recorder, tracer := newTracer(t)
			ctx, span := tracer.Start(context.Background(), "operation")
			assert.False(t, tt.run(ctx))
			span.End()

			events := eventsOf(recorder, "operation")
			require.Len(t, events, 1)
			assert.Equal(t, tt.name, eventAttr(events[0], "invariant_name"))
			assert.Equal(t, tt.want, eventAttr(events[0], tt.key))
		})
	}
}

func TestPassingChecksEmitNothing(t *testing.T) {
	called := false
	withChecks(t, true, func(string, string) { called = true })
	recorder, tracer := newTracer(t)

	ctx, span := tracer.Start(context.Background(), "operation")
	assert.True(t, CheckSessionSingleBind(ctx, "session.Registry.Acquire", "p", false))
	assert.True(t, CheckHeadlessReuseOnly(ctx, "session.Registry.bind", "h", true))
	assert.True(t, CheckFailFastRespected(ctx, "workflow.Engine.Execute", "build", "build", false))
	assert.True(t, CheckStateTransitionLegal(ctx, "state.Machine.Transition", "poll", "polling", "completed", true))
	span.End()

	assert.Empty(t, eventsOf(recorder, "operation"))
	assert.False(t, called)
}

func withChecks(t *testing.T, on bool, fn Observer) {
	t.Helper()
	previous := Enabled()
	SetEnabled(on)
	SetObserver(fn)
	t.Cleanup(func() {
		SetEnabled(previous)
		SetObserver(nil)
	})
}

func newTracer(t *testing.T) (*tracetest.SpanRecorder, trace.Tracer) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return recorder, provider.Tracer("test/invariants")
}

func eventsOf(recorder *tracetest.SpanRecorder, spanName string) []sdktrace.Event {
	for _, finished := range recorder.Ended() {
		if finished.Name() == spanName {
			return finished.Events()
		}
	}
	return nil
}

func eventAttr(event sdktrace.Event, key string) string {
	for _, attr := range event.Attributes {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
