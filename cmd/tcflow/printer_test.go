package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tcflow/tcflow/internal/events"
	"github.com/tcflow/tcflow/internal/workflow"
)

func TestProgressPrinterWritesPlainLinesInOrder(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	bus := events.New()
	attachProgressPrinter(bus, &out)

	events.PublishProgress(bus, events.Progress{RunID: "run-1", Workflow: "build", StepTag: "build", Message: "building plant.sln"})
	bus.Publish(events.Event{Type: events.EventTypeStepResult, Payload: workflow.StepResult{
		Name: "build", Status: workflow.StepFailed, Error: "2 error(s)", DurationMs: 1500,
	}})
	bus.Publish(events.Event{Type: events.EventTypeStepResult, Payload: workflow.StepResult{
		Name: "restart", Status: workflow.StepSkipped, Detail: "not run after earlier failure",
	}})
	bus.Publish(events.Event{Type: "state_transition", Payload: "ignored"})
	bus.Close()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"[build] building plant.sln",
		"✗ build (1500ms): 2 error(s)",
		"⊘ restart (0ms): not run after earlier failure",
	}, lines)
}

func TestStepIconCoversEveryStatus(t *testing.T) {
	t.Parallel()

	statuses := []workflow.StepStatus{
		workflow.StepSucceeded,
		workflow.StepFailed,
		workflow.StepPartiallyFailed,
		workflow.StepSkipped,
		workflow.StepTimeout,
		workflow.StepPlanned,
	}
	seen := map[string]bool{}
	for _, status := range statuses {
		icon := stepIcon(status)
		assert.NotEqual(t, "?", icon, status)
		seen[icon] = true
	}
	assert.Len(t, seen, len(statuses))
}
