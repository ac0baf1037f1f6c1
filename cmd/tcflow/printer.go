package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/tcflow/tcflow/internal/events"
	"github.com/tcflow/tcflow/internal/workflow"
)

const (
	iconSucceeded = "✓"
	iconFailed    = "✗"
	iconSkipped   = "⊘"
	iconTimeout   = "⏱"
	iconPlanned   = "▸"
	iconPartial   = "◆"
)

var (
	colorInfo    = lipgloss.CompleteColor{TrueColor: "#9999CC", ANSI256: "146", ANSI: "12"}
	colorOK      = lipgloss.CompleteColor{TrueColor: "#33FF33", ANSI256: "46", ANSI: "10"}
	colorCaution = lipgloss.CompleteColor{TrueColor: "#FFCC00", ANSI256: "220", ANSI: "11"}
	colorAlert   = lipgloss.CompleteColor{TrueColor: "#FF3333", ANSI256: "203", ANSI: "9"}
	colorMuted   = lipgloss.CompleteColor{TrueColor: "#52526A", ANSI256: "60", ANSI: "8"}
)

// progressPrinter renders progress and step results as one line each.
// Colors are dropped when out is not a terminal.
type progressPrinter struct {
	mu    sync.Mutex
	out   io.Writer
	tag   lipgloss.Style
	muted lipgloss.Style
	steps map[workflow.StepStatus]lipgloss.Style
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	renderer := lipgloss.NewRenderer(out)
	style := func(color lipgloss.CompleteColor) lipgloss.Style {
		return renderer.NewStyle().Foreground(color)
	}
	return &progressPrinter{
		out:   out,
		tag:   style(colorInfo).Bold(true),
		muted: style(colorMuted),
		steps: map[workflow.StepStatus]lipgloss.Style{
			workflow.StepSucceeded:       style(colorOK),
			workflow.StepFailed:          style(colorAlert).Bold(true),
			workflow.StepPartiallyFailed: style(colorCaution),
			workflow.StepSkipped:         style(colorMuted),
			workflow.StepTimeout:         style(colorAlert),
			workflow.StepPlanned:         style(colorInfo),
		},
	}
}

// attachProgressPrinter subscribes a printer to bus. One subscription keeps
// progress and step lines in publish order.
func attachProgressPrinter(bus events.Bus, out io.Writer) {
	printer := newProgressPrinter(out)
	bus.SubscribeAll(printer.handle)
}

func (p *progressPrinter) handle(event events.Event) {
	var line string
	switch payload := event.Payload.(type) {
	case events.Progress:
		line = fmt.Sprintf("%s %s", p.tag.Render("["+payload.StepTag+"]"), payload.Message)
	case workflow.StepResult:
		line = p.stepLine(payload)
	default:
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line) //nolint:errcheck // progress is best effort
}

func (p *progressPrinter) stepLine(step workflow.StepResult) string {
	style, ok := p.steps[step.Status]
	if !ok {
		style = p.muted
	}
	line := fmt.Sprintf("%s %s %s", style.Render(stepIcon(step.Status)), step.Name, p.muted.Render(fmt.Sprintf("(%dms)", step.DurationMs)))
	switch {
	case step.Error != "":
		line += ": " + style.Render(step.Error)
	case step.Detail != "":
		line += ": " + step.Detail
	}
	return line
}

func stepIcon(status workflow.StepStatus) string {
	switch status {
	case workflow.StepSucceeded:
		return iconSucceeded
	case workflow.StepFailed:
		return iconFailed
	case workflow.StepSkipped:
		return iconSkipped
	case workflow.StepTimeout:
		return iconTimeout
	case workflow.StepPlanned:
		return iconPlanned
	case workflow.StepPartiallyFailed:
		return iconPartial
	default:
		return "?"
	}
}
