package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tcflow/tcflow/internal/events"
	"github.com/tcflow/tcflow/internal/telemetry/invariants"
)

// EntityType identifies which state machine to evaluate.
type EntityType string

const (
	// EntityWorkflow is the workflow run lifecycle.
	EntityWorkflow EntityType = "workflow"
	// EntityPoll is the test-result poll lifecycle.
	EntityPoll EntityType = "poll"
)

const (
	WorkflowPending         = "pending"
	WorkflowRunning         = "running"
	WorkflowSucceeded       = "succeeded"
	WorkflowFailed          = "failed"
	WorkflowPartiallyFailed = "partially_failed"
	WorkflowTimeout         = "timeout"
)

const (
	PollAwaitingRunState = "awaiting_run_state"
	PollPolling          = "polling"
	PollCompleted        = "completed"
	PollRuntimeFault     = "runtime_fault"
	PollTimeout          = "timeout"
)

var allowedTransitions = map[EntityType]map[string]map[string]struct{}{
	EntityWorkflow: {
		WorkflowPending: {
			WorkflowRunning: {},
		},
		WorkflowRunning: {
			WorkflowSucceeded:       {},
			WorkflowFailed:          {},
			WorkflowPartiallyFailed: {},
			WorkflowTimeout:         {},
		},
	},
	EntityPoll: {
		PollAwaitingRunState: {
			PollPolling:      {},
			PollRuntimeFault: {},
			PollTimeout:      {},
		},
		PollPolling: {
			PollCompleted:    {},
			PollRuntimeFault: {},
			PollTimeout:      {},
		},
	},
}

var initialStates = map[EntityType]string{
	EntityWorkflow: WorkflowPending,
	EntityPoll:     PollAwaitingRunState,
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithBus publishes every accepted transition as a StateTransition event.
func WithBus(bus events.Bus) Option {
	return func(machine *Machine) {
		machine.bus = bus
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	FromState  string     `json:"from"`
	ToState    string     `json:"to"`
	Reason     string     `json:"reason,omitempty"`
	Actor      string     `json:"actor"`
	Timestamp  time.Time  `json:"timestamp"`
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for entity lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition %s %q from %q to %q: %s",
		e.EntityType,
		e.EntityID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine validates deterministic state transitions and tracks the current
// state of every entity it has seen.
type Machine struct {
	bus    events.Bus
	actor  string
	tracer trace.Tracer
	now    func() time.Time

	mu      sync.Mutex
	current map[string]string
	history []TransitionRecord
}

// NewMachine builds a state machine. Actor names the component recorded on
// every transition.
func NewMachine(actor string, options ...Option) *Machine {
	normalizedActor := strings.TrimSpace(actor)
	if normalizedActor == "" {
		normalizedActor = "tcflow"
	}

	machine := &Machine{
		actor:   normalizedActor,
		tracer:  otel.Tracer("tcflow/state"),
		now:     time.Now,
		current: make(map[string]string),
		history: []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine
}

// Transition validates and records one state transition. When the machine
// already tracks the entity, fromState must match its current state.
func (m *Machine) Transition(ctx context.Context, entityType EntityType, entityID, fromState, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	entityID = strings.TrimSpace(entityID)
	fromState = strings.TrimSpace(fromState)
	toState = strings.TrimSpace(toState)
	span.SetAttributes(
		attribute.String("entity_type", string(entityType)),
		attribute.String("entity_id", entityID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", normalizedReason),
	)

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if entityID == "" {
		return fail(errors.New("entity id must not be empty"))
	}
	if fromState == "" || toState == "" {
		return fail(errors.New("from and to states must not be empty"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(entityType) + "/" + entityID
	if current, tracked := m.current[key]; tracked && current != fromState {
		return fail(&IllegalTransitionError{
			EntityType: entityType,
			EntityID:   entityID,
			FromState:  fromState,
			ToState:    toState,
			Reason:     fmt.Sprintf("entity is in state %q", current),
		})
	}

	if !isAllowed(entityType, fromState, toState) {
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			string(entityType),
			fromState,
			toState,
			false,
		)
		return fail(&IllegalTransitionError{
			EntityType: entityType,
			EntityID:   entityID,
			FromState:  fromState,
			ToState:    toState,
			Reason:     "illegal transition for entity lifecycle",
		})
	}

	record := TransitionRecord{
		EntityType: entityType,
		EntityID:   entityID,
		FromState:  fromState,
		ToState:    toState,
		Reason:     normalizedReason,
		Actor:      m.actor,
		Timestamp:  m.now().UTC(),
	}

	m.current[key] = toState
	m.history = append(m.history, record)

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:       events.EventTypeStateTransition,
			Timestamp:  record.Timestamp,
			EntityType: string(entityType),
			EntityID:   entityID,
			Payload:    record,
			Severity:   transitionSeverity(toState),
		})
	}

	span.SetStatus(codes.Ok, "state transition recorded")
	return nil
}

// Current returns the tracked state of an entity, or its initial state when
// the machine has not seen it yet.
func (m *Machine) Current(entityType EntityType, entityID string) string {
	if m == nil {
		return initialStates[entityType]
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.current[string(entityType)+"/"+strings.TrimSpace(entityID)]; ok {
		return current
	}
	return initialStates[entityType]
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// IsTerminal reports whether state has no outgoing transitions.
func IsTerminal(entityType EntityType, state string) bool {
	entityTransitions, ok := allowedTransitions[entityType]
	if !ok {
		return false
	}
	if _, known := entityTransitions[state]; known {
		return false
	}
	for _, next := range entityTransitions {
		if _, ok := next[state]; ok {
			return true
		}
	}
	return false
}

func isAllowed(entityType EntityType, fromState, toState string) bool {
	entityTransitions, ok := allowedTransitions[entityType]
	if !ok {
		return false
	}
	nextStates, ok := entityTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}

func transitionSeverity(toState string) string {
	switch toState {
	case WorkflowFailed, PollRuntimeFault:
		return events.SeverityError
	case WorkflowPartiallyFailed, WorkflowTimeout:
		return events.SeverityWarn
	default:
		return events.SeverityInfo
	}
}
