package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 100

	// EventTypeStateTransition identifies workflow and poll state transitions.
	EventTypeStateTransition = "StateTransition"
	// EventTypeProgress identifies human-readable step progress messages.
	EventTypeProgress = "Progress"
	// EventTypeStepResult identifies a finished workflow step.
	EventTypeStepResult = "StepResult"
	// EventTypeSessionBound identifies a session binding to an automation host.
	EventTypeSessionBound = "SessionBound"
	// EventTypeRuntimeFault identifies a runtime fault observed while polling.
	EventTypeRuntimeFault = "RuntimeFault"
	// EventTypeSystemAlert identifies high-severity alerts such as invariant violations.
	EventTypeSystemAlert = "SystemAlert"
	// EventTypeHealthCheck identifies a host fleet health report.
	EventTypeHealthCheck = "HealthCheck"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is the normalized message delivered through the in-process event bus.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// Progress is the payload of EventTypeProgress events. StepTag names the
// workflow step that emitted the message.
type Progress struct {
	RunID    string `json:"runId"`
	Workflow string `json:"workflow"`
	StepTag  string `json:"stepTag"`
	Message  string `json:"message"`
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures warning logs for dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger sets where dropped progress is reported.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// WithLossless replaces the default set of event types that wait for queue
// space instead of being dropped.
func WithLossless(eventTypes ...string) Option {
	return func(bus *InMemoryBus) {
		bus.lossless = make(map[string]struct{}, len(eventTypes))
		for _, eventType := range eventTypes {
			if eventType = strings.TrimSpace(eventType); eventType != "" {
				bus.lossless[eventType] = struct{}{}
			}
		}
	}
}

// InMemoryBus fans events out to per-subscriber queues. Progress chatter is
// dropped when a subscriber falls behind; step results, state transitions
// and health reports wait for room so every consumer sees the same run.
type InMemoryBus struct {
	mu         sync.RWMutex
	bufferSize int
	logger     Logger
	lossless   map[string]struct{}
	byType     map[string][]*subscriber
	everything []*subscriber
	nextID     uint64
	closed     bool
	consumers  sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
}

type subscriber struct {
	id    uint64
	queue chan Event
}

// Stats counts events accepted by Publish and deliveries dropped because a
// subscriber queue was full.
type Stats struct {
	Published uint64
	Dropped   uint64
}

// New builds a bus. Without options, StepResult, StateTransition,
// SessionBound, RuntimeFault and HealthCheck events are lossless.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.Default(),
		byType:     make(map[string][]*subscriber),
	}
	WithLossless(
		EventTypeStepResult,
		EventTypeStateTransition,
		EventTypeSessionBound,
		EventTypeRuntimeFault,
		EventTypeHealthCheck,
	)(bus)
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers handler for one event type. Handlers run on their
// own goroutine and see events in publish order.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	sub := b.newSubscriberLocked()
	b.byType[eventType] = append(b.byType[eventType], sub)
	b.start(sub, handler)
}

// SubscribeAll registers handler for every event type.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	sub := b.newSubscriberLocked()
	b.everything = append(b.everything, sub)
	b.start(sub, handler)
}

// Publish stamps event and queues it for every matching subscriber. Events
// published after Close are ignored.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	eventType := strings.TrimSpace(event.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	_, lossless := b.lossless[eventType]
	for _, sub := range b.byType[eventType] {
		b.deliver(sub, event, lossless)
	}
	for _, sub := range b.everything {
		b.deliver(sub, event, lossless)
	}
}

// Stats returns publish and drop counters.
func (b *InMemoryBus) Stats() Stats {
	return Stats{Published: b.published.Load(), Dropped: b.dropped.Load()}
}

// PublishEvent publishes event when bus is set.
func PublishEvent(bus Bus, event Event) {
	if bus == nil {
		return
	}
	bus.Publish(event)
}

// PublishProgress publishes one progress message for a workflow step.
func PublishProgress(bus Bus, progress Progress) {
	if bus == nil {
		return
	}
	bus.Publish(Event{
		Type:       EventTypeProgress,
		EntityType: "workflow",
		EntityID:   progress.RunID,
		Payload:    progress,
		Severity:   SeverityInfo,
	})
}

// Close stops accepting events and returns once every handler has seen
// the events queued before it.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.byType {
		for _, sub := range subs {
			close(sub.queue)
		}
	}
	for _, sub := range b.everything {
		close(sub.queue)
	}
	b.mu.Unlock()

	b.consumers.Wait()
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event, lossless bool) {
	if lossless {
		sub.queue <- event
		return
	}
	select {
	case sub.queue <- event:
	default:
		b.dropped.Add(1)
		b.logger.Printf("events: subscriber %d is behind, dropped %s for %s %s",
			sub.id, event.Type, event.EntityType, event.EntityID)
	}
}

func (b *InMemoryBus) newSubscriberLocked() *subscriber {
	b.nextID++
	return &subscriber{id: b.nextID, queue: make(chan Event, b.bufferSize)}
}

func (b *InMemoryBus) start(sub *subscriber, handler Handler) {
	b.consumers.Add(1)
	go func() {
		defer b.consumers.Done()
		for event := range sub.queue {
			handler(event)
		}
	}()
}
