// Package progress forwards workflow progress events to an MQTT broker so
// front-ends can follow long runs live.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tcflow/tcflow/internal/events"
	"github.com/tcflow/tcflow/internal/logging"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesceMs   = 250
	maxQoS                = 2
)

var (
	// ErrConnectionFailed is returned when the broker cannot be reached.
	ErrConnectionFailed = errors.New("progress: mqtt connection failed")
	// ErrPublishFailed is returned when a publish is not acknowledged.
	ErrPublishFailed = errors.New("progress: mqtt publish failed")
	// ErrInvalidQoS is returned for QoS levels other than 0, 1 or 2.
	ErrInvalidQoS = errors.New("progress: invalid QoS level (must be 0, 1, or 2)")
)

// Publisher sends one message to a topic.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTOptions addresses the broker.
type MQTTOptions struct {
	// Broker is a URL such as tcp://localhost:1883.
	Broker         string
	ClientID       string
	ConnectTimeout time.Duration
}

// MQTTPublisher is a Publisher backed by a paho client.
type MQTTPublisher struct {
	client pahomqtt.Client
}

// Dial connects to the broker.
func Dial(opts MQTTOptions) (*MQTTPublisher, error) {
	broker := strings.TrimSpace(opts.Broker)
	if broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = "tcflow"
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	clientOpts := pahomqtt.NewClientOptions()
	clientOpts.AddBroker(broker)
	clientOpts.SetClientID(clientID)
	clientOpts.SetCleanSession(true)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectTimeout(timeout)

	client := pahomqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return &MQTTPublisher{client: client}, nil
}

// Publish sends payload and waits for the broker acknowledgement.
func (p *MQTTPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if p == nil || p.client == nil {
		return errors.New("mqtt publisher is nil")
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Disconnect(disconnectQuiesceMs)
}

// SinkOptions configures a Sink.
type SinkOptions struct {
	Publisher   Publisher
	TopicPrefix string
	QoS         int
	Logger      *log.Logger
}

// Message is the JSON document published per event.
type Message struct {
	Type      string    `json:"type"`
	RunID     string    `json:"runId"`
	Workflow  string    `json:"workflow,omitempty"`
	StepTag   string    `json:"stepTag,omitempty"`
	Message   string    `json:"message,omitempty"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Sink publishes workflow events to <prefix>/<run_id>/progress and
// <prefix>/<run_id>/steps.
type Sink struct {
	publisher Publisher
	prefix    string
	qos       byte
	logger    *log.Logger

	mu        sync.Mutex
	published int
	failed    int
}

// NewSink validates options.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if opts.QoS < 0 || opts.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	prefix := strings.Trim(strings.TrimSpace(opts.TopicPrefix), "/")
	if prefix == "" {
		prefix = "tcflow"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Sink{
		publisher: opts.Publisher,
		prefix:    prefix,
		qos:       byte(opts.QoS),
		logger:    logger.With("component", "progress"),
	}, nil
}

// Attach subscribes the sink to progress and step result events.
func (s *Sink) Attach(bus events.Bus) {
	if s == nil || bus == nil {
		return
	}
	bus.Subscribe(events.EventTypeProgress, s.Handle)
	bus.Subscribe(events.EventTypeStepResult, s.Handle)
}

// Handle publishes one event. Publish failures are logged, never returned:
// progress is a side-channel and must not fail a workflow.
func (s *Sink) Handle(event events.Event) {
	if s == nil {
		return
	}
	msg, topic, ok := s.encode(event)
	if !ok {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.record(false)
		s.logger.Warn("encode progress message failed", "type", event.Type, "err", err)
		return
	}
	if err := s.publisher.Publish(topic, payload, s.qos, false); err != nil {
		s.record(false)
		s.logger.Warn("publish progress message failed", "topic", topic, "err", err)
		return
	}
	s.record(true)
}

// Topic returns the topic for a run and stream.
func (s *Sink) Topic(runID, stream string) string {
	return s.prefix + "/" + runID + "/" + stream
}

// Stats returns the number of published and failed messages.
func (s *Sink) Stats() (published, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published, s.failed
}

func (s *Sink) encode(event events.Event) (Message, string, bool) {
	msg := Message{
		Type:      event.Type,
		RunID:     event.EntityID,
		Severity:  event.Severity,
		Timestamp: event.Timestamp.UTC(),
	}
	switch payload := event.Payload.(type) {
	case events.Progress:
		msg.RunID = payload.RunID
		msg.Workflow = payload.Workflow
		msg.StepTag = payload.StepTag
		msg.Message = payload.Message
		if strings.TrimSpace(msg.RunID) == "" {
			return Message{}, "", false
		}
		return msg, s.Topic(msg.RunID, "progress"), true
	default:
		if event.Type != events.EventTypeStepResult || strings.TrimSpace(msg.RunID) == "" {
			return Message{}, "", false
		}
		msg.Payload = event.Payload
		return msg, s.Topic(msg.RunID, "steps"), true
	}
}

func (s *Sink) record(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.published++
	} else {
		s.failed++
	}
}
