package progress

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcflow/tcflow/internal/events"
)

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (p *recordingPublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func TestSinkPublishesProgressPerRun(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	sink, err := NewSink(SinkOptions{Publisher: pub, TopicPrefix: "/plant/tcflow/", QoS: 1})
	require.NoError(t, err)

	sink.Handle(events.Event{
		Type:      events.EventTypeProgress,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:   events.Progress{RunID: "run-1", Workflow: "deploy", StepTag: "activate", Message: "activating configuration"},
		Severity:  events.SeverityInfo,
	})

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "plant/tcflow/run-1/progress", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)
	assert.False(t, msgs[0].retained)

	var decoded Message
	require.NoError(t, json.Unmarshal(msgs[0].payload, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	assert.Equal(t, "deploy", decoded.Workflow)
	assert.Equal(t, "activate", decoded.StepTag)
	assert.Equal(t, "activating configuration", decoded.Message)

	sent, failed := sink.Stats()
	assert.Equal(t, 1, sent)
	assert.Zero(t, failed)
}

func TestSinkPublishesStepResults(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	sink, err := NewSink(SinkOptions{Publisher: pub})
	require.NoError(t, err)

	sink.Handle(events.Event{
		Type:       events.EventTypeStepResult,
		EntityType: "workflow",
		EntityID:   "run-2",
		Payload:    map[string]string{"name": "build", "status": "succeeded"},
		Severity:   events.SeverityInfo,
	})
	sink.Handle(events.Event{Type: events.EventTypeSessionBound, EntityID: "tcflow-host-1"})
	sink.Handle(events.Event{Type: events.EventTypeProgress, Payload: events.Progress{Message: "no run"}})

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tcflow/run-2/steps", msgs[0].topic)
	assert.JSONEq(t, `{"name":"build","status":"succeeded"}`, string(mustField(t, msgs[0].payload, "payload")))
}

func TestSinkSwallowsPublishFailures(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{err: errors.New("broker gone")}
	sink, err := NewSink(SinkOptions{Publisher: pub})
	require.NoError(t, err)

	sink.Handle(events.Event{Type: events.EventTypeProgress, Payload: events.Progress{RunID: "run-3", Message: "x"}})

	sent, failed := sink.Stats()
	assert.Zero(t, sent)
	assert.Equal(t, 1, failed)
}

func TestSinkAttachReceivesBusEvents(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	sink, err := NewSink(SinkOptions{Publisher: pub})
	require.NoError(t, err)

	bus := events.New()
	sink.Attach(bus)
	events.PublishProgress(bus, events.Progress{RunID: "run-4", StepTag: "build", Message: "building"})
	bus.Close()

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tcflow/run-4/progress", msgs[0].topic)
}

func TestNewSinkValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := NewSink(SinkOptions{})
	require.EqualError(t, err, "publisher is required")

	_, err = NewSink(SinkOptions{Publisher: &recordingPublisher{}, QoS: 3})
	require.ErrorIs(t, err, ErrInvalidQoS)
}

func TestDialRequiresBroker(t *testing.T) {
	t.Parallel()

	_, err := Dial(MQTTOptions{})
	require.EqualError(t, err, "mqtt broker is required")
}

func mustField(t *testing.T, payload []byte, field string) json.RawMessage {
	t.Helper()
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &doc))
	raw, ok := doc[field]
	require.True(t, ok, "field %s missing", field)
	return raw
}
