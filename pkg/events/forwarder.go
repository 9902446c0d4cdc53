package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/harunnryd/avatartalk/pkg/logging"
)

// MetadataEventType is the watermill metadata key holding the event type.
const MetadataEventType = "event_type"

// Forwarder republishes events as JSON watermill messages on one topic so
// out-of-process presentation layers can follow the session.
type Forwarder struct {
	pub    message.Publisher
	topic  string
	logger *slog.Logger
}

func NewForwarder(pub message.Publisher, topic string, logger *slog.Logger) *Forwarder {
	if topic == "" {
		topic = "avatar.events"
	}
	return &Forwarder{
		pub:    pub,
		topic:  topic,
		logger: logging.NewComponentLogger(logger, "event_forwarder"),
	}
}

// Topic returns the topic events are published on.
func (f *Forwarder) Topic() string { return f.topic }

func (f *Forwarder) Emit(ev Event) {
	msg, err := Encode(ev)
	if err != nil {
		f.logger.Warn("event_encode_failed", slog.String("event_type", string(ev.Type)), slog.String("error", err.Error()))
		return
	}
	if err := f.pub.Publish(f.topic, msg); err != nil {
		f.logger.Warn("event_publish_failed", slog.String("event_type", string(ev.Type)), slog.String("error", err.Error()))
	}
}

// Encode wraps an event into a watermill message.
func Encode(ev Event) (*message.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataEventType, string(ev.Type))
	return msg, nil
}

// Decode reads an event back from a message produced by Encode.
func Decode(msg *message.Message) (Event, error) {
	var ev Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event %s: %w", msg.UUID, err)
	}
	return ev, nil
}

var _ Emitter = (*Forwarder)(nil)
