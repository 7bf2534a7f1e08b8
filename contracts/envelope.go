package contracts

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventEnvelope is the JSON schema producers in the event pipeline agree on.
// The broker itself never interprets it; payloads cross the core boundary as
// opaque bytes. It is provided so producers and consumers on both sides of a
// queue share one envelope definition.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"ts"`
	EventType     string          `json:"event_type"`
	Source        string          `json:"source"`
	Project       string          `json:"project,omitempty"`
	WorkingDir    string          `json:"working_dir,omitempty"`
	Domain        string          `json:"domain,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Data          json.RawMessage `json:"data"`
}

var (
	ErrMissingEventType = errors.New("topicbus: envelope event_type is required")
	ErrMissingSource    = errors.New("topicbus: envelope source is required")
)

// NewEnvelope wraps data in an envelope with a generated ID and current
// timestamp. The event type doubles as the routing key by convention
// (e.g. "llm.prompt", "artifact.created").
func NewEnvelope(eventType, source string, data any) (*EventEnvelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &EventEnvelope{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Source:    source,
		Data:      raw,
	}, nil
}

// Validate checks required envelope fields.
func (e *EventEnvelope) Validate() error {
	if e.EventType == "" {
		return ErrMissingEventType
	}
	if e.Source == "" {
		return ErrMissingSource
	}
	return nil
}

// Encode serializes the envelope to JSON.
func (e *EventEnvelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses an envelope from JSON bytes.
func DecodeEnvelope(b []byte) (*EventEnvelope, error) {
	var e EventEnvelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
