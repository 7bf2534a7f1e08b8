package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Message is the immutable envelope routed by the broker. Once a message is
// enqueued, every matched queue holds its own copy; delivery state (attempt
// counts, in-flight tracking) lives in the queue, never on the message.
type Message struct {
	ID            string
	RoutingKey    string
	Payload       []byte
	Persistent    bool
	CorrelationID string
	Headers       map[string]string
	CreatedAt     time.Time
}

// MessageOption configures a new message
type MessageOption func(*Message)

// WithMessageID overrides the generated message ID
func WithMessageID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

// WithCorrelationID sets the correlation ID
func WithCorrelationID(correlationID string) MessageOption {
	return func(m *Message) {
		m.CorrelationID = correlationID
	}
}

// WithHeader adds a single header
func WithHeader(key, value string) MessageOption {
	return func(m *Message) {
		if m.Headers == nil {
			m.Headers = make(map[string]string)
		}
		m.Headers[key] = value
	}
}

// WithHeaders merges the given headers into the message
func WithHeaders(headers map[string]string) MessageOption {
	return func(m *Message) {
		if m.Headers == nil {
			m.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			m.Headers[k] = v
		}
	}
}

// WithTransient marks the message as non-persistent, so durable queues will
// not journal it and it does not survive a broker restart.
func WithTransient() MessageOption {
	return func(m *Message) {
		m.Persistent = false
	}
}

// NewMessage creates a persistent message with a generated ID. The payload is
// copied so later mutation by the caller cannot reach enqueued copies.
func NewMessage(routingKey string, payload []byte, options ...MessageOption) *Message {
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	m := &Message{
		ID:         uuid.New().String(),
		RoutingKey: routingKey,
		Payload:    payloadCopy,
		Persistent: true,
		CreatedAt:  time.Now().UTC(),
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// Copy returns a deep copy of the message.
func (m *Message) Copy() *Message {
	payloadCopy := make([]byte, len(m.Payload))
	copy(payloadCopy, m.Payload)

	var headersCopy map[string]string
	if m.Headers != nil {
		headersCopy = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			headersCopy[k] = v
		}
	}

	return &Message{
		ID:            m.ID,
		RoutingKey:    m.RoutingKey,
		Payload:       payloadCopy,
		Persistent:    m.Persistent,
		CorrelationID: m.CorrelationID,
		Headers:       headersCopy,
		CreatedAt:     m.CreatedAt,
	}
}

// Validate checks that the message can be routed.
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrInvalidMessage
	}
	if m.RoutingKey == "" {
		return ErrInvalidRoutingKey
	}
	return nil
}

// Age returns how long ago the message was created, for TTL accounting.
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}
