package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Declaration errors
	ErrConfigurationConflict = errors.New("topicbus: declaration conflicts with existing configuration")
	ErrExchangeNotFound      = errors.New("topicbus: exchange not found")
	ErrQueueNotFound         = errors.New("topicbus: queue not found")

	// Publish errors
	ErrInvalidMessage    = errors.New("topicbus: message is missing an ID")
	ErrInvalidRoutingKey = errors.New("topicbus: routing key must be a non-empty dot-separated string")
	ErrCapacityExceeded  = errors.New("topicbus: queue capacity exceeded")
	ErrConfirmTimeout    = errors.New("topicbus: publisher confirm timed out")
	ErrUnknownPublish    = errors.New("topicbus: unknown publish id")

	// Consume errors
	ErrUnknownDelivery = errors.New("topicbus: delivery is not in flight")
	ErrAlreadySettled  = errors.New("topicbus: delivery already acked or nacked")
	ErrSessionClosed   = errors.New("topicbus: consumer session is closed")
	ErrInvalidPrefetch = errors.New("topicbus: prefetch limit must be positive")

	// Lifecycle errors
	ErrBrokerClosed = errors.New("topicbus: broker is closed")
	ErrQueueClosed  = errors.New("topicbus: queue is closed")
)

// DeclarationError reports a failed exchange or queue declaration.
type DeclarationError struct {
	Kind      string // "exchange" or "queue"
	Name      string
	Err       error
	Timestamp time.Time
}

func (e *DeclarationError) Error() string {
	return fmt.Sprintf("topicbus declaration error: %s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *DeclarationError) Unwrap() error {
	return e.Err
}

// NewDeclarationError creates a DeclarationError for the given resource.
func NewDeclarationError(kind, name string, err error) *DeclarationError {
	return &DeclarationError{
		Kind:      kind,
		Name:      name,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// PublishError reports a failed publish operation.
type PublishError struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("topicbus publish error: exchange %q routing key %q: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// CapacityError reports a rejected enqueue on a full queue with the
// reject-new overflow policy.
type CapacityError struct {
	Queue     string
	MaxLength int
	Err       error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("topicbus capacity error: queue %q is at max length %d: %v",
		e.Queue, e.MaxLength, e.Err)
}

func (e *CapacityError) Unwrap() error {
	return e.Err
}
