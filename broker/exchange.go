package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/channelmesh/topicbus/contracts"
	"github.com/channelmesh/topicbus/internal/queue"
	"github.com/channelmesh/topicbus/internal/routing"
)

// Exchange is a named topic routing point. It holds no messages itself;
// routing state lives in the broker's binding table.
type Exchange struct {
	name    string
	durable bool
}

func newExchange(name string, durable bool) *Exchange {
	return &Exchange{name: name, durable: durable}
}

// Name returns the exchange name.
func (e *Exchange) Name() string { return e.name }

// Durable reports whether the exchange survives restarts.
func (e *Exchange) Durable() bool { return e.durable }

// PublishResult identifies a publish for the confirm flow.
type PublishResult struct {
	// PublishID keys AwaitConfirm. Unique per publish call, distinct from
	// the message ID so republishing the same message yields a fresh
	// confirm.
	PublishID string

	// MessageID is the routed message's identity.
	MessageID string

	// MatchedQueues is how many queues the routing key resolved to at
	// publish time.
	MatchedQueues int
}

// Publish routes a message through the exchange to every queue whose binding
// pattern matches the routing key, enqueueing at most one copy per queue.
// The durability verdict is reported asynchronously via AwaitConfirm with
// the returned PublishID.
//
// A routing miss (no matching binding) is not an error: the message is
// discarded and the confirm resolves as Dropped with MatchedQueues zero.
func (b *Broker) Publish(exchange, routingKey string, payload []byte, options ...contracts.MessageOption) (*PublishResult, error) {
	if err := routing.ValidateKey(routingKey); err != nil {
		return nil, err
	}

	msg := contracts.NewMessage(routingKey, payload, options...)
	if err := msg.Validate(); err != nil {
		return nil, &contracts.PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
		}
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, contracts.ErrBrokerClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		b.mu.RUnlock()
		return nil, &contracts.PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        contracts.ErrExchangeNotFound,
		}
	}
	matched := b.bindings.Resolve(exchange, routingKey)
	targets := make([]*queue.Queue, 0, len(matched))
	for _, name := range matched {
		if q, ok := b.queues[name]; ok {
			targets = append(targets, q)
		}
	}
	b.mu.RUnlock()

	publishID := uuid.New().String()
	result := &PublishResult{
		PublishID:     publishID,
		MessageID:     msg.ID,
		MatchedQueues: len(targets),
	}

	b.confirms.Register(publishID)
	b.stats.RecordPublish(exchange, routingKey, len(targets))

	if len(targets) == 0 {
		b.confirms.Resolve(publishID, ConfirmDropped, 0)
		b.logger.Debug("publish matched no bindings",
			"exchange", exchange,
			"routingKey", routingKey,
			"messageId", msg.ID,
		)
		return result, nil
	}

	// Enqueue outside the registry lock; each queue serializes itself.
	// A partial failure leaves the confirm unresolved, so the publisher
	// observes an ambiguous timeout and can retry with an idempotency key.
	var enqueueErrs []error
	for _, q := range targets {
		if err := q.Enqueue(msg); err != nil {
			enqueueErrs = append(enqueueErrs, fmt.Errorf("queue %s: %w", q.Name(), err))
		}
	}
	if len(enqueueErrs) > 0 {
		err := errors.Join(enqueueErrs...)
		b.logger.Warn("publish partially failed",
			"exchange", exchange,
			"routingKey", routingKey,
			"messageId", msg.ID,
			"matched", len(targets),
			"failed", len(enqueueErrs),
			"error", err,
		)
		return result, &contracts.PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			MessageID:  msg.ID,
			Err:        err,
		}
	}

	b.confirms.Resolve(publishID, ConfirmConfirmed, len(targets))
	return result, nil
}

// PublishAndConfirm publishes and waits for the durability verdict in one
// call. Convenience for callers that do not pipeline publishes.
func (b *Broker) PublishAndConfirm(ctx context.Context, exchange, routingKey string, payload []byte, timeout time.Duration, options ...contracts.MessageOption) (*PublishResult, Confirm, error) {
	result, err := b.Publish(exchange, routingKey, payload, options...)
	if err != nil {
		return result, Confirm{}, err
	}
	confirm, err := b.confirms.Await(ctx, result.PublishID, timeout)
	return result, confirm, err
}
