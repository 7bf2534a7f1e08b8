package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/channelmesh/topicbus/contracts"
)

func newTestBroker(t *testing.T, options ...Option) *Broker {
	t.Helper()
	b, err := New(options...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func declareTopology(t *testing.T, b *Broker, queues ...string) {
	t.Helper()
	require.NoError(t, b.DeclareExchange("events", false))
	for _, q := range queues {
		require.NoError(t, b.DeclareQueue(QueueConfig{Name: q}))
	}
}

func receive(t *testing.T, sub *Subscription) *Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.Deliveries():
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestDeclareExchange(t *testing.T) {
	b := newTestBroker(t)

	require.NoError(t, b.DeclareExchange("events", true))

	t.Run("idempotent", func(t *testing.T) {
		assert.NoError(t, b.DeclareExchange("events", true))
	})

	t.Run("durability conflict", func(t *testing.T) {
		err := b.DeclareExchange("events", false)
		require.Error(t, err)
		assert.ErrorIs(t, err, contracts.ErrConfigurationConflict)

		var declErr *contracts.DeclarationError
		require.ErrorAs(t, err, &declErr)
		assert.Equal(t, "exchange", declErr.Kind)
		assert.Equal(t, "events", declErr.Name)
	})

	t.Run("empty name", func(t *testing.T) {
		assert.Error(t, b.DeclareExchange("", false))
	})
}

func TestDeclareQueue(t *testing.T) {
	b := newTestBroker(t)

	cfg := QueueConfig{Name: "orders", TTL: time.Minute, MaxLength: 100}
	require.NoError(t, b.DeclareQueue(cfg))

	t.Run("idempotent", func(t *testing.T) {
		assert.NoError(t, b.DeclareQueue(cfg))
	})

	t.Run("config conflict", func(t *testing.T) {
		changed := cfg
		changed.MaxLength = 50
		err := b.DeclareQueue(changed)
		assert.ErrorIs(t, err, contracts.ErrConfigurationConflict)
	})
}

func TestBindingLifecycle(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "orders")

	t.Run("bind requires exchange", func(t *testing.T) {
		assert.ErrorIs(t, b.BindQueue("orders", "missing", "order.*"), contracts.ErrExchangeNotFound)
	})

	t.Run("bind requires queue", func(t *testing.T) {
		assert.ErrorIs(t, b.BindQueue("missing", "events", "order.*"), contracts.ErrQueueNotFound)
	})

	require.NoError(t, b.BindQueue("orders", "events", "order.*"))

	t.Run("idempotent bind", func(t *testing.T) {
		require.NoError(t, b.BindQueue("orders", "events", "order.*"))
		bindings, err := b.ListBindings("events")
		require.NoError(t, err)
		assert.Len(t, bindings, 1)
	})

	t.Run("unbind", func(t *testing.T) {
		require.NoError(t, b.UnbindQueue("orders", "events", "order.*"))
		bindings, err := b.ListBindings("events")
		require.NoError(t, err)
		assert.Empty(t, bindings)

		// Unbinding again is a no-op.
		assert.NoError(t, b.UnbindQueue("orders", "events", "order.*"))
	})
}

func TestPublishFanOut(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "orders", "audit")

	require.NoError(t, b.BindQueue("orders", "events", "order.*"))
	require.NoError(t, b.BindQueue("audit", "events", "#"))
	// Overlapping patterns on one queue still deliver a single copy.
	require.NoError(t, b.BindQueue("audit", "events", "order.#"))

	result, err := b.Publish("events", "order.created", []byte(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, 2, result.MatchedQueues)

	for _, name := range []string{"orders", "audit"} {
		stats, err := b.QueueStats(name)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Pending, "queue %s", name)
	}
}

func TestPublishRoutingMiss(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "orders")
	require.NoError(t, b.BindQueue("orders", "events", "order.*"))

	result, err := b.Publish("events", "invoice.created", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 0, result.MatchedQueues)

	confirm, err := b.AwaitConfirm(context.Background(), result.PublishID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ConfirmDropped, confirm.Outcome)
	assert.Equal(t, 0, confirm.MatchedQueues)
}

func TestPublishConfirm(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "orders")
	require.NoError(t, b.BindQueue("orders", "events", "order.*"))

	result, err := b.Publish("events", "order.created", []byte("x"))
	require.NoError(t, err)

	confirm, err := b.AwaitConfirm(context.Background(), result.PublishID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ConfirmConfirmed, confirm.Outcome)
	assert.Equal(t, 1, confirm.MatchedQueues)

	t.Run("unknown publish id", func(t *testing.T) {
		_, err := b.AwaitConfirm(context.Background(), "nope", time.Second)
		assert.ErrorIs(t, err, contracts.ErrUnknownPublish)
	})
}

func TestPublishValidation(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "orders")

	t.Run("wildcard routing key rejected", func(t *testing.T) {
		_, err := b.Publish("events", "order.*", []byte("x"))
		assert.ErrorIs(t, err, contracts.ErrInvalidRoutingKey)
	})

	t.Run("unknown exchange", func(t *testing.T) {
		_, err := b.Publish("missing", "order.created", []byte("x"))
		assert.ErrorIs(t, err, contracts.ErrExchangeNotFound)
	})
}

func TestSubscribeRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "orders")
	require.NoError(t, b.BindQueue("orders", "events", "order.*"))

	sub, err := b.Subscribe(context.Background(), "orders", 10)
	require.NoError(t, err)
	defer sub.Close()

	payload := []byte(`{"order":42}`)
	result, err := b.Publish("events", "order.created", payload,
		contracts.WithCorrelationID("corr-1"),
		contracts.WithHeader("origin", "test"),
	)
	require.NoError(t, err)

	d := receive(t, sub)
	assert.Equal(t, result.MessageID, d.Message.ID)
	assert.Equal(t, payload, d.Message.Payload)
	assert.Equal(t, "order.created", d.Message.RoutingKey)
	assert.Equal(t, "corr-1", d.Message.CorrelationID)
	assert.Equal(t, "test", d.Message.Headers["origin"])
	assert.Equal(t, 1, d.Attempts)
	assert.False(t, d.Redelivered)

	require.NoError(t, d.Ack())
	assert.ErrorIs(t, d.Ack(), contracts.ErrAlreadySettled)

	stats, err := b.QueueStats("orders")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.InFlight)
}

func TestDeliveryOrdering(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "orders")
	require.NoError(t, b.BindQueue("orders", "events", "#"))

	_, err := b.Publish("events", "order.created", []byte("m1"))
	require.NoError(t, err)
	_, err = b.Publish("events", "order.created", []byte("m2"))
	require.NoError(t, err)

	sub, err := b.Subscribe(context.Background(), "orders", 10)
	require.NoError(t, err)
	defer sub.Close()

	first := receive(t, sub)
	second := receive(t, sub)
	assert.Equal(t, []byte("m1"), first.Message.Payload)
	assert.Equal(t, []byte("m2"), second.Message.Payload)
	require.NoError(t, first.Ack())
	require.NoError(t, second.Ack())
}

func TestCompetingConsumers(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "work")
	require.NoError(t, b.BindQueue("work", "events", "job.*"))

	sub1, err := b.Subscribe(context.Background(), "work", 1)
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := b.Subscribe(context.Background(), "work", 1)
	require.NoError(t, err)
	defer sub2.Close()

	assert.Equal(t, 2, b.ConsumerCount("work"))

	const total = 6
	for i := 0; i < total; i++ {
		_, err := b.Publish("events", "job.run", []byte{byte(i)})
		require.NoError(t, err)
	}

	seen := make(map[string]int)
	done := make(chan string, total)
	consume := func(sub *Subscription) {
		for d := range sub.Deliveries() {
			done <- d.Message.ID
			d.Ack()
		}
	}
	go consume(sub1)
	go consume(sub2)

	for i := 0; i < total; i++ {
		select {
		case id := <-done:
			seen[id]++
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d messages delivered", i, total)
		}
	}

	// Each message went to exactly one consumer.
	assert.Len(t, seen, total)
	for id, count := range seen {
		assert.Equal(t, 1, count, "message %s delivered more than once", id)
	}
}

func TestPrefetchBackpressure(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "work")
	require.NoError(t, b.BindQueue("work", "events", "#"))

	sub, err := b.Subscribe(context.Background(), "work", 2)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		_, err := b.Publish("events", "job.run", []byte{byte(i)})
		require.NoError(t, err)
	}

	d1 := receive(t, sub)
	d2 := receive(t, sub)

	// Third delivery is held until something settles.
	select {
	case <-sub.Deliveries():
		t.Fatal("delivery exceeded prefetch cap")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, d1.Ack())
	d3 := receive(t, sub)
	assert.Equal(t, []byte{2}, d3.Message.Payload)

	require.NoError(t, d2.Ack())
	require.NoError(t, d3.Ack())
}

func TestNackRequeueRedelivers(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "orders")
	require.NoError(t, b.BindQueue("orders", "events", "#"))

	_, err := b.Publish("events", "order.created", []byte("retry me"))
	require.NoError(t, err)

	sub, err := b.Subscribe(context.Background(), "orders", 1)
	require.NoError(t, err)
	defer sub.Close()

	d := receive(t, sub)
	assert.False(t, d.Redelivered)
	require.NoError(t, d.Nack(true))

	again := receive(t, sub)
	assert.Equal(t, d.Message.ID, again.Message.ID)
	assert.True(t, again.Redelivered)
	assert.Equal(t, 2, again.Attempts)
	require.NoError(t, again.Ack())
}

func TestSessionCloseRequeuesInFlight(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "orders")
	require.NoError(t, b.BindQueue("orders", "events", "#"))

	for _, payload := range []string{"a", "b", "c"} {
		_, err := b.Publish("events", "order.created", []byte(payload))
		require.NoError(t, err)
	}

	sub1, err := b.Subscribe(context.Background(), "orders", 10)
	require.NoError(t, err)

	// Take all three without settling, then drop the session.
	for i := 0; i < 3; i++ {
		receive(t, sub1)
	}
	require.NoError(t, sub1.Close())

	// A fresh consumer sees all three again, in original order.
	sub2, err := b.Subscribe(context.Background(), "orders", 10)
	require.NoError(t, err)
	defer sub2.Close()

	for _, want := range []string{"a", "b", "c"} {
		d := receive(t, sub2)
		assert.Equal(t, []byte(want), d.Message.Payload)
		assert.True(t, d.Redelivered)
		require.NoError(t, d.Ack())
	}
}

func TestSettleAfterCloseFails(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "orders")
	require.NoError(t, b.BindQueue("orders", "events", "#"))

	_, err := b.Publish("events", "order.created", []byte("late"))
	require.NoError(t, err)

	sub, err := b.Subscribe(context.Background(), "orders", 1)
	require.NoError(t, err)
	d := receive(t, sub)
	require.NoError(t, sub.Close())

	// The close already requeued the message, so the stale handle must not
	// settle it out from under the next consumer.
	assert.ErrorIs(t, d.Ack(), contracts.ErrSessionClosed)
	assert.ErrorIs(t, d.Nack(true), contracts.ErrSessionClosed)

	sub2, err := b.Subscribe(context.Background(), "orders", 1)
	require.NoError(t, err)
	defer sub2.Close()
	d = receive(t, sub2)
	assert.Equal(t, []byte("late"), d.Message.Payload)
	require.NoError(t, d.Ack())
}

func TestSubscribeContextCancel(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "orders")

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "orders", 1)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-sub.Deliveries():
		assert.False(t, ok, "channel should close on context cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close after context cancel")
	}
}

func TestDeadLetterRouting(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.DeclareExchange("events", false))
	require.NoError(t, b.DeclareQueue(QueueConfig{Name: "dlq"}))
	require.NoError(t, b.DeclareQueue(QueueConfig{
		Name:         "orders",
		DeadLetterTo: "dlq",
	}))
	require.NoError(t, b.BindQueue("orders", "events", "#"))

	_, err := b.Publish("events", "order.created", []byte("poison"))
	require.NoError(t, err)

	sub, err := b.Subscribe(context.Background(), "orders", 1)
	require.NoError(t, err)
	defer sub.Close()

	d := receive(t, sub)
	require.NoError(t, d.Nack(false))

	dlqSub, err := b.Subscribe(context.Background(), "dlq", 1)
	require.NoError(t, err)
	defer dlqSub.Close()

	dead := receive(t, dlqSub)
	assert.Equal(t, []byte("poison"), dead.Message.Payload)
	assert.Equal(t, "orders", dead.Message.Headers["x-dead-from"])
	assert.Equal(t, "rejected", dead.Message.Headers["x-dead-reason"])
	require.NoError(t, dead.Ack())
}

func TestMaxDeliveriesDeadLetters(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.DeclareExchange("events", false))
	require.NoError(t, b.DeclareQueue(QueueConfig{Name: "dlq"}))
	require.NoError(t, b.DeclareQueue(QueueConfig{
		Name:          "orders",
		DeadLetterTo:  "dlq",
		MaxDeliveries: 2,
	}))
	require.NoError(t, b.BindQueue("orders", "events", "#"))

	_, err := b.Publish("events", "order.created", []byte("poison"))
	require.NoError(t, err)

	sub, err := b.Subscribe(context.Background(), "orders", 1)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 2; i++ {
		d := receive(t, sub)
		require.NoError(t, d.Nack(true))
	}

	dlqSub, err := b.Subscribe(context.Background(), "dlq", 1)
	require.NoError(t, err)
	defer dlqSub.Close()

	dead := receive(t, dlqSub)
	assert.Equal(t, "max-deliveries", dead.Message.Headers["x-dead-reason"])
	require.NoError(t, dead.Ack())

	stats, err := b.QueueStats("orders")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.InFlight)
}

func TestPurgeQueue(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "orders")
	require.NoError(t, b.BindQueue("orders", "events", "#"))

	for i := 0; i < 3; i++ {
		_, err := b.Publish("events", "order.created", []byte("x"))
		require.NoError(t, err)
	}

	n, err := b.PurgeQueue("orders")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = b.PurgeQueue("missing")
	assert.ErrorIs(t, err, contracts.ErrQueueNotFound)
}

func TestDeleteQueue(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "orders")
	require.NoError(t, b.BindQueue("orders", "events", "#"))

	require.NoError(t, b.DeleteQueue("orders"))

	_, err := b.Subscribe(context.Background(), "orders", 1)
	assert.ErrorIs(t, err, contracts.ErrQueueNotFound)

	// Its bindings are gone too: publishes now miss.
	result, err := b.Publish("events", "order.created", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 0, result.MatchedQueues)

	assert.ErrorIs(t, b.DeleteQueue("orders"), contracts.ErrQueueNotFound)
}

func TestInvalidPrefetch(t *testing.T) {
	b := newTestBroker(t)
	declareTopology(t, b, "orders")

	_, err := b.Subscribe(context.Background(), "orders", 0)
	assert.ErrorIs(t, err, contracts.ErrInvalidPrefetch)
	_, err = b.Subscribe(context.Background(), "orders", -1)
	assert.ErrorIs(t, err, contracts.ErrInvalidPrefetch)
}

func TestBrokerClosed(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	require.NoError(t, b.DeclareExchange("events", false))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.DeclareExchange("other", false), contracts.ErrBrokerClosed)
	_, err = b.Publish("events", "a.b", []byte("x"))
	assert.ErrorIs(t, err, contracts.ErrBrokerClosed)
	_, err = b.Subscribe(context.Background(), "orders", 1)
	assert.ErrorIs(t, err, contracts.ErrBrokerClosed)
}

func TestRestartDurability(t *testing.T) {
	dir := t.TempDir()

	b, err := New(WithDataDir(dir))
	require.NoError(t, err)

	require.NoError(t, b.DeclareExchange("events", true))
	require.NoError(t, b.DeclareQueue(QueueConfig{Name: "orders", Durable: true}))
	require.NoError(t, b.DeclareQueue(QueueConfig{Name: "scratch", Durable: false}))
	require.NoError(t, b.BindQueue("orders", "events", "order.*"))
	require.NoError(t, b.BindQueue("scratch", "events", "order.*"))

	_, err = b.Publish("events", "order.created", []byte("survives"))
	require.NoError(t, err)
	_, err = b.Publish("events", "order.created", []byte("transient"), contracts.WithTransient())
	require.NoError(t, err)

	require.NoError(t, b.Close())

	// Restart: durable topology and persistent messages come back.
	b2, err := New(WithDataDir(dir))
	require.NoError(t, err)
	defer b2.Close()

	assert.Contains(t, b2.Queues(), "orders")
	assert.NotContains(t, b2.Queues(), "scratch")

	bindings, err := b2.ListBindings("events")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "orders", bindings[0].Queue)

	sub, err := b2.Subscribe(context.Background(), "orders", 10)
	require.NoError(t, err)
	defer sub.Close()

	d := receive(t, sub)
	assert.Equal(t, []byte("survives"), d.Message.Payload)
	require.NoError(t, d.Ack())

	// The transient message did not survive.
	select {
	case d := <-sub.Deliveries():
		t.Fatalf("unexpected delivery %q", d.Message.Payload)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTTLExpiryToDeadLetter(t *testing.T) {
	b := newTestBroker(t, WithSweepInterval(20*time.Millisecond))
	require.NoError(t, b.DeclareExchange("events", false))
	require.NoError(t, b.DeclareQueue(QueueConfig{Name: "dlq"}))
	require.NoError(t, b.DeclareQueue(QueueConfig{
		Name:         "orders",
		TTL:          50 * time.Millisecond,
		DeadLetterTo: "dlq",
	}))
	require.NoError(t, b.BindQueue("orders", "events", "#"))

	_, err := b.Publish("events", "order.created", []byte("stale"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := b.QueueStats("dlq")
		return err == nil && stats.Pending == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats, err := b.QueueStats("orders")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}
