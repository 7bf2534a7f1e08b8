package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/channelmesh/topicbus/broker"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.RecordPublish("events", "order.created", 2)
	c.RecordPublish("events", "order.created", 1)
	c.RecordPublish("events", "order.deleted", 0)
	c.RecordDelivery("orders", false)
	c.RecordDelivery("orders", true)
	c.RecordAck("orders")
	c.RecordNack("orders", true)
	c.RecordDeadLetter("orders", "expired")
	c.RecordDeadLetter("orders", "expired")
	c.RecordDeadLetter("orders", "rejected")

	s := c.Summary()
	assert.Equal(t, int64(3), s.TotalPublished)
	assert.Equal(t, int64(1), s.DroppedPublishes)
	assert.Equal(t, int64(2), s.PublishesByKey["order.created"])

	orders := s.Queues["orders"]
	assert.Equal(t, int64(2), orders.Delivered)
	assert.Equal(t, int64(1), orders.Redelivered)
	assert.Equal(t, int64(1), orders.Acked)
	assert.Equal(t, int64(1), orders.Nacked)
	assert.Equal(t, int64(2), orders.DeadLettered["expired"])
	assert.Equal(t, int64(1), orders.DeadLettered["rejected"])

	c.Reset()
	assert.Zero(t, c.Summary().TotalPublished)
}

func TestInspector(t *testing.T) {
	b, err := broker.New()
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.DeclareExchange("events", false))
	require.NoError(t, b.DeclareQueue(broker.QueueConfig{Name: "orders", Durable: false}))
	require.NoError(t, b.BindQueue("orders", "events", "#"))

	_, err = b.Publish("events", "order.created", []byte("x"))
	require.NoError(t, err)

	inspector := NewInspector(b)

	info, err := inspector.InspectQueue("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", info.Name)
	assert.Equal(t, 1, info.Pending)
	assert.Equal(t, int64(1), info.Enqueued)
	assert.Equal(t, 0, info.Consumers)

	_, err = inspector.InspectQueue("missing")
	assert.Error(t, err)
	assert.False(t, inspector.QueueExists("missing"))
	assert.True(t, inspector.QueueExists("orders"))

	infos, err := inspector.ListQueues()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "orders", infos[0].Name)
}

func TestHealthRegistry(t *testing.T) {
	registry := NewHealthRegistry()

	registry.Register(NewCheckerFunc("ok", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	}))

	health := registry.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, health.Status)
	assert.Len(t, health.Checks, 1)

	t.Run("degraded check degrades overall", func(t *testing.T) {
		registry.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			return CheckResult{Status: StatusDegraded, Message: "lagging"}
		}))
		assert.Equal(t, StatusDegraded, registry.CheckAll(context.Background()).Status)
	})

	t.Run("unhealthy check wins", func(t *testing.T) {
		registry.Register(NewCheckerFunc("down", func(ctx context.Context) CheckResult {
			return CheckResult{Status: StatusUnhealthy}
		}))
		assert.Equal(t, StatusUnhealthy, registry.CheckAll(context.Background()).Status)
	})

	t.Run("handler maps unhealthy to 503", func(t *testing.T) {
		rec := httptest.NewRecorder()
		registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "unhealthy")
	})

	t.Run("unregister restores health", func(t *testing.T) {
		registry.Unregister("down")
		registry.Unregister("slow")
		assert.Equal(t, StatusHealthy, registry.CheckAll(context.Background()).Status)
	})
}

func TestQueueDepthChecker(t *testing.T) {
	b, err := broker.New()
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.DeclareExchange("events", false))
	require.NoError(t, b.DeclareQueue(broker.QueueConfig{Name: "orders"}))
	require.NoError(t, b.BindQueue("orders", "events", "#"))

	checker := NewQueueDepthChecker(NewInspector(b), 2, 4)
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	for i := 0; i < 2; i++ {
		_, err := b.Publish("events", "order.created", []byte("x"))
		require.NoError(t, err)
	}
	assert.Equal(t, StatusDegraded, checker.Check(context.Background()).Status)

	for i := 0; i < 2; i++ {
		_, err := b.Publish("events", "order.created", []byte("x"))
		require.NoError(t, err)
	}
	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Message, "orders")
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	checker := NewRedisChecker(rdb)
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	mr.Close()
	assert.Equal(t, StatusDegraded, checker.Check(context.Background()).Status)
}
