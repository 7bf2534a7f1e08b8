package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/channelmesh/topicbus/contracts"
	"github.com/channelmesh/topicbus/internal/queue"
)

// DeliveryCoordinator runs one dispatch loop per queue, pushing pending
// messages to attached consumer sessions. Competing consumers on a queue are
// served round-robin; a message goes to exactly one session. A session at its
// prefetch cap is skipped until it settles something (backpressure).
type DeliveryCoordinator struct {
	logger *slog.Logger
	stats  StatsCollector
	tick   time.Duration

	mu     sync.Mutex
	queues map[string]*queueDispatch
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type queueDispatch struct {
	q        *queue.Queue
	wake     chan struct{}
	done     chan struct{}
	sessions []*session
	rr       int
}

// CoordinatorOption configures the delivery coordinator
type CoordinatorOption func(*DeliveryCoordinator)

// WithCoordinatorLogger sets the logger
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *DeliveryCoordinator) {
		c.logger = logger
	}
}

// WithCoordinatorStats sets the stats collector
func WithCoordinatorStats(stats StatsCollector) CoordinatorOption {
	return func(c *DeliveryCoordinator) {
		c.stats = stats
	}
}

// WithDispatchTick sets the fallback dispatch interval, which picks up
// messages whose redelivery backoff has elapsed.
func WithDispatchTick(tick time.Duration) CoordinatorOption {
	return func(c *DeliveryCoordinator) {
		c.tick = tick
	}
}

// NewDeliveryCoordinator creates a coordinator with no queues attached.
func NewDeliveryCoordinator(options ...CoordinatorOption) *DeliveryCoordinator {
	c := &DeliveryCoordinator{
		logger: slog.Default(),
		stats:  NoOpStatsCollector{},
		tick:   200 * time.Millisecond,
		queues: make(map[string]*queueDispatch),
	}

	for _, opt := range options {
		opt(c)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// RegisterQueue starts a dispatch loop for the queue. Idempotent per name.
func (c *DeliveryCoordinator) RegisterQueue(q *queue.Queue) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if _, exists := c.queues[q.Name()]; exists {
		return
	}

	qd := &queueDispatch{
		q:    q,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	c.queues[q.Name()] = qd

	c.wg.Add(1)
	go c.dispatchLoop(qd)
}

// Attach creates a consumer session on the queue and returns its
// subscription.
func (c *DeliveryCoordinator) Attach(queueName string, prefetch int) (*Subscription, error) {
	if prefetch <= 0 {
		return nil, contracts.ErrInvalidPrefetch
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, contracts.ErrBrokerClosed
	}
	qd, ok := c.queues[queueName]
	if !ok {
		return nil, contracts.ErrQueueNotFound
	}

	s := &session{
		id:       uuid.New().String(),
		q:        qd.q,
		prefetch: prefetch,
		ch:       make(chan *Delivery, prefetch),
		wake:     qd.wake,
		stats:    c.stats,
	}
	qd.sessions = append(qd.sessions, s)
	c.wakeup(qd)

	c.logger.Debug("consumer session attached",
		"queue", queueName,
		"sessionId", s.id,
		"prefetch", prefetch,
	)

	return &Subscription{session: s, detach: c.detach}, nil
}

// detach removes the session, requeues its in-flight messages, and closes
// the delivery channel. The requeue happens before the session is gone; this
// is the cleanup-on-exit guarantee, not best effort.
func (c *DeliveryCoordinator) detach(s *session) {
	c.mu.Lock()
	s.closed.Store(true)
	if qd, ok := c.queues[s.q.Name()]; ok {
		for i, existing := range qd.sessions {
			if existing.id == s.id {
				qd.sessions = append(qd.sessions[:i], qd.sessions[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	requeued := s.q.RequeueSession(s.id)
	// No dispatcher can touch the session once it is marked closed and
	// removed, so closing the channel here cannot race a send.
	close(s.ch)

	c.mu.Lock()
	if qd, ok := c.queues[s.q.Name()]; ok {
		c.wakeup(qd)
	}
	c.mu.Unlock()

	c.logger.Debug("consumer session detached",
		"queue", s.q.Name(),
		"sessionId", s.id,
		"requeued", requeued,
	)
}

// RemoveQueue detaches the queue's sessions, stops its dispatch loop, and
// forgets the queue. Used when a queue is deleted.
func (c *DeliveryCoordinator) RemoveQueue(queueName string) {
	c.mu.Lock()
	qd, ok := c.queues[queueName]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.queues, queueName)
	sessions := append([]*session(nil), qd.sessions...)
	close(qd.done)
	c.mu.Unlock()

	for _, s := range sessions {
		c.detach(s)
	}
}

// Sessions returns the number of active sessions on the queue.
func (c *DeliveryCoordinator) Sessions(queueName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if qd, ok := c.queues[queueName]; ok {
		return len(qd.sessions)
	}
	return 0
}

// Close detaches every session (requeueing their in-flight messages) and
// stops all dispatch loops.
func (c *DeliveryCoordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var sessions []*session
	for _, qd := range c.queues {
		sessions = append(sessions, qd.sessions...)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		c.detach(s)
	}

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *DeliveryCoordinator) wakeup(qd *queueDispatch) {
	select {
	case qd.wake <- struct{}{}:
	default:
	}
}

func (c *DeliveryCoordinator) dispatchLoop(qd *queueDispatch) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-qd.done:
			return
		case <-qd.wake:
		case <-qd.q.Notify():
		case <-ticker.C:
		}
		c.drain(qd)
	}
}

// drain moves messages from the queue to sessions until either the queue has
// nothing deliverable or no session has prefetch capacity.
func (c *DeliveryCoordinator) drain(qd *queueDispatch) {
	for {
		c.mu.Lock()
		s := c.pickSession(qd)
		if s == nil {
			c.mu.Unlock()
			return
		}

		d, ok := qd.q.Dequeue(s.id)
		if !ok {
			c.mu.Unlock()
			return
		}

		s.deliver(&Delivery{
			Message:     d.Message,
			Attempts:    d.Attempts,
			Redelivered: d.Redelivered,
		})
		c.mu.Unlock()

		c.stats.RecordDelivery(qd.q.Name(), d.Redelivered)
	}
}

// pickSession round-robins across sessions with free prefetch capacity.
// Caller holds c.mu.
func (c *DeliveryCoordinator) pickSession(qd *queueDispatch) *session {
	n := len(qd.sessions)
	for i := 0; i < n; i++ {
		s := qd.sessions[(qd.rr+i)%n]
		if s.hasCapacity() {
			qd.rr = (qd.rr + i + 1) % n
			return s
		}
	}
	return nil
}
