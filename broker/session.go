package broker

import (
	"sync"
	"sync/atomic"

	"github.com/channelmesh/topicbus/contracts"
	"github.com/channelmesh/topicbus/internal/queue"
)

// Delivery is one message handed to a consumer, paired with its settlement
// handle. Exactly one of Ack or Nack must be called, once. Settling after the
// subscription has closed fails with ErrSessionClosed; the message was
// already returned to the queue.
type Delivery struct {
	Message     *contracts.Message
	Attempts    int
	Redelivered bool

	session *session
	settled atomic.Bool
}

// Ack settles the delivery positively, removing the message from the queue
// for good.
func (d *Delivery) Ack() error {
	if d.session.closed.Load() {
		return contracts.ErrSessionClosed
	}
	if !d.settled.CompareAndSwap(false, true) {
		return contracts.ErrAlreadySettled
	}
	err := d.session.q.Ack(d.Message.ID)
	d.session.release()
	if err == nil {
		d.session.stats.RecordAck(d.session.q.Name())
	}
	return err
}

// Nack settles the delivery negatively. With requeue the message returns to
// the head of the queue for prompt redelivery; without it goes to the
// dead-letter target.
func (d *Delivery) Nack(requeue bool) error {
	if d.session.closed.Load() {
		return contracts.ErrSessionClosed
	}
	if !d.settled.CompareAndSwap(false, true) {
		return contracts.ErrAlreadySettled
	}
	err := d.session.q.Nack(d.Message.ID, requeue)
	d.session.release()
	if err == nil {
		d.session.stats.RecordNack(d.session.q.Name(), requeue)
	}
	return err
}

// session is one consumer's attachment to a queue. The prefetch limit caps
// outstanding unacked deliveries, counting both those buffered in the channel
// and those the consumer is still working on.
type session struct {
	id       string
	q        *queue.Queue
	prefetch int
	ch       chan *Delivery
	wake     chan<- struct{}
	stats    StatsCollector

	inflight atomic.Int32
	closed   atomic.Bool
}

// hasCapacity reports whether another delivery fits under the prefetch cap.
func (s *session) hasCapacity() bool {
	return !s.closed.Load() && int(s.inflight.Load()) < s.prefetch
}

// deliver hands a delivery to the session. Only the dispatch loop calls this,
// always under the coordinator lock and only after hasCapacity, so the
// buffered channel send cannot block.
func (s *session) deliver(d *Delivery) {
	d.session = s
	s.inflight.Add(1)
	s.ch <- d
}

// release frees one slot of prefetch capacity and pokes the dispatcher.
func (s *session) release() {
	s.inflight.Add(-1)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Subscription is a consumer's view of an active session: a stream of
// deliveries plus a Close that returns all in-flight messages to the queue.
type Subscription struct {
	session   *session
	detach    func(*session)
	closeOnce sync.Once
}

// Deliveries returns the delivery stream. The channel closes when the
// subscription closes.
func (s *Subscription) Deliveries() <-chan *Delivery {
	return s.session.ch
}

// Queue returns the subscribed queue name.
func (s *Subscription) Queue() string {
	return s.session.q.Name()
}

// Close tears the session down. Every unacked delivery, including any still
// buffered and undelivered, is returned to the queue's pending sequence in
// original position order before Close returns.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.detach(s.session)
	})
	return nil
}
