package queue

import (
	"container/list"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/channelmesh/topicbus/contracts"
	"github.com/channelmesh/topicbus/internal/journal"
)

// OverflowPolicy decides what happens when a bounded queue is full.
type OverflowPolicy int

const (
	// DropHead dead-letters the oldest pending message to make room.
	DropHead OverflowPolicy = iota
	// RejectNew refuses the incoming message with ErrCapacityExceeded.
	RejectNew
)

// DeadLetterReason records why a message left the queue undelivered.
type DeadLetterReason string

const (
	ReasonExpired       DeadLetterReason = "expired"
	ReasonRejected      DeadLetterReason = "rejected"
	ReasonMaxDeliveries DeadLetterReason = "max-deliveries"
	ReasonOverflow      DeadLetterReason = "overflow"
)

// DeadLetterFunc receives messages leaving the queue for its dead-letter
// target. It is always invoked outside the queue lock, so implementations may
// enqueue into another queue.
type DeadLetterFunc func(msg *contracts.Message, reason DeadLetterReason)

// Delivery is one handed-out message with its attempt accounting.
type Delivery struct {
	Message     *contracts.Message
	Attempts    int
	Redelivered bool
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Name         string
	Durable      bool
	Pending      int
	InFlight     int
	Enqueued     int64
	Acked        int64
	Requeued     int64
	DeadLettered int64
	Expired      int64
}

type entry struct {
	msg        *contracts.Message
	seq        uint64
	deliveries int
	notBefore  time.Time
}

type inflightEntry struct {
	entry     *entry
	sessionID string
}

type deadLetterItem struct {
	msg    *contracts.Message
	reason DeadLetterReason
}

// Queue is an ordered, at-least-once message store for one consumer group.
// Messages move Pending -> InFlight -> acked (gone), requeued (Pending again)
// or dead-lettered. The pending sequence is kept sorted by enqueue sequence
// number, so requeued messages land back in their original position order.
//
// Every mutation is serialized on the queue's own mutex; operations on
// distinct queues never contend.
type Queue struct {
	name          string
	durable       bool
	ttl           time.Duration
	maxLength     int
	overflow      OverflowPolicy
	maxDeliveries int
	backoff       BackoffPolicy
	deadLetter    DeadLetterFunc
	journal       *journal.QueueJournal
	logger        *slog.Logger
	now           func() time.Time

	mu       sync.Mutex
	pending  *list.List // of *entry, ascending seq
	inflight map[string]*inflightEntry
	nextSeq  uint64
	closed   bool
	notify   chan struct{}

	enqueued     int64
	acked        int64
	requeued     int64
	deadLettered int64
	expired      int64
}

// Option configures a queue
type Option func(*Queue)

// WithTTL expires pending messages older than ttl (measured from creation).
func WithTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		q.ttl = ttl
	}
}

// WithMaxLength bounds the pending sequence and sets the overflow policy.
func WithMaxLength(max int, policy OverflowPolicy) Option {
	return func(q *Queue) {
		q.maxLength = max
		q.overflow = policy
	}
}

// WithMaxDeliveries dead-letters a message once its delivery attempts reach
// the limit, stopping poison-message requeue loops.
func WithMaxDeliveries(max int) Option {
	return func(q *Queue) {
		q.maxDeliveries = max
	}
}

// WithDeadLetter sets the dead-letter sink.
func WithDeadLetter(fn DeadLetterFunc) Option {
	return func(q *Queue) {
		q.deadLetter = fn
	}
}

// WithBackoff holds requeued messages back per the policy before redelivery.
func WithBackoff(policy BackoffPolicy) Option {
	return func(q *Queue) {
		q.backoff = policy
	}
}

// WithJournal attaches a durability journal; existing entries are replayed
// into the pending sequence on construction.
func WithJournal(j *journal.QueueJournal) Option {
	return func(q *Queue) {
		q.journal = j
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a queue. If a journal is attached, its live messages are
// replayed into the pending sequence and the journal is compacted.
func New(name string, durable bool, options ...Option) (*Queue, error) {
	q := &Queue{
		name:     name,
		durable:  durable,
		backoff:  NoBackoff{},
		logger:   slog.Default(),
		now:      time.Now,
		pending:  list.New(),
		inflight: make(map[string]*inflightEntry),
		notify:   make(chan struct{}, 1),
	}

	for _, opt := range options {
		opt(q)
	}

	if q.journal != nil {
		messages, err := q.journal.Replay()
		if err != nil {
			return nil, fmt.Errorf("failed to replay journal for queue %s: %w", name, err)
		}
		if err := q.journal.Compact(messages); err != nil {
			return nil, fmt.Errorf("failed to compact journal for queue %s: %w", name, err)
		}
		for _, msg := range messages {
			q.nextSeq++
			q.pending.PushBack(&entry{msg: msg, seq: q.nextSeq})
			q.enqueued++
		}
		if len(messages) > 0 {
			q.logger.Info("recovered pending messages from journal",
				"queue", name,
				"count", len(messages),
			)
		}
	}

	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Durable reports whether the queue journals persistent messages.
func (q *Queue) Durable() bool { return q.durable }

// Notify returns a channel that receives a signal whenever new messages may
// be deliverable. Used by the delivery coordinator as a wakeup.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue appends a copy of the message to the pending sequence. If the queue
// is bounded and full, the overflow policy decides between dead-lettering the
// oldest pending message and rejecting the new one.
func (q *Queue) Enqueue(msg *contracts.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	var dead []deadLetterItem
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return contracts.ErrQueueClosed
	}

	if q.maxLength > 0 && q.pending.Len() >= q.maxLength {
		if q.overflow == RejectNew {
			q.mu.Unlock()
			return &contracts.CapacityError{
				Queue:     q.name,
				MaxLength: q.maxLength,
				Err:       contracts.ErrCapacityExceeded,
			}
		}
		// Drop-head: the oldest pending message makes room.
		head := q.pending.Remove(q.pending.Front()).(*entry)
		q.deadLettered++
		q.settle(journal.EntryDeadLetter, head.msg)
		dead = append(dead, deadLetterItem{msg: head.msg, reason: ReasonOverflow})
	}

	cp := msg.Copy()
	if q.durable && cp.Persistent && q.journal != nil {
		if err := q.journal.AppendMessage(cp); err != nil {
			q.mu.Unlock()
			return fmt.Errorf("failed to journal message %s: %w", cp.ID, err)
		}
	}

	q.nextSeq++
	q.pending.PushBack(&entry{msg: cp, seq: q.nextSeq})
	q.enqueued++
	q.mu.Unlock()

	q.flushDeadLetters(dead)
	q.signal()
	return nil
}

// Dequeue pops the head of the pending sequence for the session and marks it
// in flight. Messages at their delivery-count limit are dead-lettered instead
// of handed out. Returns false when nothing is deliverable right now.
func (q *Queue) Dequeue(sessionID string) (*Delivery, bool) {
	var dead []deadLetterItem
	var delivery *Delivery

	q.mu.Lock()
	for !q.closed && q.pending.Len() > 0 {
		front := q.pending.Front()
		e := front.Value.(*entry)

		if q.maxDeliveries > 0 && e.deliveries >= q.maxDeliveries {
			q.pending.Remove(front)
			q.deadLettered++
			q.settle(journal.EntryDeadLetter, e.msg)
			dead = append(dead, deadLetterItem{msg: e.msg, reason: ReasonMaxDeliveries})
			continue
		}

		if !e.notBefore.IsZero() && q.now().Before(e.notBefore) {
			// Head held back by redelivery backoff; keep FIFO order and wait.
			break
		}

		q.pending.Remove(front)
		e.deliveries++
		q.inflight[e.msg.ID] = &inflightEntry{entry: e, sessionID: sessionID}
		delivery = &Delivery{
			Message:     e.msg.Copy(),
			Attempts:    e.deliveries,
			Redelivered: e.deliveries > 1,
		}
		break
	}
	q.mu.Unlock()

	q.flushDeadLetters(dead)
	return delivery, delivery != nil
}

// Ack removes an in-flight message permanently.
func (q *Queue) Ack(messageID string) error {
	q.mu.Lock()
	inf, ok := q.inflight[messageID]
	if !ok {
		q.mu.Unlock()
		return contracts.ErrUnknownDelivery
	}
	delete(q.inflight, messageID)
	q.acked++
	q.settle(journal.EntryAck, inf.entry.msg)
	q.mu.Unlock()
	return nil
}

// Nack settles an in-flight message negatively. With requeue the message
// returns to its original position at the head of the pending sequence;
// without, it is dead-lettered immediately.
func (q *Queue) Nack(messageID string, requeue bool) error {
	var dead []deadLetterItem

	q.mu.Lock()
	inf, ok := q.inflight[messageID]
	if !ok {
		q.mu.Unlock()
		return contracts.ErrUnknownDelivery
	}
	delete(q.inflight, messageID)

	if requeue {
		if delay := q.backoff.NextDelay(inf.entry.deliveries); delay > 0 {
			inf.entry.notBefore = q.now().Add(delay)
		}
		q.insertSorted(inf.entry)
		q.requeued++
	} else {
		q.deadLettered++
		q.settle(journal.EntryDeadLetter, inf.entry.msg)
		dead = append(dead, deadLetterItem{msg: inf.entry.msg, reason: ReasonRejected})
	}
	q.mu.Unlock()

	q.flushDeadLetters(dead)
	if requeue {
		q.signal()
	}
	return nil
}

// RequeueSession returns every in-flight message of the session to the
// pending sequence in original position order. Called on session disconnect.
func (q *Queue) RequeueSession(sessionID string) int {
	q.mu.Lock()
	var entries []*entry
	for id, inf := range q.inflight {
		if inf.sessionID == sessionID {
			entries = append(entries, inf.entry)
			delete(q.inflight, id)
		}
	}
	for _, e := range entries {
		q.insertSorted(e)
	}
	q.requeued += int64(len(entries))
	q.mu.Unlock()

	if len(entries) > 0 {
		q.signal()
	}
	return len(entries)
}

// SweepExpired dead-letters pending messages older than the queue TTL.
// Driven by the broker's periodic sweeper, never inline with delivery.
func (q *Queue) SweepExpired(now time.Time) int {
	if q.ttl <= 0 {
		return 0
	}

	var dead []deadLetterItem
	q.mu.Lock()
	for el := q.pending.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if e.msg.Age(now) > q.ttl {
			q.pending.Remove(el)
			q.expired++
			q.deadLettered++
			q.settle(journal.EntryDeadLetter, e.msg)
			dead = append(dead, deadLetterItem{msg: e.msg, reason: ReasonExpired})
		}
		el = next
	}
	q.mu.Unlock()

	q.flushDeadLetters(dead)
	return len(dead)
}

// Purge drops all pending messages. In-flight messages are unaffected.
func (q *Queue) Purge() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, contracts.ErrQueueClosed
	}

	count := q.pending.Len()
	q.pending.Init()
	if q.durable && q.journal != nil {
		if err := q.journal.Append(journal.Entry{Type: journal.EntryPurge}); err != nil {
			return count, fmt.Errorf("failed to journal purge of queue %s: %w", q.name, err)
		}
		// The purge mark wipes every earlier enqueue record on replay, so
		// in-flight messages must be re-journaled behind it or an unacked
		// delivery would vanish across a restart.
		inflight := make([]*inflightEntry, 0, len(q.inflight))
		for _, inf := range q.inflight {
			inflight = append(inflight, inf)
		}
		sort.Slice(inflight, func(i, j int) bool {
			return inflight[i].entry.seq < inflight[j].entry.seq
		})
		for _, inf := range inflight {
			if !inf.entry.msg.Persistent {
				continue
			}
			if err := q.journal.AppendMessage(inf.entry.msg); err != nil {
				return count, fmt.Errorf("failed to re-journal in-flight message %s: %w",
					inf.entry.msg.ID, err)
			}
		}
	}
	return count, nil
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// InFlightCount returns the number of unacked deliveries.
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Name:         q.name,
		Durable:      q.durable,
		Pending:      q.pending.Len(),
		InFlight:     len(q.inflight),
		Enqueued:     q.enqueued,
		Acked:        q.acked,
		Requeued:     q.requeued,
		DeadLettered: q.deadLettered,
		Expired:      q.expired,
	}
}

// Close marks the queue closed and closes its journal.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	if q.journal != nil {
		return q.journal.Close()
	}
	return nil
}

// insertSorted puts the entry back into the pending sequence by sequence
// number. Requeued entries predate everything enqueued since, so they land
// at the head in their original relative order.
func (q *Queue) insertSorted(e *entry) {
	for el := q.pending.Front(); el != nil; el = el.Next() {
		if e.seq < el.Value.(*entry).seq {
			q.pending.InsertBefore(e, el)
			return
		}
	}
	q.pending.PushBack(e)
}

// settle records a terminal journal entry for a durable message. Journal
// failures here must not fail the settlement; the message is already leaving
// the queue, so log and carry on.
func (q *Queue) settle(entryType journal.EntryType, msg *contracts.Message) {
	if !q.durable || !msg.Persistent || q.journal == nil {
		return
	}
	if err := q.journal.AppendSettlement(entryType, msg.ID); err != nil {
		q.logger.Error("failed to journal settlement",
			"queue", q.name,
			"messageId", msg.ID,
			"type", string(entryType),
			"error", err,
		)
	}
}

func (q *Queue) flushDeadLetters(items []deadLetterItem) {
	for _, item := range items {
		if q.deadLetter != nil {
			q.deadLetter(item.msg, item.reason)
			continue
		}
		q.logger.Debug("dropping dead-lettered message, no target configured",
			"queue", q.name,
			"messageId", item.msg.ID,
			"reason", string(item.reason),
		)
	}
}
