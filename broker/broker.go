package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sync"

	"github.com/channelmesh/topicbus/contracts"
	"github.com/channelmesh/topicbus/internal/journal"
	"github.com/channelmesh/topicbus/internal/queue"
	"github.com/channelmesh/topicbus/internal/routing"
)

// QueueConfig declares a queue. Redeclaring an existing queue with a
// different configuration fails with ErrConfigurationConflict; redeclaring
// it identically is a no-op.
type QueueConfig struct {
	Name string

	// Durable queues journal persistent messages and survive restarts.
	Durable bool

	// TTL expires pending messages measured from publish time. Zero means
	// no expiry.
	TTL time.Duration

	// MaxLength bounds the pending sequence. Zero means unbounded.
	MaxLength int

	// RejectNew switches the overflow policy from drop-head (default) to
	// rejecting incoming publishes with ErrCapacityExceeded.
	RejectNew bool

	// DeadLetterTo names the queue that receives expired, rejected, and
	// poison messages. Empty means such messages are dropped.
	DeadLetterTo string

	// MaxDeliveries dead-letters a message once its delivery attempts reach
	// the limit. Zero means unlimited.
	MaxDeliveries int
}

// Broker is the process-scoped registry of exchanges, queues, and bindings,
// and the entry point for publishing and subscribing. Construct one at
// startup and pass it to everything that needs it.
type Broker struct {
	logger        *slog.Logger
	stats         StatsCollector
	dataDir       string
	sweepInterval time.Duration
	noSync        bool

	mu        sync.RWMutex
	exchanges map[string]*Exchange
	queues    map[string]*queue.Queue
	configs   map[string]QueueConfig
	closed    bool

	bindings    *routing.Table
	confirms    *ConfirmTracker
	coordinator *DeliveryCoordinator
	sweeper     *queue.Sweeper
}

// Option configures the broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithStatsCollector sets the stats collector
func WithStatsCollector(stats StatsCollector) Option {
	return func(b *Broker) {
		b.stats = stats
	}
}

// WithDataDir enables on-disk durability under dir: an append-only journal
// per durable queue plus a topology snapshot. Without it everything is
// in-memory and durability is best-effort within the process lifetime.
func WithDataDir(dir string) Option {
	return func(b *Broker) {
		b.dataDir = dir
	}
}

// WithSweepInterval sets the TTL sweep cadence.
func WithSweepInterval(interval time.Duration) Option {
	return func(b *Broker) {
		b.sweepInterval = interval
	}
}

// WithNoSync disables per-message fsync on durable queues.
func WithNoSync() Option {
	return func(b *Broker) {
		b.noSync = true
	}
}

// New creates a broker, restoring durable topology and messages from the
// data directory when one is configured, and starts its background loops.
func New(options ...Option) (*Broker, error) {
	b := &Broker{
		logger:        slog.Default(),
		stats:         NoOpStatsCollector{},
		sweepInterval: time.Second,
		exchanges:     make(map[string]*Exchange),
		queues:        make(map[string]*queue.Queue),
		configs:       make(map[string]QueueConfig),
		bindings:      routing.NewTable(),
	}

	for _, opt := range options {
		opt(b)
	}

	b.confirms = NewConfirmTracker(WithConfirmLogger(b.logger))
	b.coordinator = NewDeliveryCoordinator(
		WithCoordinatorLogger(b.logger),
		WithCoordinatorStats(b.stats),
	)
	b.sweeper = queue.NewSweeper(b.allQueues,
		queue.WithSweepInterval(b.sweepInterval),
		queue.WithSweeperLogger(b.logger),
	)

	if b.dataDir != "" {
		if err := b.restore(); err != nil {
			return nil, fmt.Errorf("failed to restore broker state: %w", err)
		}
	}

	b.sweeper.Start(context.Background())
	return b, nil
}

// restore re-declares durable topology from the snapshot; queue journals are
// replayed as each queue is declared.
func (b *Broker) restore() error {
	snapshot, err := journal.LoadSnapshot(b.dataDir)
	if err != nil {
		return err
	}

	for _, ex := range snapshot.Exchanges {
		if err := b.DeclareExchange(ex.Name, ex.Durable); err != nil {
			return err
		}
	}
	for _, qr := range snapshot.Queues {
		cfg := QueueConfig{
			Name:          qr.Name,
			Durable:       qr.Durable,
			TTL:           time.Duration(qr.TTLMillis) * time.Millisecond,
			MaxLength:     qr.MaxLength,
			RejectNew:     qr.RejectNew,
			DeadLetterTo:  qr.DeadLetterTo,
			MaxDeliveries: qr.MaxDeliveries,
		}
		if err := b.DeclareQueue(cfg); err != nil {
			return err
		}
	}
	b.bindings.Restore(snapshot.Bindings)

	if len(snapshot.Queues) > 0 {
		b.logger.Info("restored broker topology",
			"exchanges", len(snapshot.Exchanges),
			"queues", len(snapshot.Queues),
			"bindings", len(snapshot.Bindings),
		)
	}
	return nil
}

// DeclareExchange declares a topic exchange. Idempotent; redeclaring with a
// different durability fails with ErrConfigurationConflict.
func (b *Broker) DeclareExchange(name string, durable bool) error {
	if name == "" {
		return contracts.NewDeclarationError("exchange", name,
			fmt.Errorf("exchange name cannot be empty"))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return contracts.ErrBrokerClosed
	}

	if existing, ok := b.exchanges[name]; ok {
		if existing.Durable() != durable {
			return contracts.NewDeclarationError("exchange", name, contracts.ErrConfigurationConflict)
		}
		return nil
	}

	b.exchanges[name] = newExchange(name, durable)
	b.logger.Info("exchange declared", "exchange", name, "durable", durable)
	return b.persistTopology()
}

// DeclareQueue declares a queue per the config. Durable queues get a journal
// when the broker has a data directory; existing journal contents are
// replayed into the pending sequence.
func (b *Broker) DeclareQueue(cfg QueueConfig) error {
	if cfg.Name == "" {
		return contracts.NewDeclarationError("queue", cfg.Name,
			fmt.Errorf("queue name cannot be empty"))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return contracts.ErrBrokerClosed
	}

	if existing, ok := b.configs[cfg.Name]; ok {
		if existing != cfg {
			return contracts.NewDeclarationError("queue", cfg.Name, contracts.ErrConfigurationConflict)
		}
		return nil
	}

	opts := []queue.Option{
		queue.WithLogger(b.logger),
		queue.WithDeadLetter(b.deadLetterFunc(cfg.Name, cfg.DeadLetterTo)),
	}
	if cfg.TTL > 0 {
		opts = append(opts, queue.WithTTL(cfg.TTL))
	}
	if cfg.MaxLength > 0 {
		policy := queue.DropHead
		if cfg.RejectNew {
			policy = queue.RejectNew
		}
		opts = append(opts, queue.WithMaxLength(cfg.MaxLength, policy))
	}
	if cfg.MaxDeliveries > 0 {
		opts = append(opts, queue.WithMaxDeliveries(cfg.MaxDeliveries))
	}
	if cfg.Durable && b.dataDir != "" {
		jopts := []journal.JournalOption{journal.WithLogger(b.logger)}
		if b.noSync {
			jopts = append(jopts, journal.WithNoSync())
		}
		j, err := journal.Open(b.dataDir, cfg.Name, jopts...)
		if err != nil {
			return contracts.NewDeclarationError("queue", cfg.Name, err)
		}
		opts = append(opts, queue.WithJournal(j))
	}

	q, err := queue.New(cfg.Name, cfg.Durable, opts...)
	if err != nil {
		return contracts.NewDeclarationError("queue", cfg.Name, err)
	}

	b.queues[cfg.Name] = q
	b.configs[cfg.Name] = cfg
	b.coordinator.RegisterQueue(q)
	b.logger.Info("queue declared",
		"queue", cfg.Name,
		"durable", cfg.Durable,
		"ttl", cfg.TTL,
		"maxLength", cfg.MaxLength,
		"deadLetterTo", cfg.DeadLetterTo,
	)
	return b.persistTopology()
}

// DeleteQueue removes a queue: its sessions are detached (in-flight messages
// are discarded with the queue), bindings removed, and its journal deleted.
func (b *Broker) DeleteQueue(name string) error {
	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return contracts.ErrQueueNotFound
	}
	delete(b.queues, name)
	delete(b.configs, name)
	b.bindings.UnbindQueue(name)
	err := b.persistTopology()
	b.mu.Unlock()

	b.coordinator.RemoveQueue(name)
	if closeErr := q.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if b.dataDir != "" {
		if rmErr := journal.Remove(b.dataDir, name); rmErr != nil && err == nil {
			err = rmErr
		}
	}

	b.logger.Info("queue deleted", "queue", name)
	return err
}

// BindQueue binds a topic pattern to the queue on the exchange. Idempotent.
func (b *Broker) BindQueue(queueName, exchange, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return contracts.ErrBrokerClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return contracts.ErrExchangeNotFound
	}
	if _, ok := b.queues[queueName]; !ok {
		return contracts.ErrQueueNotFound
	}

	if b.bindings.Bind(exchange, pattern, queueName) {
		b.logger.Info("queue bound",
			"queue", queueName,
			"exchange", exchange,
			"pattern", pattern,
		)
	}
	return b.persistTopology()
}

// UnbindQueue removes a binding. Unbinding a non-existent binding is a no-op.
func (b *Broker) UnbindQueue(queueName, exchange, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return contracts.ErrBrokerClosed
	}

	if b.bindings.Unbind(exchange, pattern, queueName) {
		b.logger.Info("queue unbound",
			"queue", queueName,
			"exchange", exchange,
			"pattern", pattern,
		)
	}
	return b.persistTopology()
}

// ListBindings returns the exchange's bindings for inspection tooling.
func (b *Broker) ListBindings(exchange string) ([]routing.Binding, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, ok := b.exchanges[exchange]; !ok {
		return nil, contracts.ErrExchangeNotFound
	}
	return b.bindings.Bindings(exchange), nil
}

// PurgeQueue drops all pending messages from the queue and reports how many.
func (b *Broker) PurgeQueue(name string) (int, error) {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return 0, contracts.ErrQueueNotFound
	}
	return q.Purge()
}

// Subscribe opens a consumer session on the queue with the given prefetch
// limit. Cancelling the context closes the subscription, requeueing its
// in-flight messages.
func (b *Broker) Subscribe(ctx context.Context, queueName string, prefetch int) (*Subscription, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, contracts.ErrBrokerClosed
	}
	_, ok := b.queues[queueName]
	b.mu.RUnlock()
	if !ok {
		return nil, contracts.ErrQueueNotFound
	}

	sub, err := b.coordinator.Attach(queueName, prefetch)
	if err != nil {
		return nil, err
	}

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}
	return sub, nil
}

// AwaitConfirm blocks until the publish's durability verdict arrives or the
// timeout elapses. Zero timeout uses the tracker default.
func (b *Broker) AwaitConfirm(ctx context.Context, publishID string, timeout time.Duration) (Confirm, error) {
	return b.confirms.Await(ctx, publishID, timeout)
}

// QueueStats returns counters for one queue.
func (b *Broker) QueueStats(name string) (queue.Stats, error) {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return queue.Stats{}, contracts.ErrQueueNotFound
	}
	return q.Stats(), nil
}

// Queues returns the declared queue names.
func (b *Broker) Queues() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// Exchanges returns the declared exchanges.
func (b *Broker) Exchanges() []*Exchange {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Exchange, 0, len(b.exchanges))
	for _, ex := range b.exchanges {
		out = append(out, ex)
	}
	return out
}

// ConsumerCount returns the active session count on a queue.
func (b *Broker) ConsumerCount(queueName string) int {
	return b.coordinator.Sessions(queueName)
}

// Close shuts the broker down: consumer sessions are detached (requeueing
// their in-flight messages into the journals), background loops stop, and
// queue journals close.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.coordinator.Close()
	b.sweeper.Stop()
	b.confirms.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for name, q := range b.queues {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close queue %s: %w", name, err)
		}
	}
	b.logger.Info("broker closed")
	return firstErr
}

// allQueues snapshots the queue set for the sweeper.
func (b *Broker) allQueues() []*queue.Queue {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*queue.Queue, 0, len(b.queues))
	for _, q := range b.queues {
		out = append(out, q)
	}
	return out
}

// deadLetterFunc routes a queue's dead messages to its configured target.
// Messages are annotated with where they came from and why they died. No
// target means the message is dropped.
func (b *Broker) deadLetterFunc(sourceQueue, target string) queue.DeadLetterFunc {
	return func(msg *contracts.Message, reason queue.DeadLetterReason) {
		b.stats.RecordDeadLetter(sourceQueue, string(reason))

		if target == "" {
			b.logger.Debug("dead-lettered message dropped",
				"queue", sourceQueue,
				"messageId", msg.ID,
				"reason", string(reason),
			)
			return
		}

		b.mu.RLock()
		dlq, ok := b.queues[target]
		b.mu.RUnlock()
		if !ok {
			b.logger.Warn("dead-letter target missing, dropping message",
				"queue", sourceQueue,
				"target", target,
				"messageId", msg.ID,
			)
			return
		}

		cp := msg.Copy()
		if cp.Headers == nil {
			cp.Headers = make(map[string]string)
		}
		cp.Headers["x-dead-from"] = sourceQueue
		cp.Headers["x-dead-reason"] = string(reason)

		if err := dlq.Enqueue(cp); err != nil {
			b.logger.Error("failed to enqueue into dead-letter target",
				"queue", sourceQueue,
				"target", target,
				"messageId", msg.ID,
				"error", err,
			)
		}
	}
}

// persistTopology snapshots durable topology. Caller holds b.mu.
func (b *Broker) persistTopology() error {
	if b.dataDir == "" {
		return nil
	}

	snapshot := &journal.Snapshot{}
	for _, ex := range b.exchanges {
		if ex.Durable() {
			snapshot.Exchanges = append(snapshot.Exchanges, journal.ExchangeRecord{
				Name:    ex.Name(),
				Durable: true,
			})
		}
	}
	durableQueues := make(map[string]bool)
	for name, cfg := range b.configs {
		if cfg.Durable {
			durableQueues[name] = true
			snapshot.Queues = append(snapshot.Queues, journal.QueueRecord{
				Name:          cfg.Name,
				Durable:       true,
				TTLMillis:     cfg.TTL.Milliseconds(),
				MaxLength:     cfg.MaxLength,
				RejectNew:     cfg.RejectNew,
				DeadLetterTo:  cfg.DeadLetterTo,
				MaxDeliveries: cfg.MaxDeliveries,
			})
		}
	}
	for _, binding := range b.bindings.Snapshot() {
		if durableQueues[binding.Queue] {
			snapshot.Bindings = append(snapshot.Bindings, binding)
		}
	}

	if err := journal.SaveSnapshot(b.dataDir, snapshot); err != nil {
		return fmt.Errorf("failed to persist topology: %w", err)
	}
	return nil
}
