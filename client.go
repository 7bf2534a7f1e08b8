package topicbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/channelmesh/topicbus/broker"
	"github.com/channelmesh/topicbus/contracts"
)

// QueueBinding pairs an exchange with a topic pattern for the service's
// receive queue.
type QueueBinding struct {
	Exchange string
	Pattern  string
}

// Client provides the main entry point for topicbus: an embedded broker
// plus a service-scoped receive queue, so a service can declare its
// subscriptions once and start consuming.
type Client struct {
	broker       *broker.Broker
	serviceName  string
	exchange     string
	receiveQueue string
	confirmWait  time.Duration
	logger       *slog.Logger
}

// NewClient creates a client with an embedded broker. The service's receive
// queue (<service>-queue) is declared durable and bound per the configured
// bindings.
func NewClient(options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:      slog.Default(),
		serviceName: "service",
		exchange:    "events",
		confirmWait: 5 * time.Second,
	}

	for _, opt := range options {
		opt(cfg)
	}

	brokerOpts := []broker.Option{broker.WithLogger(cfg.logger)}
	if cfg.dataDir != "" {
		brokerOpts = append(brokerOpts, broker.WithDataDir(cfg.dataDir))
	}
	if cfg.stats != nil {
		brokerOpts = append(brokerOpts, broker.WithStatsCollector(cfg.stats))
	}

	b, err := broker.New(brokerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}

	if err := b.DeclareExchange(cfg.exchange, true); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	queueName := fmt.Sprintf("%s-queue", cfg.serviceName)
	queueCfg := broker.QueueConfig{
		Name:          queueName,
		Durable:       true,
		TTL:           cfg.queueTTL,
		MaxLength:     cfg.queueMaxLength,
		DeadLetterTo:  cfg.deadLetterQueue,
		MaxDeliveries: cfg.maxDeliveries,
	}
	if cfg.deadLetterQueue != "" {
		if err := b.DeclareQueue(broker.QueueConfig{Name: cfg.deadLetterQueue, Durable: true}); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to declare dead-letter queue: %w", err)
		}
	}
	if err := b.DeclareQueue(queueCfg); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to declare service queue: %w", err)
	}

	for _, binding := range cfg.queueBindings {
		exchange := binding.Exchange
		if exchange == "" {
			exchange = cfg.exchange
		}
		if err := b.BindQueue(queueName, exchange, binding.Pattern); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to bind service queue: %w", err)
		}
	}
	if len(cfg.queueBindings) > 0 {
		cfg.logger.Info("service queue created with bindings",
			"queue", queueName,
			"bindings", len(cfg.queueBindings),
		)
	} else {
		cfg.logger.Info("service queue created", "queue", queueName)
	}

	return &Client{
		broker:       b,
		serviceName:  cfg.serviceName,
		exchange:     cfg.exchange,
		receiveQueue: queueName,
		confirmWait:  cfg.confirmWait,
		logger:       cfg.logger,
	}, nil
}

// Publish routes payload bytes by routing key on the client's exchange and
// waits for the durability verdict.
func (c *Client) Publish(ctx context.Context, routingKey string, payload []byte, options ...contracts.MessageOption) (broker.Confirm, error) {
	result, err := c.broker.Publish(c.exchange, routingKey, payload, options...)
	if err != nil {
		return broker.Confirm{}, err
	}
	return c.broker.AwaitConfirm(ctx, result.PublishID, c.confirmWait)
}

// PublishEnvelope publishes an event envelope, routing by its event type.
func (c *Client) PublishEnvelope(ctx context.Context, env *contracts.EventEnvelope, options ...contracts.MessageOption) (broker.Confirm, error) {
	payload, err := env.Encode()
	if err != nil {
		return broker.Confirm{}, err
	}
	options = append(options, contracts.WithMessageID(env.ID))
	if env.CorrelationID != "" {
		options = append(options, contracts.WithCorrelationID(env.CorrelationID))
	}
	return c.Publish(ctx, env.EventType, payload, options...)
}

// Subscribe opens a consumer session on the service's receive queue.
func (c *Client) Subscribe(ctx context.Context, prefetch int) (*broker.Subscription, error) {
	return c.broker.Subscribe(ctx, c.receiveQueue, prefetch)
}

// SubscribeQueue opens a consumer session on an arbitrary queue.
func (c *Client) SubscribeQueue(ctx context.Context, queueName string, prefetch int) (*broker.Subscription, error) {
	return c.broker.Subscribe(ctx, queueName, prefetch)
}

// Broker returns the embedded broker for topology and admin operations.
func (c *Client) Broker() *broker.Broker {
	return c.broker
}

// ServiceQueue returns the service's receive queue name.
func (c *Client) ServiceQueue() string {
	return c.receiveQueue
}

// Exchange returns the client's default exchange name.
func (c *Client) Exchange() string {
	return c.exchange
}

// Close shuts the embedded broker down.
func (c *Client) Close() error {
	return c.broker.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	logger          *slog.Logger
	serviceName     string
	exchange        string
	dataDir         string
	queueBindings   []QueueBinding
	queueTTL        time.Duration
	queueMaxLength  int
	deadLetterQueue string
	maxDeliveries   int
	confirmWait     time.Duration
	stats           broker.StatsCollector
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithServiceName sets the service name (used for queue naming)
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithExchange sets the default exchange for publishes and bindings.
func WithExchange(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.exchange = name
	}
}

// WithDataDir enables on-disk durability for the embedded broker.
func WithDataDir(dir string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dataDir = dir
	}
}

// WithQueueBindings sets the bindings for the service's receive queue.
func WithQueueBindings(bindings ...QueueBinding) ClientOption {
	return func(cfg *clientConfig) {
		cfg.queueBindings = bindings
	}
}

// WithQueueTTL expires messages left on the receive queue past ttl.
func WithQueueTTL(ttl time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.queueTTL = ttl
	}
}

// WithQueueMaxLength bounds the receive queue's pending depth.
func WithQueueMaxLength(max int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.queueMaxLength = max
	}
}

// WithDeadLetterQueue routes the receive queue's dead messages to the named
// queue. The dead-letter queue is declared durable alongside the receive
// queue.
func WithDeadLetterQueue(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.deadLetterQueue = name
	}
}

// WithMaxDeliveries dead-letters a receive-queue message after this many
// delivery attempts.
func WithMaxDeliveries(max int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxDeliveries = max
	}
}

// WithConfirmWait sets how long Publish waits for the durability verdict.
func WithConfirmWait(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.confirmWait = d
	}
}

// WithStatsCollector wires a stats collector into the embedded broker.
func WithStatsCollector(stats broker.StatsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.stats = stats
	}
}
