// Package monitor provides in-process observability for a broker: a stats
// collector that counts message flow, a queue inspector, and health checks.
package monitor

import (
	"sync"
	"time"
)

// Collector is an in-memory stats collector that can be extended with
// exporters (Prometheus, etc.) later. It implements broker.StatsCollector.
type Collector struct {
	mu sync.RWMutex

	// Publish counters by routing key
	publishCounters map[string]int64
	dropped         int64

	// Delivery counters by queue
	deliveryCounters map[string]int64
	redeliveries     map[string]int64
	ackCounters      map[string]int64
	nackCounters     map[string]int64

	// Dead-letter counters by queue and reason
	deadLetterCounters map[string]map[string]int64

	startedAt time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		publishCounters:    make(map[string]int64),
		deliveryCounters:   make(map[string]int64),
		redeliveries:       make(map[string]int64),
		ackCounters:        make(map[string]int64),
		nackCounters:       make(map[string]int64),
		deadLetterCounters: make(map[string]map[string]int64),
		startedAt:          time.Now(),
	}
}

// RecordPublish implements broker.StatsCollector
func (c *Collector) RecordPublish(exchange, routingKey string, matchedQueues int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishCounters[routingKey]++
	if matchedQueues == 0 {
		c.dropped++
	}
}

// RecordDelivery implements broker.StatsCollector
func (c *Collector) RecordDelivery(queue string, redelivered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveryCounters[queue]++
	if redelivered {
		c.redeliveries[queue]++
	}
}

// RecordAck implements broker.StatsCollector
func (c *Collector) RecordAck(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackCounters[queue]++
}

// RecordNack implements broker.StatsCollector
func (c *Collector) RecordNack(queue string, requeued bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nackCounters[queue]++
}

// RecordDeadLetter implements broker.StatsCollector
func (c *Collector) RecordDeadLetter(queue string, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byReason, ok := c.deadLetterCounters[queue]
	if !ok {
		byReason = make(map[string]int64)
		c.deadLetterCounters[queue] = byReason
	}
	byReason[reason]++
}

// QueueCounters aggregates one queue's flow counters.
type QueueCounters struct {
	Delivered    int64            `json:"delivered"`
	Redelivered  int64            `json:"redelivered"`
	Acked        int64            `json:"acked"`
	Nacked       int64            `json:"nacked"`
	DeadLettered map[string]int64 `json:"deadLettered,omitempty"`
}

// Summary is a point-in-time snapshot of everything the collector counted.
type Summary struct {
	Uptime           time.Duration            `json:"uptime"`
	TotalPublished   int64                    `json:"totalPublished"`
	DroppedPublishes int64                    `json:"droppedPublishes"`
	PublishesByKey   map[string]int64         `json:"publishesByKey"`
	Queues           map[string]QueueCounters `json:"queues"`
}

// Summary returns a deep copy of the current counters.
func (c *Collector) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Summary{
		Uptime:           time.Since(c.startedAt),
		DroppedPublishes: c.dropped,
		PublishesByKey:   make(map[string]int64, len(c.publishCounters)),
		Queues:           make(map[string]QueueCounters),
	}
	for key, count := range c.publishCounters {
		s.PublishesByKey[key] = count
		s.TotalPublished += count
	}

	queues := make(map[string]bool)
	for q := range c.deliveryCounters {
		queues[q] = true
	}
	for q := range c.ackCounters {
		queues[q] = true
	}
	for q := range c.nackCounters {
		queues[q] = true
	}
	for q := range c.deadLetterCounters {
		queues[q] = true
	}
	for q := range queues {
		qc := QueueCounters{
			Delivered:   c.deliveryCounters[q],
			Redelivered: c.redeliveries[q],
			Acked:       c.ackCounters[q],
			Nacked:      c.nackCounters[q],
		}
		if byReason, ok := c.deadLetterCounters[q]; ok {
			qc.DeadLettered = make(map[string]int64, len(byReason))
			for reason, count := range byReason {
				qc.DeadLettered[reason] = count
			}
		}
		s.Queues[q] = qc
	}
	return s
}

// Reset zeroes all counters.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishCounters = make(map[string]int64)
	c.deliveryCounters = make(map[string]int64)
	c.redeliveries = make(map[string]int64)
	c.ackCounters = make(map[string]int64)
	c.nackCounters = make(map[string]int64)
	c.deadLetterCounters = make(map[string]map[string]int64)
	c.dropped = 0
	c.startedAt = time.Now()
}
