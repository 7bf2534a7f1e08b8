package monitor

import (
	"fmt"
	"sort"

	"github.com/channelmesh/topicbus/broker"
)

// QueueInfo is the inspector's view of one queue.
type QueueInfo struct {
	Name         string `json:"name"`
	Durable      bool   `json:"durable"`
	Pending      int    `json:"pending"`
	InFlight     int    `json:"inFlight"`
	Consumers    int    `json:"consumers"`
	Enqueued     int64  `json:"enqueued"`
	Acked        int64  `json:"acked"`
	Requeued     int64  `json:"requeued"`
	DeadLettered int64  `json:"deadLettered"`
	Expired      int64  `json:"expired"`
}

// Inspector reads live queue state off a broker for dashboards and admin
// endpoints.
type Inspector struct {
	broker *broker.Broker
}

// NewInspector creates an inspector over the broker.
func NewInspector(b *broker.Broker) *Inspector {
	return &Inspector{broker: b}
}

// InspectQueue returns one queue's live counters.
func (i *Inspector) InspectQueue(queueName string) (*QueueInfo, error) {
	stats, err := i.broker.QueueStats(queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect queue %s: %w", queueName, err)
	}

	return &QueueInfo{
		Name:         stats.Name,
		Durable:      stats.Durable,
		Pending:      stats.Pending,
		InFlight:     stats.InFlight,
		Consumers:    i.broker.ConsumerCount(queueName),
		Enqueued:     stats.Enqueued,
		Acked:        stats.Acked,
		Requeued:     stats.Requeued,
		DeadLettered: stats.DeadLettered,
		Expired:      stats.Expired,
	}, nil
}

// ListQueues returns info for every declared queue, sorted by name.
func (i *Inspector) ListQueues() ([]*QueueInfo, error) {
	names := i.broker.Queues()
	sort.Strings(names)

	infos := make([]*QueueInfo, 0, len(names))
	for _, name := range names {
		info, err := i.InspectQueue(name)
		if err != nil {
			// Queue deleted between listing and inspection.
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// QueueExists reports whether the queue is declared.
func (i *Inspector) QueueExists(queueName string) bool {
	_, err := i.broker.QueueStats(queueName)
	return err == nil
}
