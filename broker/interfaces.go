package broker

// StatsCollector receives broker events for metrics. Implementations must be
// safe for concurrent use; the broker calls them on hot paths.
type StatsCollector interface {
	// RecordPublish records a publish and how many queues it matched
	RecordPublish(exchange, routingKey string, matchedQueues int)

	// RecordDelivery records a message handed to a consumer session
	RecordDelivery(queue string, redelivered bool)

	// RecordAck records a positive settlement
	RecordAck(queue string)

	// RecordNack records a negative settlement
	RecordNack(queue string, requeue bool)

	// RecordDeadLetter records a message moved to a dead-letter target
	RecordDeadLetter(queue, reason string)
}

// NoOpStatsCollector discards all events.
type NoOpStatsCollector struct{}

// RecordPublish does nothing
func (NoOpStatsCollector) RecordPublish(string, string, int) {}

// RecordDelivery does nothing
func (NoOpStatsCollector) RecordDelivery(string, bool) {}

// RecordAck does nothing
func (NoOpStatsCollector) RecordAck(string) {}

// RecordNack does nothing
func (NoOpStatsCollector) RecordNack(string, bool) {}

// RecordDeadLetter does nothing
func (NoOpStatsCollector) RecordDeadLetter(string, string) {}
