// Package bus defines the contract for publishing and consuming durable
// stream messages with consumer-group semantics.
//
// The bus guarantees at-least-once delivery: a message stays pending
// until acknowledged and is redelivered after a visibility timeout.
// Messages that fail too many deliveries are routed to a dead-letter
// stream so they cannot block the group. No per-key ordering is
// guaranteed; consumers must tolerate out-of-order arrival.
package bus

import (
	"context"
	"time"
)

// Stream names used by the retention pipeline.
const (
	StreamSessions = "sessions.completed"
	StreamMetrics  = "metrics.updated"
	StreamRisk     = "risk.updated"

	// DeadLetterSuffix is appended to a stream name to form its
	// dead-letter sibling.
	DeadLetterSuffix = ".dlq"
)

// Message is one delivered stream entry.
type Message struct {
	ID         string // bus-assigned id, used for acknowledgment
	Stream     string
	Payload    []byte // opaque JSON payload
	Deliveries int64  // how many times this message has been delivered
}

// Bus provides durable publish/consume with consumer groups.
type Bus interface {
	// Publish appends a payload to a stream and returns the assigned id.
	Publish(ctx context.Context, stream string, payload []byte) (string, error)

	// Consume returns up to max messages for the group, preferring
	// redelivery of entries whose visibility timeout has lapsed, then
	// new entries. It blocks up to block if nothing is available and
	// never blocks indefinitely.
	Consume(ctx context.Context, stream, group, consumer string, max int, block time.Duration) ([]Message, error)

	// Ack marks a message processed. Acknowledging twice, or
	// acknowledging an unknown id, is a no-op.
	Ack(ctx context.Context, stream, group, id string) error

	// Backlog returns the pending (delivered, unacknowledged) count for
	// the group.
	Backlog(ctx context.Context, stream, group string) (int64, error)

	// Close releases underlying resources.
	Close() error
}
