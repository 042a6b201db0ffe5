package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tutorhq/retention/pkg/logger"
	"github.com/tutorhq/retention/pkg/metrics"
)

// payloadField is the single stream field carrying the JSON payload.
const payloadField = "payload"

// RedisBus implements Bus on Redis Streams. Consumer groups give the
// load-balanced, at-least-once semantics; XAUTOCLAIM provides the
// visibility-timeout redelivery.
type RedisBus struct {
	rdb      *goredis.Client
	settings settings

	// groups tracks which (stream, group) pairs were already created.
	groups sync.Map

	logger logger.Logger
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, addr string, opts ...Option) (*RedisBus, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{
		rdb:      rdb,
		settings: newSettings(opts...),
		logger:   logger.Get().Named("redis-bus"),
	}, nil
}

// Publish appends a payload to a stream.
func (b *RedisBus) Publish(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// Consume claims timed-out pending entries first, routes poison messages
// to the dead-letter stream, then reads new entries for the group.
func (b *RedisBus) Consume(ctx context.Context, stream, group, consumer string, max int, block time.Duration) ([]Message, error) {
	start := time.Now()
	defer func() {
		metrics.RecordBusConsumeLatency(float64(time.Since(start).Milliseconds()))
	}()

	if err := b.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}

	out := make([]Message, 0, max)

	claimed, err := b.claimStale(ctx, stream, group, consumer, max)
	if err != nil {
		return nil, err
	}
	out = append(out, claimed...)

	if len(out) < max {
		fresh, err := b.readNew(ctx, stream, group, consumer, max-len(out), block)
		if err != nil {
			return nil, err
		}
		out = append(out, fresh...)
	}

	metrics.RecordBusConsumed(stream, len(out))
	return out, nil
}

// claimStale reclaims entries idle past the visibility timeout. Entries
// at or beyond the delivery cap are dead-lettered and acknowledged so
// they stop blocking the group.
func (b *RedisBus) claimStale(ctx context.Context, stream, group, consumer string, max int) ([]Message, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  b.settings.visibilityTimeout,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	metrics.RecordBusClaimed(stream, len(msgs))

	retries, err := b.retryCounts(ctx, stream, group, msgs)
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		deliveries := retries[m.ID]
		if deliveries >= b.settings.maxDeliveries {
			if err := b.deadLetter(ctx, stream, group, m); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, toMessage(stream, m, deliveries))
	}
	return out, nil
}

// retryCounts looks up delivery counts for the claimed ids.
func (b *RedisBus) retryCounts(ctx context.Context, stream, group string, msgs []goredis.XMessage) (map[string]int64, error) {
	pending, err := b.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  msgs[0].ID,
		End:    msgs[len(msgs)-1].ID,
		Count:  int64(len(msgs)),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s: %w", stream, err)
	}
	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts, nil
}

// deadLetter copies a poison message to the dead-letter stream and acks
// the original.
func (b *RedisBus) deadLetter(ctx context.Context, stream, group string, m goredis.XMessage) error {
	if err := b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream + DeadLetterSuffix,
		Values: m.Values,
	}).Err(); err != nil {
		return fmt.Errorf("dead-letter xadd: %w", err)
	}
	if err := b.rdb.XAck(ctx, stream, group, m.ID).Err(); err != nil {
		return fmt.Errorf("dead-letter xack: %w", err)
	}
	metrics.RecordBusDeadLettered(stream)
	b.logger.Warn(ctx, "message routed to dead-letter stream",
		logger.String("stream", stream),
		logger.String("messageID", m.ID),
	)
	return nil
}

// readNew reads fresh entries for the group, blocking up to block.
func (b *RedisBus) readNew(ctx context.Context, stream, group, consumer string, max int, block time.Duration) ([]Message, error) {
	streams, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil // nothing arrived within the block window
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}

	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toMessage(stream, m, 1))
		}
	}
	return out, nil
}

// Ack marks a message processed. Redis XACK on an already-acked or
// unknown id simply reports zero acked entries, which keeps this
// idempotent.
func (b *RedisBus) Ack(ctx context.Context, stream, group, id string) error {
	if err := b.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", stream, err)
	}
	metrics.RecordBusAcked(stream)
	return nil
}

// Backlog returns the pending entry count for the group.
func (b *RedisBus) Backlog(ctx context.Context, stream, group string) (int64, error) {
	p, err := b.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) || strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending %s: %w", stream, err)
	}
	metrics.UpdateBusBacklogDepth(stream, p.Count)
	return p.Count, nil
}

// Close closes the underlying client.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

// ensureGroup creates the consumer group once per (stream, group). A
// BUSYGROUP reply means the group already exists and is not an error.
func (b *RedisBus) ensureGroup(ctx context.Context, stream, group string) error {
	key := stream + "/" + group
	if _, ok := b.groups.Load(key); ok {
		return nil
	}
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	b.groups.Store(key, struct{}{})
	return nil
}

// toMessage converts a redis entry to the bus message type.
func toMessage(stream string, m goredis.XMessage, deliveries int64) Message {
	var payload []byte
	if raw, ok := m.Values[payloadField]; ok {
		if s, ok := raw.(string); ok {
			payload = []byte(s)
		}
	}
	return Message{
		ID:         m.ID,
		Stream:     stream,
		Payload:    payload,
		Deliveries: deliveries,
	}
}
