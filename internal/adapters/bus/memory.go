package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tutorhq/retention/pkg/metrics"
)

// MemoryBus implements Bus in process memory. It mirrors the consumer
// group semantics of the Redis implementation closely enough to back
// tests and single-process local runs: pending entries, visibility
// timeout redelivery, delivery counting and dead-letter routing.
type MemoryBus struct {
	mu       sync.Mutex
	settings settings
	streams  map[string]*memoryStream
	closed   bool

	// now is swappable so tests can drive the visibility timeout.
	now func() time.Time
}

type memoryStream struct {
	entries []memoryEntry
	groups  map[string]*memoryGroup
}

type memoryEntry struct {
	id      string
	payload []byte
}

type memoryGroup struct {
	cursor  int                      // next new entry index
	pending map[string]*pendingEntry // delivered but unacked, by id
}

type pendingEntry struct {
	entry       memoryEntry
	deliveries  int64
	deliveredAt time.Time
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(opts ...Option) *MemoryBus {
	return &MemoryBus{
		settings: newSettings(opts...),
		streams:  make(map[string]*memoryStream),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook only.
func (b *MemoryBus) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Publish appends a payload to a stream.
func (b *MemoryBus) Publish(ctx context.Context, stream string, payload []byte) (string, error) {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	s := b.stream(stream)
	id := fmt.Sprintf("%d-%d", b.now().UnixMilli(), len(s.entries))
	s.entries = append(s.entries, memoryEntry{id: id, payload: payload})
	return id, nil
}

// Consume delivers redeliverable pending entries first, then new ones.
// It polls until something is available or the block window lapses.
func (b *MemoryBus) Consume(ctx context.Context, stream, group, consumer string, max int, block time.Duration) ([]Message, error) {
	_ = consumer
	deadline := time.Now().Add(block)
	for {
		msgs, err := b.consumeOnce(stream, group, max)
		if err != nil || len(msgs) > 0 {
			if len(msgs) > 0 {
				metrics.RecordBusConsumed(stream, len(msgs))
			}
			return msgs, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *MemoryBus) consumeOnce(stream, group string, max int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	s := b.stream(stream)
	g := s.group(group)
	now := b.now()

	out := make([]Message, 0, max)

	// Redeliver entries whose visibility timeout lapsed; dead-letter the
	// ones that exhausted their deliveries.
	for id, p := range g.pending {
		if len(out) >= max {
			break
		}
		if now.Sub(p.deliveredAt) < b.settings.visibilityTimeout {
			continue
		}
		if p.deliveries >= b.settings.maxDeliveries {
			dlq := b.stream(stream + DeadLetterSuffix)
			dlq.entries = append(dlq.entries, p.entry)
			delete(g.pending, id)
			metrics.RecordBusDeadLettered(stream)
			continue
		}
		p.deliveries++
		p.deliveredAt = now
		out = append(out, Message{ID: id, Stream: stream, Payload: p.entry.payload, Deliveries: p.deliveries})
	}

	// Deliver new entries past the group's cursor.
	for g.cursor < len(s.entries) && len(out) < max {
		e := s.entries[g.cursor]
		g.cursor++
		g.pending[e.id] = &pendingEntry{entry: e, deliveries: 1, deliveredAt: now}
		out = append(out, Message{ID: e.id, Stream: stream, Payload: e.payload, Deliveries: 1})
	}

	return out, nil
}

// Ack removes an entry from the pending set. Unknown or already-acked
// ids are a no-op.
func (b *MemoryBus) Ack(ctx context.Context, stream, group, id string) error {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	s, ok := b.streams[stream]
	if !ok {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	if _, ok := g.pending[id]; ok {
		delete(g.pending, id)
		metrics.RecordBusAcked(stream)
	}
	return nil
}

// Backlog returns the pending entry count for the group.
func (b *MemoryBus) Backlog(ctx context.Context, stream, group string) (int64, error) {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[stream]
	if !ok {
		return 0, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return 0, nil
	}
	depth := int64(len(g.pending))
	metrics.UpdateBusBacklogDepth(stream, depth)
	return depth, nil
}

// Len returns the total number of entries ever published to a stream.
func (b *MemoryBus) Len(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[stream]
	if !ok {
		return 0
	}
	return len(s.entries)
}

// Close rejects all further operations.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// stream returns the named stream, creating it if needed. Caller holds
// the lock.
func (b *MemoryBus) stream(name string) *memoryStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memoryStream{groups: make(map[string]*memoryGroup)}
		b.streams[name] = s
	}
	return s
}

// group returns the named group, creating it if needed.
func (s *memoryStream) group(name string) *memoryGroup {
	g, ok := s.groups[name]
	if !ok {
		g = &memoryGroup{pending: make(map[string]*pendingEntry)}
		s.groups[name] = g
	}
	return g
}
