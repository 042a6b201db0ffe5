// Package dedupe defines the interface for idempotency tracking.
package dedupe

import (
	"context"
	"sync"
)

// Deduper records seen keys so repeated triggers collapse to one action.
type Deduper interface {
	// SeenAndRecord atomically checks if key was seen and records it if
	// not. Returns true if key was already seen, false if it was newly
	// recorded. This is the ONLY method for deduplication - thread-safe
	// and atomic.
	SeenAndRecord(ctx context.Context, key string) bool

	// Unrecord removes a key from the seen set, allowing it to be
	// retried. Used when a key was marked seen but its processing
	// failed before completion.
	Unrecord(ctx context.Context, key string)

	Size() int
}

// inMemoryDeduper implements Deduper with a bounded map and FIFO
// eviction ring. Bounded mode keeps memory flat under replay-heavy
// streams; maxSize <= 0 disables eviction.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	order   []string // insertion order for FIFO eviction
	head    int      // next eviction slot in order
	maxSize int
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration
// options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: 50000, // default max size
	}
	for _, opt := range opts {
		opt(d)
	}

	d.seen = make(map[string]struct{})
	if d.maxSize > 0 {
		d.order = make([]string, 0, d.maxSize)
	}
	return d
}

// SeenAndRecord atomically checks and records a key.
func (d *inMemoryDeduper) SeenAndRecord(ctx context.Context, key string) bool {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}

	if d.maxSize > 0 && len(d.seen) >= d.maxSize {
		victim := d.order[d.head]
		delete(d.seen, victim)
		d.order[d.head] = key
		d.head = (d.head + 1) % d.maxSize
	} else if d.maxSize > 0 {
		d.order = append(d.order, key)
	}

	d.seen[key] = struct{}{}
	return false
}

// Unrecord removes a key from the seen set.
func (d *inMemoryDeduper) Unrecord(ctx context.Context, key string) {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Size returns the current number of recorded keys.
func (d *inMemoryDeduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
