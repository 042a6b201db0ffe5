// Package debounce implements a per-key coalescing delayed-work
// scheduler.
//
// N triggers for the same key inside the interval produce exactly one
// fire covering all of them. The mutex guards only timer bookkeeping,
// never the fired work, so unrelated keys are not serialized.
package debounce

import (
	"context"
	"sync"
	"time"

	"github.com/tutorhq/retention/pkg/metrics"
)

// defaultInterval is the coalescing window applied when no option
// overrides it.
const defaultInterval = 30 * time.Second

// Fire is the work invoked once per coalesced key.
type Fire func(key string)

// Scheduler coalesces repeated triggers per key into one delayed fire.
type Scheduler struct {
	mu       sync.Mutex
	interval time.Duration
	fire     Fire
	pending  map[string]*time.Timer
	closed   bool
}

// Option applies a configuration option to the Scheduler.
type Option func(*Scheduler)

// WithInterval sets the coalescing window.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewScheduler creates a scheduler that invokes fire once per coalesced
// key.
func NewScheduler(fire Fire, opts ...Option) *Scheduler {
	s := &Scheduler{
		interval: defaultInterval,
		fire:     fire,
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger marks a key dirty. The first trigger schedules the timer;
// triggers arriving while it is pending are absorbed into it.
func (s *Scheduler) Trigger(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if _, ok := s.pending[key]; ok {
		metrics.RecordDebounceCoalesced()
		return
	}

	s.pending[key] = time.AfterFunc(s.interval, func() {
		s.mu.Lock()
		delete(s.pending, key)
		metrics.UpdateDirtyTutors(len(s.pending))
		s.mu.Unlock()
		s.fire(key)
	})
	metrics.RecordDebounceScheduled()
	metrics.UpdateDirtyTutors(len(s.pending))
}

// Len returns the number of keys waiting on a timer.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush cancels all pending timers and runs their work synchronously,
// stopping early if ctx expires. Used on shutdown so no scheduled
// recomputation is abandoned.
func (s *Scheduler) Flush(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	keys := make([]string, 0, len(s.pending))
	for key, timer := range s.pending {
		// Only fire for keys whose timer had not gone off yet; a timer
		// that already fired is mid-flight in its own goroutine.
		if timer.Stop() {
			keys = append(keys, key)
		}
		delete(s.pending, key)
	}
	metrics.UpdateDirtyTutors(0)
	s.mu.Unlock()

	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		s.fire(key)
	}
}
