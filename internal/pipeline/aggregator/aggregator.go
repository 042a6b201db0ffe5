// Package aggregator turns the session-event stream into authoritative
// rolling-window metric snapshots.
//
// Recomputation always rescans the full window, so arrival order and
// redelivery do not change the result; debouncing bounds the write
// volume when events for one tutor burst.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tutorhq/retention/internal/adapters/bus"
	"github.com/tutorhq/retention/internal/adapters/repository"
	"github.com/tutorhq/retention/internal/domain/metricscalc"
	"github.com/tutorhq/retention/internal/domain/model"
	"github.com/tutorhq/retention/internal/pipeline/debounce"
	"github.com/tutorhq/retention/pkg/logger"
	"github.com/tutorhq/retention/pkg/metrics"
)

// Store is the slice of persistence the aggregator needs.
type Store interface {
	repository.SessionFactReader
	repository.SessionFactWriter
	repository.SnapshotStore
}

// Aggregator consumes session events and produces metric snapshots.
type Aggregator struct {
	bus      bus.Bus
	store    Store
	debounce *debounce.Scheduler

	group     string
	consumer  string
	batchSize int
	blockFor  time.Duration

	// pendingAcks tracks message ids awaiting the debounce fire per
	// tutor, so events are only acknowledged once their recomputation
	// has been persisted.
	ackMu       sync.Mutex
	pendingAcks map[string][]string

	// now is swappable for tests.
	now func() time.Time

	// onPoll and onError report poll successes and stage failures to
	// the supervisor's health surface.
	onPoll  func()
	onError func()

	logger logger.Logger
}

// Option applies a configuration option to the Aggregator.
type Option func(*Aggregator)

// WithBatchSize caps messages fetched per poll.
func WithBatchSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithBlockTimeout bounds a single consume poll.
func WithBlockTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.blockFor = d
		}
	}
}

// WithDebounceInterval sets the per-tutor coalescing window.
func WithDebounceInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.debounce = debounce.NewScheduler(a.fire, debounce.WithInterval(d))
		}
	}
}

// WithConsumerName identifies this process within the group.
func WithConsumerName(name string) Option {
	return func(a *Aggregator) {
		if name != "" {
			a.consumer = name
		}
	}
}

// WithClock overrides the time source. Test hook only.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithPollCallback registers a health callback invoked after every
// successful poll.
func WithPollCallback(fn func()) Option {
	return func(a *Aggregator) {
		if fn != nil {
			a.onPoll = fn
		}
	}
}

// WithErrorCallback registers a health callback invoked on every stage
// failure.
func WithErrorCallback(fn func()) Option {
	return func(a *Aggregator) {
		if fn != nil {
			a.onError = fn
		}
	}
}

// New creates an Aggregator.
func New(b bus.Bus, store Store, group string, opts ...Option) *Aggregator {
	a := &Aggregator{
		bus:         b,
		store:       store,
		group:       group,
		consumer:    "aggregator",
		batchSize:   64,
		blockFor:    5 * time.Second,
		pendingAcks: make(map[string][]string),
		now:         time.Now,
		onPoll:      func() {},
		onError:     func() {},
		logger:      logger.Get().Named("aggregator"),
	}
	a.debounce = debounce.NewScheduler(a.fire)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run consumes the session stream until ctx is canceled.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := a.bus.Consume(ctx, bus.StreamSessions, a.group, a.consumer, a.batchSize, a.blockFor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.RecordErrorByStage("aggregator", "consume")
			a.onError()
			a.logger.Error(ctx, "consume failed", logger.Error(err))
			continue
		}
		a.onPoll()

		for _, msg := range msgs {
			if err := a.onSessionEvent(ctx, msg); err != nil {
				// Leave unacked; the bus redelivers after the
				// visibility timeout and dead-letters poison input.
				metrics.RecordErrorByStage("aggregator", "event")
				a.onError()
				a.logger.Error(ctx, "session event rejected",
					logger.String("messageID", msg.ID),
					logger.Error(err),
				)
			}
		}
	}
}

// onSessionEvent records one session fact and registers it for
// recomputation. The message is acknowledged only after the debounce
// fire persists the snapshots that cover it; recording is keyed by
// event id, so redeliveries change nothing.
func (a *Aggregator) onSessionEvent(ctx context.Context, msg bus.Message) error {
	var event model.SessionEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("decode session event: %w", err)
	}
	if event.TutorID == "" {
		return fmt.Errorf("session event %s has no tutor id", event.EventID)
	}
	if err := a.store.RecordSessionFact(ctx, event); err != nil {
		return fmt.Errorf("record session fact: %w", err)
	}

	a.ackMu.Lock()
	a.pendingAcks[event.TutorID] = append(a.pendingAcks[event.TutorID], msg.ID)
	a.ackMu.Unlock()

	a.debounce.Trigger(event.TutorID)
	return nil
}

// fire is the debounce callback: recompute the tutor, then acknowledge
// every message the recomputation covered.
func (a *Aggregator) fire(tutorID string) {
	ctx := context.Background()

	a.ackMu.Lock()
	ids := a.pendingAcks[tutorID]
	delete(a.pendingAcks, tutorID)
	a.ackMu.Unlock()

	if err := a.Recompute(ctx, tutorID); err != nil {
		metrics.RecordErrorByStage("aggregator", "recompute")
		a.onError()
		a.logger.Error(ctx, "recompute failed",
			logger.String("tutorID", tutorID),
			logger.Error(err),
		)
		// Unacked messages stay pending on the bus and will redeliver;
		// the rescan design makes the retry idempotent.
		return
	}

	for _, id := range ids {
		if err := a.bus.Ack(ctx, bus.StreamSessions, a.group, id); err != nil {
			a.logger.Warn(ctx, "ack failed",
				logger.String("messageID", id),
				logger.Error(err),
			)
		}
	}
}

// Recompute rescans the tutor's trailing 90 days of facts, persists the
// three window snapshots in one transaction and publishes the update.
// Also driven directly by the safety-net sweep.
func (a *Aggregator) Recompute(ctx context.Context, tutorID string) error {
	start := time.Now()
	defer func() {
		metrics.RecordRecomputeLatency(float64(time.Since(start).Milliseconds()))
	}()

	asOf := a.now().UTC()
	facts, err := a.store.SessionFacts(ctx, tutorID, asOf.Add(-model.Window90Day.Duration()))
	if err != nil {
		return fmt.Errorf("load session facts for %s: %w", tutorID, err)
	}

	snapshots := make([]model.MetricSnapshot, 0, 3)
	for _, w := range model.Windows() {
		snap := metricscalc.Compute(tutorID, w, asOf, facts)
		snap.ID = uuid.NewString()
		snapshots = append(snapshots, snap)
	}

	if err := a.store.SaveSnapshots(ctx, snapshots); err != nil {
		return fmt.Errorf("persist snapshots for %s: %w", tutorID, err)
	}
	metrics.RecordRecomputeRun()
	metrics.RecordSnapshotsWritten(len(snapshots))

	for _, snap := range snapshots {
		payload, err := json.Marshal(model.MetricsUpdated{
			TutorID:      tutorID,
			Window:       snap.Window,
			SnapshotID:   snap.ID,
			CalculatedAt: snap.CalculatedAt,
		})
		if err != nil {
			return fmt.Errorf("encode metrics update: %w", err)
		}
		if _, err := a.bus.Publish(ctx, bus.StreamMetrics, payload); err != nil {
			return fmt.Errorf("publish metrics update: %w", err)
		}
	}

	a.logger.Debug(ctx, "snapshots recomputed",
		logger.String("tutorID", tutorID),
		logger.Int("facts", len(facts)),
	)
	return nil
}

// Drain flushes pending debounce timers within the grace period. Called
// on shutdown after Run has stopped.
func (a *Aggregator) Drain(ctx context.Context) {
	a.debounce.Flush(ctx)
}

// PendingTimers returns the number of tutors awaiting recomputation.
func (a *Aggregator) PendingTimers() int {
	return a.debounce.Len()
}
