// Package scorer consumes metric updates and persists churn risk
// scores. Scoring is deterministic, so redelivered or duplicated
// updates converge on the same stored result.
package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tutorhq/retention/internal/adapters/bus"
	"github.com/tutorhq/retention/internal/adapters/repository"
	"github.com/tutorhq/retention/internal/domain/dedupe"
	"github.com/tutorhq/retention/internal/domain/model"
	"github.com/tutorhq/retention/internal/domain/risk"
	"github.com/tutorhq/retention/pkg/logger"
	"github.com/tutorhq/retention/pkg/metrics"
)

// Store is the slice of persistence the scorer needs.
type Store interface {
	repository.TutorReader
	repository.SnapshotStore
	repository.RiskStore
}

// Scorer consumes metric updates and writes risk scores.
type Scorer struct {
	bus    bus.Bus
	store  Store
	scorer risk.Scorer

	group     string
	consumer  string
	batchSize int
	blockFor  time.Duration

	// A recomputation publishes one update per window; deduping on
	// tutor plus calculation time collapses the batch to one scoring
	// pass.
	seen dedupe.Deduper

	modelVersion string

	now     func() time.Time
	onPoll  func()
	onError func()

	logger logger.Logger
}

// Option applies a configuration option to the Scorer.
type Option func(*Scorer)

// WithBatchSize caps messages fetched per poll.
func WithBatchSize(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithBlockTimeout bounds a single consume poll.
func WithBlockTimeout(d time.Duration) Option {
	return func(s *Scorer) {
		if d > 0 {
			s.blockFor = d
		}
	}
}

// WithConsumerName identifies this process within the group.
func WithConsumerName(name string) Option {
	return func(s *Scorer) {
		if name != "" {
			s.consumer = name
		}
	}
}

// WithModelVersion stamps persisted scores with the scoring model
// identifier.
func WithModelVersion(v string) Option {
	return func(s *Scorer) {
		if v != "" {
			s.modelVersion = v
		}
	}
}

// WithClock overrides the time source. Test hook only.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPollCallback registers a health callback invoked after every
// successful poll.
func WithPollCallback(fn func()) Option {
	return func(s *Scorer) {
		if fn != nil {
			s.onPoll = fn
		}
	}
}

// WithErrorCallback registers a health callback invoked on every stage
// failure.
func WithErrorCallback(fn func()) Option {
	return func(s *Scorer) {
		if fn != nil {
			s.onError = fn
		}
	}
}

// New creates a Scorer.
func New(b bus.Bus, store Store, group string, opts ...Option) *Scorer {
	s := &Scorer{
		bus:          b,
		store:        store,
		scorer:       risk.NewWeightedScorer(),
		group:        group,
		consumer:     "scorer",
		batchSize:    64,
		blockFor:     5 * time.Second,
		seen:         dedupe.NewInMemoryDeduper(),
		modelVersion: "churn-model-v1",
		now:          time.Now,
		onPoll:       func() {},
		onError:      func() {},
		logger:       logger.Get().Named("scorer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes the metrics stream until ctx is canceled.
func (s *Scorer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := s.bus.Consume(ctx, bus.StreamMetrics, s.group, s.consumer, s.batchSize, s.blockFor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.RecordErrorByStage("scorer", "consume")
			s.onError()
			s.logger.Error(ctx, "consume failed", logger.Error(err))
			continue
		}
		s.onPoll()

		for _, msg := range msgs {
			if err := s.onMetricsUpdated(ctx, msg); err != nil {
				metrics.RecordErrorByStage("scorer", "event")
				s.onError()
				s.logger.Error(ctx, "metrics update rejected",
					logger.String("messageID", msg.ID),
					logger.Error(err),
				)
				continue
			}
			if err := s.bus.Ack(ctx, bus.StreamMetrics, s.group, msg.ID); err != nil {
				s.logger.Warn(ctx, "ack failed",
					logger.String("messageID", msg.ID),
					logger.Error(err),
				)
			}
		}
	}
}

// onMetricsUpdated scores the tutor named by one metrics update.
func (s *Scorer) onMetricsUpdated(ctx context.Context, msg bus.Message) error {
	var event model.MetricsUpdated
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("decode metrics update: %w", err)
	}
	if event.TutorID == "" {
		return errors.New("metrics update has no tutor id")
	}

	key := event.TutorID + "@" + event.CalculatedAt.UTC().Format(time.RFC3339Nano)
	if s.seen.SeenAndRecord(ctx, key) {
		return nil
	}

	if err := s.ScoreTutor(ctx, event.TutorID); err != nil {
		// Allow the batch's remaining updates to trigger a retry.
		s.seen.Unrecord(ctx, key)
		return err
	}
	return nil
}

// ScoreTutor loads the tutor's latest snapshots, computes risk and
// persists and publishes the result.
func (s *Scorer) ScoreTutor(ctx context.Context, tutorID string) error {
	start := time.Now()
	defer func() {
		metrics.RecordRiskScoreLatency(float64(time.Since(start).Milliseconds()))
	}()

	snapshots, err := s.store.LatestSnapshots(ctx, tutorID)
	if err != nil {
		return fmt.Errorf("load snapshots for %s: %w", tutorID, err)
	}

	in := risk.Input{TutorID: tutorID, Snapshots: snapshots}
	tutor, err := s.store.Tutor(ctx, tutorID)
	switch {
	case err == nil:
		in.TenureKnown = true
		in.TenureDays = tutor.TenureDays(s.now().UTC())
	case errors.Is(err, repository.ErrNotFound):
		// Unknown tutor: tenure contributes neutrally.
	default:
		return fmt.Errorf("load tutor %s: %w", tutorID, err)
	}

	result, err := s.scorer.Score(ctx, in)
	if err != nil {
		return fmt.Errorf("score tutor %s: %w", tutorID, err)
	}

	score := &model.RiskScore{
		ID:           uuid.NewString(),
		TutorID:      tutorID,
		PredictedAt:  s.now().UTC(),
		Composite:    result.Composite,
		Level:        result.Level,
		Horizon1Day:  result.Horizon1Day,
		Horizon7Day:  result.Horizon7Day,
		Horizon30Day: result.Horizon30Day,
		Horizon90Day: result.Horizon90Day,
		Factors:      result.Factors,
		ModelVersion: s.modelVersion,
	}
	if err := s.store.SaveRiskScore(ctx, score); err != nil {
		return fmt.Errorf("persist risk score for %s: %w", tutorID, err)
	}
	metrics.RecordRiskScoreComputed()
	metrics.RecordRiskLevel(string(result.Level))

	payload, err := json.Marshal(model.RiskUpdated{
		TutorID:     tutorID,
		RiskScoreID: score.ID,
		Level:       score.Level,
		Composite:   score.Composite,
	})
	if err != nil {
		return fmt.Errorf("encode risk update: %w", err)
	}
	if _, err := s.bus.Publish(ctx, bus.StreamRisk, payload); err != nil {
		return fmt.Errorf("publish risk update: %w", err)
	}

	s.logger.Debug(ctx, "risk scored",
		logger.String("tutorID", tutorID),
		logger.Float64("composite", score.Composite),
		logger.String("level", string(score.Level)),
	)
	return nil
}
