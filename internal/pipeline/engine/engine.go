// Package engine consumes risk updates and opens interventions.
//
// Creation goes through the store's conditional insert, so at most one
// active intervention of a type exists per tutor no matter how many
// engine instances process the same update.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tutorhq/retention/internal/adapters/bus"
	"github.com/tutorhq/retention/internal/adapters/repository"
	"github.com/tutorhq/retention/internal/domain/model"
	"github.com/tutorhq/retention/internal/domain/rules"
	"github.com/tutorhq/retention/internal/pipeline/supervisor"
	"github.com/tutorhq/retention/pkg/logger"
	"github.com/tutorhq/retention/pkg/metrics"
)

// Notifier delivers an intervention's notification. Implementations
// send at most once per call; the engine owns retries.
type Notifier interface {
	Send(ctx context.Context, tutorID, template string, payload map[string]any) error
}

// Store is the slice of persistence the engine needs.
type Store interface {
	repository.SessionFactReader
	repository.SnapshotStore
	repository.RiskStore
	repository.InterventionStore
}

// Engine consumes risk updates and manages intervention lifecycles.
type Engine struct {
	bus      bus.Bus
	store    Store
	notifier Notifier

	group     string
	consumer  string
	batchSize int
	blockFor  time.Duration

	coachingCooldown time.Duration
	retryPolicy      supervisor.RetryPolicy
	slaOverrides     map[model.InterventionType]time.Duration

	now     func() time.Time
	onPoll  func()
	onError func()

	logger logger.Logger
}

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithBatchSize caps messages fetched per poll.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithBlockTimeout bounds a single consume poll.
func WithBlockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.blockFor = d
		}
	}
}

// WithConsumerName identifies this process within the group.
func WithConsumerName(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.consumer = name
		}
	}
}

// WithCoachingCooldown sets the minimum spacing between automated
// coaching tips for one tutor.
func WithCoachingCooldown(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.coachingCooldown = d
		}
	}
}

// WithRetryPolicy bounds notification dispatch retries.
func WithRetryPolicy(p supervisor.RetryPolicy) Option {
	return func(e *Engine) {
		e.retryPolicy = p
	}
}

// WithSLAOverrides replaces the built-in SLA duration for the given
// intervention types. Types not present keep their defaults.
func WithSLAOverrides(overrides map[model.InterventionType]time.Duration) Option {
	return func(e *Engine) {
		for t, d := range overrides {
			if d > 0 {
				e.slaOverrides[t] = d
			}
		}
	}
}

// WithClock overrides the time source. Test hook only.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithPollCallback registers a health callback invoked after every
// successful poll.
func WithPollCallback(fn func()) Option {
	return func(e *Engine) {
		if fn != nil {
			e.onPoll = fn
		}
	}
}

// WithErrorCallback registers a health callback invoked on every stage
// failure.
func WithErrorCallback(fn func()) Option {
	return func(e *Engine) {
		if fn != nil {
			e.onError = fn
		}
	}
}

// New creates an Engine.
func New(b bus.Bus, store Store, notifier Notifier, group string, opts ...Option) *Engine {
	e := &Engine{
		bus:              b,
		store:            store,
		notifier:         notifier,
		group:            group,
		consumer:         "engine",
		batchSize:        64,
		blockFor:         5 * time.Second,
		coachingCooldown: 7 * 24 * time.Hour,
		retryPolicy:      supervisor.DefaultRetryPolicy(),
		slaOverrides:     make(map[model.InterventionType]time.Duration),
		now:              time.Now,
		onPoll:           func() {},
		onError:          func() {},
		logger:           logger.Get().Named("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run consumes the risk stream until ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := e.bus.Consume(ctx, bus.StreamRisk, e.group, e.consumer, e.batchSize, e.blockFor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.RecordErrorByStage("engine", "consume")
			e.onError()
			e.logger.Error(ctx, "consume failed", logger.Error(err))
			continue
		}
		e.onPoll()

		for _, msg := range msgs {
			if err := e.onRiskUpdated(ctx, msg); err != nil {
				metrics.RecordErrorByStage("engine", "event")
				e.onError()
				e.logger.Error(ctx, "risk update rejected",
					logger.String("messageID", msg.ID),
					logger.Error(err),
				)
				continue
			}
			if err := e.bus.Ack(ctx, bus.StreamRisk, e.group, msg.ID); err != nil {
				e.logger.Warn(ctx, "ack failed",
					logger.String("messageID", msg.ID),
					logger.Error(err),
				)
			}
		}
	}
}

// onRiskUpdated evaluates one risk update and opens whatever
// interventions the rules call for.
func (e *Engine) onRiskUpdated(ctx context.Context, msg bus.Message) error {
	var event model.RiskUpdated
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("decode risk update: %w", err)
	}
	if event.TutorID == "" {
		return errors.New("risk update has no tutor id")
	}
	return e.Evaluate(ctx, event.TutorID, event.RiskScoreID, event.Level)
}

// Evaluate runs the detectors and the level policy for one tutor and
// opens any missing interventions. Reprocessing the same update is a
// no-op thanks to the conditional insert.
func (e *Engine) Evaluate(ctx context.Context, tutorID, riskScoreID string, level model.RiskLevel) error {
	asOf := e.now().UTC()

	facts, err := e.store.SessionFacts(ctx, tutorID, asOf.Add(-model.Window7Day.Duration()))
	if err != nil {
		return fmt.Errorf("load facts for %s: %w", tutorID, err)
	}
	patterns := rules.Detect(asOf, facts)

	snaps, err := e.store.LatestSnapshots(ctx, tutorID)
	if err != nil {
		return fmt.Errorf("load snapshots for %s: %w", tutorID, err)
	}
	sustained := rules.SustainedHighPerformance(snaps)

	for _, t := range rules.Candidates(level, patterns, sustained) {
		if err := e.open(ctx, tutorID, riskScoreID, level, patterns, t); err != nil {
			return err
		}
	}
	return nil
}

// open creates and, for automated types, executes one intervention.
func (e *Engine) open(ctx context.Context, tutorID, riskScoreID string, level model.RiskLevel, patterns rules.Patterns, t model.InterventionType) error {
	now := e.now().UTC()

	if t == model.InterventionAutomatedCoaching {
		last, err := e.store.LastCreatedAt(ctx, tutorID, t)
		if err != nil {
			return fmt.Errorf("load coaching history for %s: %w", tutorID, err)
		}
		if !last.IsZero() && now.Sub(last) < e.coachingCooldown {
			metrics.RecordInterventionSkipped(string(t), "rate_limited")
			return nil
		}
	}

	iv := &model.Intervention{
		ID:            uuid.NewString(),
		TutorID:       tutorID,
		Type:          t,
		TriggerReason: triggerReason(level, patterns, t),
		RiskScoreID:   riskScoreID,
		RecommendedAt: now,
		Status:        model.StatusPending,
		DueAt:         now.Add(e.sla(t)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	created, err := e.store.CreateIfAbsent(ctx, iv)
	if err != nil {
		return fmt.Errorf("create %s for %s: %w", t, tutorID, err)
	}
	if !created {
		metrics.RecordInterventionSkipped(string(t), "duplicate")
		return nil
	}
	metrics.RecordInterventionCreated(string(t))
	e.logger.Info(ctx, "intervention opened",
		logger.String("tutorID", tutorID),
		logger.String("type", string(t)),
		logger.String("reason", iv.TriggerReason),
	)

	if rules.Automated(t) {
		e.execute(ctx, iv)
	}
	return nil
}

// execute dispatches an automated intervention's notification and
// settles its terminal status. Dispatch failures are retried with
// backoff; after the final failure the intervention is cancelled with
// the failure noted so a human can follow up.
func (e *Engine) execute(ctx context.Context, iv *model.Intervention) {
	payload := map[string]any{
		"intervention_id": iv.ID,
		"tutor_id":        iv.TutorID,
		"reason":          iv.TriggerReason,
		"due_at":          iv.DueAt,
	}

	err := supervisor.Retry(ctx, e.retryPolicy, "notify."+string(iv.Type), func(ctx context.Context) error {
		metrics.RecordNotificationDispatch()
		if sendErr := e.notifier.Send(ctx, iv.TutorID, rules.Template(iv.Type), payload); sendErr != nil {
			metrics.RecordNotificationFailure()
			return sendErr
		}
		return nil
	})

	now := e.now().UTC()
	if err != nil {
		iv.Status = model.StatusCancelled
		iv.Notes = fmt.Sprintf("notification dispatch failed: %v", err)
	} else {
		iv.Status = model.StatusCompleted
		iv.CompletedAt = &now
	}
	iv.UpdatedAt = now

	if updateErr := e.store.Update(ctx, iv); updateErr != nil {
		// A human changed the row first; their transition wins.
		e.logger.Warn(ctx, "automated settle lost to concurrent update",
			logger.String("interventionID", iv.ID),
			logger.Error(updateErr),
		)
	}
	if err != nil {
		e.logger.Error(ctx, "automated intervention cancelled",
			logger.String("interventionID", iv.ID),
			logger.String("type", string(iv.Type)),
			logger.Error(err),
		)
	}
}

// sla returns the deadline budget for a type, honoring overrides.
func (e *Engine) sla(t model.InterventionType) time.Duration {
	if d, ok := e.slaOverrides[t]; ok {
		return d
	}
	return rules.SLA(t)
}

// triggerReason renders the audit string stored on the intervention.
func triggerReason(level model.RiskLevel, patterns rules.Patterns, t model.InterventionType) string {
	switch t {
	case model.InterventionFirstSessionCheck:
		return rules.PatternPoorFirstSession
	case model.InterventionRescheduleAlert:
		if patterns.HighReschedule {
			return rules.PatternHighReschedule
		}
	case model.InterventionPeerMentoring:
		if patterns.NoShowRisk {
			return rules.PatternNoShowRisk
		}
	case model.InterventionRecognition:
		return "sustained_high_performance"
	}
	return "risk_level_" + string(level)
}
