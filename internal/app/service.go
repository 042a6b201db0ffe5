// Package service wires the retention pipeline together and exposes
// the operations the HTTP API depends on.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/tutorhq/retention/internal/adapters/bus"
	"github.com/tutorhq/retention/internal/adapters/notify"
	"github.com/tutorhq/retention/internal/adapters/repository"
	"github.com/tutorhq/retention/internal/config"
	"github.com/tutorhq/retention/internal/domain/model"
	"github.com/tutorhq/retention/internal/pipeline/aggregator"
	"github.com/tutorhq/retention/internal/pipeline/engine"
	"github.com/tutorhq/retention/internal/pipeline/scorer"
	"github.com/tutorhq/retention/internal/pipeline/supervisor"
	"github.com/tutorhq/retention/pkg/logger"
)

// Service owns the pipeline stages and their shared infrastructure.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config

	// Injected overrides; nil means build from config on Start.
	bus      bus.Bus
	store    repository.Store
	notifier engine.Notifier

	aggregator *aggregator.Aggregator
	scorer     *scorer.Scorer
	engine     *engine.Engine
	supervisor *supervisor.Supervisor
	health     *supervisor.Health

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithBus injects a bus, bypassing the config-driven choice.
func WithBus(b bus.Bus) Option {
	return func(s *Service) {
		if b != nil {
			s.bus = b
		}
	}
}

// WithStore injects a store, bypassing the config-driven choice.
func WithStore(st repository.Store) Option {
	return func(s *Service) {
		if st != nil {
			s.store = st
		}
	}
}

// WithNotifier injects the notification channel.
func WithNotifier(n engine.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Service from configuration.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{
		cfg:    cfg,
		health: supervisor.NewHealth(2 * cfg.SweepInterval),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds the pipeline and launches every stage.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}

	if err := s.buildInfra(ctx); err != nil {
		return err
	}

	consumer := s.cfg.ConsumerName
	if consumer == "" {
		consumer = "retentiond"
	}

	s.aggregator = aggregator.New(s.bus, s.store, s.cfg.ConsumerGroup,
		aggregator.WithConsumerName(consumer),
		aggregator.WithBatchSize(s.cfg.ConsumeBatchSize),
		aggregator.WithBlockTimeout(s.cfg.BlockTimeout),
		aggregator.WithDebounceInterval(s.cfg.DebounceInterval),
		aggregator.WithPollCallback(func() { s.health.Polled("aggregator") }),
		aggregator.WithErrorCallback(func() { s.health.Failed("aggregator") }),
	)
	s.scorer = scorer.New(s.bus, s.store, s.cfg.ConsumerGroup,
		scorer.WithConsumerName(consumer),
		scorer.WithBatchSize(s.cfg.ConsumeBatchSize),
		scorer.WithBlockTimeout(s.cfg.BlockTimeout),
		scorer.WithModelVersion(s.cfg.ModelVersion),
		scorer.WithPollCallback(func() { s.health.Polled("scorer") }),
		scorer.WithErrorCallback(func() { s.health.Failed("scorer") }),
	)
	s.engine = engine.New(s.bus, s.store, s.notifier, s.cfg.ConsumerGroup,
		engine.WithConsumerName(consumer),
		engine.WithBatchSize(s.cfg.ConsumeBatchSize),
		engine.WithBlockTimeout(s.cfg.BlockTimeout),
		engine.WithCoachingCooldown(s.cfg.CoachingTipCooldown),
		engine.WithSLAOverrides(slaOverrides(s.cfg.SLAOverrides)),
		engine.WithRetryPolicy(supervisor.RetryPolicy{
			Attempts:  s.cfg.RetryAttempts,
			BaseDelay: s.cfg.RetryBaseDelay,
			MaxDelay:  s.cfg.RetryMaxDelay,
		}),
		engine.WithPollCallback(func() { s.health.Polled("engine") }),
		engine.WithErrorCallback(func() { s.health.Failed("engine") }),
	)
	s.supervisor = supervisor.New(s.bus, s.store, s.aggregator, s.health, s.cfg.ConsumerGroup,
		supervisor.WithSweepInterval(s.cfg.SweepInterval),
	)

	for _, stage := range []string{"aggregator", "scorer", "engine"} {
		s.health.Register(stage)
		s.health.Polled(stage)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	workers := s.cfg.WorkerCount
	if workers < 1 {
		workers = runtime.NumCPU() * 2
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.aggregator.Run(runCtx)
		}()
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.scorer.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.engine.Run(runCtx)
	}()

	if err := s.supervisor.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start supervisor: %w", err)
	}

	s.started = true
	s.logger.Info(ctx, "retention service started",
		logger.Int("workers", workers),
		logger.String("group", s.cfg.ConsumerGroup),
		logger.String("consumer", consumer),
	)
	return nil
}

// slaOverrides converts the config's string-keyed SLA table.
func slaOverrides(in map[string]time.Duration) map[model.InterventionType]time.Duration {
	out := make(map[model.InterventionType]time.Duration, len(in))
	for name, d := range in {
		out[model.InterventionType(name)] = d
	}
	return out
}

// buildInfra selects the bus, store and notifier from config unless
// injected.
func (s *Service) buildInfra(ctx context.Context) error {
	if s.bus == nil {
		if s.cfg.RedisAddr != "" {
			rb, err := bus.NewRedisBus(ctx, s.cfg.RedisAddr,
				bus.WithVisibilityTimeout(s.cfg.VisibilityTimeout),
				bus.WithMaxDeliveries(s.cfg.MaxDeliveries),
			)
			if err != nil {
				return fmt.Errorf("connect redis bus: %w", err)
			}
			s.bus = rb
			s.logger.Info(ctx, "using redis bus", logger.String("addr", s.cfg.RedisAddr))
		} else {
			s.bus = bus.NewMemoryBus(
				bus.WithVisibilityTimeout(s.cfg.VisibilityTimeout),
				bus.WithMaxDeliveries(s.cfg.MaxDeliveries),
			)
			s.logger.Info(ctx, "using in-memory bus")
		}
	}
	if s.store == nil {
		if s.cfg.PostgresDSN != "" {
			ps, err := repository.NewPostgresStore(ctx, s.cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect postgres store: %w", err)
			}
			s.store = ps
			s.logger.Info(ctx, "using postgres store")
		} else {
			s.store = repository.NewMemoryStore()
			s.logger.Info(ctx, "using in-memory store")
		}
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier()
	}
	return nil
}

// Stop drains and shuts down the pipeline. Pending debounce timers are
// flushed within the configured grace period so buffered work is not
// lost.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping retention service...")

	s.supervisor.Stop()
	s.cancel()
	s.wg.Wait()

	flushCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	s.aggregator.Drain(flushCtx)
	cancel()

	if closer, ok := s.bus.(interface{ Close() error }); ok {
		_ = closer.Close()
	}

	s.started = false
	s.logger.Info(ctx, "retention service stopped")
}

// Health exposes the supervisor's health surface.
func (s *Service) Health() *supervisor.Health {
	return s.health
}

// IngestSessionEvent publishes a session event onto the bus. Exposed
// for the ingest endpoint and local tooling.
func (s *Service) IngestSessionEvent(ctx context.Context, e model.SessionEvent) error {
	if e.TutorID == "" {
		return errors.New("session event requires a tutor id")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode session event: %w", err)
	}
	if _, err := s.bus.Publish(ctx, bus.StreamSessions, payload); err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}
	return nil
}

// GetLatestMetrics returns the tutor's most recent snapshot per window.
func (s *Service) GetLatestMetrics(ctx context.Context, tutorID string) (map[model.Window]model.MetricSnapshot, error) {
	return s.store.LatestSnapshots(ctx, tutorID)
}

// GetLatestRiskScore returns the tutor's most recent risk score.
func (s *Service) GetLatestRiskScore(ctx context.Context, tutorID string) (model.RiskScore, error) {
	return s.store.LatestRiskScore(ctx, tutorID)
}

// ListInterventions returns interventions matching the filter.
func (s *Service) ListInterventions(ctx context.Context, f repository.Filter) ([]model.Intervention, error) {
	return s.store.List(ctx, f)
}

// AssignIntervention moves a pending intervention to in_progress under
// the named assignee.
func (s *Service) AssignIntervention(ctx context.Context, id, assignee string) (model.Intervention, error) {
	if assignee == "" {
		return model.Intervention{}, errors.New("assignee is required")
	}
	iv, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Intervention{}, err
	}
	if iv.Status != model.StatusPending {
		return model.Intervention{}, fmt.Errorf("%w: cannot assign %s intervention", repository.ErrInvalidTransition, iv.Status)
	}
	iv.Status = model.StatusInProgress
	iv.Assignee = &assignee
	iv.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, &iv); err != nil {
		return model.Intervention{}, err
	}
	return iv, nil
}

// RecordOutcome completes an in-progress intervention with an outcome.
func (s *Service) RecordOutcome(ctx context.Context, id string, outcome model.InterventionOutcome, notes string) (model.Intervention, error) {
	switch outcome {
	case model.OutcomeImproved, model.OutcomeNoChange, model.OutcomeDeclined, model.OutcomeChurned:
	default:
		return model.Intervention{}, fmt.Errorf("unknown outcome %q", outcome)
	}
	iv, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Intervention{}, err
	}
	if iv.Status != model.StatusInProgress {
		return model.Intervention{}, fmt.Errorf("%w: cannot complete %s intervention", repository.ErrInvalidTransition, iv.Status)
	}
	now := time.Now().UTC()
	iv.Status = model.StatusCompleted
	iv.CompletedAt = &now
	iv.Outcome = &outcome
	if notes != "" {
		iv.Notes = notes
	}
	iv.UpdatedAt = now
	if err := s.store.Update(ctx, &iv); err != nil {
		return model.Intervention{}, err
	}
	return iv, nil
}
