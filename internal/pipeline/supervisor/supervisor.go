// Package supervisor watches the pipeline: it runs the safety-net
// sweep, samples stream backlogs and exposes the health surface the
// readiness endpoint serves.
package supervisor

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/tutorhq/retention/internal/adapters/bus"
	"github.com/tutorhq/retention/internal/adapters/repository"
	"github.com/tutorhq/retention/pkg/logger"
	"github.com/tutorhq/retention/pkg/metrics"
)

// Recomputer recomputes one tutor's snapshots on demand.
type Recomputer interface {
	Recompute(ctx context.Context, tutorID string) error
}

// Supervisor owns the sweep scheduler and the backlog sampler.
type Supervisor struct {
	bus        bus.Bus
	tutors     repository.TutorReader
	recomputer Recomputer
	health     *Health

	group         string
	sweepInterval time.Duration

	scheduler *gocron.Scheduler
	logger    logger.Logger
}

// Option applies a configuration option to the Supervisor.
type Option func(*Supervisor)

// WithSweepInterval sets how often the safety-net sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// New creates a Supervisor.
func New(b bus.Bus, tutors repository.TutorReader, recomputer Recomputer, health *Health, group string, opts ...Option) *Supervisor {
	s := &Supervisor{
		bus:           b,
		tutors:        tutors,
		recomputer:    recomputer,
		health:        health,
		group:         group,
		sweepInterval: 15 * time.Minute,
		scheduler:     gocron.NewScheduler(time.UTC),
		logger:        logger.Get().Named("supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the sweep and the backlog sampler. Jobs run until
// Stop is called; ctx bounds the work done by each job run.
func (s *Supervisor) Start(ctx context.Context) error {
	if _, err := s.scheduler.Every(s.sweepInterval).Do(func() { s.sweep(ctx) }); err != nil {
		return err
	}
	if _, err := s.scheduler.Every(30 * time.Second).Do(func() { s.sampleBacklogs(ctx) }); err != nil {
		return err
	}
	s.scheduler.StartAsync()
	return nil
}

// Stop halts the scheduled jobs. Running jobs finish their current run.
func (s *Supervisor) Stop() {
	s.scheduler.Stop()
}

// HealthSurface returns the health tracker the supervisor maintains.
func (s *Supervisor) HealthSurface() *Health {
	return s.health
}

// sweep recomputes every active tutor, catching any update a dropped
// event or crashed debounce timer may have missed.
func (s *Supervisor) sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.RecordSweepLatency(float64(time.Since(start).Milliseconds()))
	}()

	ids, err := s.tutors.ActiveTutorIDs(ctx)
	if err != nil {
		metrics.RecordErrorByStage("supervisor", "sweep")
		s.health.Failed("supervisor")
		s.logger.Error(ctx, "sweep could not list tutors", logger.Error(err))
		return
	}

	failed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := s.recomputer.Recompute(ctx, id); err != nil {
			failed++
			s.logger.Warn(ctx, "sweep recompute failed",
				logger.String("tutorID", id),
				logger.Error(err),
			)
		}
	}

	metrics.RecordSweepRun()
	s.logger.Info(ctx, "sweep finished",
		logger.Int("tutors", len(ids)),
		logger.Int("failed", failed),
		logger.Duration("took", time.Since(start)),
	)
}

// sampleBacklogs publishes per-stream pending depths to the health
// surface and the metrics manager.
func (s *Supervisor) sampleBacklogs(ctx context.Context) {
	for stage, stream := range map[string]string{
		"aggregator": bus.StreamSessions,
		"scorer":     bus.StreamMetrics,
		"engine":     bus.StreamRisk,
	} {
		depth, err := s.bus.Backlog(ctx, stream, s.group)
		if err != nil {
			s.logger.Debug(ctx, "backlog sample failed",
				logger.String("stream", stream),
				logger.Error(err),
			)
			continue
		}
		s.health.SetBacklog(stage, depth)
		metrics.UpdateBusBacklogDepth(stream, depth)
	}
}
