package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/tutorhq/retention/internal/adapters/repository"
	"github.com/tutorhq/retention/internal/domain/model"
	"github.com/tutorhq/retention/internal/pipeline/engine"
	"github.com/tutorhq/retention/internal/pipeline/supervisor"
)

const group = "retention-core"

// stubNotifier records sends and fails on demand.
type stubNotifier struct {
	mu       sync.Mutex
	sent     []string
	failNext int
}

func (n *stubNotifier) Send(ctx context.Context, tutorID, template string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failNext > 0 {
		n.failNext--
		return errors.New("delivery channel down")
	}
	n.sent = append(n.sent, template)
	return nil
}

func (n *stubNotifier) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func newEngine(store engine.Store, notifier engine.Notifier, now time.Time, opts ...engine.Option) *engine.Engine {
	base := []engine.Option{
		engine.WithClock(func() time.Time { return now }),
		engine.WithRetryPolicy(supervisor.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
	}
	return engine.New(nil, store, notifier, group, append(base, opts...)...)
}

func seedSnapshots(ctx context.Context, t *testing.T, store *repository.MemoryStore, tier model.Tier, engagement float64) {
	t.Helper()
	asOf := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	err := store.SaveSnapshots(ctx, []model.MetricSnapshot{
		{ID: "s7", TutorID: "tutor-1", Window: model.Window7Day, CalculatedAt: asOf},
		{ID: "s30", TutorID: "tutor-1", Window: model.Window30Day, CalculatedAt: asOf, EngagementScore: engagement},
		{ID: "s90", TutorID: "tutor-1", Window: model.Window90Day, CalculatedAt: asOf, Tier: tier},
	})
	if err != nil {
		t.Fatalf("seed snapshots: %v", err)
	}
}

func TestEngineEvaluate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	Convey("Given a medium-risk update with no patterns", t, func() {
		store := repository.NewMemoryStore()
		seedSnapshots(ctx, t, store, model.TierDeveloping, 0.5)
		notifier := &stubNotifier{}
		e := newEngine(store, notifier, now)

		Convey("When evaluated", func() {
			So(e.Evaluate(ctx, "tutor-1", "risk-1", model.RiskMedium), ShouldBeNil)

			Convey("Then the automated pair is created", func() {
				ivs, err := store.List(ctx, repository.Filter{})
				So(err, ShouldBeNil)
				So(ivs, ShouldHaveLength, 2)
			})

			Convey("And automated types complete immediately after dispatch", func() {
				st := model.StatusCompleted
				done, err := store.List(ctx, repository.Filter{Status: &st})
				So(err, ShouldBeNil)
				So(done, ShouldHaveLength, 2)
				So(notifier.sentCount(), ShouldEqual, 2)
				for _, iv := range done {
					So(iv.CompletedAt, ShouldNotBeNil)
					So(iv.RiskScoreID, ShouldEqual, "risk-1")
					So(iv.DueAt.After(iv.RecommendedAt), ShouldBeTrue)
				}
			})

			Convey("And re-evaluating the same update is a no-op for active rows", func() {
				So(e.Evaluate(ctx, "tutor-1", "risk-1", model.RiskMedium), ShouldBeNil)
				ivs, err := store.List(ctx, repository.Filter{})
				So(err, ShouldBeNil)
				// coaching is rate-limited; training re-fires since the
				// first one already completed
				So(len(ivs), ShouldBeLessThanOrEqualTo, 4)
			})
		})
	})

	Convey("Given a critical-risk update", t, func() {
		store := repository.NewMemoryStore()
		seedSnapshots(ctx, t, store, model.TierAtRisk, 0.2)
		notifier := &stubNotifier{}
		e := newEngine(store, notifier, now)

		Convey("When evaluated", func() {
			So(e.Evaluate(ctx, "tutor-1", "risk-1", model.RiskCritical), ShouldBeNil)

			Convey("Then human interventions stay pending with assignee unset", func() {
				st := model.StatusPending
				pending, err := store.List(ctx, repository.Filter{Status: &st})
				So(err, ShouldBeNil)

				types := map[model.InterventionType]bool{}
				for _, iv := range pending {
					So(iv.Assignee, ShouldBeNil)
					types[iv.Type] = true
				}
				So(types[model.InterventionManagerCoaching], ShouldBeTrue)
				So(types[model.InterventionPerformancePlan], ShouldBeTrue)
				So(types[model.InterventionRetentionInterview], ShouldBeTrue)
			})

			Convey("And a second evaluation creates no duplicate active rows", func() {
				st := model.StatusPending
				before, err := store.List(ctx, repository.Filter{Status: &st})
				So(err, ShouldBeNil)

				So(e.Evaluate(ctx, "tutor-1", "risk-2", model.RiskCritical), ShouldBeNil)
				after, err := store.List(ctx, repository.Filter{Status: &st})
				So(err, ShouldBeNil)
				So(after, ShouldHaveLength, len(before))
			})
		})
	})

	Convey("Given a recent automated coaching intervention", t, func() {
		store := repository.NewMemoryStore()
		seedSnapshots(ctx, t, store, model.TierDeveloping, 0.5)
		notifier := &stubNotifier{}
		e := newEngine(store, notifier, now, engine.WithCoachingCooldown(7*24*time.Hour))

		prior := &model.Intervention{
			ID:        "iv-prior",
			TutorID:   "tutor-1",
			Type:      model.InterventionAutomatedCoaching,
			Status:    model.StatusCompleted,
			CreatedAt: now.Add(-2 * 24 * time.Hour),
		}
		created, err := store.CreateIfAbsent(ctx, prior)
		So(err, ShouldBeNil)
		So(created, ShouldBeTrue)

		Convey("When a medium-risk update arrives inside the cooldown", func() {
			So(e.Evaluate(ctx, "tutor-1", "risk-1", model.RiskMedium), ShouldBeNil)

			Convey("Then no new coaching tip is created", func() {
				tutorID := "tutor-1"
				ivs, err := store.List(ctx, repository.Filter{TutorID: &tutorID})
				So(err, ShouldBeNil)

				coaching := 0
				for _, iv := range ivs {
					if iv.Type == model.InterventionAutomatedCoaching {
						coaching++
					}
				}
				So(coaching, ShouldEqual, 1)
			})
		})

		Convey("When the cooldown has lapsed", func() {
			later := newEngine(store, notifier, now.Add(8*24*time.Hour), engine.WithCoachingCooldown(7*24*time.Hour))
			So(later.Evaluate(ctx, "tutor-1", "risk-2", model.RiskMedium), ShouldBeNil)

			Convey("Then a fresh coaching tip goes out", func() {
				tutorID := "tutor-1"
				ivs, err := store.List(ctx, repository.Filter{TutorID: &tutorID})
				So(err, ShouldBeNil)

				coaching := 0
				for _, iv := range ivs {
					if iv.Type == model.InterventionAutomatedCoaching {
						coaching++
					}
				}
				So(coaching, ShouldEqual, 2)
			})
		})
	})

	Convey("Given a notifier that keeps failing", t, func() {
		store := repository.NewMemoryStore()
		seedSnapshots(ctx, t, store, model.TierDeveloping, 0.5)
		notifier := &stubNotifier{failNext: 100}
		e := newEngine(store, notifier, now)

		Convey("When a medium-risk update is evaluated", func() {
			So(e.Evaluate(ctx, "tutor-1", "risk-1", model.RiskMedium), ShouldBeNil)

			Convey("Then automated interventions end up cancelled with a note", func() {
				st := model.StatusCancelled
				cancelled, err := store.List(ctx, repository.Filter{Status: &st})
				So(err, ShouldBeNil)
				So(cancelled, ShouldHaveLength, 2)
				for _, iv := range cancelled {
					So(iv.Notes, ShouldContainSubstring, "notification dispatch failed")
					So(iv.CompletedAt, ShouldBeNil)
				}
			})
		})
	})

	Convey("Given a notifier that recovers on the retry", t, func() {
		store := repository.NewMemoryStore()
		seedSnapshots(ctx, t, store, model.TierDeveloping, 0.5)
		notifier := &stubNotifier{failNext: 1}
		e := newEngine(store, notifier, now)

		Convey("When a medium-risk update is evaluated", func() {
			So(e.Evaluate(ctx, "tutor-1", "risk-1", model.RiskMedium), ShouldBeNil)

			Convey("Then every automated intervention still completes", func() {
				st := model.StatusCompleted
				done, err := store.List(ctx, repository.Filter{Status: &st})
				So(err, ShouldBeNil)
				So(done, ShouldHaveLength, 2)
			})
		})
	})

	Convey("Given a low-risk update for a sustained high performer", t, func() {
		store := repository.NewMemoryStore()
		seedSnapshots(ctx, t, store, model.TierExemplary, 0.9)
		notifier := &stubNotifier{}
		e := newEngine(store, notifier, now)

		Convey("When evaluated", func() {
			So(e.Evaluate(ctx, "tutor-1", "risk-1", model.RiskLow), ShouldBeNil)

			Convey("Then a recognition touch is sent", func() {
				ivs, err := store.List(ctx, repository.Filter{})
				So(err, ShouldBeNil)
				So(ivs, ShouldHaveLength, 1)
				So(ivs[0].Type, ShouldEqual, model.InterventionRecognition)
				So(ivs[0].Status, ShouldEqual, model.StatusCompleted)
			})
		})
	})

	Convey("Given an SLA override for manager coaching", t, func() {
		store := repository.NewMemoryStore()
		seedSnapshots(ctx, t, store, model.TierAtRisk, 0.2)
		e := newEngine(store, &stubNotifier{}, now,
			engine.WithSLAOverrides(map[model.InterventionType]time.Duration{
				model.InterventionManagerCoaching: 24 * time.Hour,
			}),
		)

		Convey("When a critical update is evaluated", func() {
			So(e.Evaluate(ctx, "tutor-1", "risk-1", model.RiskCritical), ShouldBeNil)

			Convey("Then the override sets the deadline", func() {
				ivs, err := store.List(ctx, repository.Filter{})
				So(err, ShouldBeNil)
				for _, iv := range ivs {
					if iv.Type == model.InterventionManagerCoaching {
						So(iv.DueAt.Equal(now.Add(24*time.Hour)), ShouldBeTrue)
					}
				}
			})
		})
	})

	Convey("Given pattern-triggering session facts", t, func() {
		store := repository.NewMemoryStore()
		seedSnapshots(ctx, t, store, model.TierDeveloping, 0.5)
		for i := 0; i < 2; i++ {
			store.AddSessionFact(model.SessionEvent{
				EventID:       "evt-ns-" + string(rune('a'+i)),
				TutorID:       "tutor-1",
				SessionNumber: 3,
				ActualStart:   now.Add(-time.Duration(i+1) * 24 * time.Hour),
				NoShow:        true,
			})
		}
		notifier := &stubNotifier{}
		e := newEngine(store, notifier, now)

		Convey("When even a low-risk update arrives", func() {
			So(e.Evaluate(ctx, "tutor-1", "risk-1", model.RiskLow), ShouldBeNil)

			Convey("Then the detector opens peer mentoring regardless of level", func() {
				tutorID := "tutor-1"
				ivs, err := store.List(ctx, repository.Filter{TutorID: &tutorID})
				So(err, ShouldBeNil)
				So(ivs, ShouldHaveLength, 1)
				So(ivs[0].Type, ShouldEqual, model.InterventionPeerMentoring)
				So(ivs[0].TriggerReason, ShouldEqual, "no_show_risk")
			})
		})
	})
}
