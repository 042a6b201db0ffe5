package metricscalc_test

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/tutorhq/retention/internal/domain/metricscalc"
	"github.com/tutorhq/retention/internal/domain/model"
)

func ratingOf(r int) *int { return &r }

func sessionAt(tutorID string, start time.Time) model.SessionEvent {
	return model.SessionEvent{
		EventID:         "evt-" + start.Format(time.RFC3339Nano),
		TutorID:         tutorID,
		StudentID:       "student-1",
		SessionNumber:   2,
		ScheduledStart:  start,
		ActualStart:     start,
		DurationMinutes: 60,
		EngagementScore: 0.8,
		ObjectivesMet:   true,
		Rating:          ratingOf(5),
	}
}

func TestCompute(t *testing.T) {
	asOf := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	Convey("Given a set of session facts for one tutor", t, func() {
		facts := []model.SessionEvent{
			sessionAt("tutor-1", asOf.Add(-24*time.Hour)),
			sessionAt("tutor-1", asOf.Add(-48*time.Hour)),
			sessionAt("tutor-1", asOf.Add(-72*time.Hour)),
		}

		Convey("When computing the 7-day snapshot", func() {
			snap := metricscalc.Compute("tutor-1", model.Window7Day, asOf, facts)

			Convey("Then it counts completed sessions and averages", func() {
				So(snap.SessionsCompleted, ShouldEqual, 3)
				So(snap.AverageRating, ShouldEqual, 5.0)
				So(snap.EngagementScore, ShouldAlmostEqual, 0.8, 1e-9)
				So(snap.ObjectivesMetRate, ShouldEqual, 1.0)
				So(snap.NoShowCount, ShouldEqual, 0)
				So(snap.RescheduleRate, ShouldEqual, 0)
			})

			Convey("And a consistently good tutor lands in a top tier", func() {
				So(snap.Tier, ShouldBeIn, []model.Tier{model.TierExemplary, model.TierStrong})
			})
		})

		Convey("When facts arrive in a different order", func() {
			shuffled := []model.SessionEvent{facts[2], facts[0], facts[1]}
			a := metricscalc.Compute("tutor-1", model.Window7Day, asOf, facts)
			b := metricscalc.Compute("tutor-1", model.Window7Day, asOf, shuffled)

			Convey("Then the snapshots are identical", func() {
				So(b, ShouldResemble, a)
			})
		})

		Convey("When the same facts are processed twice", func() {
			a := metricscalc.Compute("tutor-1", model.Window7Day, asOf, facts)
			b := metricscalc.Compute("tutor-1", model.Window7Day, asOf, facts)

			Convey("Then the result does not drift", func() {
				So(b, ShouldResemble, a)
			})
		})
	})

	Convey("Given facts older than the window", t, func() {
		facts := []model.SessionEvent{
			sessionAt("tutor-1", asOf.Add(-10*24*time.Hour)),
			sessionAt("tutor-1", asOf.Add(-24*time.Hour)),
		}

		Convey("When computing the 7-day snapshot", func() {
			snap := metricscalc.Compute("tutor-1", model.Window7Day, asOf, facts)

			Convey("Then only in-window facts count", func() {
				So(snap.SessionsCompleted, ShouldEqual, 1)
			})
		})

		Convey("When computing the 30-day snapshot", func() {
			snap := metricscalc.Compute("tutor-1", model.Window30Day, asOf, facts)

			Convey("Then both facts count", func() {
				So(snap.SessionsCompleted, ShouldEqual, 2)
			})
		})
	})

	Convey("Given facts for a different tutor", t, func() {
		facts := []model.SessionEvent{
			sessionAt("tutor-2", asOf.Add(-24*time.Hour)),
		}

		Convey("When computing for tutor-1", func() {
			snap := metricscalc.Compute("tutor-1", model.Window7Day, asOf, facts)

			Convey("Then nothing is counted", func() {
				So(snap.SessionsCompleted, ShouldEqual, 0)
			})
		})
	})

	Convey("Given no sessions in the window", t, func() {
		snap := metricscalc.Compute("tutor-1", model.Window7Day, asOf, nil)

		Convey("Then the tutor lands in the lowest tier", func() {
			So(snap.Tier, ShouldEqual, model.TierAtRisk)
			So(snap.SessionsCompleted, ShouldEqual, 0)
			So(snap.AverageRating, ShouldEqual, 0)
		})
	})

	Convey("Given a window with no-shows and reschedules", t, func() {
		good := sessionAt("tutor-1", asOf.Add(-24*time.Hour))
		noShow := sessionAt("tutor-1", asOf.Add(-48*time.Hour))
		noShow.NoShow = true
		noShow.Rating = nil
		noShow.ObjectivesMet = false
		rescheduled := sessionAt("tutor-1", asOf.Add(-72*time.Hour))
		rescheduled.Rescheduled = true

		snap := metricscalc.Compute("tutor-1", model.Window7Day, asOf, []model.SessionEvent{good, noShow, rescheduled})

		Convey("Then no-shows are excluded from completion but counted", func() {
			So(snap.SessionsCompleted, ShouldEqual, 2)
			So(snap.NoShowCount, ShouldEqual, 1)
		})

		Convey("And the reschedule rate covers all scheduled sessions", func() {
			So(snap.RescheduleRate, ShouldAlmostEqual, 1.0/3.0, 1e-9)
		})
	})

	Convey("Given a mix of first sessions", t, func() {
		goodFirst := sessionAt("tutor-1", asOf.Add(-24*time.Hour))
		goodFirst.SessionNumber = 1
		badFirst := sessionAt("tutor-1", asOf.Add(-48*time.Hour))
		badFirst.SessionNumber = 1
		badFirst.Rating = ratingOf(2)

		snap := metricscalc.Compute("tutor-1", model.Window7Day, asOf, []model.SessionEvent{goodFirst, badFirst})

		Convey("Then the first-session success rate reflects the quality bar", func() {
			So(snap.FirstSessionCount, ShouldEqual, 2)
			So(snap.FirstSessionSuccessRate, ShouldAlmostEqual, 0.5, 1e-9)
		})
	})

	Convey("Given a veteran tutor with no first sessions in the window", t, func() {
		sessions := make([]model.SessionEvent, 0, 10)
		for i := 0; i < 10; i++ {
			e := sessionAt("tutor-1", asOf.Add(-time.Duration(i+1)*24*time.Hour))
			e.SessionNumber = i + 2
			sessions = append(sessions, e)
		}

		snap := metricscalc.Compute("tutor-1", model.Window7Day, asOf, sessions)

		Convey("Then the zero success rate carries a zero count", func() {
			So(snap.FirstSessionCount, ShouldEqual, 0)
			So(snap.FirstSessionSuccessRate, ShouldEqual, 0)
		})

		Convey("And the tier is not dragged down by the missing signal", func() {
			So(snap.Tier, ShouldEqual, model.TierExemplary)
		})
	})
}
