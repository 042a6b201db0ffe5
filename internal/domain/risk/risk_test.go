package risk_test

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/tutorhq/retention/internal/domain/model"
	"github.com/tutorhq/retention/internal/domain/risk"
)

// healthySnapshots models a long-tenured tutor with steady volume and
// quality: every sub-score should come out zero.
func healthySnapshots() map[model.Window]model.MetricSnapshot {
	return map[model.Window]model.MetricSnapshot{
		model.Window7Day: {
			SessionsCompleted: 7,
			AverageRating:     4.8,
			EngagementScore:   0.8,
		},
		model.Window30Day: {
			SessionsCompleted:       30,
			AverageRating:           4.8,
			EngagementScore:         0.8,
			FirstSessionCount:       3,
			FirstSessionSuccessRate: 1.0,
		},
		model.Window90Day: {
			SessionsCompleted: 90,
			AverageRating:     4.8,
			EngagementScore:   0.8,
		},
	}
}

func TestWeightedScorer(t *testing.T) {
	ctx := context.Background()
	scorer := risk.NewWeightedScorer()

	Convey("Given a healthy long-tenured tutor", t, func() {
		in := risk.Input{
			TutorID:    "tutor-1",
			TenureKnown: true, TenureDays: 400,
			Snapshots:  healthySnapshots(),
		}

		Convey("When scoring", func() {
			result, err := scorer.Score(ctx, in)
			So(err, ShouldBeNil)

			Convey("Then the composite is zero and the level is Low", func() {
				So(result.Composite, ShouldEqual, 0)
				So(result.Level, ShouldEqual, model.RiskLow)
			})

			Convey("And every horizon probability is zero", func() {
				So(result.Horizon1Day, ShouldEqual, 0)
				So(result.Horizon7Day, ShouldEqual, 0)
				So(result.Horizon30Day, ShouldEqual, 0)
				So(result.Horizon90Day, ShouldEqual, 0)
			})
		})

		Convey("When scoring twice", func() {
			a, err := scorer.Score(ctx, in)
			So(err, ShouldBeNil)
			b, err := scorer.Score(ctx, in)
			So(err, ShouldBeNil)

			Convey("Then the results are identical", func() {
				So(b, ShouldResemble, a)
			})
		})
	})

	Convey("Given a tutor inactive across the whole 90-day window", t, func() {
		snaps := healthySnapshots()
		long := snaps[model.Window90Day]
		long.SessionsCompleted = 0
		snaps[model.Window90Day] = long

		in := risk.Input{TutorID: "tutor-2", TenureKnown: true, TenureDays: 20, Snapshots: snaps}
		result, err := scorer.Score(ctx, in)
		So(err, ShouldBeNil)

		Convey("Then engagement decline contributes its full weight", func() {
			So(result.Factors[risk.FactorEngagementDecline], ShouldEqual, 25.0)
		})

		Convey("And early tenure adds to the composite", func() {
			So(result.Factors[risk.FactorTenureRisk], ShouldEqual, 8.0)
			So(result.Composite, ShouldBeGreaterThan, 25)
			So(result.Level, ShouldEqual, model.RiskMedium)
		})
	})

	Convey("Given a tutor with every warning sign at once", t, func() {
		snaps := map[model.Window]model.MetricSnapshot{
			model.Window7Day: {
				SessionsCompleted: 4,
				AverageRating:     2.0,
				EngagementScore:   0.2,
				RescheduleRate:    1.0,
				NoShowCount:       3,
			},
			model.Window30Day: {
				SessionsCompleted:       20,
				FirstSessionCount:       4,
				FirstSessionSuccessRate: 0,
			},
			model.Window90Day: {
				SessionsCompleted: 90,
				AverageRating:     4.5,
				EngagementScore:   0.8,
			},
		}
		in := risk.Input{TutorID: "tutor-3", TenureKnown: true, TenureDays: 15, Snapshots: snaps}
		result, err := scorer.Score(ctx, in)
		So(err, ShouldBeNil)

		Convey("Then the composite is high but clamped to 100", func() {
			So(result.Composite, ShouldBeGreaterThan, 75)
			So(result.Composite, ShouldBeLessThanOrEqualTo, 100)
			So(result.Level, ShouldEqual, model.RiskCritical)
		})

		Convey("And every horizon probability stays within 0..1", func() {
			for _, h := range []float64{result.Horizon1Day, result.Horizon7Day, result.Horizon30Day, result.Horizon90Day} {
				So(h, ShouldBeGreaterThanOrEqualTo, 0)
				So(h, ShouldBeLessThanOrEqualTo, 1)
			}
		})

		Convey("And the factor contributions sum to the composite", func() {
			sum := 0.0
			for _, v := range result.Factors {
				sum += v
			}
			So(sum, ShouldBeGreaterThanOrEqualTo, result.Composite)
		})
	})

	Convey("Given an established tutor with no new students this month", t, func() {
		snaps := healthySnapshots()
		mid := snaps[model.Window30Day]
		mid.FirstSessionCount = 0
		mid.FirstSessionSuccessRate = 0
		snaps[model.Window30Day] = mid

		in := risk.Input{TutorID: "tutor-6", TenureKnown: true, TenureDays: 400, Snapshots: snaps}
		result, err := scorer.Score(ctx, in)
		So(err, ShouldBeNil)

		Convey("Then first-session quality is neutral, not a failure", func() {
			So(result.Factors[risk.FactorFirstSessionQuality], ShouldEqual, 0)
			So(result.Composite, ShouldEqual, 0)
		})
	})

	Convey("Given a brand-new tutor with no snapshots", t, func() {
		in := risk.Input{TutorID: "tutor-4", TenureKnown: true, TenureDays: 5}
		result, err := scorer.Score(ctx, in)
		So(err, ShouldBeNil)

		Convey("Then only tenure contributes", func() {
			So(result.Factors[risk.FactorTenureRisk], ShouldEqual, 8.0)
			So(result.Composite, ShouldEqual, 8.0)
			So(result.Level, ShouldEqual, model.RiskLow)
		})
	})

	Convey("Given a cancelled context", t, func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		Convey("When scoring", func() {
			_, err := scorer.Score(cancelled, risk.Input{TutorID: "tutor-5"})

			Convey("Then the cancellation propagates", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})
}

func TestScoreDeterminism(t *testing.T) {
	ctx := context.Background()
	scorer := risk.NewWeightedScorer()

	Convey("Given an input with every factor contributing a fraction", t, func() {
		in := risk.Input{
			TutorID:     "tutor-1",
			TenureKnown: true, TenureDays: 60,
			Snapshots: map[model.Window]model.MetricSnapshot{
				model.Window7Day: {
					SessionsCompleted: 3,
					AverageRating:     4.1,
					EngagementScore:   0.55,
					RescheduleRate:    0.25,
					NoShowCount:       1,
				},
				model.Window30Day: {
					SessionsCompleted:       22,
					FirstSessionCount:       3,
					FirstSessionSuccessRate: 0.67,
				},
				model.Window90Day: {
					SessionsCompleted: 70,
					AverageRating:     4.6,
					EngagementScore:   0.71,
				},
			},
		}

		Convey("When scoring the same input many times", func() {
			first, err := scorer.Score(ctx, in)
			So(err, ShouldBeNil)

			// Bit-for-bit equality; the summation order is fixed, so
			// float rounding cannot drift between calls.
			for i := 0; i < 500; i++ {
				got, err := scorer.Score(ctx, in)
				So(err, ShouldBeNil)
				So(got.Composite, ShouldEqual, first.Composite)
				So(got.Horizon1Day, ShouldEqual, first.Horizon1Day)
				So(got.Horizon7Day, ShouldEqual, first.Horizon7Day)
				So(got.Horizon30Day, ShouldEqual, first.Horizon30Day)
				So(got.Horizon90Day, ShouldEqual, first.Horizon90Day)
			}
		})
	})
}

func TestLevelBoundaries(t *testing.T) {
	Convey("Given the fixed bucket boundaries", t, func() {
		cases := []struct {
			score float64
			level model.RiskLevel
		}{
			{0, model.RiskLow},
			{25, model.RiskLow},
			{25.01, model.RiskMedium},
			{50, model.RiskMedium},
			{50.01, model.RiskHigh},
			{75, model.RiskHigh},
			{75.01, model.RiskCritical},
			{100, model.RiskCritical},
		}
		for _, tc := range cases {
			So(model.LevelForScore(tc.score), ShouldEqual, tc.level)
		}
	})
}
