// Package metricscalc computes rolling-window performance metrics from
// session facts.
//
// Computation is a pure function of the fact set: it always rescans the
// full window instead of applying incremental deltas, which makes the
// result independent of event arrival order and immune to double
// processing after redelivery.
package metricscalc

import (
	"time"

	"github.com/tutorhq/retention/internal/domain/model"
)

// Thresholds for considering a first session successful.
const (
	firstSessionMaxLateMinutes = 10.0
	firstSessionMinRating      = 4
)

// Tier composite weights. The composite is a 0..100 blend of the window
// metrics used only for tier assignment.
const (
	tierWeightRating       = 0.30
	tierWeightEngagement   = 0.25
	tierWeightObjectives   = 0.20
	tierWeightFirstSession = 0.15
	tierWeightReliability  = 0.10
)

// Fixed absolute tier thresholds on the composite.
const (
	tierExemplaryMin      = 85.0
	tierStrongMin         = 65.0
	tierDevelopingMin     = 40.0
	tierNeedsAttentionMin = 20.0
)

// Compute builds a snapshot for one tutor and window from the given
// facts. Facts outside the window (relative to asOf) are ignored, so
// callers may pass a superset. The returned snapshot has no ID; the
// caller assigns one before persisting.
func Compute(tutorID string, window model.Window, asOf time.Time, facts []model.SessionEvent) model.MetricSnapshot {
	cutoff := asOf.Add(-window.Duration())

	var (
		total         int
		completed     int
		noShows       int
		reschedules   int
		ratingSum     float64
		ratingCount   int
		engagementSum float64
		objectivesMet int
		lateSum       float64
		firstTotal    int
		firstSuccess  int
	)

	for _, e := range facts {
		if e.TutorID != tutorID || e.ActualStart.Before(cutoff) || e.ActualStart.After(asOf) {
			continue
		}
		total++
		if e.NoShow {
			noShows++
		} else {
			completed++
			engagementSum += e.EngagementScore
			lateSum += e.LateStartMinutes
			if e.ObjectivesMet {
				objectivesMet++
			}
		}
		if e.Rescheduled {
			reschedules++
		}
		if e.Rating != nil {
			ratingSum += float64(*e.Rating)
			ratingCount++
		}
		if e.FirstSession() {
			firstTotal++
			if firstSessionSuccessful(e) {
				firstSuccess++
			}
		}
	}

	snap := model.MetricSnapshot{
		TutorID:           tutorID,
		Window:            window,
		CalculatedAt:      asOf,
		SessionsCompleted: completed,
		NoShowCount:       noShows,
	}

	if ratingCount > 0 {
		snap.AverageRating = ratingSum / float64(ratingCount)
	}
	snap.FirstSessionCount = firstTotal
	if firstTotal > 0 {
		snap.FirstSessionSuccessRate = float64(firstSuccess) / float64(firstTotal)
	}
	if total > 0 {
		snap.RescheduleRate = float64(reschedules) / float64(total)
	}
	if completed > 0 {
		snap.EngagementScore = engagementSum / float64(completed)
		snap.ObjectivesMetRate = float64(objectivesMet) / float64(completed)
		snap.AvgResponseMinutes = lateSum / float64(completed)
	}

	snap.Tier = assignTier(snap)
	return snap
}

// firstSessionSuccessful applies the fixed first-session quality bar: the
// tutor showed up roughly on time, objectives were met, and any linked
// rating was good.
func firstSessionSuccessful(e model.SessionEvent) bool {
	if e.NoShow || !e.ObjectivesMet {
		return false
	}
	if e.LateStartMinutes > firstSessionMaxLateMinutes {
		return false
	}
	if e.Rating != nil && *e.Rating < firstSessionMinRating {
		return false
	}
	return true
}

// assignTier maps a snapshot to the five-level ordinal using fixed
// absolute thresholds on a weighted composite. A tutor with no
// completed sessions in the window has effectively gone inactive and
// lands in the lowest tier.
func assignTier(snap model.MetricSnapshot) model.Tier {
	if snap.SessionsCompleted == 0 {
		return model.TierAtRisk
	}

	// Rating is 1..5; rescale to 0..100. A window with no ratings
	// contributes the midpoint rather than zero.
	ratingScore := 60.0
	if snap.AverageRating > 0 {
		ratingScore = (snap.AverageRating - 1) / 4 * 100
	}

	reliability := 100.0 * (1 - snap.RescheduleRate)
	if snap.NoShowCount > 0 {
		reliability -= 25 * float64(snap.NoShowCount)
	}
	if reliability < 0 {
		reliability = 0
	}

	composite := tierWeightRating*ratingScore +
		tierWeightEngagement*snap.EngagementScore*100 +
		tierWeightObjectives*snap.ObjectivesMetRate*100 +
		tierWeightFirstSession*firstSessionScore(snap)*100 +
		tierWeightReliability*reliability

	switch {
	case composite >= tierExemplaryMin:
		return model.TierExemplary
	case composite >= tierStrongMin:
		return model.TierStrong
	case composite >= tierDevelopingMin:
		return model.TierDeveloping
	case composite >= tierNeedsAttentionMin:
		return model.TierNeedsAttention
	default:
		return model.TierAtRisk
	}
}

// firstSessionScore treats a window with no first sessions as neutral
// so that tutors without new students are not penalized.
func firstSessionScore(snap model.MetricSnapshot) float64 {
	if snap.FirstSessionCount == 0 {
		return 0.5
	}
	return snap.FirstSessionSuccessRate
}
