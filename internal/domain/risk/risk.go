// Package risk computes composite churn risk from metric snapshots.
//
// Scoring is a pure function of its input for a given model version:
// identical snapshots always yield identical scores, so recomputation
// after redelivery or replay is safe and tests can assert exact output.
package risk

import (
	"context"

	"github.com/tutorhq/retention/internal/domain/model"
)

// Factor names used in the contributing-factor breakdown.
const (
	FactorEngagementDecline     = "engagement_decline"
	FactorPerformanceTrend      = "performance_trend"
	FactorReschedulePattern     = "reschedule_pattern"
	FactorFirstSessionQuality   = "first_session_quality"
	FactorNoShowRisk            = "no_show_risk"
	FactorTenureRisk            = "tenure_risk"
	FactorAvailabilityReduction = "availability_reduction"
)

// factorNames fixes the order factors are summed in. Float addition is
// not associative, so ranging over a map would let iteration order
// perturb the low bits of the composite between otherwise identical
// calls.
var factorNames = []string{ //nolint:gochecknoglobals // policy table
	FactorEngagementDecline,
	FactorPerformanceTrend,
	FactorReschedulePattern,
	FactorFirstSessionQuality,
	FactorNoShowRisk,
	FactorTenureRisk,
	FactorAvailabilityReduction,
}

// Composite weights. Policy constants, fixed at build time; they sum
// to 1.0.
var compositeWeights = map[string]float64{ //nolint:gochecknoglobals // policy table
	FactorEngagementDecline:     0.25,
	FactorPerformanceTrend:      0.20,
	FactorReschedulePattern:     0.15,
	FactorFirstSessionQuality:   0.15,
	FactorNoShowRisk:            0.10,
	FactorTenureRisk:            0.10,
	FactorAvailabilityReduction: 0.05,
}

// Per-horizon emphasis over the same sub-scores. Near horizons weigh
// immediate availability and no-show signals; far horizons weigh tenure
// and trend. Each row sums to 1.0.
var horizonEmphasis = map[int]map[string]float64{ //nolint:gochecknoglobals // policy table
	1: {
		FactorAvailabilityReduction: 0.30,
		FactorNoShowRisk:            0.25,
		FactorEngagementDecline:     0.20,
		FactorReschedulePattern:     0.15,
		FactorFirstSessionQuality:   0.05,
		FactorPerformanceTrend:      0.03,
		FactorTenureRisk:            0.02,
	},
	7: {
		FactorEngagementDecline:     0.25,
		FactorNoShowRisk:            0.20,
		FactorReschedulePattern:     0.20,
		FactorAvailabilityReduction: 0.15,
		FactorFirstSessionQuality:   0.10,
		FactorPerformanceTrend:      0.05,
		FactorTenureRisk:            0.05,
	},
	30: {
		FactorEngagementDecline:     0.25,
		FactorPerformanceTrend:      0.20,
		FactorReschedulePattern:     0.15,
		FactorFirstSessionQuality:   0.15,
		FactorNoShowRisk:            0.10,
		FactorTenureRisk:            0.10,
		FactorAvailabilityReduction: 0.05,
	},
	90: {
		FactorTenureRisk:            0.25,
		FactorPerformanceTrend:      0.25,
		FactorEngagementDecline:     0.20,
		FactorFirstSessionQuality:   0.10,
		FactorReschedulePattern:     0.10,
		FactorNoShowRisk:            0.05,
		FactorAvailabilityReduction: 0.05,
	},
}

// Input abstracts the snapshot data needed for scoring. Windows with no
// snapshot yet (brand-new tutor) are simply absent from the map and
// contribute neutrally.
type Input struct {
	TutorID string

	// TenureKnown distinguishes a genuinely young tutor from one whose
	// roster row is missing; the latter scores no tenure risk.
	TenureKnown bool
	TenureDays  int

	Snapshots map[model.Window]model.MetricSnapshot
}

// Result contains the computed risk for a tutor.
type Result struct {
	Composite    float64 // 0..100, clamped
	Level        model.RiskLevel
	Horizon1Day  float64
	Horizon7Day  float64
	Horizon30Day float64
	Horizon90Day float64
	// Factors maps factor name to its contribution to the composite
	// (weight times sub-score).
	Factors map[string]float64
}

// Scorer computes churn risk from an input.
type Scorer interface {
	// Score computes risk, honoring ctx for cancellation.
	Score(ctx context.Context, in Input) (Result, error)
}

// WeightedScorer implements Scorer with the fixed-weight composite.
type WeightedScorer struct{}

// NewWeightedScorer creates the deterministic weighted scorer.
func NewWeightedScorer() *WeightedScorer {
	return &WeightedScorer{}
}

// Score computes the composite, level and horizon probabilities.
func (s *WeightedScorer) Score(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	subs := subScores(in)

	factors := make(map[string]float64, len(subs))
	composite := 0.0
	for _, name := range factorNames {
		contribution := compositeWeights[name] * subs[name]
		factors[name] = contribution
		composite += contribution
	}
	composite = clamp(composite, 0, 100)

	return Result{
		Composite:    composite,
		Level:        model.LevelForScore(composite),
		Horizon1Day:  horizon(1, subs),
		Horizon7Day:  horizon(7, subs),
		Horizon30Day: horizon(30, subs),
		Horizon90Day: horizon(90, subs),
		Factors:      factors,
	}, nil
}

// horizon derives a churn probability by re-weighting the sub-scores
// with the horizon's emphasis vector.
func horizon(days int, subs map[string]float64) float64 {
	emphasis := horizonEmphasis[days]
	sum := 0.0
	for _, name := range factorNames {
		sum += emphasis[name] * subs[name]
	}
	return clamp(sum/100, 0, 1)
}

// subScores computes the seven 0..100 sub-scores.
func subScores(in Input) map[string]float64 {
	return map[string]float64{
		FactorEngagementDecline:     engagementDecline(in),
		FactorPerformanceTrend:      performanceTrend(in),
		FactorReschedulePattern:     reschedulePattern(in),
		FactorFirstSessionQuality:   firstSessionQuality(in),
		FactorNoShowRisk:            noShowRisk(in),
		FactorTenureRisk:            tenureRisk(in),
		FactorAvailabilityReduction: availabilityReduction(in),
	}
}

// engagementDecline scores recent engagement against the 90-day
// baseline. A tutor with snapshots but zero completed sessions across
// the long window has effectively gone inactive and scores maximum.
func engagementDecline(in Input) float64 {
	long, hasLong := in.Snapshots[model.Window90Day]
	short, hasShort := in.Snapshots[model.Window7Day]

	if !hasLong && !hasShort {
		return 0 // brand-new tutor, neutral
	}
	if hasLong && long.SessionsCompleted == 0 {
		return 100 // inactive across the whole window
	}
	if hasLong && hasShort {
		if short.SessionsCompleted == 0 {
			return 80 // active historically, nothing recent
		}
		if long.EngagementScore > 0 && short.EngagementScore < long.EngagementScore {
			return clamp((long.EngagementScore-short.EngagementScore)/long.EngagementScore*100, 0, 100)
		}
	}
	return 0
}

// performanceTrend scores rating decline between the 7- and 90-day
// windows.
func performanceTrend(in Input) float64 {
	long, hasLong := in.Snapshots[model.Window90Day]
	short, hasShort := in.Snapshots[model.Window7Day]
	if !hasLong || !hasShort {
		return 0
	}
	if long.AverageRating <= 0 || short.AverageRating <= 0 {
		return 0
	}
	if short.AverageRating >= long.AverageRating {
		return 0
	}
	// Rating spans 1..5; a full point of decline is severe.
	return clamp((long.AverageRating-short.AverageRating)/4*200, 0, 100)
}

// reschedulePattern scores tutor-initiated reschedules in the trailing
// 7 days. Four or more reschedules hits the ceiling.
func reschedulePattern(in Input) float64 {
	short, ok := in.Snapshots[model.Window7Day]
	if !ok {
		return 0
	}
	total := short.SessionsCompleted + short.NoShowCount
	if total == 0 {
		return 0
	}
	count := short.RescheduleRate * float64(total)
	return clamp(count/4*100, 0, 100)
}

// firstSessionQuality scores failed first sessions over the 30-day
// window. A window with no first sessions at all is neutral; a tutor
// without new students is not a first-session risk.
func firstSessionQuality(in Input) float64 {
	mid, ok := in.Snapshots[model.Window30Day]
	if !ok || mid.FirstSessionCount == 0 {
		return 0
	}
	return clamp((1-mid.FirstSessionSuccessRate)*100, 0, 100)
}

// noShowRisk scores no-shows in the trailing 7 days; three hits the
// ceiling.
func noShowRisk(in Input) float64 {
	short, ok := in.Snapshots[model.Window7Day]
	if !ok {
		return 0
	}
	return clamp(float64(short.NoShowCount)/3*100, 0, 100)
}

// tenureRisk scores early-tenure churn propensity on a fixed step table.
func tenureRisk(in Input) float64 {
	if !in.TenureKnown {
		return 0
	}
	switch {
	case in.TenureDays <= 30:
		return 80
	case in.TenureDays <= 90:
		return 50
	case in.TenureDays <= 180:
		return 30
	case in.TenureDays <= 365:
		return 10
	default:
		return 0
	}
}

// availabilityReduction scores a drop in weekly session volume against
// the 90-day average.
func availabilityReduction(in Input) float64 {
	long, hasLong := in.Snapshots[model.Window90Day]
	short, hasShort := in.Snapshots[model.Window7Day]
	if !hasLong || !hasShort || long.SessionsCompleted == 0 {
		return 0
	}
	weeklyAvg := float64(long.SessionsCompleted) / (90.0 / 7.0)
	if weeklyAvg <= 0 {
		return 0
	}
	ratio := float64(short.SessionsCompleted) / weeklyAvg
	if ratio >= 1 {
		return 0
	}
	return clamp((1-ratio)*100, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
