// Package rules maps risk signals and detected behavioral patterns to
// candidate interventions.
//
// Policy lives in static lookup tables rather than branching code, so
// adding an intervention type or adjusting an SLA is a data change.
package rules

import (
	"time"

	"github.com/tutorhq/retention/internal/domain/model"
)

// Pattern detector thresholds over trailing session facts.
const (
	detectorWindow          = 7 * 24 * time.Hour
	rescheduleCountTrigger  = 3  // strictly more fires the detector
	noShowCountTrigger      = 2  // at least this many fires the detector
	poorFirstSessionRating  = 2  // at or below
	poorFirstSessionLateMin = 15.0
)

// Pattern names the engine logs and records as trigger reasons.
const (
	PatternPoorFirstSession = "poor_first_session"
	PatternHighReschedule   = "high_reschedule_rate"
	PatternNoShowRisk       = "no_show_risk"
)

// Patterns holds the boolean detector outcomes for one tutor.
type Patterns struct {
	PoorFirstSession bool
	HighReschedule   bool
	NoShowRisk       bool
}

// Detect evaluates every pattern detector over the tutor's facts from
// the trailing seven days. Detectors run independently of risk level.
func Detect(asOf time.Time, facts []model.SessionEvent) Patterns {
	cutoff := asOf.Add(-detectorWindow)

	var p Patterns
	reschedules := 0
	noShows := 0
	for _, e := range facts {
		if e.ActualStart.Before(cutoff) || e.ActualStart.After(asOf) {
			continue
		}
		if e.Rescheduled {
			reschedules++
		}
		if e.NoShow {
			noShows++
		}
		if e.FirstSession() && poorFirstSession(e) {
			p.PoorFirstSession = true
		}
	}
	p.HighReschedule = reschedules > rescheduleCountTrigger
	p.NoShowRisk = noShows >= noShowCountTrigger
	return p
}

// poorFirstSession flags a first session that likely lost the student.
func poorFirstSession(e model.SessionEvent) bool {
	if e.NoShow {
		return true
	}
	if e.LateStartMinutes >= poorFirstSessionLateMin {
		return true
	}
	if e.Rating != nil && *e.Rating <= poorFirstSessionRating {
		return true
	}
	return false
}

// levelCandidates maps a risk level to its base candidate intervention
// types. Higher levels include everything below Medium adds.
var levelCandidates = map[model.RiskLevel][]model.InterventionType{ //nolint:gochecknoglobals // policy table
	model.RiskLow: {},
	model.RiskMedium: {
		model.InterventionAutomatedCoaching,
		model.InterventionTrainingSuggestion,
	},
	model.RiskHigh: {
		model.InterventionAutomatedCoaching,
		model.InterventionTrainingSuggestion,
		model.InterventionManagerCoaching,
		model.InterventionRescheduleAlert,
	},
	model.RiskCritical: {
		model.InterventionAutomatedCoaching,
		model.InterventionTrainingSuggestion,
		model.InterventionManagerCoaching,
		model.InterventionRescheduleAlert,
		model.InterventionPerformancePlan,
		model.InterventionRetentionInterview,
	},
}

// slaTable maps an intervention type to its SLA duration.
var slaTable = map[model.InterventionType]time.Duration{ //nolint:gochecknoglobals // policy table
	model.InterventionAutomatedCoaching:  24 * time.Hour,
	model.InterventionTrainingSuggestion: 7 * 24 * time.Hour,
	model.InterventionFirstSessionCheck:  24 * time.Hour,
	model.InterventionRescheduleAlert:    48 * time.Hour,
	model.InterventionManagerCoaching:    48 * time.Hour,
	model.InterventionPeerMentoring:      7 * 24 * time.Hour,
	model.InterventionPerformancePlan:    72 * time.Hour,
	model.InterventionRetentionInterview: 24 * time.Hour,
	model.InterventionRecognition:        7 * 24 * time.Hour,
}

// automatedTypes execute immediately on creation; the rest queue for a
// human.
var automatedTypes = map[model.InterventionType]bool{ //nolint:gochecknoglobals // policy table
	model.InterventionAutomatedCoaching:  true,
	model.InterventionTrainingSuggestion: true,
	model.InterventionFirstSessionCheck:  true,
	model.InterventionRescheduleAlert:    true,
	model.InterventionRecognition:        true,
}

// templateTable maps an intervention type to its notification template.
var templateTable = map[model.InterventionType]string{ //nolint:gochecknoglobals // policy table
	model.InterventionAutomatedCoaching:  "coaching_tip",
	model.InterventionTrainingSuggestion: "training_suggestion",
	model.InterventionFirstSessionCheck:  "first_session_checkin",
	model.InterventionRescheduleAlert:    "reschedule_alert",
	model.InterventionRecognition:        "recognition",
}

// Candidates builds the candidate set for a risk level and pattern hits.
// Detector-driven types are appended after the level-driven ones; each
// type appears at most once. Low risk adds recognition only when the
// tutor shows sustained high performance.
func Candidates(level model.RiskLevel, p Patterns, sustainedHighPerformance bool) []model.InterventionType {
	seen := make(map[model.InterventionType]bool)
	var out []model.InterventionType

	add := func(t model.InterventionType) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	for _, t := range levelCandidates[level] {
		add(t)
	}
	if p.PoorFirstSession {
		add(model.InterventionFirstSessionCheck)
	}
	if p.HighReschedule {
		add(model.InterventionRescheduleAlert)
	}
	if p.NoShowRisk {
		add(model.InterventionPeerMentoring)
	}
	if level == model.RiskLow && sustainedHighPerformance {
		add(model.InterventionRecognition)
	}
	return out
}

// SLA returns the deadline duration for an intervention type.
func SLA(t model.InterventionType) time.Duration {
	if d, ok := slaTable[t]; ok {
		return d
	}
	return 72 * time.Hour
}

// Automated reports whether the type executes without a human.
func Automated(t model.InterventionType) bool {
	return automatedTypes[t]
}

// Template returns the notification template for an automated type.
func Template(t model.InterventionType) string {
	return templateTable[t]
}

// SustainedHighPerformance reports whether the latest snapshots justify
// a recognition touch at Low risk: a top-two tier over the 90-day
// window and strong recent engagement.
func SustainedHighPerformance(snaps map[model.Window]model.MetricSnapshot) bool {
	long, ok := snaps[model.Window90Day]
	if !ok {
		return false
	}
	if long.Tier != model.TierExemplary && long.Tier != model.TierStrong {
		return false
	}
	mid, ok := snaps[model.Window30Day]
	if !ok {
		return false
	}
	return mid.EngagementScore >= 0.7
}
