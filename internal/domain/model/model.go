// Package model contains domain models passed between pipeline stages.
package model

import "time"

// Window identifies a rolling aggregation window in days.
type Window int

// Rolling windows over which tutor metrics are maintained.
const (
	Window7Day  Window = 7
	Window30Day Window = 30
	Window90Day Window = 90
)

// Windows lists every rolling window in ascending order.
func Windows() []Window {
	return []Window{Window7Day, Window30Day, Window90Day}
}

// Duration returns the window length as a time.Duration.
func (w Window) Duration() time.Duration {
	return time.Duration(w) * 24 * time.Hour
}

// SessionEvent is an immutable fact describing one completed tutoring
// session. Produced upstream, consumed from the session stream; never
// mutated here.
type SessionEvent struct {
	EventID          string    `json:"event_id" gorm:"primaryKey"` // unique id for idempotency / ack tracking
	TutorID          string    `json:"tutor_id" gorm:"index:idx_fact_tutor_start,priority:1"` // subject tutor
	StudentID        string    `json:"student_id"`         // counterpart student
	SessionNumber    int       `json:"session_number"`     // ordinal per tutor-student pair, 1-based
	ScheduledStart   time.Time `json:"scheduled_start"`    // agreed start
	ActualStart      time.Time `json:"actual_start" gorm:"index:idx_fact_tutor_start,priority:2"` // observed start
	DurationMinutes  int       `json:"duration_minutes"`   // actual duration
	Rescheduled      bool      `json:"rescheduled"`        // tutor-initiated reschedule occurred
	NoShow           bool      `json:"no_show"`            // tutor failed to show
	LateStartMinutes float64   `json:"late_start_minutes"` // minutes late past scheduled start
	EngagementScore  float64   `json:"engagement_score"`   // 0..1, from session telemetry
	ObjectivesMet    bool      `json:"objectives_met"`     // lesson objectives reached
	TechnicalIssue   bool      `json:"technical_issue"`    // session degraded by tech problems
	Rating           *int      `json:"rating,omitempty"`   // linked feedback rating 1..5, nil if none
}

// FirstSession reports whether this was the first session for the
// tutor-student pair.
func (e SessionEvent) FirstSession() bool {
	return e.SessionNumber == 1
}

// Tier is a five-level ordinal performance ranking, coarser than the
// numeric risk score and the only performance signal ever shown to a
// tutor.
type Tier string

const (
	TierExemplary      Tier = "exemplary"
	TierStrong         Tier = "strong"
	TierDeveloping     Tier = "developing"
	TierNeedsAttention Tier = "needs_attention"
	TierAtRisk         Tier = "at_risk"
)

// MetricSnapshot is one append-only row per (tutor, window, calculation
// time). The most recent row per (tutor, window) is authoritative; older
// rows are kept for trend display only.
type MetricSnapshot struct {
	ID                      string    `gorm:"primaryKey;type:uuid"`
	TutorID                 string    `gorm:"index:idx_snapshot_tutor_window,priority:1"`
	Window                  Window    `gorm:"index:idx_snapshot_tutor_window,priority:2"`
	CalculatedAt            time.Time `gorm:"index:idx_snapshot_tutor_window,priority:3,sort:desc"`
	SessionsCompleted       int
	AverageRating           float64
	// FirstSessionCount disambiguates a zero success rate: without it a
	// window with no first sessions at all reads the same as one where
	// every first session failed.
	FirstSessionCount       int
	FirstSessionSuccessRate float64
	RescheduleRate          float64
	NoShowCount             int
	EngagementScore         float64
	ObjectivesMetRate       float64
	AvgResponseMinutes      float64
	Tier                    Tier
}

// RiskLevel is a four-bucket ordinal derived from the composite score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// LevelForScore buckets a composite score: Low 0-25, Medium 26-50,
// High 51-75, Critical 76-100. Boundaries are inclusive of the lower
// bucket.
func LevelForScore(composite float64) RiskLevel {
	switch {
	case composite <= 25:
		return RiskLow
	case composite <= 50:
		return RiskMedium
	case composite <= 75:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// RiskScore is one append-only row per (tutor, prediction time). Horizon
// probabilities may legitimately disagree with each other; no ordering
// between them is enforced.
type RiskScore struct {
	ID           string    `gorm:"primaryKey;type:uuid"`
	TutorID      string    `gorm:"index:idx_risk_tutor_time,priority:1"`
	PredictedAt  time.Time `gorm:"index:idx_risk_tutor_time,priority:2,sort:desc"`
	Composite    float64   // 0..100, clamped
	Level        RiskLevel
	Horizon1Day  float64 // churn probability within 1 day, 0..1
	Horizon7Day  float64
	Horizon30Day float64
	Horizon90Day float64
	Factors      map[string]float64 `gorm:"serializer:json"`
	ModelVersion string
}

// InterventionType enumerates the actions the engine can take.
type InterventionType string

const (
	InterventionAutomatedCoaching  InterventionType = "automated_coaching"
	InterventionTrainingSuggestion InterventionType = "training_suggestion"
	InterventionFirstSessionCheck  InterventionType = "first_session_checkin"
	InterventionRescheduleAlert    InterventionType = "reschedule_alert"
	InterventionManagerCoaching    InterventionType = "manager_coaching"
	InterventionPeerMentoring      InterventionType = "peer_mentoring"
	InterventionPerformancePlan    InterventionType = "performance_plan"
	InterventionRetentionInterview InterventionType = "retention_interview"
	InterventionRecognition        InterventionType = "recognition"
)

// InterventionStatus follows pending -> in_progress -> completed, with
// cancelled reachable from either non-terminal state. Completed and
// cancelled are terminal.
type InterventionStatus string

const (
	StatusPending    InterventionStatus = "pending"
	StatusInProgress InterventionStatus = "in_progress"
	StatusCompleted  InterventionStatus = "completed"
	StatusCancelled  InterventionStatus = "cancelled"
)

// Active reports whether the status still demands action.
func (s InterventionStatus) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// Terminal reports whether no further transition is allowed.
func (s InterventionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// InterventionOutcome records how a completed intervention turned out.
type InterventionOutcome string

const (
	OutcomeImproved InterventionOutcome = "improved"
	OutcomeNoChange InterventionOutcome = "no_change"
	OutcomeDeclined InterventionOutcome = "declined"
	OutcomeChurned  InterventionOutcome = "churned"
)

// Intervention is one actionable task. At most one active row per
// (tutor, type) may exist at a time; the storage layer enforces this
// with a partial unique index so concurrent creators race safely.
type Intervention struct {
	ID            string           `gorm:"primaryKey;type:uuid"`
	TutorID       string           `gorm:"index"`
	Type          InterventionType `gorm:"index"`
	TriggerReason string
	RiskScoreID   string
	RecommendedAt time.Time
	Assignee      *string // nil means fully automated
	Status        InterventionStatus
	DueAt         time.Time // SLA deadline
	CompletedAt   *time.Time
	Outcome       *InterventionOutcome
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64 // optimistic concurrency for status transitions
}

// Active reports whether the intervention still demands action.
func (i Intervention) Active() bool { return i.Status.Active() }

// Tutor carries the slow-changing attributes this core reads. The row is
// owned externally; it is never written here.
type Tutor struct {
	ID          string `gorm:"primaryKey"`
	TenureStart time.Time
	Subjects    []string `gorm:"serializer:json"`
	Archetype   string
}

// TenureDays returns whole days since the tutor joined, at the given
// reference time.
func (t Tutor) TenureDays(now time.Time) int {
	if now.Before(t.TenureStart) {
		return 0
	}
	return int(now.Sub(t.TenureStart).Hours() / 24)
}

// MetricsUpdated is the event published after snapshots are persisted.
type MetricsUpdated struct {
	TutorID      string    `json:"tutor_id"`
	Window       Window    `json:"window"`
	SnapshotID   string    `json:"snapshot_id"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// RiskUpdated is the event published after a risk score is persisted.
type RiskUpdated struct {
	TutorID     string    `json:"tutor_id"`
	RiskScoreID string    `json:"risk_score_id"`
	Level       RiskLevel `json:"level"`
	Composite   float64   `json:"composite"`
}
