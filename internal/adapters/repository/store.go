// Package repository defines the persistence contracts and errors for
// the retention pipeline.
//
// The pipeline owns metric_snapshots, risk_scores, interventions and
// the append-only session_facts it records at ingest. Tutors are owned
// by an external collaborator and only ever read here.
package repository

import (
	"context"
	"time"

	"github.com/tutorhq/retention/internal/domain/model"
)

// Filter narrows an intervention listing. Nil fields match everything.
type Filter struct {
	Status   *model.InterventionStatus
	TutorID  *string
	Assignee *string

	// RiskLevel matches against the level of the risk score the
	// intervention was created from, not the tutor's current level.
	RiskLevel *model.RiskLevel
}

// TutorReader reads tutor identity and slow-changing attributes.
type TutorReader interface {
	// Tutor returns a tutor by id. Returns ErrNotFound if unknown.
	Tutor(ctx context.Context, id string) (model.Tutor, error)

	// ActiveTutorIDs lists every tutor eligible for the safety-net sweep.
	ActiveTutorIDs(ctx context.Context) ([]string, error)
}

// SessionFactReader reads append-only session facts for window
// recomputation and pattern detection.
type SessionFactReader interface {
	// SessionFacts returns all facts for a tutor with an actual start at
	// or after since, in no guaranteed order.
	SessionFacts(ctx context.Context, tutorID string, since time.Time) ([]model.SessionEvent, error)
}

// SessionFactWriter records append-only session facts.
type SessionFactWriter interface {
	// RecordSessionFact persists one fact. Recording the same event id
	// twice is a no-op, so redelivered messages stay harmless.
	RecordSessionFact(ctx context.Context, e model.SessionEvent) error
}

// SnapshotStore persists append-only metric snapshots.
type SnapshotStore interface {
	// SaveSnapshots persists all rows in one transaction.
	SaveSnapshots(ctx context.Context, snapshots []model.MetricSnapshot) error

	// LatestSnapshot returns the most recent snapshot for a tutor and
	// window. Returns ErrNotFound if none exists yet.
	LatestSnapshot(ctx context.Context, tutorID string, window model.Window) (model.MetricSnapshot, error)

	// LatestSnapshots returns the most recent snapshot per window.
	// Windows with no snapshot are absent from the map.
	LatestSnapshots(ctx context.Context, tutorID string) (map[model.Window]model.MetricSnapshot, error)
}

// RiskStore persists append-only risk scores.
type RiskStore interface {
	SaveRiskScore(ctx context.Context, score *model.RiskScore) error

	// LatestRiskScore returns the most recent score for a tutor.
	// Returns ErrNotFound if the tutor has never been scored.
	LatestRiskScore(ctx context.Context, tutorID string) (model.RiskScore, error)

	// RiskScore returns a score row by id. Returns ErrNotFound if unknown.
	RiskScore(ctx context.Context, id string) (model.RiskScore, error)
}

// InterventionStore persists interventions and enforces the one-active-
// per-type-per-tutor invariant at the storage layer.
type InterventionStore interface {
	// CreateIfAbsent inserts the intervention unless an active row of
	// the same type already exists for the tutor. It returns false,
	// without error, when the insert lost that race: the existing row
	// already satisfies the intent.
	CreateIfAbsent(ctx context.Context, iv *model.Intervention) (bool, error)

	// LastCreatedAt returns the creation time of the most recent
	// intervention of the given type for the tutor, including terminal
	// rows. Returns the zero time if none exists.
	LastCreatedAt(ctx context.Context, tutorID string, t model.InterventionType) (time.Time, error)

	// Get returns an intervention by id. Returns ErrNotFound if unknown.
	Get(ctx context.Context, id string) (model.Intervention, error)

	// Update persists status/assignee/outcome changes under an
	// optimistic version check. Returns ErrVersionConflict when the row
	// changed underneath the caller.
	Update(ctx context.Context, iv *model.Intervention) error

	// List returns interventions matching the filter, most recent first.
	List(ctx context.Context, f Filter) ([]model.Intervention, error)
}

// Store bundles every persistence concern the pipeline needs.
type Store interface {
	TutorReader
	SessionFactReader
	SessionFactWriter
	SnapshotStore
	RiskStore
	InterventionStore
}
