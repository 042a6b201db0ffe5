package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tutorhq/retention/internal/domain/model"
	"github.com/tutorhq/retention/pkg/logger"
)

// activeStatusValues is the status set covered by the partial unique
// index on interventions.
func activeStatusValues() []interface{} {
	return []interface{}{string(model.StatusPending), string(model.StatusInProgress)}
}

// PostgresStore implements Store on Postgres via gorm.
type PostgresStore struct {
	db     *gorm.DB
	logger logger.Logger
}

// NewPostgresStore connects, migrates the owned tables and installs the
// partial unique index backing the one-active-intervention invariant.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	// Only the tables this core owns are migrated. tutors belong to an
	// external collaborator.
	if err := db.WithContext(ctx).AutoMigrate(
		&model.SessionEvent{},
		&model.MetricSnapshot{},
		&model.RiskScore{},
		&model.Intervention{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// Partial unique index: at most one active intervention per
	// (tutor, type). Concurrent creators race on this index, and the
	// loser's conditional insert affects zero rows.
	idx := `CREATE UNIQUE INDEX IF NOT EXISTS idx_interventions_one_active
		ON interventions (tutor_id, type)
		WHERE status IN ('pending', 'in_progress')`
	if err := db.WithContext(ctx).Exec(idx).Error; err != nil {
		return nil, fmt.Errorf("create active-intervention index: %w", err)
	}

	return &PostgresStore{
		db:     db,
		logger: logger.Get().Named("postgres-store"),
	}, nil
}

// Tutor returns a tutor by id.
func (s *PostgresStore) Tutor(ctx context.Context, id string) (model.Tutor, error) {
	var t model.Tutor
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Tutor{}, fmt.Errorf("tutor %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Tutor{}, err
	}
	return t, nil
}

// ActiveTutorIDs lists every known tutor id.
func (s *PostgresStore) ActiveTutorIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&model.Tutor{}).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// SessionFacts returns all facts for a tutor at or after since.
func (s *PostgresStore) SessionFacts(ctx context.Context, tutorID string, since time.Time) ([]model.SessionEvent, error) {
	var facts []model.SessionEvent
	err := s.db.WithContext(ctx).
		Where("tutor_id = ? AND actual_start >= ?", tutorID, since).
		Find(&facts).Error
	if err != nil {
		return nil, err
	}
	return facts, nil
}

// RecordSessionFact persists one fact; duplicates by event id are
// dropped at the primary key.
func (s *PostgresStore) RecordSessionFact(ctx context.Context, e model.SessionEvent) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&e).Error
}

// SaveSnapshots persists all rows in one transaction.
func (s *PostgresStore) SaveSnapshots(ctx context.Context, snapshots []model.MetricSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&snapshots).Error
	})
}

// LatestSnapshot returns the most recent snapshot for a tutor and window.
func (s *PostgresStore) LatestSnapshot(ctx context.Context, tutorID string, window model.Window) (model.MetricSnapshot, error) {
	var snap model.MetricSnapshot
	err := s.db.WithContext(ctx).
		Where("tutor_id = ? AND window = ?", tutorID, window).
		Order("calculated_at DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.MetricSnapshot{}, fmt.Errorf("snapshot %s/%dd: %w", tutorID, window, ErrNotFound)
	}
	if err != nil {
		return model.MetricSnapshot{}, err
	}
	return snap, nil
}

// LatestSnapshots returns the most recent snapshot per window.
func (s *PostgresStore) LatestSnapshots(ctx context.Context, tutorID string) (map[model.Window]model.MetricSnapshot, error) {
	out := make(map[model.Window]model.MetricSnapshot, 3)
	for _, w := range model.Windows() {
		snap, err := s.LatestSnapshot(ctx, tutorID, w)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[w] = snap
	}
	return out, nil
}

// SaveRiskScore persists one append-only score row.
func (s *PostgresStore) SaveRiskScore(ctx context.Context, score *model.RiskScore) error {
	return s.db.WithContext(ctx).Create(score).Error
}

// LatestRiskScore returns the most recent score for a tutor.
func (s *PostgresStore) LatestRiskScore(ctx context.Context, tutorID string) (model.RiskScore, error) {
	var score model.RiskScore
	err := s.db.WithContext(ctx).
		Where("tutor_id = ?", tutorID).
		Order("predicted_at DESC").
		First(&score).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.RiskScore{}, fmt.Errorf("risk score for %s: %w", tutorID, ErrNotFound)
	}
	if err != nil {
		return model.RiskScore{}, err
	}
	return score, nil
}

// RiskScore returns a score row by id.
func (s *PostgresStore) RiskScore(ctx context.Context, id string) (model.RiskScore, error) {
	var score model.RiskScore
	err := s.db.WithContext(ctx).First(&score, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.RiskScore{}, fmt.Errorf("risk score %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.RiskScore{}, err
	}
	return score, nil
}

// CreateIfAbsent inserts unless an active row of the same type exists.
// The conditional insert targets the partial unique index, so two
// concurrent creators cannot both succeed.
func (s *PostgresStore) CreateIfAbsent(ctx context.Context, iv *model.Intervention) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tutor_id"}, {Name: "type"}},
		TargetWhere: clause.Where{Exprs: []clause.Expression{
			clause.IN{Column: clause.Column{Name: "status"}, Values: activeStatusValues()},
		}},
		DoNothing: true,
	}).Create(iv)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// LastCreatedAt returns the creation time of the most recent
// intervention of the given type, including terminal rows.
func (s *PostgresStore) LastCreatedAt(ctx context.Context, tutorID string, t model.InterventionType) (time.Time, error) {
	var iv model.Intervention
	err := s.db.WithContext(ctx).
		Where("tutor_id = ? AND type = ?", tutorID, t).
		Order("created_at DESC").
		First(&iv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return iv.CreatedAt, nil
}

// Get returns an intervention by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (model.Intervention, error) {
	var iv model.Intervention
	err := s.db.WithContext(ctx).First(&iv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Intervention{}, fmt.Errorf("intervention %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Intervention{}, err
	}
	return iv, nil
}

// Update persists changes under an optimistic version check.
func (s *PostgresStore) Update(ctx context.Context, iv *model.Intervention) error {
	prev := iv.Version
	iv.Version++
	res := s.db.WithContext(ctx).
		Model(&model.Intervention{}).
		Where("id = ? AND version = ?", iv.ID, prev).
		Updates(map[string]interface{}{
			"status":       iv.Status,
			"assignee":     iv.Assignee,
			"completed_at": iv.CompletedAt,
			"outcome":      iv.Outcome,
			"notes":        iv.Notes,
			"updated_at":   time.Now().UTC(),
			"version":      iv.Version,
		})
	if res.Error != nil {
		iv.Version = prev
		return res.Error
	}
	if res.RowsAffected == 0 {
		iv.Version = prev
		return fmt.Errorf("intervention %s: %w", iv.ID, ErrVersionConflict)
	}
	return nil
}

// List returns interventions matching the filter, most recent first.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]model.Intervention, error) {
	q := s.db.WithContext(ctx).Model(&model.Intervention{})
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}
	if f.TutorID != nil {
		q = q.Where("tutor_id = ?", *f.TutorID)
	}
	if f.Assignee != nil {
		q = q.Where("assignee = ?", *f.Assignee)
	}
	if f.RiskLevel != nil {
		q = q.Where("risk_score_id IN (SELECT id FROM risk_scores WHERE level = ?)", *f.RiskLevel)
	}
	var out []model.Intervention
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
