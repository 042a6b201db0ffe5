package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tutorhq/retention/internal/domain/model"
)

// MemoryStore implements Store in process memory. It honors the same
// contracts as the Postgres store, including the atomic check-and-create
// on interventions, and backs tests and local runs.
type MemoryStore struct {
	mu            sync.Mutex
	tutors        map[string]model.Tutor
	facts         map[string][]model.SessionEvent // by tutor id
	factIDs       map[string]struct{}             // recorded event ids
	snapshots     []model.MetricSnapshot
	riskScores    []model.RiskScore
	interventions map[string]model.Intervention // by id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tutors:        make(map[string]model.Tutor),
		facts:         make(map[string][]model.SessionEvent),
		factIDs:       make(map[string]struct{}),
		interventions: make(map[string]model.Intervention),
	}
}

// AddTutor seeds a tutor row. Test/fixture hook for the externally
// owned table.
func (s *MemoryStore) AddTutor(t model.Tutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tutors[t.ID] = t
}

// AddSessionFact seeds a session fact row. Test/fixture hook.
func (s *MemoryStore) AddSessionFact(e model.SessionEvent) {
	_ = s.RecordSessionFact(context.Background(), e)
}

// RecordSessionFact persists one fact, keyed by event id.
func (s *MemoryStore) RecordSessionFact(ctx context.Context, e model.SessionEvent) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.factIDs[e.EventID]; seen {
		return nil
	}
	s.factIDs[e.EventID] = struct{}{}
	s.facts[e.TutorID] = append(s.facts[e.TutorID], e)
	return nil
}

// Tutor returns a tutor by id.
func (s *MemoryStore) Tutor(ctx context.Context, id string) (model.Tutor, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tutors[id]
	if !ok {
		return model.Tutor{}, fmt.Errorf("tutor %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// ActiveTutorIDs lists every known tutor id, sorted for determinism.
func (s *MemoryStore) ActiveTutorIDs(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tutors))
	for id := range s.tutors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SessionFacts returns all facts for a tutor at or after since.
func (s *MemoryStore) SessionFacts(ctx context.Context, tutorID string, since time.Time) ([]model.SessionEvent, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SessionEvent
	for _, e := range s.facts[tutorID] {
		if !e.ActualStart.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// SaveSnapshots appends all rows atomically.
func (s *MemoryStore) SaveSnapshots(ctx context.Context, snapshots []model.MetricSnapshot) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshots...)
	return nil
}

// LatestSnapshot returns the most recent snapshot for a tutor and window.
func (s *MemoryStore) LatestSnapshot(ctx context.Context, tutorID string, window model.Window) (model.MetricSnapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  model.MetricSnapshot
		found bool
	)
	for _, snap := range s.snapshots {
		if snap.TutorID != tutorID || snap.Window != window {
			continue
		}
		if !found || snap.CalculatedAt.After(best.CalculatedAt) {
			best = snap
			found = true
		}
	}
	if !found {
		return model.MetricSnapshot{}, fmt.Errorf("snapshot %s/%dd: %w", tutorID, window, ErrNotFound)
	}
	return best, nil
}

// LatestSnapshots returns the most recent snapshot per window.
func (s *MemoryStore) LatestSnapshots(ctx context.Context, tutorID string) (map[model.Window]model.MetricSnapshot, error) {
	out := make(map[model.Window]model.MetricSnapshot, 3)
	for _, w := range model.Windows() {
		snap, err := s.LatestSnapshot(ctx, tutorID, w)
		if err != nil {
			continue
		}
		out[w] = snap
	}
	return out, nil
}

// SnapshotCount returns the number of persisted snapshot rows. Test hook.
func (s *MemoryStore) SnapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

// SaveRiskScore appends one score row.
func (s *MemoryStore) SaveRiskScore(ctx context.Context, score *model.RiskScore) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.riskScores = append(s.riskScores, *score)
	return nil
}

// LatestRiskScore returns the most recent score for a tutor.
func (s *MemoryStore) LatestRiskScore(ctx context.Context, tutorID string) (model.RiskScore, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  model.RiskScore
		found bool
	)
	for _, sc := range s.riskScores {
		if sc.TutorID != tutorID {
			continue
		}
		if !found || sc.PredictedAt.After(best.PredictedAt) {
			best = sc
			found = true
		}
	}
	if !found {
		return model.RiskScore{}, fmt.Errorf("risk score for %s: %w", tutorID, ErrNotFound)
	}
	return best, nil
}

// RiskScore returns a score row by id.
func (s *MemoryStore) RiskScore(ctx context.Context, id string) (model.RiskScore, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.riskScores {
		if sc.ID == id {
			return sc, nil
		}
	}
	return model.RiskScore{}, fmt.Errorf("risk score %s: %w", id, ErrNotFound)
}

// CreateIfAbsent inserts unless an active row of the same type exists
// for the tutor. The whole check-and-create runs under one lock, which
// is the in-memory equivalent of the partial unique index.
func (s *MemoryStore) CreateIfAbsent(ctx context.Context, iv *model.Intervention) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.interventions {
		if existing.TutorID == iv.TutorID && existing.Type == iv.Type && existing.Active() {
			return false, nil
		}
	}
	s.interventions[iv.ID] = *iv
	return true, nil
}

// LastCreatedAt returns the creation time of the most recent
// intervention of the given type, including terminal rows.
func (s *MemoryStore) LastCreatedAt(ctx context.Context, tutorID string, t model.InterventionType) (time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for _, iv := range s.interventions {
		if iv.TutorID == tutorID && iv.Type == t && iv.CreatedAt.After(last) {
			last = iv.CreatedAt
		}
	}
	return last, nil
}

// Get returns an intervention by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (model.Intervention, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	iv, ok := s.interventions[id]
	if !ok {
		return model.Intervention{}, fmt.Errorf("intervention %s: %w", id, ErrNotFound)
	}
	return iv, nil
}

// Update persists changes under an optimistic version check.
func (s *MemoryStore) Update(ctx context.Context, iv *model.Intervention) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.interventions[iv.ID]
	if !ok {
		return fmt.Errorf("intervention %s: %w", iv.ID, ErrNotFound)
	}
	if existing.Version != iv.Version {
		return fmt.Errorf("intervention %s: %w", iv.ID, ErrVersionConflict)
	}
	iv.Version++
	iv.UpdatedAt = time.Now().UTC()
	s.interventions[iv.ID] = *iv
	return nil
}

// List returns interventions matching the filter, most recent first.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]model.Intervention, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Intervention
	for _, iv := range s.interventions {
		if f.Status != nil && iv.Status != *f.Status {
			continue
		}
		if f.TutorID != nil && iv.TutorID != *f.TutorID {
			continue
		}
		if f.Assignee != nil && (iv.Assignee == nil || *iv.Assignee != *f.Assignee) {
			continue
		}
		if f.RiskLevel != nil && s.levelAtCreation(iv) != *f.RiskLevel {
			continue
		}
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// levelAtCreation resolves the risk level of the score that triggered
// the intervention. Callers hold s.mu.
func (s *MemoryStore) levelAtCreation(iv model.Intervention) model.RiskLevel {
	for _, sc := range s.riskScores {
		if sc.ID == iv.RiskScoreID {
			return sc.Level
		}
	}
	return ""
}
