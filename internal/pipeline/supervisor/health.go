package supervisor

import (
	"sync"
	"time"

	"github.com/tutorhq/retention/pkg/metrics"
)

// StageHealth is the health surface for one pipeline stage.
type StageHealth struct {
	LastPoll   time.Time `json:"last_poll"`
	Backlog    int64     `json:"backlog"`
	ErrorCount int64     `json:"error_count"`
}

// Health aggregates liveness signals from every pipeline stage.
type Health struct {
	mu     sync.RWMutex
	stages map[string]*StageHealth

	// stallAfter is how long a stage may go without polling before the
	// process reports unready.
	stallAfter time.Duration

	now func() time.Time
}

// NewHealth creates a health tracker. A stage that has not polled within
// stallAfter is treated as stalled.
func NewHealth(stallAfter time.Duration) *Health {
	if stallAfter <= 0 {
		stallAfter = 2 * time.Minute
	}
	return &Health{
		stages:     make(map[string]*StageHealth),
		stallAfter: stallAfter,
		now:        time.Now,
	}
}

// Register adds a stage to the health surface before it starts polling.
func (h *Health) Register(stage string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.stages[stage]; !ok {
		h.stages[stage] = &StageHealth{}
	}
}

// Polled records a successful consume poll for the stage, mirrored to
// the last-poll gauge so dashboards and /readyz agree.
func (h *Health) Polled(stage string) {
	ts := h.now()
	metrics.UpdateLastPoll(stage, ts)
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.ensure(stage)
	s.LastPoll = ts
}

// SetBacklog records the stage's pending message depth.
func (h *Health) SetBacklog(stage string, depth int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensure(stage).Backlog = depth
}

// Failed bumps the stage's error counter.
func (h *Health) Failed(stage string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensure(stage).ErrorCount++
}

// Ready reports whether every registered stage has polled recently.
func (h *Health) Ready() bool {
	cutoff := h.now().Add(-h.stallAfter)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.stages {
		if s.LastPoll.Before(cutoff) {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of the per-stage health for serving.
func (h *Health) Snapshot() map[string]StageHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]StageHealth, len(h.stages))
	for name, s := range h.stages {
		out[name] = *s
	}
	return out
}

func (h *Health) ensure(stage string) *StageHealth {
	s, ok := h.stages[stage]
	if !ok {
		s = &StageHealth{}
		h.stages[stage] = s
	}
	return s
}
