// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tutorhq/retention/internal/adapters/repository"
	"github.com/tutorhq/retention/internal/domain/model"
	"github.com/tutorhq/retention/internal/pipeline/supervisor"
)

// Dependencies required by HTTP handlers. Using an interface bundle
// keeps the handler layer loosely coupled to the service implementation.
type Dependencies interface {
	IngestSessionEvent(ctx context.Context, e model.SessionEvent) error
	GetLatestMetrics(ctx context.Context, tutorID string) (map[model.Window]model.MetricSnapshot, error)
	GetLatestRiskScore(ctx context.Context, tutorID string) (model.RiskScore, error)
	ListInterventions(ctx context.Context, f repository.Filter) ([]model.Intervention, error)
	AssignIntervention(ctx context.Context, id, assignee string) (model.Intervention, error)
	RecordOutcome(ctx context.Context, id string, outcome model.InterventionOutcome, notes string) (model.Intervention, error)
	Health() *supervisor.Health
}

// Server wires HTTP routes for the retention API.
type Server struct {
	deps Dependencies
}

// NewServer creates a new API server.
func NewServer(deps Dependencies) *Server {
	return &Server{deps: deps}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.handleHealthz, "healthz"))
	mux.HandleFunc("/readyz", MetricsMiddleware(s.handleReadyz, "readyz"))
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/events/sessions", MetricsMiddleware(s.handleIngestSession, "ingest"))
	mux.HandleFunc("/v1/tutors/", MetricsMiddleware(s.handleTutor, "tutors"))
	mux.HandleFunc("/v1/interventions", MetricsMiddleware(s.handleListInterventions, "interventions"))
	mux.HandleFunc("/v1/interventions/", MetricsMiddleware(s.handleInterventionAction, "interventions"))
}

// sessionEventRequest mirrors the ingest payload.
type sessionEventRequest struct {
	EventID          string  `json:"event_id"`
	TutorID          string  `json:"tutor_id"`
	StudentID        string  `json:"student_id"`
	ScheduledStart   string  `json:"scheduled_start"`
	ActualStart      string  `json:"actual_start"`
	DurationMinutes  int     `json:"duration_minutes"`
	Rating           *int    `json:"rating"`
	Rescheduled      bool    `json:"rescheduled"`
	NoShow           bool    `json:"no_show"`
	SessionNumber    int     `json:"session_number"`
	EngagementScore  float64 `json:"engagement_score"`
	ObjectivesMet    bool    `json:"objectives_met"`
	TechnicalIssue   bool    `json:"technical_issue"`
	LateStartMinutes float64 `json:"late_start_minutes"`
}

func (e sessionEventRequest) validate() error {
	switch {
	case strings.TrimSpace(e.EventID) == "":
		return errors.New("missing event_id")
	case strings.TrimSpace(e.TutorID) == "":
		return errors.New("missing tutor_id")
	case e.SessionNumber < 1:
		return errors.New("session_number must be positive")
	default:
		return nil
	}
}

func (s *Server) handleIngestSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req sessionEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	event := model.SessionEvent{
		EventID:          req.EventID,
		TutorID:          req.TutorID,
		StudentID:        req.StudentID,
		DurationMinutes:  req.DurationMinutes,
		Rating:           req.Rating,
		Rescheduled:      req.Rescheduled,
		NoShow:           req.NoShow,
		SessionNumber:    req.SessionNumber,
		EngagementScore:  req.EngagementScore,
		ObjectivesMet:    req.ObjectivesMet,
		TechnicalIssue:   req.TechnicalIssue,
		LateStartMinutes: req.LateStartMinutes,
	}
	var err error
	if event.ScheduledStart, err = parseTime(req.ScheduledStart); err != nil {
		writeError(w, http.StatusBadRequest, "invalid scheduled_start")
		return
	}
	if event.ActualStart, err = parseTime(req.ActualStart); err != nil {
		writeError(w, http.StatusBadRequest, "invalid actual_start")
		return
	}

	if err := s.deps.IngestSessionEvent(r.Context(), event); err != nil {
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleTutor serves /v1/tutors/{id}/metrics and /v1/tutors/{id}/risk.
func (s *Server) handleTutor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tutors/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "unknown path")
		return
	}
	tutorID := parts[0]

	switch parts[1] {
	case "metrics":
		snaps, err := s.deps.GetLatestMetrics(r.Context(), tutorID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if len(snaps) == 0 {
			writeError(w, http.StatusNotFound, "no metrics for tutor")
			return
		}
		writeJSON(w, http.StatusOK, snaps)
	case "risk":
		score, err := s.deps.GetLatestRiskScore(r.Context(), tutorID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, score)
	default:
		writeError(w, http.StatusNotFound, "unknown path")
	}
}

func (s *Server) handleListInterventions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	var f repository.Filter
	q := r.URL.Query()
	if v := q.Get("tutor_id"); v != "" {
		f.TutorID = &v
	}
	if v := q.Get("assignee"); v != "" {
		f.Assignee = &v
	}
	if v := q.Get("status"); v != "" {
		st := model.InterventionStatus(v)
		switch st {
		case model.StatusPending, model.StatusInProgress, model.StatusCompleted, model.StatusCancelled:
			f.Status = &st
		default:
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
	}
	if v := q.Get("risk_level"); v != "" {
		lvl := model.RiskLevel(v)
		switch lvl {
		case model.RiskLow, model.RiskMedium, model.RiskHigh, model.RiskCritical:
			f.RiskLevel = &lvl
		default:
			writeError(w, http.StatusBadRequest, "unknown risk level")
			return
		}
	}
	ivs, err := s.deps.ListInterventions(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ivs)
}

// assignRequest mirrors POST /v1/interventions/{id}/assign.
type assignRequest struct {
	Assignee string `json:"assignee"`
}

// outcomeRequest mirrors POST /v1/interventions/{id}/outcome.
type outcomeRequest struct {
	Outcome string `json:"outcome"`
	Notes   string `json:"notes"`
}

func (s *Server) handleInterventionAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/interventions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "unknown path")
		return
	}
	id := parts[0]

	switch parts[1] {
	case "assign":
		var req assignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Assignee) == "" {
			writeError(w, http.StatusBadRequest, "assignee required")
			return
		}
		iv, err := s.deps.AssignIntervention(r.Context(), id, req.Assignee)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, iv)
	case "outcome":
		var req outcomeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		iv, err := s.deps.RecordOutcome(r.Context(), id, model.InterventionOutcome(req.Outcome), req.Notes)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, iv)
	default:
		writeError(w, http.StatusNotFound, "unknown path")
	}
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps repository sentinels to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrVersionConflict):
		writeError(w, http.StatusConflict, "concurrent update, retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
