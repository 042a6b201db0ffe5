package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/tutorhq/retention/internal/adapters/http/api"
	"github.com/tutorhq/retention/internal/adapters/repository"
	"github.com/tutorhq/retention/internal/domain/model"
	"github.com/tutorhq/retention/internal/pipeline/supervisor"
)

// stubDeps implements api.Dependencies with canned responses.
type stubDeps struct {
	ingested   []model.SessionEvent
	ingestErr  error
	metrics    map[model.Window]model.MetricSnapshot
	metricsErr error
	risk       model.RiskScore
	riskErr    error
	ivs        []model.Intervention
	listErr    error
	lastFilter repository.Filter
	assigned   model.Intervention
	assignErr  error
	outcomeErr error
	health     *supervisor.Health
}

func (d *stubDeps) IngestSessionEvent(_ context.Context, e model.SessionEvent) error {
	if d.ingestErr != nil {
		return d.ingestErr
	}
	d.ingested = append(d.ingested, e)
	return nil
}

func (d *stubDeps) GetLatestMetrics(_ context.Context, _ string) (map[model.Window]model.MetricSnapshot, error) {
	return d.metrics, d.metricsErr
}

func (d *stubDeps) GetLatestRiskScore(_ context.Context, _ string) (model.RiskScore, error) {
	return d.risk, d.riskErr
}

func (d *stubDeps) ListInterventions(_ context.Context, f repository.Filter) ([]model.Intervention, error) {
	d.lastFilter = f
	return d.ivs, d.listErr
}

func (d *stubDeps) AssignIntervention(_ context.Context, _, _ string) (model.Intervention, error) {
	return d.assigned, d.assignErr
}

func (d *stubDeps) RecordOutcome(_ context.Context, _ string, _ model.InterventionOutcome, _ string) (model.Intervention, error) {
	return d.assigned, d.outcomeErr
}

func (d *stubDeps) Health() *supervisor.Health { return d.health }

func newTestServer(deps *stubDeps) *http.ServeMux {
	if deps.health == nil {
		deps.health = supervisor.NewHealth(time.Minute)
	}
	mux := http.NewServeMux()
	api.NewServer(deps).Register(mux)
	return mux
}

func do(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestIngestEndpoint(t *testing.T) {
	Convey("Given the ingest endpoint", t, func() {
		deps := &stubDeps{}
		mux := newTestServer(deps)

		Convey("When a valid event is posted", func() {
			body := `{"event_id":"evt-1","tutor_id":"tutor-1","session_number":2,` +
				`"scheduled_start":"2026-03-15T12:00:00Z","actual_start":"2026-03-15T12:05:00Z",` +
				`"duration_minutes":60,"rating":4,"late_start_minutes":5}`
			rec := do(mux, http.MethodPost, "/v1/events/sessions", body)

			Convey("Then it is accepted and forwarded", func() {
				So(rec.Code, ShouldEqual, http.StatusAccepted)
				So(deps.ingested, ShouldHaveLength, 1)
				e := deps.ingested[0]
				So(e.EventID, ShouldEqual, "evt-1")
				So(e.ActualStart.Minute(), ShouldEqual, 5)
				So(*e.Rating, ShouldEqual, 4)
				So(e.LateStartMinutes, ShouldEqual, 5.0)
			})
		})

		Convey("When the body is not JSON", func() {
			rec := do(mux, http.MethodPost, "/v1/events/sessions", "not json")
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the tutor id is missing", func() {
			rec := do(mux, http.MethodPost, "/v1/events/sessions", `{"event_id":"evt-1","session_number":1}`)
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When a timestamp is malformed", func() {
			body := `{"event_id":"evt-1","tutor_id":"tutor-1","session_number":1,"actual_start":"yesterday"}`
			rec := do(mux, http.MethodPost, "/v1/events/sessions", body)
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the method is wrong", func() {
			rec := do(mux, http.MethodGet, "/v1/events/sessions", "")
			So(rec.Code, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})
}

func TestTutorEndpoints(t *testing.T) {
	Convey("Given the tutor read endpoints", t, func() {
		deps := &stubDeps{
			metrics: map[model.Window]model.MetricSnapshot{
				model.Window7Day: {TutorID: "tutor-1", Window: model.Window7Day, SessionsCompleted: 4},
			},
			risk: model.RiskScore{TutorID: "tutor-1", Composite: 12.5, Level: model.RiskLow},
		}
		mux := newTestServer(deps)

		Convey("When metrics exist", func() {
			rec := do(mux, http.MethodGet, "/v1/tutors/tutor-1/metrics", "")

			Convey("Then they are returned keyed by window", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				var out map[string]model.MetricSnapshot
				So(json.Unmarshal(rec.Body.Bytes(), &out), ShouldBeNil)
				So(out["7"].SessionsCompleted, ShouldEqual, 4)
			})
		})

		Convey("When no metrics exist yet", func() {
			deps.metrics = nil
			rec := do(mux, http.MethodGet, "/v1/tutors/tutor-1/metrics", "")
			So(rec.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("When a risk score exists", func() {
			rec := do(mux, http.MethodGet, "/v1/tutors/tutor-1/risk", "")
			So(rec.Code, ShouldEqual, http.StatusOK)

			var out model.RiskScore
			So(json.Unmarshal(rec.Body.Bytes(), &out), ShouldBeNil)
			So(out.Composite, ShouldEqual, 12.5)
		})

		Convey("When the tutor was never scored", func() {
			deps.riskErr = repository.ErrNotFound
			rec := do(mux, http.MethodGet, "/v1/tutors/tutor-1/risk", "")
			So(rec.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("When the subresource is unknown", func() {
			rec := do(mux, http.MethodGet, "/v1/tutors/tutor-1/ratings", "")
			So(rec.Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestInterventionEndpoints(t *testing.T) {
	Convey("Given the intervention endpoints", t, func() {
		deps := &stubDeps{
			ivs:      []model.Intervention{{ID: "iv-1", TutorID: "tutor-1", Type: model.InterventionManagerCoaching}},
			assigned: model.Intervention{ID: "iv-1", Status: model.StatusInProgress},
		}
		mux := newTestServer(deps)

		Convey("When listing with a status filter", func() {
			rec := do(mux, http.MethodGet, "/v1/interventions?status=pending&tutor_id=tutor-1", "")

			Convey("Then the filter reaches the service", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(deps.lastFilter.Status, ShouldNotBeNil)
				So(*deps.lastFilter.Status, ShouldEqual, model.StatusPending)
				So(*deps.lastFilter.TutorID, ShouldEqual, "tutor-1")
			})
		})

		Convey("When listing with an unknown status", func() {
			rec := do(mux, http.MethodGet, "/v1/interventions?status=paused", "")
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When listing by risk level at creation", func() {
			rec := do(mux, http.MethodGet, "/v1/interventions?risk_level=critical", "")

			Convey("Then the level filter reaches the service", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(deps.lastFilter.RiskLevel, ShouldNotBeNil)
				So(*deps.lastFilter.RiskLevel, ShouldEqual, model.RiskCritical)
			})
		})

		Convey("When listing with an unknown risk level", func() {
			rec := do(mux, http.MethodGet, "/v1/interventions?risk_level=severe", "")
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When assigning", func() {
			rec := do(mux, http.MethodPost, "/v1/interventions/iv-1/assign", `{"assignee":"ops-lead"}`)
			So(rec.Code, ShouldEqual, http.StatusOK)
		})

		Convey("When assigning without an assignee", func() {
			rec := do(mux, http.MethodPost, "/v1/interventions/iv-1/assign", `{}`)
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the transition is invalid", func() {
			deps.outcomeErr = repository.ErrInvalidTransition
			rec := do(mux, http.MethodPost, "/v1/interventions/iv-1/outcome", `{"outcome":"improved"}`)
			So(rec.Code, ShouldEqual, http.StatusConflict)
		})

		Convey("When the intervention is unknown", func() {
			deps.assignErr = repository.ErrNotFound
			rec := do(mux, http.MethodPost, "/v1/interventions/missing/assign", `{"assignee":"ops-lead"}`)
			So(rec.Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestHealthEndpoints(t *testing.T) {
	Convey("Given the health endpoints", t, func() {
		health := supervisor.NewHealth(time.Minute)
		deps := &stubDeps{health: health}
		mux := newTestServer(deps)

		Convey("Then liveness always succeeds", func() {
			rec := do(mux, http.MethodGet, "/healthz", "")
			So(rec.Code, ShouldEqual, http.StatusOK)
		})

		Convey("When every stage has polled recently", func() {
			health.Register("aggregator")
			health.Polled("aggregator")

			rec := do(mux, http.MethodGet, "/readyz", "")
			So(rec.Code, ShouldEqual, http.StatusOK)
		})

		Convey("When a stage has stalled", func() {
			health.Register("aggregator")

			rec := do(mux, http.MethodGet, "/readyz", "")
			So(rec.Code, ShouldEqual, http.StatusServiceUnavailable)
		})
	})
}
