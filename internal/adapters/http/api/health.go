// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutorhq/retention/pkg/metrics"
)

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports pipeline readiness: every stage must have polled
// recently. The per-stage detail is included for operators.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	h := s.deps.Health()
	status := http.StatusOK
	state := "ready"
	if !h.Ready() {
		status = http.StatusServiceUnavailable
		state = "stalled"
	}
	writeJSON(w, status, map[string]any{
		"status": state,
		"stages": h.Snapshot(),
	})
}

// handleMetrics serves the custom Prometheus registry.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
