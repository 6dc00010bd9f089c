// Package api exposes the admin HTTP surface.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"watchtower/internal/incident"
	"watchtower/internal/logger"
	"watchtower/internal/metrics"
	"watchtower/internal/response"
	"watchtower/internal/secerrors"
	"watchtower/internal/store"
	"watchtower/pkg/models"
)

// Server serves the incident, alert, rule and metrics endpoints.
type Server struct {
	mux       *http.ServeMux
	incidents store.IncidentStore
	alerts    store.AlertStore
	engine    *incident.Engine
	executor  *response.Executor
	collector *metrics.Collector
	alertFeed http.Handler
}

// New creates the admin server. The alert feed handler is optional; when
// set it is mounted at /alerts/stream.
func New(incidents store.IncidentStore, alertStore store.AlertStore, engine *incident.Engine, executor *response.Executor, collector *metrics.Collector, alertFeed http.Handler) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		incidents: incidents,
		alerts:    alertStore,
		engine:    engine,
		executor:  executor,
		collector: collector,
		alertFeed: alertFeed,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/securitymetrics", s.getSecurityMetrics)

	s.mux.HandleFunc("/incidents", s.getIncidents)
	s.mux.HandleFunc("/incidents/", s.incidentDispatch) // /incidents/{id}[/respond|/resolve]

	s.mux.HandleFunc("/rules", s.getRules)
	s.mux.HandleFunc("/rules/", s.ruleDispatch) // /rules/{id}/enable|disable

	s.mux.HandleFunc("/alerts", s.getAlerts)
	if s.alertFeed != nil {
		s.mux.Handle("/alerts/stream", s.alertFeed)
	}

	s.mux.HandleFunc("/containment", s.getContainment)
	s.mux.HandleFunc("/audit", s.getAudit)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) getSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		http.Error(w, "metrics collector not configured", http.StatusServiceUnavailable)
		return
	}
	snap, err := s.collector.Collect(r.Context())
	if err != nil {
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := models.IncidentStatus(strings.ToUpper(r.URL.Query().Get("status")))
	incidents, err := s.incidents.ListIncidents(r.Context(), status)
	if err != nil {
		http.Error(w, "list incidents failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) incidentDispatch(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/incidents/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		inc, err := s.incidents.GetIncident(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inc)
		return
	}

	switch parts[1] {
	case "respond":
		s.postRespond(w, r, id)
	case "resolve":
		s.postResolve(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

type respondRequest struct {
	Actions    []models.ResponseAction `json:"actions"`
	ExecutedBy string                  `json:"executed_by"`
	Note       string                  `json:"note"`
}

func (s *Server) postRespond(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Actions) == 0 {
		http.Error(w, "actions are required", http.StatusBadRequest)
		return
	}
	if req.ExecutedBy == "" {
		req.ExecutedBy = "admin"
	}

	inc, err := s.executor.ExecuteManualResponse(r.Context(), id, req.Actions, req.ExecutedBy, req.Note)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Note       string `json:"note"`
}

func (s *Server) postResolve(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "admin"
	}

	if err := s.executor.ResolveIncident(r.Context(), id, req.ResolvedBy, req.Note); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Rules())
}

func (s *Server) ruleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/rules/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	var enabled bool
	switch parts[1] {
	case "enable":
		enabled = true
	case "disable":
		enabled = false
	default:
		http.NotFound(w, r)
		return
	}

	if err := s.engine.SetRuleEnabled(parts[0], enabled); err != nil {
		writeStoreError(w, err)
		return
	}
	logger.Infof("rule %s enabled=%v via admin API", parts[0], enabled)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	alerts, err := s.alerts.ListAlerts(r.Context(), since)
	if err != nil {
		http.Error(w, "list alerts failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) getContainment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.executor.State().Snapshot())
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.executor.AuditTrail())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("response encode failed: %v", err)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, secerrors.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, secerrors.ErrInvalidTransition):
		http.Error(w, "invalid status transition", http.StatusConflict)
	case errors.Is(err, secerrors.ErrUnsupportedAction):
		http.Error(w, "unsupported action", http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
