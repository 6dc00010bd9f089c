package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"watchtower/internal/incident"
	"watchtower/internal/metrics"
	"watchtower/internal/response"
	"watchtower/internal/store"
	"watchtower/pkg/models"
)

func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore(1000)

	state := response.NewContainmentState(nil)
	executor := response.NewExecutor(state, s, nil, nil, response.Config{})
	engine, err := incident.NewEngine(s, s, executor, incident.DefaultRules(), incident.Config{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	collector := metrics.NewCollector(s, s, time.Hour)

	return New(s, s, engine, executor, collector, nil), s
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGetIncidentsFiltersByStatus(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	s.SaveIncident(ctx, &models.Incident{ID: "open-1", Status: models.StatusOpen, DetectedAt: base})
	s.SaveIncident(ctx, &models.Incident{ID: "done-1", Status: models.StatusResolved, DetectedAt: base.Add(time.Minute)})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/incidents?status=open", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got []models.Incident
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].ID != "open-1" {
		t.Fatalf("expected only open-1, got %v", got)
	}
}

func TestGetIncidentByID(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	s.SaveIncident(ctx, &models.Incident{ID: "inc-1", Status: models.StatusOpen, DetectedAt: time.Now().UTC()})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/incidents/inc-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/incidents/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown incident, got %d", rec.Code)
	}
}

func TestRespondExecutesActions(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	s.SaveIncident(ctx, &models.Incident{
		ID:             "inc-1",
		Status:         models.StatusOpen,
		AffectedIP:     "203.0.113.5",
		AffectedUserID: "mallory",
		DetectedAt:     time.Now().UTC(),
	})

	body := strings.NewReader(`{"actions":["BLOCK_IP"],"executed_by":"analyst","note":"confirmed hostile"}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/incidents/inc-1/respond", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var inc models.Incident
	if err := json.Unmarshal(rec.Body.Bytes(), &inc); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if inc.Status != models.StatusInvestigating {
		t.Fatalf("expected INVESTIGATING after manual response, got %s", inc.Status)
	}
	if len(inc.ResponseResults) != 1 || inc.ResponseResults[0].Action != models.ActionBlockIP {
		t.Fatalf("unexpected response results: %v", inc.ResponseResults)
	}
}

func TestRespondRejectsEmptyActions(t *testing.T) {
	srv, s := newTestServer(t)
	s.SaveIncident(context.Background(), &models.Incident{ID: "inc-1", Status: models.StatusOpen, DetectedAt: time.Now().UTC()})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/incidents/inc-1/respond", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestResolveConflictsOnResolvedIncident(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	s.SaveIncident(ctx, &models.Incident{ID: "inc-1", Status: models.StatusOpen, DetectedAt: time.Now().UTC()})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/incidents/inc-1/resolve", strings.NewReader(`{"resolved_by":"analyst"}`)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/incidents/inc-1/resolve", strings.NewReader(`{"resolved_by":"analyst"}`)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second resolve, got %d", rec.Code)
	}
}

func TestRuleToggle(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rules/brute_force/disable", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rules", nil))
	var rules []incident.Rule
	if err := json.Unmarshal(rec.Body.Bytes(), &rules); err != nil {
		t.Fatalf("decode rules: %v", err)
	}
	found := false
	for _, r := range rules {
		if r.ID == "brute_force" {
			found = true
			if r.Enabled {
				t.Fatal("expected brute_force to be disabled")
			}
		}
	}
	if !found {
		t.Fatal("brute_force rule missing from listing")
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rules/no_such_rule/enable", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown rule, got %d", rec.Code)
	}
}

func TestGetAlertsValidatesSince(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	s.SaveAlert(ctx, &models.Alert{AlertID: "a1", Timestamp: time.Now().UTC()})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alerts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []models.Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one alert within the default window, got %d", len(got))
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alerts?since=yesterday", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad since, got %d", rec.Code)
	}
}

func TestSecurityMetricsEndpoint(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.SaveEvent(ctx, &models.SecurityEvent{ID: "1", UserID: "alice", IP: "10.0.0.1", Type: models.EventLoginFailure, RiskScore: 40, Timestamp: now.Add(-10 * time.Minute)})
	s.SaveIncident(ctx, &models.Incident{ID: "inc-1", Status: models.StatusOpen, DetectedAt: now})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/securitymetrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.FailedLoginsLastHour != 1 {
		t.Fatalf("expected one failed login, got %d", snap.FailedLoginsLastHour)
	}
	if snap.OpenIncidents != 1 {
		t.Fatalf("expected one open incident, got %d", snap.OpenIncidents)
	}
}
