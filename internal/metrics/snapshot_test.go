package metrics

import (
	"context"
	"testing"
	"time"

	"watchtower/internal/store"
	"watchtower/pkg/models"
)

func TestCollectSummarizesWindow(t *testing.T) {
	s := store.NewMemoryStore(1000)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := []*models.SecurityEvent{
		{ID: "1", SessionID: "s1", IP: "10.0.0.1", Type: models.EventLoginFailure, RiskScore: 20, Timestamp: now.Add(-10 * time.Minute)},
		{ID: "2", SessionID: "s1", IP: "10.0.0.1", Type: models.EventLoginFailure, RiskScore: 20, Timestamp: now.Add(-9 * time.Minute)},
		{ID: "3", SessionID: "s2", IP: "203.0.113.9", Type: models.EventLoginSuccess, RiskScore: 85, IsSuspicious: true, Timestamp: now.Add(-5 * time.Minute)},
		// Outside the window, must not count.
		{ID: "4", IP: "10.0.0.1", Type: models.EventLoginFailure, RiskScore: 99, Timestamp: now.Add(-3 * time.Hour)},
	}
	for _, e := range seed {
		if err := s.SaveEvent(ctx, e); err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}
	}
	s.SaveIncident(ctx, &models.Incident{ID: "inc-1", Status: models.StatusOpen, DetectedAt: now})
	s.SaveIncident(ctx, &models.Incident{ID: "inc-2", Status: models.StatusResolved, DetectedAt: now})

	snap, err := NewCollector(s, s, time.Hour).Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if snap.ActiveSessions != 2 {
		t.Fatalf("expected 2 active sessions, got %d", snap.ActiveSessions)
	}
	if snap.FailedLoginsLastHour != 2 {
		t.Fatalf("expected 2 failed logins, got %d", snap.FailedLoginsLastHour)
	}
	if snap.SuspiciousActivities != 1 {
		t.Fatalf("expected 1 suspicious activity, got %d", snap.SuspiciousActivities)
	}
	if snap.OpenIncidents != 1 {
		t.Fatalf("expected 1 open incident, got %d", snap.OpenIncidents)
	}
	want := float64(20+20+85) / 3
	if snap.AvgRiskScore != want {
		t.Fatalf("expected avg risk %.2f, got %.2f", want, snap.AvgRiskScore)
	}
	if len(snap.TopRiskIPs) != 2 || snap.TopRiskIPs[0].IP != "203.0.113.9" {
		t.Fatalf("expected 203.0.113.9 ranked first, got %v", snap.TopRiskIPs)
	}
	if snap.TopRiskIPs[1].TotalRisk != 40 || snap.TopRiskIPs[1].Events != 2 {
		t.Fatalf("unexpected aggregation for 10.0.0.1: %+v", snap.TopRiskIPs[1])
	}
}
