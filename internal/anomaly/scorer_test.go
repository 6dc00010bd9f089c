package anomaly

import (
	"context"
	"fmt"
	"testing"
	"time"

	"watchtower/internal/store"
	"watchtower/pkg/models"
)

func baselineProfile(confidence float64) *models.UserBehaviorProfile {
	return &models.UserBehaviorProfile{
		UserID:            "alice",
		TypicalHours:      map[int]bool{9: true, 10: true, 11: true},
		TypicalDays:       map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true},
		KnownIPs:          map[string]bool{"10.0.0.1": true},
		TypicalEndpoints:  map[string]int{"/api/reports": 80},
		TypicalUserAgents: map[string]bool{"cli/1.0": true},
		Confidence:        confidence,
		SampleCount:       100,
		LastUpdated:       time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
	}
}

func TestIPSimilaritySharedPrefix(t *testing.T) {
	if got := IPSimilarity("192.168.1.10", "192.168.1.20"); got != 0.75 {
		t.Fatalf("expected similarity 0.75, got %v", got)
	}
	if got := IPSimilarity("10.0.0.1", "10.0.0.1"); got != 1 {
		t.Fatalf("expected identical addresses to score 1, got %v", got)
	}
	if got := IPSimilarity("10.0.0.1", "203.0.113.5"); got != 0 {
		t.Fatalf("expected disjoint addresses to score 0, got %v", got)
	}
}

func TestUnknownDistantIPIsAnomalous(t *testing.T) {
	mem := store.NewMemoryStore(100)
	s := NewScorer(mem, Config{})

	// Tuesday 10:00, typical hour and day: only the geographic signal
	// fires, and it alone must clear the verdict gate.
	event := &models.SecurityEvent{
		ID:        "ev-1",
		Timestamp: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		UserID:    "alice",
		IP:        "203.0.113.50",
		Type:      models.EventLoginSuccess,
	}

	result, err := s.Analyze(context.Background(), event, baselineProfile(1))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result == nil {
		t.Fatalf("expected a detection result")
	}
	if !result.IsAnomalous {
		t.Fatalf("expected anomalous verdict, got overall %v", result.OverallRisk)
	}
	if len(result.Scores) != 1 || result.Scores[0].Type != models.AnomalyGeographic {
		t.Fatalf("expected a single geographic signal, got %+v", result.Scores)
	}
	if result.Scores[0].Severity != models.SeverityHigh {
		t.Fatalf("expected high severity below 0.5 similarity, got %s", result.Scores[0].Severity)
	}
}

func TestLowConfidenceProfileSuppressesVerdict(t *testing.T) {
	mem := store.NewMemoryStore(100)
	s := NewScorer(mem, Config{})

	event := &models.SecurityEvent{
		ID:        "ev-2",
		Timestamp: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		UserID:    "alice",
		IP:        "203.0.113.50",
		Type:      models.EventLoginSuccess,
	}

	result, err := s.Analyze(context.Background(), event, baselineProfile(0.5))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result == nil {
		t.Fatalf("expected a detection result")
	}
	if result.IsAnomalous {
		t.Fatalf("half-confidence baseline should not produce a verdict, overall %v", result.OverallRisk)
	}
}

func TestVerdictFlipsExactlyAtRiskThreshold(t *testing.T) {
	mem := store.NewMemoryStore(1000)
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	// 40 events over the trailing hour against an expected rate of one
	// per hour: the volume ratio saturates the signal score at 1.0.
	for i := 0; i < 40; i++ {
		mem.SaveEvent(ctx, &models.SecurityEvent{
			ID:        fmt.Sprintf("vol-%d", i),
			Timestamp: ts.Add(-time.Duration(i+1) * time.Minute),
			UserID:    "alice",
			Type:      models.EventAPIRequest,
		})
	}

	s := NewScorer(mem, Config{})
	event := &models.SecurityEvent{
		ID:        "ev-boundary",
		Timestamp: ts,
		UserID:    "alice",
		Type:      models.EventAPIRequest,
	}

	// No IP, no endpoint, typical hour and day: only the volume signal
	// fires. 720 samples over a 30-day lookback put the expected rate at
	// exactly one event per hour.
	p := baselineProfile(1)
	p.SampleCount = 720

	result, err := s.Analyze(ctx, event, p)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result == nil || len(result.Scores) != 1 || result.Scores[0].Type != models.AnomalyVolume {
		t.Fatalf("expected a single volume signal, got %+v", result)
	}
	if result.OverallRisk != 0.70 {
		t.Fatalf("expected overall risk exactly 0.70, got %v", result.OverallRisk)
	}
	if !result.IsAnomalous {
		t.Fatalf("overall risk 0.70 must be anomalous")
	}

	// A fractional confidence dip lands the weighted risk just under the
	// threshold while staying far above the confidence floor.
	below := baselineProfile(0.999999)
	below.SampleCount = 720

	result, err = s.Analyze(ctx, event, below)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result == nil || result.OverallRisk >= 0.70 {
		t.Fatalf("expected overall risk just below 0.70, got %+v", result)
	}
	if result.IsAnomalous {
		t.Fatalf("overall risk %v below the threshold must not be anomalous", result.OverallRisk)
	}
}

func TestNearbyIPIsNotFlagged(t *testing.T) {
	mem := store.NewMemoryStore(100)
	s := NewScorer(mem, Config{})

	event := &models.SecurityEvent{
		ID:        "ev-3",
		Timestamp: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		UserID:    "alice",
		IP:        "10.0.0.1",
		Type:      models.EventLoginSuccess,
	}

	result, err := s.Analyze(context.Background(), event, baselineProfile(1))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result != nil {
		t.Fatalf("known address at a typical time should produce no signals, got %+v", result.Scores)
	}
}

func TestTemporalSignalAloneStaysBelowGate(t *testing.T) {
	mem := store.NewMemoryStore(100)
	s := NewScorer(mem, Config{})

	// Sunday 03:00 from the known address: off-hour, off-day and night
	// window all fire, but temporal risk is weighted at 0.6.
	event := &models.SecurityEvent{
		ID:        "ev-4",
		Timestamp: time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC),
		UserID:    "alice",
		IP:        "10.0.0.1",
		Type:      models.EventLoginSuccess,
	}

	result, err := s.Analyze(context.Background(), event, baselineProfile(1))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result == nil {
		t.Fatalf("expected a detection result")
	}
	if result.IsAnomalous {
		t.Fatalf("temporal signal alone must not cross the gate, overall %v", result.OverallRisk)
	}
	if result.OverallRisk != 0.6 {
		t.Fatalf("expected overall 0.6 from a saturated temporal signal, got %v", result.OverallRisk)
	}
}

func TestNewIPAtUnusualHourRecommendsContainment(t *testing.T) {
	mem := store.NewMemoryStore(100)
	s := NewScorer(mem, Config{})

	// Unknown distant address during the night window.
	event := &models.SecurityEvent{
		ID:        "ev-5",
		Timestamp: time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC),
		UserID:    "alice",
		IP:        "203.0.113.50",
		Type:      models.EventLoginSuccess,
	}

	result, err := s.Analyze(context.Background(), event, baselineProfile(1))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result == nil || !result.IsAnomalous {
		t.Fatalf("expected anomalous verdict, got %+v", result)
	}

	types := map[models.AnomalyType]bool{}
	for _, sc := range result.Scores {
		types[sc.Type] = true
	}
	if !types[models.AnomalyGeographic] || !types[models.AnomalyTemporal] {
		t.Fatalf("expected geographic and temporal signals, got %+v", result.Scores)
	}

	if !hasAction(result.RecommendedActions, models.ActionLockAccount) {
		t.Fatalf("expected account lock at risk >= 0.9, got %v", result.RecommendedActions)
	}
	if !hasAction(result.RecommendedActions, models.ActionRequireMFA) {
		t.Fatalf("expected MFA requirement for geographic anomaly, got %v", result.RecommendedActions)
	}
}

func TestScoringIsDeterministic(t *testing.T) {
	mem := store.NewMemoryStore(100)
	s := NewScorer(mem, Config{})

	event := &models.SecurityEvent{
		ID:        "ev-6",
		Timestamp: time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC),
		UserID:    "alice",
		IP:        "203.0.113.50",
		Endpoint:  "/admin/users",
		Type:      models.EventAPIRequest,
	}

	first, err := s.Analyze(context.Background(), event, baselineProfile(1))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := s.Analyze(context.Background(), event, baselineProfile(1))
		if err != nil {
			t.Fatalf("analyze run %d: %v", i, err)
		}
		if again.OverallRisk != first.OverallRisk || again.IsAnomalous != first.IsAnomalous || len(again.Scores) != len(first.Scores) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}

func TestBurstOfEventsRaisesBehavioralSignal(t *testing.T) {
	mem := store.NewMemoryStore(1000)
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 12; i++ {
		mem.SaveEvent(ctx, &models.SecurityEvent{
			ID:        fmt.Sprintf("burst-%d", i),
			Timestamp: ts.Add(-500 * time.Millisecond),
			UserID:    "alice",
			IP:        "10.0.0.1",
			Type:      models.EventAPIRequest,
		})
	}

	s := NewScorer(mem, Config{})
	event := &models.SecurityEvent{
		ID:        "ev-7",
		Timestamp: ts,
		UserID:    "alice",
		IP:        "10.0.0.1",
		Type:      models.EventAPIRequest,
	}

	result, err := s.Analyze(ctx, event, baselineProfile(1))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result == nil {
		t.Fatalf("expected a detection result")
	}
	found := false
	for _, sc := range result.Scores {
		if sc.Type == models.AnomalyBehavioral {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected behavioral signal for a sub-second burst, got %+v", result.Scores)
	}
}

func hasAction(actions []models.ResponseAction, want models.ResponseAction) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}
