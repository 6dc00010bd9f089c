package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"watchtower/internal/alerts"
	"watchtower/internal/anomaly"
	"watchtower/internal/incident"
	"watchtower/internal/profile"
	"watchtower/internal/store"
	"watchtower/pkg/models"
)

type captureResponder struct {
	calls []models.ResponseAction
}

func (r *captureResponder) Execute(_ context.Context, _ *models.Incident, actions []models.ResponseAction, executedBy string) []models.ActionResult {
	out := make([]models.ActionResult, 0, len(actions))
	for _, a := range actions {
		r.calls = append(r.calls, a)
		out = append(out, models.ActionResult{Action: a, Success: true, ExecutedAt: time.Now().UTC(), ExecutedBy: executedBy})
	}
	return out
}

type harness struct {
	store     *store.MemoryStore
	pipe      *Pipeline
	responder *captureResponder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := store.NewMemoryStore(10000)

	builder, err := profile.NewBuilder(s, s, profile.Config{MinEvents: 50})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	scorer := anomaly.NewScorer(s, anomaly.Config{})
	mgr := alerts.NewManager(s, alerts.Config{})
	responder := &captureResponder{}
	engine, err := incident.NewEngine(s, s, responder, incident.DefaultRules(), incident.Config{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	pipe := New(nil, nil, s, builder, scorer, mgr, engine, Config{Workers: 2})
	return &harness{store: s, pipe: pipe, responder: responder}
}

// seedBaseline writes hourly events establishing a stable profile: one IP,
// one user agent, one endpoint.
func seedBaseline(t *testing.T, s *store.MemoryStore, userID string, n int, now time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		err := s.SaveEvent(ctx, &models.SecurityEvent{
			ID:        fmt.Sprintf("hist-%d", i),
			UserID:    userID,
			IP:        "10.0.0.1",
			Type:      models.EventLoginSuccess,
			Endpoint:  "/api/reports",
			Timestamp: now.Add(-time.Duration(i) * time.Hour),
			Metadata:  map[string]string{"user_agent": "cli/1.0"},
		})
		if err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}
	}
}

func TestProcessAssignsIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	event := &models.SecurityEvent{UserID: "alice", Type: models.EventLoginSuccess}
	h.pipe.Process(ctx, event)

	if event.ID == "" {
		t.Fatal("expected a generated event id")
	}
	if event.Timestamp.IsZero() {
		t.Fatal("expected a generated timestamp")
	}
	saved, err := h.store.QueryEvents(ctx, models.EventFilter{UserID: "alice"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(saved) != 1 || saved[0].ID != event.ID {
		t.Fatalf("expected the processed event to be persisted, got %v", saved)
	}
}

func TestProcessAlertsOnAnomalousEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedBaseline(t, h.store, "alice", 100, now)

	h.pipe.Process(ctx, &models.SecurityEvent{
		UserID:    "alice",
		IP:        "203.0.113.77",
		Type:      models.EventLoginSuccess,
		Endpoint:  "/api/reports",
		Timestamp: now,
		Metadata:  map[string]string{"user_agent": "cli/1.0"},
	})

	got, err := h.store.ListAlerts(ctx, time.Time{})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(got))
	}
	if got[0].Type != models.AlertAnomalousBehavior {
		t.Fatalf("expected anomalous behavior alert, got %s", got[0].Type)
	}
	if got[0].AffectedEntities["user_id"] != "alice" || got[0].AffectedEntities["ip"] != "203.0.113.77" {
		t.Fatalf("unexpected affected entities: %v", got[0].AffectedEntities)
	}

	incidents, err := h.store.ListIncidents(ctx, "")
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(incidents) != 0 {
		t.Fatalf("expected no incident for a low-risk anomaly, got %d", len(incidents))
	}
}

func TestProcessStaysQuietOnBaselineEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedBaseline(t, h.store, "alice", 100, now)

	h.pipe.Process(ctx, &models.SecurityEvent{
		UserID:    "alice",
		IP:        "10.0.0.1",
		Type:      models.EventLoginSuccess,
		Endpoint:  "/api/reports",
		Timestamp: now,
		Metadata:  map[string]string{"user_agent": "cli/1.0"},
	})

	got, err := h.store.ListAlerts(ctx, time.Time{})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no alert for baseline behavior, got %d", len(got))
	}
}

func TestProcessFailsClosedWithoutProfile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pipe.Process(ctx, &models.SecurityEvent{
		UserID:    "mallory",
		IP:        "203.0.113.77",
		Type:      models.EventLoginSuccess,
		Timestamp: time.Now().UTC(),
	})

	got, err := h.store.ListAlerts(ctx, time.Time{})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no alert without a baseline, got %d", len(got))
	}
}

func TestProcessCreatesBruteForceIncidentWithoutProfile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-10 * time.Minute)

	for i := 0; i < 11; i++ {
		h.pipe.Process(ctx, &models.SecurityEvent{
			IP:        "198.51.100.9",
			Type:      models.EventLoginFailure,
			Timestamp: base.Add(time.Duration(i) * 30 * time.Second),
			Metadata:  map[string]string{"username": "admin"},
		})
	}

	incidents, err := h.store.ListIncidents(ctx, "")
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("expected exactly one incident for the chain, got %d", len(incidents))
	}
	inc := incidents[0]
	if inc.Type != models.IncidentBruteForce {
		t.Fatalf("expected brute force incident, got %s", inc.Type)
	}
	if inc.AffectedIP != "198.51.100.9" {
		t.Fatalf("unexpected affected ip %s", inc.AffectedIP)
	}
	if inc.Status != models.StatusInvestigating {
		t.Fatalf("expected auto response to advance status, got %s", inc.Status)
	}
	if len(h.responder.calls) != 2 {
		t.Fatalf("expected one BLOCK_IP and one ALERT_ADMIN, got %v", h.responder.calls)
	}
}

// queueFeed serves a fixed batch of payloads, then signals and blocks
// until the context is cancelled.
type queueFeed struct {
	payloads [][]byte
	next     int
	drained  chan struct{}
}

func (f *queueFeed) Pop(ctx context.Context) ([]byte, error) {
	if f.next < len(f.payloads) {
		p := f.payloads[f.next]
		f.next++
		return p, nil
	}
	if f.drained != nil {
		close(f.drained)
		f.drained = nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *queueFeed) Close() error { return nil }

func TestRunDrainsInFlightEventsBeforeReturning(t *testing.T) {
	s := store.NewMemoryStore(10000)
	builder, err := profile.NewBuilder(s, s, profile.Config{MinEvents: 50})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	const n = 25
	feed := &queueFeed{drained: make(chan struct{})}
	for i := 0; i < n; i++ {
		feed.payloads = append(feed.payloads,
			[]byte(fmt.Sprintf(`{"id":"feed-%d","type":"API_REQUEST"}`, i)))
	}

	pipe := New(feed, nil, s, builder, anomaly.NewScorer(s, anomaly.Config{}), nil, nil, Config{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- pipe.Run(ctx) }()

	// Cancel only once the feed is exhausted, so shutdown races against
	// events still buffered between the reader and the workers.
	<-feed.drained
	cancel()

	select {
	case err := <-runErr:
		if err != context.Canceled {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	saved, err := s.QueryEvents(context.Background(), models.EventFilter{})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(saved) != n {
		t.Fatalf("expected all %d buffered events persisted before Run returned, got %d", n, len(saved))
	}
}

func TestParseEvent(t *testing.T) {
	event, err := parseEvent([]byte(`{"type":"LOGIN_FAILURE","ip":"10.0.0.9","metadata":{"username":"root"}}`))
	if err != nil {
		t.Fatalf("parseEvent: %v", err)
	}
	if event.Type != models.EventLoginFailure || event.IP != "10.0.0.9" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Username() != "root" {
		t.Fatalf("expected username metadata, got %q", event.Username())
	}

	if _, err := parseEvent([]byte(`{"ip":"10.0.0.9"}`)); err == nil {
		t.Fatal("expected error for event without type")
	}

	if _, err := parseEvent([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
