package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"watchtower/internal/store"
	"watchtower/pkg/models"
)

func TestGenerateAssignsIdentityAndPersists(t *testing.T) {
	mem := store.NewMemoryStore(100)
	m := NewManager(mem, Config{})
	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	alert := m.Generate(context.Background(), models.AlertBruteForce, models.SeverityHigh,
		"Brute force login attempts", "20 failed logins", map[string]string{"ip": "203.0.113.5"}, "brute_force:203.0.113.5")

	if alert.AlertID == "" {
		t.Fatalf("expected generated alert id")
	}
	if !alert.Timestamp.Equal(fixed) {
		t.Fatalf("expected UTC timestamp %v, got %v", fixed, alert.Timestamp)
	}

	stored, err := mem.ListAlerts(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(stored) != 1 || stored[0].AlertID != alert.AlertID {
		t.Fatalf("expected one persisted alert, got %d", len(stored))
	}
}

func TestSubscribersReceiveBroadcast(t *testing.T) {
	mem := store.NewMemoryStore(100)
	m := NewManager(mem, Config{})

	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Generate(context.Background(), models.AlertErrorSpike, models.SeverityMedium,
		"System error spike", "60 errors", nil, "error_spike")

	select {
	case got := <-ch:
		if got.Type != models.AlertErrorSpike {
			t.Fatalf("expected error spike alert, got %s", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive the alert")
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	mem := store.NewMemoryStore(100)
	m := NewManager(mem, Config{SendTimeout: 20 * time.Millisecond, SubscriberBuffer: 1})

	// Never reads: the buffer takes one alert, the second delivery times out.
	m.Subscribe()
	m.Generate(context.Background(), models.AlertErrorSpike, models.SeverityMedium, "spike", "", nil, "")
	m.Generate(context.Background(), models.AlertErrorSpike, models.SeverityMedium, "spike", "", nil, "")

	deadline := time.Now().Add(2 * time.Second)
	for m.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slow subscriber was not dropped, count=%d", m.SubscriberCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	mem := store.NewMemoryStore(100)
	m := NewManager(mem, Config{})

	_, unsubscribe := m.Subscribe()
	unsubscribe()
	if m.SubscriberCount() != 0 {
		t.Fatalf("expected zero subscribers after unsubscribe")
	}
}

type recordingHandler struct {
	mu    sync.Mutex
	seen  []*models.Alert
	fail  bool
	panic bool
}

func (h *recordingHandler) HandleAlert(_ context.Context, alert *models.Alert) error {
	if h.panic {
		panic("handler exploded")
	}
	h.mu.Lock()
	h.seen = append(h.seen, alert)
	h.mu.Unlock()
	if h.fail {
		return errors.New("handler failed")
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	mem := store.NewMemoryStore(100)
	m := NewManager(mem, Config{})

	panicking := &recordingHandler{panic: true}
	failing := &recordingHandler{fail: true}
	healthy := &recordingHandler{}
	m.RegisterHandler(models.AlertBruteForce, panicking)
	m.RegisterHandler(models.AlertBruteForce, failing)
	m.RegisterHandler(models.AlertBruteForce, healthy)

	m.Generate(context.Background(), models.AlertBruteForce, models.SeverityHigh, "brute force", "", nil, "")

	if healthy.count() != 1 {
		t.Fatalf("healthy handler should run despite earlier failures, got %d calls", healthy.count())
	}
	if failing.count() != 1 {
		t.Fatalf("failing handler should still have been invoked, got %d calls", failing.count())
	}
}

func TestHandlersOnlyRunForTheirType(t *testing.T) {
	mem := store.NewMemoryStore(100)
	m := NewManager(mem, Config{})

	h := &recordingHandler{}
	m.RegisterHandler(models.AlertBruteForce, h)

	m.Generate(context.Background(), models.AlertErrorSpike, models.SeverityMedium, "spike", "", nil, "")
	if h.count() != 0 {
		t.Fatalf("handler for another type must not run, got %d calls", h.count())
	}
}
