package alerts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"watchtower/internal/store"
	"watchtower/pkg/models"
)

func seedFailedLogins(t *testing.T, mem *store.MemoryStore, ip string, count int, base time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < count; i++ {
		err := mem.SaveEvent(ctx, &models.SecurityEvent{
			ID:        fmt.Sprintf("fail-%s-%d", ip, i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			UserID:    "alice",
			IP:        ip,
			Type:      models.EventLoginFailure,
			Metadata:  map[string]string{"username": "alice"},
		})
		if err != nil {
			t.Fatalf("save event: %v", err)
		}
	}
}

func TestBruteForceWatcherAlertsAtThreshold(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemoryStore(1000)
	m := NewManager(mem, Config{})
	w := NewWatchers(mem, m, WatcherConfig{})
	w.now = func() time.Time { return now }

	seedFailedLogins(t, mem, "203.0.113.5", 10, now.Add(-10*time.Minute))
	seedFailedLogins(t, mem, "198.51.100.7", 9, now.Add(-10*time.Minute))

	w.RunAll(context.Background())

	alerts, err := mem.ListAlerts(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	var bruteForce []*models.Alert
	for _, a := range alerts {
		if a.Type == models.AlertBruteForce {
			bruteForce = append(bruteForce, a)
		}
	}
	if len(bruteForce) != 1 {
		t.Fatalf("expected exactly one brute force alert, got %d", len(bruteForce))
	}
	if bruteForce[0].AffectedEntities["ip"] != "203.0.113.5" {
		t.Fatalf("expected alert for 203.0.113.5, got %v", bruteForce[0].AffectedEntities)
	}
	if bruteForce[0].Severity != models.SeverityHigh {
		t.Fatalf("expected high severity at threshold, got %s", bruteForce[0].Severity)
	}
}

func TestBruteForceWatcherEscalatesAtDoubleThreshold(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemoryStore(1000)
	m := NewManager(mem, Config{})
	w := NewWatchers(mem, m, WatcherConfig{})
	w.now = func() time.Time { return now }

	seedFailedLogins(t, mem, "203.0.113.5", 20, now.Add(-20*time.Minute))
	w.RunAll(context.Background())

	alerts, _ := mem.ListAlerts(context.Background(), time.Time{})
	found := false
	for _, a := range alerts {
		if a.Type == models.AlertBruteForce {
			found = true
			if a.Severity != models.SeverityCritical {
				t.Fatalf("expected critical severity at double threshold, got %s", a.Severity)
			}
		}
	}
	if !found {
		t.Fatalf("expected a brute force alert")
	}
}

func TestWatcherCooldownSuppressesRepeatAlerts(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemoryStore(1000)
	m := NewManager(mem, Config{})
	w := NewWatchers(mem, m, WatcherConfig{Cooldown: 10 * time.Minute})
	current := now
	w.now = func() time.Time { return current }

	seedFailedLogins(t, mem, "203.0.113.5", 12, now.Add(-10*time.Minute))

	w.RunAll(context.Background())
	current = now.Add(1 * time.Minute)
	w.RunAll(context.Background())

	alerts, _ := mem.ListAlerts(context.Background(), time.Time{})
	count := 0
	for _, a := range alerts {
		if a.Type == models.AlertBruteForce {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected cooldown to suppress the second alert, got %d", count)
	}

	// Past the cooldown the same condition may alert again.
	current = now.Add(11 * time.Minute)
	w.RunAll(context.Background())
	alerts, _ = mem.ListAlerts(context.Background(), time.Time{})
	count = 0
	for _, a := range alerts {
		if a.Type == models.AlertBruteForce {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected a fresh alert after cooldown, got %d", count)
	}
}

func TestCooldownEntriesArePrunedAfterExpiry(t *testing.T) {
	mem := store.NewMemoryStore(10)
	m := NewManager(mem, Config{})
	w := NewWatchers(mem, m, WatcherConfig{Cooldown: 10 * time.Minute})

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		if !w.shouldAlert(fmt.Sprintf("high_risk:ev-%d", i), base) {
			t.Fatalf("fresh key %d unexpectedly suppressed", i)
		}
	}

	// Per-event keys must not accumulate for the life of the process; a
	// pass after expiry drops every stale entry.
	if !w.shouldAlert("brute_force:203.0.113.5", base.Add(11*time.Minute)) {
		t.Fatalf("expired cooldown still suppressing")
	}

	w.mu.Lock()
	size := len(w.lastAlert)
	w.mu.Unlock()
	if size != 1 {
		t.Fatalf("expected stale cooldown entries pruned, got %d live", size)
	}
}

func TestEnumerationWatcherCountsDistinctUsernames(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemoryStore(1000)
	ctx := context.Background()
	m := NewManager(mem, Config{})
	w := NewWatchers(mem, m, WatcherConfig{})
	w.now = func() time.Time { return now }

	// Five distinct usernames from one IP inside the window: past the
	// escalation threshold.
	for i := 0; i < 5; i++ {
		mem.SaveEvent(ctx, &models.SecurityEvent{
			ID:        fmt.Sprintf("enum-%d", i),
			Timestamp: now.Add(-5 * time.Minute),
			IP:        "203.0.113.9",
			Type:      models.EventLoginFailure,
			Metadata:  map[string]string{"username": fmt.Sprintf("user%d", i)},
		})
	}

	w.RunAll(ctx)

	alerts, _ := mem.ListAlerts(ctx, time.Time{})
	var enum *models.Alert
	for _, a := range alerts {
		if a.Type == models.AlertAccountEnumeration {
			enum = a
		}
	}
	if enum == nil {
		t.Fatalf("expected an enumeration alert")
	}
	if enum.Severity != models.SeverityHigh {
		t.Fatalf("expected escalated severity at 5 usernames, got %s", enum.Severity)
	}
}

func TestHighRiskWatcherRequiresSuspiciousFlag(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemoryStore(1000)
	ctx := context.Background()
	m := NewManager(mem, Config{})
	w := NewWatchers(mem, m, WatcherConfig{})
	w.now = func() time.Time { return now }

	mem.SaveEvent(ctx, &models.SecurityEvent{
		ID:        "risky-clean",
		Timestamp: now.Add(-time.Minute),
		UserID:    "alice",
		Type:      models.EventAPIRequest,
		RiskScore: 85,
	})
	mem.SaveEvent(ctx, &models.SecurityEvent{
		ID:           "risky-flagged",
		Timestamp:    now.Add(-time.Minute),
		UserID:       "bob",
		Type:         models.EventAPIRequest,
		RiskScore:    85,
		IsSuspicious: true,
	})

	w.RunAll(ctx)

	alerts, _ := mem.ListAlerts(ctx, time.Time{})
	count := 0
	for _, a := range alerts {
		if a.Type == models.AlertHighRiskEvent {
			count++
			if a.AffectedEntities["user_id"] != "bob" {
				t.Fatalf("expected alert for the flagged event, got %v", a.AffectedEntities)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected one high risk alert, got %d", count)
	}
}
