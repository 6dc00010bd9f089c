package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"watchtower/internal/logger"
	"watchtower/internal/store"
	"watchtower/pkg/models"
)

// WatcherConfig carries the aggregate-detection thresholds.
type WatcherConfig struct {
	BruteForceWindow      time.Duration
	BruteForceThreshold   int
	EnumWindow            time.Duration
	EnumThreshold         int
	EnumEscalateThreshold int
	HighRiskWindow        time.Duration
	HighRiskScore         int
	ExcessiveWindow       time.Duration
	ExcessiveThreshold    int
	ErrorSpikeWindow      time.Duration
	ErrorSpikeThreshold   int
	// Cooldown suppresses re-alerting the same entity while the
	// triggering window still covers it.
	Cooldown time.Duration
}

func (c *WatcherConfig) applyDefaults() {
	if c.BruteForceWindow <= 0 {
		c.BruteForceWindow = time.Hour
	}
	if c.BruteForceThreshold <= 0 {
		c.BruteForceThreshold = 10
	}
	if c.EnumWindow <= 0 {
		c.EnumWindow = 15 * time.Minute
	}
	if c.EnumThreshold <= 0 {
		c.EnumThreshold = 3
	}
	if c.EnumEscalateThreshold <= 0 {
		c.EnumEscalateThreshold = 5
	}
	if c.HighRiskWindow <= 0 {
		c.HighRiskWindow = 5 * time.Minute
	}
	if c.HighRiskScore <= 0 {
		c.HighRiskScore = 70
	}
	if c.ExcessiveWindow <= 0 {
		c.ExcessiveWindow = time.Hour
	}
	if c.ExcessiveThreshold <= 0 {
		c.ExcessiveThreshold = 100
	}
	if c.ErrorSpikeWindow <= 0 {
		c.ErrorSpikeWindow = 5 * time.Minute
	}
	if c.ErrorSpikeThreshold <= 0 {
		c.ErrorSpikeThreshold = 50
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Minute
	}
}

// Watchers scan the event store for aggregate threshold crossings that no
// single-event scorer can see, and raise alerts through the manager.
type Watchers struct {
	events  store.EventStore
	manager *Manager
	cfg     WatcherConfig

	mu        sync.Mutex
	lastAlert map[string]time.Time

	now func() time.Time
}

// NewWatchers creates the aggregate watchers.
func NewWatchers(events store.EventStore, manager *Manager, cfg WatcherConfig) *Watchers {
	cfg.applyDefaults()
	return &Watchers{
		events:    events,
		manager:   manager,
		cfg:       cfg,
		lastAlert: make(map[string]time.Time),
		now:       time.Now,
	}
}

// RunAll executes every watcher once. Read failures skip the cycle; a
// failing watcher never stops the others.
func (w *Watchers) RunAll(ctx context.Context) {
	checks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"brute_force", w.checkBruteForce},
		{"enumeration", w.checkEnumeration},
		{"high_risk", w.checkHighRisk},
		{"excessive_access", w.checkExcessiveAccess},
		{"error_spike", w.checkErrorSpike},
	}
	for _, c := range checks {
		if err := c.fn(ctx); err != nil {
			logger.Warnf("watcher %s skipped cycle: %v", c.name, err)
		}
	}
}

// checkBruteForce alerts on repeated failed logins from one IP.
func (w *Watchers) checkBruteForce(ctx context.Context) error {
	now := w.now()
	events, err := w.events.QueryEvents(ctx, models.EventFilter{
		Since: now.Add(-w.cfg.BruteForceWindow),
		Types: []models.EventType{models.EventLoginFailure},
	})
	if err != nil {
		return err
	}

	byIP := make(map[string]int)
	for _, e := range events {
		if e.IP != "" {
			byIP[e.IP]++
		}
	}
	for ip, count := range byIP {
		if count < w.cfg.BruteForceThreshold {
			continue
		}
		if !w.shouldAlert("brute_force:"+ip, now) {
			continue
		}
		severity := models.SeverityHigh
		if count >= 2*w.cfg.BruteForceThreshold {
			severity = models.SeverityCritical
		}
		w.manager.Generate(ctx, models.AlertBruteForce, severity,
			"Brute force login attempts",
			fmt.Sprintf("%d failed logins from %s within %s", count, ip, w.cfg.BruteForceWindow),
			map[string]string{"ip": ip},
			"brute_force:"+ip)
	}
	return nil
}

// checkEnumeration alerts on failed logins probing distinct usernames from
// one IP, escalating past the higher threshold.
func (w *Watchers) checkEnumeration(ctx context.Context) error {
	now := w.now()
	events, err := w.events.QueryEvents(ctx, models.EventFilter{
		Since: now.Add(-w.cfg.EnumWindow),
		Types: []models.EventType{models.EventLoginFailure},
	})
	if err != nil {
		return err
	}

	usersByIP := make(map[string]map[string]struct{})
	for _, e := range events {
		username := e.Username()
		if e.IP == "" || username == "" {
			continue
		}
		if usersByIP[e.IP] == nil {
			usersByIP[e.IP] = make(map[string]struct{})
		}
		usersByIP[e.IP][username] = struct{}{}
	}
	for ip, users := range usersByIP {
		if len(users) < w.cfg.EnumThreshold {
			continue
		}
		if !w.shouldAlert("enumeration:"+ip, now) {
			continue
		}
		severity := models.SeverityMedium
		if len(users) >= w.cfg.EnumEscalateThreshold {
			severity = models.SeverityHigh
		}
		w.manager.Generate(ctx, models.AlertAccountEnumeration, severity,
			"Account enumeration",
			fmt.Sprintf("%d distinct usernames probed from %s within %s", len(users), ip, w.cfg.EnumWindow),
			map[string]string{"ip": ip},
			"enumeration:"+ip)
	}
	return nil
}

// checkHighRisk alerts on individual recent events that are both high-risk
// and flagged suspicious.
func (w *Watchers) checkHighRisk(ctx context.Context) error {
	now := w.now()
	events, err := w.events.QueryEvents(ctx, models.EventFilter{
		Since: now.Add(-w.cfg.HighRiskWindow),
	})
	if err != nil {
		return err
	}

	for _, e := range events {
		if e.RiskScore < w.cfg.HighRiskScore || !e.IsSuspicious {
			continue
		}
		if !w.shouldAlert("high_risk:"+e.ID, now) {
			continue
		}
		corr := e.CorrelationID
		if corr == "" {
			corr = "high_risk:" + e.ID
		}
		w.manager.Generate(ctx, models.AlertHighRiskEvent, models.SeverityHigh,
			"High risk event",
			fmt.Sprintf("%s event with risk score %d", e.Type, e.RiskScore),
			map[string]string{"user_id": e.UserID, "ip": e.IP, "event_id": e.ID},
			corr)
	}
	return nil
}

// checkExcessiveAccess alerts on abnormal data-access volume per user.
func (w *Watchers) checkExcessiveAccess(ctx context.Context) error {
	now := w.now()
	events, err := w.events.QueryEvents(ctx, models.EventFilter{
		Since: now.Add(-w.cfg.ExcessiveWindow),
		Types: []models.EventType{models.EventDataAccess, models.EventDataExport},
	})
	if err != nil {
		return err
	}

	byUser := make(map[string]int)
	for _, e := range events {
		if e.UserID != "" {
			byUser[e.UserID]++
		}
	}
	for userID, count := range byUser {
		if count <= w.cfg.ExcessiveThreshold {
			continue
		}
		if !w.shouldAlert("excessive:"+userID, now) {
			continue
		}
		w.manager.Generate(ctx, models.AlertExcessiveAccess, models.SeverityHigh,
			"Excessive data access",
			fmt.Sprintf("user %s touched data %d times within %s", userID, count, w.cfg.ExcessiveWindow),
			map[string]string{"user_id": userID},
			"excessive:"+userID)
	}
	return nil
}

// checkErrorSpike alerts on a burst of system errors.
func (w *Watchers) checkErrorSpike(ctx context.Context) error {
	now := w.now()
	events, err := w.events.QueryEvents(ctx, models.EventFilter{
		Since: now.Add(-w.cfg.ErrorSpikeWindow),
		Types: []models.EventType{models.EventSystemError},
	})
	if err != nil {
		return err
	}
	if len(events) <= w.cfg.ErrorSpikeThreshold {
		return nil
	}
	if !w.shouldAlert("error_spike", now) {
		return nil
	}
	w.manager.Generate(ctx, models.AlertErrorSpike, models.SeverityMedium,
		"System error spike",
		fmt.Sprintf("%d system errors within %s", len(events), w.cfg.ErrorSpikeWindow),
		nil,
		"error_spike")
	return nil
}

func (w *Watchers) shouldAlert(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.lastAlert[key]; ok && now.Sub(last) < w.cfg.Cooldown {
		return false
	}
	// Expired entries can never suppress again; drop them so per-event
	// keys do not accumulate for the life of the process.
	for k, last := range w.lastAlert {
		if now.Sub(last) >= w.cfg.Cooldown {
			delete(w.lastAlert, k)
		}
	}
	w.lastAlert[key] = now
	return true
}
