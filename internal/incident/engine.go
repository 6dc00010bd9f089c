package incident

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"watchtower/internal/logger"
	"watchtower/internal/metrics"
	"watchtower/internal/secerrors"
	"watchtower/internal/store"
	"watchtower/pkg/models"
)

// Risk indicator names derived from a context window.
const (
	IndicatorMultipleSourceIPs     = "multiple_source_ips"
	IndicatorMultipleAffectedUsers = "multiple_affected_users"
	IndicatorHighRiskEvents        = "high_risk_events"
	IndicatorSuspiciousActivities  = "suspicious_activities"
)

// Context is the event window around one triggering event, computed fresh
// per evaluation.
type Context struct {
	RelatedEvents   []*models.SecurityEvent
	AffectedUsers   []string
	SourceIPs       []string
	TimeSpan        time.Duration
	EventTypeCounts map[models.EventType]int
	RiskIndicators  []string
}

// Responder executes containment actions for an incident. Implemented by
// the response executor; the indirection keeps this package free of
// containment wiring.
type Responder interface {
	Execute(ctx context.Context, incident *models.Incident, actions []models.ResponseAction, executedBy string) []models.ActionResult
}

// Config controls the rule engine.
type Config struct {
	// ContextWindow is the trailing window for related-event lookup.
	ContextWindow time.Duration
	// DedupeCacheSize bounds the in-process correlation-id cache.
	DedupeCacheSize int
}

// Engine evaluates configured rules against events and their context
// windows. The first matching rule creates exactly one incident; an event
// whose correlation id already owns an incident is skipped.
type Engine struct {
	events    store.EventStore
	incidents store.IncidentStore
	responder Responder
	cfg       Config

	mu    sync.RWMutex
	rules []Rule

	corrSeen *lru.Cache[string, string]
	now      func() time.Time
}

// NewEngine creates a rule engine with the given rules, in order.
func NewEngine(events store.EventStore, incidents store.IncidentStore, responder Responder, rules []Rule, cfg Config) (*Engine, error) {
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 2 * time.Hour
	}
	if cfg.DedupeCacheSize <= 0 {
		cfg.DedupeCacheSize = 8192
	}
	corrSeen, err := lru.New[string, string](cfg.DedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create correlation cache: %w", err)
	}

	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			logger.Warnf("rule %s disabled: %v", rules[i].ID, err)
			rules[i].Enabled = false
		}
	}

	return &Engine{
		events:    events,
		incidents: incidents,
		responder: responder,
		cfg:       cfg,
		rules:     rules,
		corrSeen:  corrSeen,
		now:       time.Now,
	}, nil
}

// Rules returns a snapshot of the configured rules.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// SetRuleEnabled toggles one rule by id.
func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID == id {
			e.rules[i].Enabled = enabled
			return nil
		}
	}
	return secerrors.ErrNotFound
}

// Evaluate matches the event against the rules. Returns the created
// incident, or nil when no rule fired or the correlation id is already
// covered.
func (e *Engine) Evaluate(ctx context.Context, event *models.SecurityEvent) (*models.Incident, error) {
	if event == nil {
		return nil, nil
	}

	if event.CorrelationID != "" && e.correlationCovered(ctx, event.CorrelationID) {
		return nil, nil
	}

	window, err := e.BuildContext(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("build incident context: %w", err)
	}

	e.mu.RLock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if !matchesAll(rule, event, window) {
			continue
		}

		corrID := event.CorrelationID
		if corrID == "" {
			corrID = fallbackCorrelation(rule, event)
		}
		// The fallback key can collide with an incident created for an
		// earlier event of the same chain; that is the dedup working.
		if e.correlationCovered(ctx, corrID) {
			return nil, nil
		}

		inc := e.buildIncident(rule, event, window, corrID)
		if err := secerrors.Retry(ctx, 3, 100*time.Millisecond, func() error {
			return e.incidents.SaveIncident(ctx, inc)
		}); err != nil {
			return nil, fmt.Errorf("persist incident: %w", err)
		}
		e.corrSeen.Add(corrID, inc.ID)
		metrics.IncidentsCreated.Inc()
		logger.Infof("incident %s created: %s rule=%s corr=%s", inc.ID, inc.Type, rule.ID, corrID)

		if rule.AutoExecute && e.responder != nil {
			results := e.responder.Execute(ctx, inc, rule.Actions, "auto")
			inc.ResponseResults = append(inc.ResponseResults, results...)
			if anySucceeded(results) && inc.Status == models.StatusOpen {
				inc.Status = models.StatusInvestigating
			}
			if err := e.incidents.SaveIncident(ctx, inc); err != nil {
				logger.Errorf("incident %s update after auto-response failed: %v", inc.ID, err)
			}
		}
		// Only the first matching rule fires per event.
		return inc, nil
	}
	return nil, nil
}

// BuildContext collects all events in the trailing window sharing the
// triggering event's user, IP or session, and derives risk indicators.
func (e *Engine) BuildContext(ctx context.Context, event *models.SecurityEvent) (*Context, error) {
	until := event.Timestamp
	if until.IsZero() {
		until = e.now()
	}
	since := until.Add(-e.cfg.ContextWindow)

	seen := make(map[string]*models.SecurityEvent)
	filters := make([]models.EventFilter, 0, 3)
	if event.UserID != "" {
		filters = append(filters, models.EventFilter{UserID: event.UserID, Since: since, Until: until})
	}
	if event.IP != "" {
		filters = append(filters, models.EventFilter{IP: event.IP, Since: since, Until: until})
	}
	if event.SessionID != "" {
		filters = append(filters, models.EventFilter{SessionID: event.SessionID, Since: since, Until: until})
	}

	for _, f := range filters {
		matched, err := e.events.QueryEvents(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, m := range matched {
			seen[m.ID] = m
		}
	}
	if _, ok := seen[event.ID]; !ok {
		seen[event.ID] = event
	}

	related := make([]*models.SecurityEvent, 0, len(seen))
	for _, m := range seen {
		related = append(related, m)
	}
	sortByTime(related)

	w := &Context{
		RelatedEvents:   related,
		EventTypeCounts: make(map[models.EventType]int),
	}

	users := make(map[string]struct{})
	ips := make(map[string]struct{})
	highRisk := false
	suspicious := false
	for _, m := range related {
		w.EventTypeCounts[m.Type]++
		if m.UserID != "" {
			users[m.UserID] = struct{}{}
		}
		if m.IP != "" {
			ips[m.IP] = struct{}{}
		}
		if m.RiskScore > 80 {
			highRisk = true
		}
		if m.IsSuspicious {
			suspicious = true
		}
	}
	for u := range users {
		w.AffectedUsers = append(w.AffectedUsers, u)
	}
	for ip := range ips {
		w.SourceIPs = append(w.SourceIPs, ip)
	}
	if len(related) > 0 {
		w.TimeSpan = related[len(related)-1].Timestamp.Sub(related[0].Timestamp)
	}

	if len(w.SourceIPs) > 3 {
		w.RiskIndicators = append(w.RiskIndicators, IndicatorMultipleSourceIPs)
	}
	if len(w.AffectedUsers) > 5 {
		w.RiskIndicators = append(w.RiskIndicators, IndicatorMultipleAffectedUsers)
	}
	if highRisk {
		w.RiskIndicators = append(w.RiskIndicators, IndicatorHighRiskEvents)
	}
	if suspicious {
		w.RiskIndicators = append(w.RiskIndicators, IndicatorSuspiciousActivities)
	}
	return w, nil
}

func (e *Engine) correlationCovered(ctx context.Context, corrID string) bool {
	if _, ok := e.corrSeen.Get(corrID); ok {
		return true
	}
	_, err := e.incidents.GetIncidentByCorrelation(ctx, corrID)
	if err == nil {
		e.corrSeen.Add(corrID, "")
		return true
	}
	if !errors.Is(err, secerrors.ErrNotFound) {
		// A store read failure must not double-create; treat unknown as
		// covered and let a later evaluation retry.
		logger.Warnf("correlation lookup for %s failed: %v", corrID, err)
		return true
	}
	return false
}

func (e *Engine) buildIncident(rule Rule, event *models.SecurityEvent, window *Context, corrID string) *models.Incident {
	first := event.Timestamp
	last := event.Timestamp
	maxRisk := 0
	for _, m := range window.RelatedEvents {
		if m.Timestamp.Before(first) {
			first = m.Timestamp
		}
		if m.Timestamp.After(last) {
			last = m.Timestamp
		}
		if m.RiskScore > maxRisk {
			maxRisk = m.RiskScore
		}
	}

	severity := bandFromRisk(maxRisk)
	if models.SeverityWeight(rule.SeverityThreshold) > models.SeverityWeight(severity) {
		severity = rule.SeverityThreshold
	}

	return &models.Incident{
		ID:                  uuid.NewString(),
		Type:                rule.IncidentType,
		Severity:            severity,
		Status:              models.StatusOpen,
		AffectedUserID:      event.UserID,
		AffectedIP:          event.IP,
		DetectedAt:          e.now().UTC(),
		FirstEventAt:        first,
		LastEventAt:         last,
		EventCount:          len(window.RelatedEvents),
		RiskScore:           float64(maxRisk) / 100,
		CorrelationID:       corrID,
		RuleID:              rule.ID,
		AutoResponseActions: append([]models.ResponseAction(nil), rule.Actions...),
	}
}

func matchesAll(rule Rule, event *models.SecurityEvent, window *Context) bool {
	for _, c := range rule.Conditions {
		if !c.Matches(event, window) {
			return false
		}
	}
	return true
}

func fallbackCorrelation(rule Rule, event *models.SecurityEvent) string {
	entity := event.IP
	if entity == "" {
		entity = event.UserID
	}
	if entity == "" {
		entity = event.ID
	}
	return fmt.Sprintf("%s:%s", rule.IncidentType, entity)
}

func anySucceeded(results []models.ActionResult) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}

func bandFromRisk(risk int) models.Severity {
	switch {
	case risk >= 90:
		return models.SeverityCritical
	case risk >= 70:
		return models.SeverityHigh
	case risk >= 40:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func sortByTime(events []*models.SecurityEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
