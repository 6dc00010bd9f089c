package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"watchtower/internal/secerrors"
	"watchtower/pkg/models"
)

// MemoryStore is a thread-safe in-memory implementation of all store
// contracts. It backs tests and single-node deployments without external
// infrastructure. Events are kept in a bounded buffer, oldest dropped first.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*models.SecurityEvent
	maxEvents int
	profiles  map[string]*models.UserBehaviorProfile
	incidents map[string]*models.Incident
	byCorr    map[string]string
	alerts    []*models.Alert
}

// NewMemoryStore creates a memory store holding at most maxEvents events.
func NewMemoryStore(maxEvents int) *MemoryStore {
	if maxEvents <= 0 {
		maxEvents = 100000
	}
	return &MemoryStore{
		maxEvents: maxEvents,
		profiles:  make(map[string]*models.UserBehaviorProfile),
		incidents: make(map[string]*models.Incident),
		byCorr:    make(map[string]string),
	}
}

// SaveEvent appends an event, evicting the oldest past capacity.
func (s *MemoryStore) SaveEvent(_ context.Context, event *models.SecurityEvent) error {
	if event == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if len(s.events) > s.maxEvents {
		s.events = s.events[len(s.events)-s.maxEvents:]
	}
	return nil
}

// QueryEvents returns matching events ordered ascending by timestamp.
func (s *MemoryStore) QueryEvents(_ context.Context, filter models.EventFilter) ([]*models.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.SecurityEvent, 0, 64)
	for _, e := range s.events {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// SaveProfile stores or replaces a behavior profile.
func (s *MemoryStore) SaveProfile(_ context.Context, profile *models.UserBehaviorProfile) error {
	if profile == nil || profile.UserID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.UserID] = profile
	return nil
}

// GetProfile returns the stored profile for a user.
func (s *MemoryStore) GetProfile(_ context.Context, userID string) (*models.UserBehaviorProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, secerrors.ErrNotFound
	}
	return p, nil
}

// ActiveUserIDs returns distinct user ids with events since the given time.
func (s *MemoryStore) ActiveUserIDs(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range s.events {
		if e.UserID == "" || e.Timestamp.Before(since) {
			continue
		}
		seen[e.UserID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// SaveIncident stores an incident and indexes its correlation id.
func (s *MemoryStore) SaveIncident(_ context.Context, incident *models.Incident) error {
	if incident == nil || incident.ID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[incident.ID] = incident
	if incident.CorrelationID != "" {
		s.byCorr[incident.CorrelationID] = incident.ID
	}
	return nil
}

// GetIncident returns an incident by id.
func (s *MemoryStore) GetIncident(_ context.Context, id string) (*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, secerrors.ErrNotFound
	}
	return inc, nil
}

// GetIncidentByCorrelation returns the incident owning a correlation id.
func (s *MemoryStore) GetIncidentByCorrelation(_ context.Context, correlationID string) (*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCorr[correlationID]
	if !ok {
		return nil, secerrors.ErrNotFound
	}
	inc, ok := s.incidents[id]
	if !ok {
		return nil, secerrors.ErrNotFound
	}
	return inc, nil
}

// ListIncidents returns incidents, optionally filtered by status, newest first.
func (s *MemoryStore) ListIncidents(_ context.Context, status models.IncidentStatus) ([]*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if status != "" && inc.Status != status {
			continue
		}
		out = append(out, inc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out, nil
}

// UpdateIncidentStatus advances an incident's status. Backward moves are
// rejected with ErrInvalidTransition.
func (s *MemoryStore) UpdateIncidentStatus(_ context.Context, id string, status models.IncidentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return secerrors.ErrNotFound
	}
	if !inc.Status.CanTransition(status) {
		return secerrors.ErrInvalidTransition
	}
	inc.Status = status
	return nil
}

// SaveAlert appends an alert.
func (s *MemoryStore) SaveAlert(_ context.Context, alert *models.Alert) error {
	if alert == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	if len(s.alerts) > s.maxEvents {
		s.alerts = s.alerts[len(s.alerts)-s.maxEvents:]
	}
	return nil
}

// ListAlerts returns alerts raised at or after since, oldest first.
func (s *MemoryStore) ListAlerts(_ context.Context, since time.Time) ([]*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if !since.IsZero() && a.Timestamp.Before(since) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
