// Package store defines the persistence contracts the detection core relies
// on, with in-memory, Redis and PostgreSQL implementations.
package store

import (
	"context"
	"time"

	"watchtower/pkg/models"
)

// EventStore persists and queries security events. QueryEvents returns
// events ordered ascending by timestamp.
type EventStore interface {
	SaveEvent(ctx context.Context, event *models.SecurityEvent) error
	QueryEvents(ctx context.Context, filter models.EventFilter) ([]*models.SecurityEvent, error)
}

// ProfileStore persists behavioral baselines.
type ProfileStore interface {
	SaveProfile(ctx context.Context, profile *models.UserBehaviorProfile) error
	// GetProfile returns secerrors.ErrNotFound when no profile exists.
	GetProfile(ctx context.Context, userID string) (*models.UserBehaviorProfile, error)
	// ActiveUserIDs returns users with events since the given time, for
	// the periodic profile refresh sweep.
	ActiveUserIDs(ctx context.Context, since time.Time) ([]string, error)
}

// IncidentStore persists incidents and the correlation-id index.
type IncidentStore interface {
	SaveIncident(ctx context.Context, incident *models.Incident) error
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	// GetIncidentByCorrelation returns secerrors.ErrNotFound when the
	// correlation id maps to no incident.
	GetIncidentByCorrelation(ctx context.Context, correlationID string) (*models.Incident, error)
	// ListIncidents filters by status; empty status lists everything.
	ListIncidents(ctx context.Context, status models.IncidentStatus) ([]*models.Incident, error)
	UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus) error
}

// AlertStore persists raised alerts.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *models.Alert) error
	ListAlerts(ctx context.Context, since time.Time) ([]*models.Alert, error)
}
