package models

import "time"

// EventType classifies a security event.
type EventType string

const (
	EventLoginSuccess     EventType = "LOGIN_SUCCESS"
	EventLoginFailure     EventType = "LOGIN_FAILURE"
	EventLogout           EventType = "LOGOUT"
	EventAPIRequest       EventType = "API_REQUEST"
	EventDataAccess       EventType = "DATA_ACCESS"
	EventDataExport       EventType = "DATA_EXPORT"
	EventPermissionDenied EventType = "PERMISSION_DENIED"
	EventPrivilegeChange  EventType = "PRIVILEGE_CHANGE"
	EventPasswordChange   EventType = "PASSWORD_CHANGE"
	EventMFAChallenge     EventType = "MFA_CHALLENGE"
	EventSystemError      EventType = "SYSTEM_ERROR"
)

// SecurityEvent is one observed security-relevant action. Events are
// produced by collaborators and never mutated after ingestion.
type SecurityEvent struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	UserID        string            `json:"user_id,omitempty"`
	IP            string            `json:"ip,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Type          EventType         `json:"type"`
	Endpoint      string            `json:"endpoint,omitempty"`
	Method        string            `json:"method,omitempty"`
	RiskScore     int               `json:"risk_score"`
	IsSuspicious  bool              `json:"is_suspicious"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Meta returns a metadata value or empty string.
func (e *SecurityEvent) Meta(key string) string {
	if e == nil || e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// UserAgent returns the user_agent metadata field.
func (e *SecurityEvent) UserAgent() string {
	return e.Meta("user_agent")
}

// Username returns the attempted username for login events.
func (e *SecurityEvent) Username() string {
	return e.Meta("username")
}

// EventFilter selects events from the event store. Zero fields match
// everything; Types empty means all types.
type EventFilter struct {
	UserID    string
	IP        string
	SessionID string
	Since     time.Time
	Until     time.Time
	Types     []EventType
}

// Matches reports whether an event satisfies the filter.
func (f EventFilter) Matches(e *SecurityEvent) bool {
	if e == nil {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.IP != "" && e.IP != f.IP {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
