package models

import "time"

// IncidentType classifies a detected incident.
type IncidentType string

const (
	IncidentBruteForce          IncidentType = "BRUTE_FORCE_LOGIN"
	IncidentAccountEnumeration  IncidentType = "ACCOUNT_ENUMERATION"
	IncidentPrivilegeEscalation IncidentType = "PRIVILEGE_ESCALATION"
	IncidentDataExfiltration    IncidentType = "DATA_EXFILTRATION"
	IncidentSuspiciousLogin     IncidentType = "SUSPICIOUS_LOGIN"
)

// IncidentStatus is the incident lifecycle state. Status only advances
// forward: OPEN -> INVESTIGATING -> RESOLVED, or OPEN -> RESOLVED.
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "OPEN"
	StatusInvestigating IncidentStatus = "INVESTIGATING"
	StatusResolved      IncidentStatus = "RESOLVED"
)

// CanTransition reports whether moving to next is a legal forward step.
func (s IncidentStatus) CanTransition(next IncidentStatus) bool {
	switch s {
	case StatusOpen:
		return next == StatusInvestigating || next == StatusResolved
	case StatusInvestigating:
		return next == StatusResolved
	default:
		return false
	}
}

// ResponseAction is a containment or mitigation command. All actions are
// idempotent and reversible.
type ResponseAction string

const (
	ActionBlockIP            ResponseAction = "BLOCK_IP"
	ActionUnblockIP          ResponseAction = "UNBLOCK_IP"
	ActionLockAccount        ResponseAction = "LOCK_ACCOUNT"
	ActionUnlockAccount      ResponseAction = "UNLOCK_ACCOUNT"
	ActionTerminateSession   ResponseAction = "TERMINATE_SESSION"
	ActionQuarantineUser     ResponseAction = "QUARANTINE_USER"
	ActionRateLimitUser      ResponseAction = "RATE_LIMIT_USER"
	ActionAlertAdmin         ResponseAction = "ALERT_ADMIN"
	ActionRequireMFA         ResponseAction = "REQUIRE_MFA"
	ActionLogEnhanced        ResponseAction = "LOG_ENHANCED"
	ActionDisableAPIAccess   ResponseAction = "DISABLE_API_ACCESS"
	ActionForcePasswordReset ResponseAction = "FORCE_PASSWORD_RESET"
	ActionMonitorClosely     ResponseAction = "MONITOR_CLOSELY"
	ActionRequireReauth      ResponseAction = "REQUIRE_REAUTH"
)

// ActionResult records the outcome of one containment action attempt.
type ActionResult struct {
	Action     ResponseAction `json:"action"`
	Success    bool           `json:"success"`
	Detail     string         `json:"detail,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
	ExecutedBy string         `json:"executed_by,omitempty"`
}

// Incident is one confirmed security incident. Event counts and span are
// frozen at creation time; only status, notes and response results change.
type Incident struct {
	ID                  string           `json:"id"`
	Type                IncidentType     `json:"type"`
	Severity            Severity         `json:"severity"`
	Status              IncidentStatus   `json:"status"`
	AffectedUserID      string           `json:"affected_user_id,omitempty"`
	AffectedIP          string           `json:"affected_ip,omitempty"`
	DetectedAt          time.Time        `json:"detected_at"`
	FirstEventAt        time.Time        `json:"first_event_at"`
	LastEventAt         time.Time        `json:"last_event_at"`
	EventCount          int              `json:"event_count"`
	RiskScore           float64          `json:"risk_score"`
	CorrelationID       string           `json:"correlation_id"`
	RuleID              string           `json:"rule_id,omitempty"`
	AutoResponseActions []ResponseAction `json:"auto_response_actions,omitempty"`
	ResponseResults     []ActionResult   `json:"response_results,omitempty"`
	ManualNotes         []string         `json:"manual_notes,omitempty"`
}
