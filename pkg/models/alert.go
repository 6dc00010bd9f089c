package models

import "time"

// AlertType classifies a raised alert.
type AlertType string

const (
	AlertBruteForce         AlertType = "BRUTE_FORCE"
	AlertAccountEnumeration AlertType = "ACCOUNT_ENUMERATION"
	AlertHighRiskEvent      AlertType = "HIGH_RISK_EVENT"
	AlertExcessiveAccess    AlertType = "EXCESSIVE_ACCESS"
	AlertErrorSpike         AlertType = "ERROR_SPIKE"
	AlertAnomalousBehavior  AlertType = "ANOMALOUS_BEHAVIOR"
	AlertAdminNotice        AlertType = "ADMIN_NOTIFICATION"
)

// Alert describes one triggered detection condition. Alerts are created
// once, broadcast immediately and never mutated.
type Alert struct {
	AlertID          string            `json:"id"`
	Type             AlertType         `json:"alert_type"`
	Severity         Severity          `json:"severity"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	AffectedEntities map[string]string `json:"affected_entities,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	CorrelationID    string            `json:"correlation_id,omitempty"`
}
