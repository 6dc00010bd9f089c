package incident

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"watchtower/internal/logger"
	"watchtower/internal/secerrors"
	"watchtower/pkg/models"
)

// Rule defines one incident trigger: ordered conditions plus the containment
// actions to run when it fires. Rules are admin-mutable config.
type Rule struct {
	ID                string                  `yaml:"id" json:"id"`
	IncidentType      models.IncidentType     `yaml:"incident_type" json:"incident_type"`
	Description       string                  `yaml:"description,omitempty" json:"description,omitempty"`
	Conditions        []Condition             `yaml:"conditions" json:"conditions"`
	Actions           []models.ResponseAction `yaml:"actions" json:"actions"`
	SeverityThreshold models.Severity         `yaml:"severity_threshold" json:"severity_threshold"`
	AutoExecute       bool                    `yaml:"auto_execute" json:"auto_execute"`
	Enabled           bool                    `yaml:"enabled" json:"enabled"`
}

// RuleSet is the YAML shape of a rules file.
type RuleSet struct {
	Version int    `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Validate checks rule shape; a failing rule is disabled, not fatal.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return &secerrors.ConfigError{RuleID: "?", Err: fmt.Errorf("rule has no id")}
	}
	if r.IncidentType == "" {
		return &secerrors.ConfigError{RuleID: r.ID, Err: fmt.Errorf("rule names no incident type")}
	}
	if len(r.Conditions) == 0 {
		return &secerrors.ConfigError{RuleID: r.ID, Err: fmt.Errorf("rule has no conditions")}
	}
	for _, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return &secerrors.ConfigError{RuleID: r.ID, Err: err}
		}
	}
	for _, a := range r.Actions {
		if !knownAction(a) {
			return &secerrors.ConfigError{RuleID: r.ID, Err: fmt.Errorf("unknown action %q", a)}
		}
	}
	return nil
}

func knownAction(a models.ResponseAction) bool {
	switch a {
	case models.ActionBlockIP, models.ActionUnblockIP,
		models.ActionLockAccount, models.ActionUnlockAccount,
		models.ActionTerminateSession, models.ActionQuarantineUser,
		models.ActionRateLimitUser, models.ActionAlertAdmin,
		models.ActionRequireMFA, models.ActionLogEnhanced,
		models.ActionDisableAPIAccess, models.ActionForcePasswordReset,
		models.ActionMonitorClosely, models.ActionRequireReauth:
		return true
	}
	return false
}

// LoadRuleSet reads rules from a YAML file. Invalid rules are disabled and
// logged; valid ones keep working.
func LoadRuleSet(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	for i := range rs.Rules {
		r := &rs.Rules[i]
		if strings.TrimSpace(r.ID) == "" {
			r.ID = fmt.Sprintf("rule-%d", i+1)
		}
		if r.SeverityThreshold == "" {
			r.SeverityThreshold = models.SeverityMedium
		}
		if err := r.Validate(); err != nil {
			logger.Warnf("rule %s disabled: %v", r.ID, err)
			r.Enabled = false
		}
	}
	return rs.Rules, nil
}

// DefaultRules returns the built-in detection rules, evaluated in order.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:           "brute_force",
			IncidentType: models.IncidentBruteForce,
			Description:  "Repeated failed logins from one address",
			Conditions: []Condition{
				{Kind: CondEventTypes, EventTypes: []models.EventType{models.EventLoginFailure}},
				{Kind: CondMinCount, EventTypes: []models.EventType{models.EventLoginFailure}, MinCount: 10},
				{Kind: CondTimeWindow, EventTypes: []models.EventType{models.EventLoginFailure}, Window: time.Hour},
				{Kind: CondSameIP, EventTypes: []models.EventType{models.EventLoginFailure}},
			},
			Actions:           []models.ResponseAction{models.ActionBlockIP, models.ActionAlertAdmin},
			SeverityThreshold: models.SeverityHigh,
			AutoExecute:       true,
			Enabled:           true,
		},
		{
			ID:           "account_enum",
			IncidentType: models.IncidentAccountEnumeration,
			Description:  "Many usernames probed from one address",
			Conditions: []Condition{
				{Kind: CondEventTypes, EventTypes: []models.EventType{models.EventLoginFailure}},
				{Kind: CondDistinctUsernames, EventTypes: []models.EventType{models.EventLoginFailure}, MinCount: 5},
				{Kind: CondTimeWindow, EventTypes: []models.EventType{models.EventLoginFailure}, Window: 15 * time.Minute},
				{Kind: CondSameIP, EventTypes: []models.EventType{models.EventLoginFailure}},
			},
			Actions:           []models.ResponseAction{models.ActionBlockIP, models.ActionRateLimitUser},
			SeverityThreshold: models.SeverityHigh,
			AutoExecute:       true,
			Enabled:           true,
		},
		{
			ID:           "privilege_escalation",
			IncidentType: models.IncidentPrivilegeEscalation,
			Description:  "Repeated denied or changed privileges for one account",
			Conditions: []Condition{
				{Kind: CondEventTypes, EventTypes: []models.EventType{models.EventPermissionDenied, models.EventPrivilegeChange}},
				{Kind: CondMinCount, EventTypes: []models.EventType{models.EventPermissionDenied, models.EventPrivilegeChange}, MinCount: 3},
				{Kind: CondSameUser, EventTypes: []models.EventType{models.EventPermissionDenied, models.EventPrivilegeChange}},
			},
			Actions:           []models.ResponseAction{models.ActionQuarantineUser, models.ActionAlertAdmin, models.ActionLogEnhanced},
			SeverityThreshold: models.SeverityCritical,
			AutoExecute:       false,
			Enabled:           true,
		},
		{
			ID:           "data_exfiltration",
			IncidentType: models.IncidentDataExfiltration,
			Description:  "Bulk data export by one account",
			Conditions: []Condition{
				{Kind: CondEventTypes, EventTypes: []models.EventType{models.EventDataExport}},
				{Kind: CondMinCount, EventTypes: []models.EventType{models.EventDataExport}, MinCount: 5},
				{Kind: CondTimeWindow, EventTypes: []models.EventType{models.EventDataExport}, Window: time.Hour},
				{Kind: CondSameUser, EventTypes: []models.EventType{models.EventDataExport}},
			},
			Actions:           []models.ResponseAction{models.ActionQuarantineUser, models.ActionAlertAdmin, models.ActionDisableAPIAccess},
			SeverityThreshold: models.SeverityCritical,
			AutoExecute:       false,
			Enabled:           true,
		},
		{
			ID:           "suspicious_login",
			IncidentType: models.IncidentSuspiciousLogin,
			Description:  "Successful login carrying high-risk signals",
			Conditions: []Condition{
				{Kind: CondEventTypes, EventTypes: []models.EventType{models.EventLoginSuccess}},
				{Kind: CondRiskThreshold, MinRiskScore: 70},
				{Kind: CondIndicator, Indicator: IndicatorSuspiciousActivities},
			},
			Actions:           []models.ResponseAction{models.ActionRequireMFA, models.ActionAlertAdmin},
			SeverityThreshold: models.SeverityHigh,
			AutoExecute:       true,
			Enabled:           true,
		},
	}
}
