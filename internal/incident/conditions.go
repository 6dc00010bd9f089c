// Package incident builds event context windows, matches configured rules
// and creates incidents.
package incident

import (
	"fmt"
	"time"

	"watchtower/pkg/models"
)

// ConditionKind tags one condition variant. Conditions are a small closed
// union interpreted by Matches, so every kind gets exhaustive handling.
type ConditionKind string

const (
	// CondEventTypes requires the triggering event's type to be listed.
	CondEventTypes ConditionKind = "event_types"
	// CondMinCount requires at least MinCount related events (filtered by
	// EventTypes when given).
	CondMinCount ConditionKind = "min_count"
	// CondTimeWindow requires the filtered related events to fit inside
	// the window.
	CondTimeWindow ConditionKind = "time_window"
	// CondSameIP requires every filtered related event to share the
	// triggering event's IP.
	CondSameIP ConditionKind = "same_ip"
	// CondSameUser requires every filtered related event to share the
	// triggering event's user.
	CondSameUser ConditionKind = "same_user"
	// CondDistinctUsernames requires at least MinCount distinct usernames
	// among the filtered related events.
	CondDistinctUsernames ConditionKind = "distinct_usernames"
	// CondRiskThreshold requires any related event's risk score to reach
	// MinRiskScore.
	CondRiskThreshold ConditionKind = "risk_threshold"
	// CondIndicator requires the named risk indicator to be present.
	CondIndicator ConditionKind = "indicator"
)

// Condition is one trigger clause. All of a rule's conditions must hold.
type Condition struct {
	Kind         ConditionKind      `yaml:"kind" json:"kind"`
	EventTypes   []models.EventType `yaml:"event_types,omitempty" json:"event_types,omitempty"`
	MinCount     int                `yaml:"min_count,omitempty" json:"min_count,omitempty"`
	Window       time.Duration      `yaml:"window,omitempty" json:"window,omitempty"`
	MinRiskScore int                `yaml:"min_risk_score,omitempty" json:"min_risk_score,omitempty"`
	Indicator    string             `yaml:"indicator,omitempty" json:"indicator,omitempty"`
}

// Validate rejects malformed conditions so a bad rule can be disabled at
// load time instead of misfiring at runtime.
func (c Condition) Validate() error {
	switch c.Kind {
	case CondEventTypes:
		if len(c.EventTypes) == 0 {
			return fmt.Errorf("event_types condition lists no types")
		}
	case CondMinCount, CondDistinctUsernames:
		if c.MinCount <= 0 {
			return fmt.Errorf("%s condition needs min_count > 0", c.Kind)
		}
	case CondTimeWindow:
		if c.Window <= 0 {
			return fmt.Errorf("time_window condition needs a positive window")
		}
	case CondSameIP, CondSameUser:
		// No parameters.
	case CondRiskThreshold:
		if c.MinRiskScore <= 0 {
			return fmt.Errorf("risk_threshold condition needs min_risk_score > 0")
		}
	case CondIndicator:
		if c.Indicator == "" {
			return fmt.Errorf("indicator condition names no indicator")
		}
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// Matches interprets the condition against the triggering event and its
// context window.
func (c Condition) Matches(event *models.SecurityEvent, ctx *Context) bool {
	switch c.Kind {
	case CondEventTypes:
		for _, t := range c.EventTypes {
			if event.Type == t {
				return true
			}
		}
		return false

	case CondMinCount:
		return len(c.filtered(ctx)) >= c.MinCount

	case CondTimeWindow:
		events := c.filtered(ctx)
		if len(events) == 0 {
			return false
		}
		return span(events) <= c.Window

	case CondSameIP:
		if event.IP == "" {
			return false
		}
		for _, e := range c.filtered(ctx) {
			if e.IP != event.IP {
				return false
			}
		}
		return true

	case CondSameUser:
		if event.UserID == "" {
			return false
		}
		for _, e := range c.filtered(ctx) {
			if e.UserID != event.UserID {
				return false
			}
		}
		return true

	case CondDistinctUsernames:
		seen := make(map[string]struct{})
		for _, e := range c.filtered(ctx) {
			if u := e.Username(); u != "" {
				seen[u] = struct{}{}
			}
		}
		return len(seen) >= c.MinCount

	case CondRiskThreshold:
		for _, e := range ctx.RelatedEvents {
			if e.RiskScore >= c.MinRiskScore {
				return true
			}
		}
		return false

	case CondIndicator:
		for _, ind := range ctx.RiskIndicators {
			if ind == c.Indicator {
				return true
			}
		}
		return false
	}
	return false
}

// filtered returns the context events narrowed to the condition's event
// types; an empty type list keeps everything.
func (c Condition) filtered(ctx *Context) []*models.SecurityEvent {
	if len(c.EventTypes) == 0 {
		return ctx.RelatedEvents
	}
	out := make([]*models.SecurityEvent, 0, len(ctx.RelatedEvents))
	for _, e := range ctx.RelatedEvents {
		for _, t := range c.EventTypes {
			if e.Type == t {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func span(events []*models.SecurityEvent) time.Duration {
	first := events[0].Timestamp
	last := events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	return last.Sub(first)
}
