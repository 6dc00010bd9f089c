package models

import "time"

// UserBehaviorProfile is a per-user behavioral baseline built from a
// rolling lookback window of historical events.
type UserBehaviorProfile struct {
	UserID            string          `json:"user_id"`
	TypicalHours      map[int]bool    `json:"typical_hours"`
	TypicalDays       map[int]bool    `json:"typical_days"`
	KnownIPs          map[string]bool `json:"known_ips"`
	TypicalEndpoints  map[string]int  `json:"typical_endpoints"`
	TypicalUserAgents map[string]bool `json:"typical_user_agents"`
	Confidence        float64         `json:"confidence"`
	SampleCount       int             `json:"sample_count"`
	LastUpdated       time.Time       `json:"last_updated"`
}

// IsStale reports whether the profile is older than maxAge.
func (p *UserBehaviorProfile) IsStale(maxAge time.Duration, now time.Time) bool {
	if p == nil {
		return true
	}
	return now.Sub(p.LastUpdated) > maxAge
}

// HasHour reports whether the hour is part of the baseline.
func (p *UserBehaviorProfile) HasHour(hour int) bool {
	return p != nil && p.TypicalHours[hour]
}

// HasDay reports whether the weekday (0=Sunday) is part of the baseline.
func (p *UserBehaviorProfile) HasDay(day time.Weekday) bool {
	return p != nil && p.TypicalDays[int(day)]
}

// HasIP reports whether the IP is a known source address.
func (p *UserBehaviorProfile) HasIP(ip string) bool {
	return p != nil && p.KnownIPs[ip]
}

// HasEndpoint reports whether the endpoint appears in the baseline.
func (p *UserBehaviorProfile) HasEndpoint(endpoint string) bool {
	if p == nil {
		return false
	}
	_, ok := p.TypicalEndpoints[endpoint]
	return ok
}

// HasUserAgent reports whether the user agent is recognized.
func (p *UserBehaviorProfile) HasUserAgent(ua string) bool {
	return p != nil && p.TypicalUserAgents[ua]
}
