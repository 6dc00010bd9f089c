package metrics

import (
	"context"
	"sort"
	"time"

	"watchtower/internal/store"
	"watchtower/pkg/models"
)

// Snapshot summarizes the current security posture.
type Snapshot struct {
	ActiveSessions       int           `json:"active_sessions"`
	FailedLoginsLastHour int           `json:"failed_logins_last_hour"`
	SuspiciousActivities int           `json:"suspicious_activities"`
	OpenIncidents        int           `json:"open_incidents"`
	AvgRiskScore         float64       `json:"avg_risk_score"`
	TopRiskIPs           []IPRiskEntry `json:"top_risk_ips"`
	GeneratedAt          time.Time     `json:"generated_at"`
}

// IPRiskEntry is one source IP ranked by accumulated risk.
type IPRiskEntry struct {
	IP        string `json:"ip"`
	TotalRisk int    `json:"total_risk"`
	Events    int    `json:"events"`
}

// Collector computes snapshots from the event and incident stores.
type Collector struct {
	events    store.EventStore
	incidents store.IncidentStore
	window    time.Duration
	topN      int
}

// NewCollector creates a snapshot collector over a trailing window.
func NewCollector(events store.EventStore, incidents store.IncidentStore, window time.Duration) *Collector {
	if window <= 0 {
		window = time.Hour
	}
	return &Collector{events: events, incidents: incidents, window: window, topN: 10}
}

// Collect builds a snapshot over the collector's trailing window.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	now := time.Now().UTC()
	since := now.Add(-c.window)

	events, err := c.events.QueryEvents(ctx, models.EventFilter{Since: since, Until: now})
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{GeneratedAt: now}
	sessions := make(map[string]bool)
	type ipAgg struct {
		risk   int
		events int
	}
	ipRisks := make(map[string]*ipAgg)
	totalRisk := 0

	for _, ev := range events {
		if ev.SessionID != "" {
			sessions[ev.SessionID] = true
		}
		if ev.Type == models.EventLoginFailure && ev.Timestamp.After(now.Add(-time.Hour)) {
			snap.FailedLoginsLastHour++
		}
		if ev.IsSuspicious {
			snap.SuspiciousActivities++
		}
		totalRisk += ev.RiskScore
		if ev.IP != "" {
			agg := ipRisks[ev.IP]
			if agg == nil {
				agg = &ipAgg{}
				ipRisks[ev.IP] = agg
			}
			agg.risk += ev.RiskScore
			agg.events++
		}
	}

	snap.ActiveSessions = len(sessions)
	if len(events) > 0 {
		snap.AvgRiskScore = float64(totalRisk) / float64(len(events))
	}

	for ip, agg := range ipRisks {
		snap.TopRiskIPs = append(snap.TopRiskIPs, IPRiskEntry{IP: ip, TotalRisk: agg.risk, Events: agg.events})
	}
	sort.Slice(snap.TopRiskIPs, func(i, j int) bool {
		if snap.TopRiskIPs[i].TotalRisk != snap.TopRiskIPs[j].TotalRisk {
			return snap.TopRiskIPs[i].TotalRisk > snap.TopRiskIPs[j].TotalRisk
		}
		return snap.TopRiskIPs[i].IP < snap.TopRiskIPs[j].IP
	})
	if len(snap.TopRiskIPs) > c.topN {
		snap.TopRiskIPs = snap.TopRiskIPs[:c.topN]
	}

	if c.incidents != nil {
		all, err := c.incidents.ListIncidents(ctx, "")
		if err == nil {
			for _, inc := range all {
				if inc.Status != models.StatusResolved {
					snap.OpenIncidents++
				}
			}
			OpenIncidents.Set(float64(snap.OpenIncidents))
		}
	}

	return snap, nil
}
