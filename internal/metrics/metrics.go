// Package metrics exposes Prometheus counters and the security
// metrics snapshot served by the admin API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_events_ingested_total",
		Help: "Total number of security events ingested",
	})
	AnomaliesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_anomalies_detected_total",
		Help: "Total number of events that crossed the anomaly gate",
	})
	AlertsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_alerts_generated_total",
		Help: "Total number of alerts generated",
	})
	IncidentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_incidents_created_total",
		Help: "Total number of incidents created",
	})
	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_response_actions_total",
		Help: "Response actions executed, by action and outcome",
	}, []string{"action", "outcome"})
	ProfilesRebuilt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_profiles_rebuilt_total",
		Help: "Total number of behavior profile rebuilds",
	})
	OpenIncidents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchtower_open_incidents",
		Help: "Incidents currently not resolved",
	})
	AlertSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchtower_alert_subscribers",
		Help: "Connected live alert subscribers",
	})
)
