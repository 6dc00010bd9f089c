package models

// Severity ranks how serious a detection or incident is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityWeight returns a comparable rank for a severity level.
func SeverityWeight(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AnomalyType names one independent anomaly signal.
type AnomalyType string

const (
	AnomalyTemporal      AnomalyType = "temporal"
	AnomalyGeographic    AnomalyType = "geographic"
	AnomalyBehavioral    AnomalyType = "behavioral"
	AnomalyAccessPattern AnomalyType = "access_pattern"
	AnomalyVolume        AnomalyType = "volume"
)

// AnomalyScore is one signal's assessment of a single event.
type AnomalyScore struct {
	Type       AnomalyType `json:"type"`
	Score      float64     `json:"score"`
	Confidence float64     `json:"confidence"`
	Severity   Severity    `json:"severity"`
	Factors    []string    `json:"factors,omitempty"`
}

// DetectionResult aggregates all anomaly signals for one event.
type DetectionResult struct {
	EventID            string           `json:"event_id"`
	UserID             string           `json:"user_id,omitempty"`
	OverallRisk        float64          `json:"overall_risk"`
	IsAnomalous        bool             `json:"is_anomalous"`
	Scores             []AnomalyScore   `json:"scores,omitempty"`
	RecommendedActions []ResponseAction `json:"recommended_actions,omitempty"`
}
