// Package anomaly scores single events against behavioral baselines using
// explainable heuristics. No trained models: every score carries the factors
// that produced it.
package anomaly

import (
	"context"
	"fmt"
	"strings"
	"time"

	"watchtower/internal/store"
	"watchtower/pkg/models"
)

// Config controls scoring thresholds.
type Config struct {
	// RiskThreshold is the minimum aggregated risk for an anomalous verdict.
	RiskThreshold float64
	// ConfidenceFloor is the minimum individual signal confidence required
	// alongside the risk threshold.
	ConfidenceFloor float64
	// LookbackDays mirrors the profile lookback, used to derive the
	// expected hourly event volume from a profile's sample count.
	LookbackDays int
	// StaticHourlyCeiling is the expected events/hour when no profile
	// volume baseline applies.
	StaticHourlyCeiling float64
}

// Fixed per-signal aggregation weights. Aggregation takes the max weighted
// score rather than the sum so correlated signals cannot inflate risk, while
// any single strong signal still escalates.
var typeWeights = map[models.AnomalyType]float64{
	models.AnomalyGeographic:    0.9,
	models.AnomalyBehavioral:    0.8,
	models.AnomalyAccessPattern: 0.8,
	models.AnomalyVolume:        0.7,
	models.AnomalyTemporal:      0.6,
}

var sensitivePathFragments = []string{"admin", "export", "delete", "config"}

// Scorer evaluates one event across independent anomaly signals.
type Scorer struct {
	events store.EventStore
	cfg    Config
	now    func() time.Time
}

// NewScorer creates a scorer over the given event store.
func NewScorer(events store.EventStore, cfg Config) *Scorer {
	if cfg.RiskThreshold <= 0 {
		cfg.RiskThreshold = 0.70
	}
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = 0.60
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 30
	}
	if cfg.StaticHourlyCeiling <= 0 {
		cfg.StaticHourlyCeiling = 100
	}
	return &Scorer{events: events, cfg: cfg, now: time.Now}
}

// Analyze scores the event against the profile. Returns nil when no signal
// fired at all; otherwise a DetectionResult whose IsAnomalous verdict
// requires both the risk threshold and the confidence floor to pass.
func (s *Scorer) Analyze(ctx context.Context, event *models.SecurityEvent, p *models.UserBehaviorProfile) (*models.DetectionResult, error) {
	if event == nil || p == nil {
		return nil, nil
	}

	scores := make([]models.AnomalyScore, 0, 5)
	if sc := s.scoreTemporal(event, p); sc != nil {
		scores = append(scores, *sc)
	}
	if sc := s.scoreGeographic(event, p); sc != nil {
		scores = append(scores, *sc)
	}
	if sc, err := s.scoreBehavioral(ctx, event, p); err == nil && sc != nil {
		scores = append(scores, *sc)
	}
	if sc := s.scoreAccessPattern(event, p); sc != nil {
		scores = append(scores, *sc)
	}
	if sc, err := s.scoreVolume(ctx, event, p); err == nil && sc != nil {
		scores = append(scores, *sc)
	}

	if len(scores) == 0 {
		return nil, nil
	}

	overall := 0.0
	maxConfidence := 0.0
	for _, sc := range scores {
		weighted := sc.Score * sc.Confidence * typeWeights[sc.Type]
		if weighted > overall {
			overall = weighted
		}
		if sc.Confidence > maxConfidence {
			maxConfidence = sc.Confidence
		}
	}

	result := &models.DetectionResult{
		EventID:     event.ID,
		UserID:      event.UserID,
		OverallRisk: overall,
		IsAnomalous: overall >= s.cfg.RiskThreshold && maxConfidence >= s.cfg.ConfidenceFloor,
		Scores:      scores,
	}
	result.RecommendedActions = recommendActions(overall, scores)
	return result, nil
}

func (s *Scorer) scoreTemporal(event *models.SecurityEvent, p *models.UserBehaviorProfile) *models.AnomalyScore {
	if len(p.TypicalHours) == 0 && len(p.TypicalDays) == 0 {
		return nil
	}

	score := 0.0
	var factors []string
	hour := event.Timestamp.Hour()

	if len(p.TypicalHours) > 0 && !p.HasHour(hour) {
		score += 0.4
		factors = append(factors, fmt.Sprintf("hour %02d outside typical hours", hour))
	}
	if len(p.TypicalDays) > 0 && !p.HasDay(event.Timestamp.Weekday()) {
		score += 0.3
		factors = append(factors, fmt.Sprintf("%s outside typical days", event.Timestamp.Weekday()))
	}
	if hour >= 2 && hour <= 6 {
		score += 0.3
		factors = append(factors, "activity during night window")
	}
	if score == 0 {
		return nil
	}
	if score > 1 {
		score = 1
	}
	return &models.AnomalyScore{
		Type:       models.AnomalyTemporal,
		Score:      score,
		Confidence: p.Confidence,
		Severity:   bandSeverity(score),
		Factors:    factors,
	}
}

func (s *Scorer) scoreGeographic(event *models.SecurityEvent, p *models.UserBehaviorProfile) *models.AnomalyScore {
	if event.IP == "" || len(p.KnownIPs) == 0 {
		return nil
	}

	best := 0.0
	for known := range p.KnownIPs {
		if sim := IPSimilarity(event.IP, known); sim > best {
			best = sim
		}
	}
	if best >= 0.8 {
		return nil
	}

	severity := models.SeverityMedium
	if best < 0.5 {
		severity = models.SeverityHigh
	}
	return &models.AnomalyScore{
		Type:       models.AnomalyGeographic,
		Score:      1 - best,
		Confidence: p.Confidence,
		Severity:   severity,
		Factors:    []string{fmt.Sprintf("ip %s best similarity %.2f to known addresses", event.IP, best)},
	}
}

func (s *Scorer) scoreBehavioral(ctx context.Context, event *models.SecurityEvent, p *models.UserBehaviorProfile) (*models.AnomalyScore, error) {
	score := 0.0
	var factors []string

	if ua := event.UserAgent(); ua != "" && len(p.TypicalUserAgents) > 0 && !p.HasUserAgent(ua) {
		score += 0.3
		factors = append(factors, "unrecognized user agent")
	}

	if event.UserID != "" {
		recent, err := s.events.QueryEvents(ctx, models.EventFilter{
			UserID: event.UserID,
			Since:  event.Timestamp.Add(-time.Second),
			Until:  event.Timestamp,
		})
		if err != nil {
			return nil, err
		}
		if len(recent) > 10 {
			score += 0.5
			factors = append(factors, fmt.Sprintf("%d events within one second", len(recent)))
		}
	}

	if score == 0 {
		return nil, nil
	}
	if score > 1 {
		score = 1
	}
	return &models.AnomalyScore{
		Type:       models.AnomalyBehavioral,
		Score:      score,
		Confidence: p.Confidence,
		Severity:   bandSeverity(score),
		Factors:    factors,
	}, nil
}

func (s *Scorer) scoreAccessPattern(event *models.SecurityEvent, p *models.UserBehaviorProfile) *models.AnomalyScore {
	if event.Endpoint == "" {
		return nil
	}

	score := 0.0
	var factors []string

	if len(p.TypicalEndpoints) > 0 && !p.HasEndpoint(event.Endpoint) {
		score += 0.4
		factors = append(factors, fmt.Sprintf("endpoint %s outside baseline", event.Endpoint))
	}
	lower := strings.ToLower(event.Endpoint)
	for _, fragment := range sensitivePathFragments {
		if strings.Contains(lower, fragment) {
			score += 0.3
			factors = append(factors, fmt.Sprintf("sensitive path (%s)", fragment))
			break
		}
	}

	if score == 0 {
		return nil
	}
	return &models.AnomalyScore{
		Type:       models.AnomalyAccessPattern,
		Score:      score,
		Confidence: p.Confidence,
		Severity:   bandSeverity(score),
		Factors:    factors,
	}
}

func (s *Scorer) scoreVolume(ctx context.Context, event *models.SecurityEvent, p *models.UserBehaviorProfile) (*models.AnomalyScore, error) {
	if event.UserID == "" {
		return nil, nil
	}

	recent, err := s.events.QueryEvents(ctx, models.EventFilter{
		UserID: event.UserID,
		Since:  event.Timestamp.Add(-time.Hour),
		Until:  event.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	actual := float64(len(recent))

	expected := s.cfg.StaticHourlyCeiling
	confidence := 0.5
	if p.SampleCount > 0 {
		perHour := float64(p.SampleCount) / float64(s.cfg.LookbackDays*24)
		if perHour > 1 {
			expected = perHour
		} else {
			expected = 1
		}
		confidence = p.Confidence
	}

	ratio := actual / expected
	if ratio <= 3 {
		return nil, nil
	}
	score := ratio / 10
	if score > 1 {
		score = 1
	}
	return &models.AnomalyScore{
		Type:       models.AnomalyVolume,
		Score:      score,
		Confidence: confidence,
		Severity:   bandSeverity(score),
		Factors:    []string{fmt.Sprintf("%.0f events/hour against expected %.1f", actual, expected)},
	}, nil
}

// IPSimilarity returns the fraction of matching dotted segments between two
// addresses, position by position.
func IPSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	aParts := strings.Split(a, ".")
	bParts := strings.Split(b, ".")
	n := len(aParts)
	if len(bParts) > n {
		n = len(bParts)
	}
	if n == 0 {
		return 0
	}
	matches := 0
	for i := 0; i < len(aParts) && i < len(bParts); i++ {
		if aParts[i] == bParts[i] {
			matches++
		}
	}
	return float64(matches) / float64(n)
}

func bandSeverity(score float64) models.Severity {
	switch {
	case score >= 0.9:
		return models.SeverityCritical
	case score >= 0.7:
		return models.SeverityHigh
	case score >= 0.4:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
