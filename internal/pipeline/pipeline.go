// Package pipeline wires the inbound event stream into detection.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"watchtower/internal/alerts"
	"watchtower/internal/anomaly"
	"watchtower/internal/enrich"
	"watchtower/internal/incident"
	"watchtower/internal/logger"
	"watchtower/internal/metrics"
	"watchtower/internal/profile"
	"watchtower/internal/secerrors"
	"watchtower/internal/store"
	"watchtower/pkg/models"
)

// Config configures the ingest pipeline.
type Config struct {
	Workers int
}

// Feed supplies raw event payloads to the pipeline. The Redis list
// consumer is the production implementation.
type Feed interface {
	Pop(ctx context.Context) ([]byte, error)
	Close() error
}

// Pipeline consumes security events, enriches and persists them, scores
// them against user profiles, and escalates anomalies into alerts and
// incidents. Per-event failures are logged and never stop the stream.
type Pipeline struct {
	consumer Feed
	tagger   *enrich.SigmaTagger
	events   store.EventStore
	profiles *profile.Builder
	scorer   *anomaly.Scorer
	alerts   *alerts.Manager
	engine   *incident.Engine
	workers  int
}

// New creates a pipeline. The tagger, alert manager, and incident engine
// are optional; the event store, profile builder and scorer are not.
func New(consumer Feed, tagger *enrich.SigmaTagger, events store.EventStore, profiles *profile.Builder, scorer *anomaly.Scorer, mgr *alerts.Manager, engine *incident.Engine, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Pipeline{
		consumer: consumer,
		tagger:   tagger,
		events:   events,
		profiles: profiles,
		scorer:   scorer,
		alerts:   mgr,
		engine:   engine,
		workers:  cfg.Workers,
	}
}

// Run consumes the feed and blocks until ctx is cancelled and every
// in-flight event has drained through the workers. No store write starts
// after Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	logger.Infof("Ingest pipeline started (workers=%d)", p.workers)

	msgCh := make(chan []byte, p.workers*4)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.readLoop(ctx, msgCh)
		close(msgCh)
	}()

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, msgCh)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close releases pipeline resources.
func (p *Pipeline) Close() error {
	if p.consumer != nil {
		return p.consumer.Close()
	}
	return nil
}

// Process runs one event through the full ingest path. It is also the
// entry point for offline replay.
func (p *Pipeline) Process(ctx context.Context, event *models.SecurityEvent) {
	if event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if p.tagger != nil {
		p.tagger.Annotate(event)
	}

	if err := p.events.SaveEvent(ctx, event); err != nil {
		logger.Errorf("Failed to persist event %s: %v", event.ID, err)
		return
	}
	metrics.EventsIngested.Inc()

	p.score(ctx, event)

	// Rule evaluation is independent of behavioral scoring: brute force
	// and enumeration fire on raw event streams, profile or not.
	if p.engine != nil {
		if _, err := p.engine.Evaluate(ctx, event); err != nil {
			logger.Errorf("Incident evaluation failed for event %s: %v", event.ID, err)
		}
	}
}

func (p *Pipeline) score(ctx context.Context, event *models.SecurityEvent) {
	prof, err := p.profiles.Get(ctx, event.UserID)
	if err != nil {
		// No baseline yet: detection fails closed for this user.
		if !errors.Is(err, secerrors.ErrProfileUnavailable) {
			logger.Warnf("profile lookup for %s failed: %v", event.UserID, err)
		}
		return
	}

	result, err := p.scorer.Analyze(ctx, event, prof)
	if err != nil {
		logger.Warnf("anomaly scoring for event %s failed: %v", event.ID, err)
		return
	}
	if result == nil || !result.IsAnomalous {
		return
	}
	metrics.AnomaliesDetected.Inc()
	logger.Infof("Anomalous event %s user=%s risk=%.2f", event.ID, event.UserID, result.OverallRisk)

	if p.alerts == nil {
		return
	}
	severity := models.SeverityMedium
	for _, score := range result.Scores {
		if models.SeverityWeight(score.Severity) > models.SeverityWeight(severity) {
			severity = score.Severity
		}
	}
	entities := map[string]string{"user_id": event.UserID}
	if event.IP != "" {
		entities["ip"] = event.IP
	}
	p.alerts.Generate(ctx, models.AlertAnomalousBehavior, severity,
		fmt.Sprintf("Anomalous behavior for user %s", event.UserID),
		fmt.Sprintf("Event %s scored %.2f overall risk across %d anomaly signals", event.ID, result.OverallRisk, len(result.Scores)),
		entities, event.CorrelationID)
}

func (p *Pipeline) readLoop(ctx context.Context, out chan<- []byte) {
	for {
		payload, err := p.consumer.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop redis message: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if payload == nil {
			continue
		}
		select {
		case out <- payload:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) workerLoop(ctx context.Context, in <-chan []byte) {
	for payload := range in {
		event, err := parseEvent(payload)
		if err != nil {
			logger.Warnf("Failed to parse security event: %v", err)
			continue
		}
		p.Process(ctx, event)
	}
}

func parseEvent(payload []byte) (*models.SecurityEvent, error) {
	var event models.SecurityEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("event has no type")
	}
	return &event, nil
}
