// Package alerts raises, persists and fans out security alerts.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"watchtower/internal/logger"
	"watchtower/internal/metrics"
	"watchtower/internal/secerrors"
	"watchtower/internal/store"
	"watchtower/pkg/models"
)

// Sink receives every raised alert, typically an outbound transport.
type Sink interface {
	WriteAlert(ctx context.Context, alert *models.Alert) error
}

// Handler reacts to alerts of a registered type. Handler failures are
// isolated: one panicking or erroring handler never affects the others.
type Handler interface {
	HandleAlert(ctx context.Context, alert *models.Alert) error
}

// Config controls alert fan-out.
type Config struct {
	// SendTimeout bounds each subscriber delivery; a subscriber that
	// cannot accept within it is dropped.
	SendTimeout time.Duration
	// SubscriberBuffer is the channel capacity handed to subscribers.
	SubscriberBuffer int
}

// Manager persists alerts, broadcasts them to live subscribers and sinks,
// and invokes registered per-type handlers. Broadcast never blocks the
// caller's analysis path.
type Manager struct {
	alerts store.AlertStore
	cfg    Config

	mu       sync.Mutex
	nextSub  int
	subs     map[int]chan *models.Alert
	sinks    []Sink
	handlers map[models.AlertType][]Handler

	now func() time.Time
}

// NewManager creates an alert manager backed by the given alert store.
func NewManager(alerts store.AlertStore, cfg Config) *Manager {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 200 * time.Millisecond
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 16
	}
	return &Manager{
		alerts:   alerts,
		cfg:      cfg,
		subs:     make(map[int]chan *models.Alert),
		handlers: make(map[models.AlertType][]Handler),
		now:      time.Now,
	}
}

// AddSink registers an outbound alert sink.
func (m *Manager) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// RegisterHandler registers a handler for one alert type.
func (m *Manager) RegisterHandler(alertType models.AlertType, h Handler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[alertType] = append(m.handlers[alertType], h)
}

// Subscribe returns a channel of live alerts and an unsubscribe function.
func (m *Manager) Subscribe() (<-chan *models.Alert, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan *models.Alert, m.cfg.SubscriberBuffer)
	m.subs[id] = ch
	metrics.AlertSubscribers.Set(float64(len(m.subs)))

	// Channels are deleted, never closed: an in-flight broadcast may still
	// hold a reference and deliver into the buffer.
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
		metrics.AlertSubscribers.Set(float64(len(m.subs)))
	}
}

// SubscriberCount returns the number of live subscribers.
func (m *Manager) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Generate creates, persists and broadcasts one alert, then runs registered
// handlers. It never fails back to the caller; persistence problems are
// retried and logged.
func (m *Manager) Generate(ctx context.Context, alertType models.AlertType, severity models.Severity, title, description string, entities map[string]string, correlationID string) *models.Alert {
	alert := &models.Alert{
		AlertID:          uuid.NewString(),
		Type:             alertType,
		Severity:         severity,
		Title:            title,
		Description:      description,
		AffectedEntities: entities,
		Timestamp:        m.now().UTC(),
		CorrelationID:    correlationID,
	}

	if err := secerrors.Retry(ctx, 3, 100*time.Millisecond, func() error {
		return m.alerts.SaveAlert(ctx, alert)
	}); err != nil {
		logger.Errorf("alert %s persist failed: %v", alert.AlertID, err)
	}
	metrics.AlertsGenerated.Inc()

	m.broadcast(ctx, alert)
	m.runHandlers(ctx, alert)
	return alert
}

func (m *Manager) broadcast(ctx context.Context, alert *models.Alert) {
	m.mu.Lock()
	subs := make(map[int]chan *models.Alert, len(m.subs))
	for id, ch := range m.subs {
		subs[id] = ch
	}
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.Unlock()

	for id, ch := range subs {
		id, ch := id, ch
		go func() {
			timer := time.NewTimer(m.cfg.SendTimeout)
			defer timer.Stop()
			select {
			case ch <- alert:
			case <-timer.C:
				m.dropSubscriber(id)
				logger.Warnf("alert subscriber %d too slow, dropped", id)
			}
		}()
	}

	for _, sink := range sinks {
		sink := sink
		go func() {
			if err := sink.WriteAlert(ctx, alert); err != nil {
				logger.Warnf("alert sink delivery failed: %v", err)
			}
		}()
	}
}

func (m *Manager) dropSubscriber(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	metrics.AlertSubscribers.Set(float64(len(m.subs)))
}

func (m *Manager) runHandlers(ctx context.Context, alert *models.Alert) {
	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers[alert.Type]))
	copy(handlers, m.handlers[alert.Type])
	m.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("alert handler panic for %s: %v", alert.Type, r)
				}
			}()
			if err := h.HandleAlert(ctx, alert); err != nil {
				logger.Warnf("alert handler for %s failed: %v", alert.Type, err)
			}
		}()
	}
}
