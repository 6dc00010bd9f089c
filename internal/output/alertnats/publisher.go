package alertnats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"watchtower/internal/logger"
	"watchtower/pkg/models"
)

const (
	// DefaultSubject is the subject alerts are published on.
	DefaultSubject = "watchtower.alerts"

	connectTimeout = 10 * time.Second
)

// Publisher publishes alerts to a NATS subject.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// Config configures the NATS publisher.
type Config struct {
	URL     string
	Subject string
}

// NewPublisher connects to NATS and returns a publisher.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(connectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	logger.Infof("NATS alert publisher initialized: %s subject=%s", cfg.URL, cfg.Subject)
	return &Publisher{conn: conn, subject: cfg.Subject}, nil
}

// WriteAlert publishes one alert as JSON.
func (p *Publisher) WriteAlert(_ context.Context, alert *models.Alert) error {
	if alert == nil {
		return nil
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
