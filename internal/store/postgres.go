package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"watchtower/internal/secerrors"
	"watchtower/pkg/models"
)

// PostgresStore persists incidents and alerts durably. It backs the
// incident and alert stores when a database URL is configured; events and
// profiles stay in Redis or memory regardless.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database, verifies connectivity and ensures
// the schema exists.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			correlation_id TEXT,
			status TEXT NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS incidents_correlation_idx
			ON incidents (correlation_id) WHERE correlation_id <> ''`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			raised_at TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveIncident inserts or replaces an incident row.
func (s *PostgresStore) SaveIncident(ctx context.Context, incident *models.Incident) error {
	if incident == nil || incident.ID == "" {
		return nil
	}
	payload, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, correlation_id, status, detected_at, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, payload = EXCLUDED.payload`,
		incident.ID, incident.CorrelationID, string(incident.Status), incident.DetectedAt, payload)
	if err != nil {
		return &secerrors.TransientError{Op: "postgres save incident", Err: err}
	}
	return nil
}

// GetIncident loads one incident by id.
func (s *PostgresStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	return s.queryOne(ctx, `SELECT payload FROM incidents WHERE id = $1`, id)
}

// GetIncidentByCorrelation resolves the correlation index.
func (s *PostgresStore) GetIncidentByCorrelation(ctx context.Context, correlationID string) (*models.Incident, error) {
	return s.queryOne(ctx, `SELECT payload FROM incidents WHERE correlation_id = $1`, correlationID)
}

func (s *PostgresStore) queryOne(ctx context.Context, query, arg string) (*models.Incident, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, secerrors.ErrNotFound
	}
	if err != nil {
		return nil, &secerrors.TransientError{Op: "postgres get incident", Err: err}
	}
	var inc models.Incident
	if err := json.Unmarshal(payload, &inc); err != nil {
		return nil, fmt.Errorf("unmarshal incident: %w", err)
	}
	return &inc, nil
}

// ListIncidents returns incidents newest first, optionally by status.
func (s *PostgresStore) ListIncidents(ctx context.Context, status models.IncidentStatus) ([]*models.Incident, error) {
	query := `SELECT payload FROM incidents ORDER BY detected_at DESC`
	args := []interface{}{}
	if status != "" {
		query = `SELECT payload FROM incidents WHERE status = $1 ORDER BY detected_at DESC`
		args = append(args, string(status))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &secerrors.TransientError{Op: "postgres list incidents", Err: err}
	}
	defer rows.Close()

	var out []*models.Incident
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		var inc models.Incident
		if err := json.Unmarshal(payload, &inc); err != nil {
			continue
		}
		out = append(out, &inc)
	}
	return out, rows.Err()
}

// UpdateIncidentStatus rewrites the stored payload with the new status.
// Backward moves are rejected with ErrInvalidTransition.
func (s *PostgresStore) UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus) error {
	inc, err := s.GetIncident(ctx, id)
	if err != nil {
		return err
	}
	if !inc.Status.CanTransition(status) {
		return secerrors.ErrInvalidTransition
	}
	inc.Status = status
	return s.SaveIncident(ctx, inc)
}

// SaveAlert inserts an alert row; alerts are immutable so conflicts are ignored.
func (s *PostgresStore) SaveAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil || alert.AlertID == "" {
		return nil
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, raised_at, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		alert.AlertID, alert.Timestamp, payload)
	if err != nil {
		return &secerrors.TransientError{Op: "postgres save alert", Err: err}
	}
	return nil
}

// ListAlerts returns alerts raised at or after since, oldest first.
func (s *PostgresStore) ListAlerts(ctx context.Context, since time.Time) ([]*models.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM alerts WHERE raised_at >= $1 ORDER BY raised_at ASC`, since)
	if err != nil {
		return nil, &secerrors.TransientError{Op: "postgres list alerts", Err: err}
	}
	defer rows.Close()

	var out []*models.Alert
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		var a models.Alert
		if err := json.Unmarshal(payload, &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
