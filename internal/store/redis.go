package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"watchtower/internal/secerrors"
	"watchtower/pkg/models"
)

// RedisConfig configures Redis-backed persistence.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// EventTTL bounds how long raw events are retained. Zero keeps the
	// default of 48h, comfortably past the longest analysis window.
	EventTTL time.Duration
}

// RedisStore persists events, profiles, incidents and alerts in Redis.
// Events live in a timestamp-scored sorted set so window queries map to
// ZRANGEBYSCORE; profiles and incidents are JSON values under prefixed keys.
// Sharing one Redis between instances gives them a common event view.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	eventTTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "watchtower"
	}
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = 48 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis store: %w", err)
	}

	return &RedisStore{
		client:   client,
		prefix:   strings.TrimSpace(cfg.KeyPrefix),
		eventTTL: cfg.EventTTL,
	}, nil
}

func (s *RedisStore) eventSetKey() string    { return s.prefix + ":events" }
func (s *RedisStore) usersSetKey() string    { return s.prefix + ":active_users" }
func (s *RedisStore) alertSetKey() string    { return s.prefix + ":alerts" }
func (s *RedisStore) incidentSetKey() string { return s.prefix + ":incidents" }

func (s *RedisStore) profileKey(userID string) string {
	return s.prefix + ":profile:" + userID
}

func (s *RedisStore) incidentKey(id string) string {
	return s.prefix + ":incident:" + id
}

func (s *RedisStore) corrKey(correlationID string) string {
	return s.prefix + ":incident_corr:" + correlationID
}

// SaveEvent writes an event into the scored set and indexes its user.
func (s *RedisStore) SaveEvent(ctx context.Context, event *models.SecurityEvent) error {
	if event == nil {
		return nil
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ts := float64(event.Timestamp.UnixNano())
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.eventSetKey(), redis.Z{Score: ts, Member: string(raw)})
	pipe.ZRemRangeByScore(ctx, s.eventSetKey(), "0",
		fmt.Sprintf("%d", time.Now().Add(-s.eventTTL).UnixNano()))
	if event.UserID != "" {
		pipe.ZAdd(ctx, s.usersSetKey(), redis.Z{Score: ts, Member: event.UserID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &secerrors.TransientError{Op: "redis save event", Err: err}
	}
	return nil
}

// QueryEvents scans the requested time range and filters in memory.
func (s *RedisStore) QueryEvents(ctx context.Context, filter models.EventFilter) ([]*models.SecurityEvent, error) {
	min := "0"
	if !filter.Since.IsZero() {
		min = fmt.Sprintf("%d", filter.Since.UnixNano())
	}
	max := "+inf"
	if !filter.Until.IsZero() {
		max = fmt.Sprintf("%d", filter.Until.UnixNano())
	}

	raws, err := s.client.ZRangeByScore(ctx, s.eventSetKey(), &redis.ZRangeBy{
		Min: min,
		Max: max,
	}).Result()
	if err != nil {
		return nil, &secerrors.TransientError{Op: "redis query events", Err: err}
	}

	out := make([]*models.SecurityEvent, 0, len(raws))
	for _, raw := range raws {
		var e models.SecurityEvent
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if filter.Matches(&e) {
			out = append(out, &e)
		}
	}
	return out, nil
}

// SaveProfile stores a profile as JSON.
func (s *RedisStore) SaveProfile(ctx context.Context, profile *models.UserBehaviorProfile) error {
	if profile == nil || profile.UserID == "" {
		return nil
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := s.client.Set(ctx, s.profileKey(profile.UserID), raw, 0).Err(); err != nil {
		return &secerrors.TransientError{Op: "redis save profile", Err: err}
	}
	return nil
}

// GetProfile loads a profile by user id.
func (s *RedisStore) GetProfile(ctx context.Context, userID string) (*models.UserBehaviorProfile, error) {
	raw, err := s.client.Get(ctx, s.profileKey(userID)).Result()
	if err == redis.Nil {
		return nil, secerrors.ErrNotFound
	}
	if err != nil {
		return nil, &secerrors.TransientError{Op: "redis get profile", Err: err}
	}
	var p models.UserBehaviorProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	return &p, nil
}

// ActiveUserIDs returns users seen since the given time.
func (s *RedisStore) ActiveUserIDs(ctx context.Context, since time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.usersSetKey(), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.UnixNano()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, &secerrors.TransientError{Op: "redis active users", Err: err}
	}
	return ids, nil
}

// SaveIncident stores the incident and its correlation index entry.
func (s *RedisStore) SaveIncident(ctx context.Context, incident *models.Incident) error {
	if incident == nil || incident.ID == "" {
		return nil
	}
	raw, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.incidentKey(incident.ID), raw, 0)
	pipe.SAdd(ctx, s.incidentSetKey(), incident.ID)
	if incident.CorrelationID != "" {
		pipe.Set(ctx, s.corrKey(incident.CorrelationID), incident.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &secerrors.TransientError{Op: "redis save incident", Err: err}
	}
	return nil
}

// GetIncident loads an incident by id.
func (s *RedisStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	raw, err := s.client.Get(ctx, s.incidentKey(id)).Result()
	if err == redis.Nil {
		return nil, secerrors.ErrNotFound
	}
	if err != nil {
		return nil, &secerrors.TransientError{Op: "redis get incident", Err: err}
	}
	var inc models.Incident
	if err := json.Unmarshal([]byte(raw), &inc); err != nil {
		return nil, fmt.Errorf("unmarshal incident: %w", err)
	}
	return &inc, nil
}

// GetIncidentByCorrelation resolves the correlation index.
func (s *RedisStore) GetIncidentByCorrelation(ctx context.Context, correlationID string) (*models.Incident, error) {
	id, err := s.client.Get(ctx, s.corrKey(correlationID)).Result()
	if err == redis.Nil {
		return nil, secerrors.ErrNotFound
	}
	if err != nil {
		return nil, &secerrors.TransientError{Op: "redis get incident by correlation", Err: err}
	}
	return s.GetIncident(ctx, id)
}

// ListIncidents loads all incidents, optionally filtered by status.
func (s *RedisStore) ListIncidents(ctx context.Context, status models.IncidentStatus) ([]*models.Incident, error) {
	ids, err := s.client.SMembers(ctx, s.incidentSetKey()).Result()
	if err != nil {
		return nil, &secerrors.TransientError{Op: "redis list incidents", Err: err}
	}
	out := make([]*models.Incident, 0, len(ids))
	for _, id := range ids {
		inc, err := s.GetIncident(ctx, id)
		if err != nil {
			continue
		}
		if status != "" && inc.Status != status {
			continue
		}
		out = append(out, inc)
	}
	return out, nil
}

// UpdateIncidentStatus rewrites the incident with the new status. Backward
// moves are rejected with ErrInvalidTransition.
func (s *RedisStore) UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus) error {
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

// SaveAlert appends the alert to the scored alert set.
func (s *RedisStore) SaveAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return nil
	}
	raw, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.client.ZAdd(ctx, s.alertSetKey(), redis.Z{
		Score:  float64(alert.Timestamp.UnixNano()),
		Member: string(raw),
	}).Err(); err != nil {
		return &secerrors.TransientError{Op: "redis save alert", Err: err}
	}
	return nil
}

// ListAlerts returns alerts since the given time, oldest first.
func (s *RedisStore) ListAlerts(ctx context.Context, since time.Time) ([]*models.Alert, error) {
	raws, err := s.client.ZRangeByScore(ctx, s.alertSetKey(), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.UnixNano()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, &secerrors.TransientError{Op: "redis list alerts", Err: err}
	}
	out := make([]*models.Alert, 0, len(raws))
	for _, raw := range raws {
		var a models.Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

// Close releases Redis resources.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
