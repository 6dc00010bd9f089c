// Package profile builds and caches per-user behavioral baselines.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"watchtower/internal/logger"
	"watchtower/internal/metrics"
	"watchtower/internal/secerrors"
	"watchtower/internal/store"
	"watchtower/pkg/models"
)

// Config controls baseline construction.
type Config struct {
	// LookbackDays is the rolling history window.
	LookbackDays int
	// MinEvents is the minimum sample count below which no profile is
	// produced. Building fails closed.
	MinEvents int
	// MaxAge is how long a profile stays fresh before a rebuild.
	MaxAge time.Duration
	// CacheSize bounds the in-process profile cache.
	CacheSize int
}

// Frequency-mode thresholds: a value becomes "typical" when it appears in
// at least this fraction of samples.
const (
	hourShareThreshold      = 0.20
	dayShareThreshold       = 0.20
	userAgentShareThreshold = 0.10
	ipShareThreshold        = 0.05
)

// Builder constructs behavior profiles from the event store and keeps a
// bounded cache of fresh ones.
type Builder struct {
	events   store.EventStore
	profiles store.ProfileStore
	cache    *lru.Cache[string, *models.UserBehaviorProfile]
	cfg      Config
	now      func() time.Time
}

// NewBuilder creates a profile builder.
func NewBuilder(events store.EventStore, profiles store.ProfileStore, cfg Config) (*Builder, error) {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 30
	}
	if cfg.MinEvents <= 0 {
		cfg.MinEvents = 50
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	cache, err := lru.New[string, *models.UserBehaviorProfile](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create profile cache: %w", err)
	}
	return &Builder{
		events:   events,
		profiles: profiles,
		cache:    cache,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// Get returns a usable profile for the user, rebuilding when the stored one
// is stale or absent. Returns secerrors.ErrProfileUnavailable when the user
// has too little history to baseline.
func (b *Builder) Get(ctx context.Context, userID string) (*models.UserBehaviorProfile, error) {
	if userID == "" {
		return nil, secerrors.ErrProfileUnavailable
	}

	now := b.now()
	if p, ok := b.cache.Get(userID); ok && !p.IsStale(b.cfg.MaxAge, now) {
		return p, nil
	}

	p, err := b.profiles.GetProfile(ctx, userID)
	if err == nil && !p.IsStale(b.cfg.MaxAge, now) {
		b.cache.Add(userID, p)
		return p, nil
	}
	if err != nil && !errors.Is(err, secerrors.ErrNotFound) {
		// Store read failures degrade to a rebuild attempt rather than
		// failing the event being scored.
		logger.Warnf("profile read for %s failed: %v", userID, err)
	}

	return b.BuildOrRefresh(ctx, userID)
}

// BuildOrRefresh recomputes the baseline from the lookback window and
// persists it. Fails closed with secerrors.ErrProfileUnavailable when the
// sample count is below the minimum.
func (b *Builder) BuildOrRefresh(ctx context.Context, userID string) (*models.UserBehaviorProfile, error) {
	now := b.now()
	since := now.AddDate(0, 0, -b.cfg.LookbackDays)

	events, err := b.events.QueryEvents(ctx, models.EventFilter{
		UserID: userID,
		Since:  since,
	})
	if err != nil {
		return nil, fmt.Errorf("query profile history: %w", err)
	}
	if len(events) < b.cfg.MinEvents {
		return nil, secerrors.ErrProfileUnavailable
	}

	p := buildFromEvents(userID, events, b.cfg.MinEvents, now)
	metrics.ProfilesRebuilt.Inc()

	if err := b.profiles.SaveProfile(ctx, p); err != nil {
		// A failed save leaves the fresh profile usable in-process.
		logger.Warnf("profile save for %s failed: %v", userID, err)
	}
	b.cache.Add(userID, p)
	return p, nil
}

// Invalidate drops the cached profile so the next Get rebuilds it.
func (b *Builder) Invalidate(userID string) {
	b.cache.Remove(userID)
}

func buildFromEvents(userID string, events []*models.SecurityEvent, minEvents int, now time.Time) *models.UserBehaviorProfile {
	total := len(events)
	hourCounts := make(map[int]int)
	dayCounts := make(map[int]int)
	ipCounts := make(map[string]int)
	uaCounts := make(map[string]int)
	endpoints := make(map[string]int)

	for _, e := range events {
		hourCounts[e.Timestamp.Hour()]++
		dayCounts[int(e.Timestamp.Weekday())]++
		if e.IP != "" {
			ipCounts[e.IP]++
		}
		if ua := e.UserAgent(); ua != "" {
			uaCounts[ua]++
		}
		if e.Endpoint != "" {
			endpoints[e.Endpoint]++
		}
	}

	p := &models.UserBehaviorProfile{
		UserID:            userID,
		TypicalHours:      modeSetInt(hourCounts, total, hourShareThreshold),
		TypicalDays:       modeSetInt(dayCounts, total, dayShareThreshold),
		KnownIPs:          modeSetString(ipCounts, total, ipShareThreshold),
		TypicalEndpoints:  endpoints,
		TypicalUserAgents: modeSetString(uaCounts, total, userAgentShareThreshold),
		SampleCount:       total,
		LastUpdated:       now,
	}

	confidence := float64(total) / float64(2*minEvents)
	if confidence > 1 {
		confidence = 1
	}
	p.Confidence = confidence
	return p
}

func modeSetInt(counts map[int]int, total int, share float64) map[int]bool {
	out := make(map[int]bool)
	for v, n := range counts {
		if float64(n) >= share*float64(total) {
			out[v] = true
		}
	}
	return out
}

func modeSetString(counts map[string]int, total int, share float64) map[string]bool {
	out := make(map[string]bool)
	for v, n := range counts {
		if float64(n) >= share*float64(total) {
			out[v] = true
		}
	}
	return out
}
