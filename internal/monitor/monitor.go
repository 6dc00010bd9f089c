// Package monitor runs the supervised background detection loops.
package monitor

import (
	"context"
	"sync"
	"time"

	"watchtower/internal/alerts"
	"watchtower/internal/logger"
	"watchtower/internal/profile"
	"watchtower/internal/response"
	"watchtower/internal/store"
)

// Config controls the cadence of the background loops.
type Config struct {
	ProfileRefreshInterval  time.Duration
	ProfileRefreshItemDelay time.Duration
	RealtimeInterval        time.Duration
	DeepAnalysisInterval    time.Duration
	ActiveUserWindow        time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProfileRefreshInterval <= 0 {
		c.ProfileRefreshInterval = time.Hour
	}
	if c.ProfileRefreshItemDelay <= 0 {
		c.ProfileRefreshItemDelay = 100 * time.Millisecond
	}
	if c.RealtimeInterval <= 0 {
		c.RealtimeInterval = time.Minute
	}
	if c.DeepAnalysisInterval <= 0 {
		c.DeepAnalysisInterval = 30 * time.Minute
	}
	if c.ActiveUserWindow <= 0 {
		c.ActiveUserWindow = 24 * time.Hour
	}
}

// Monitor owns the profile refresh, realtime detection and deep analysis
// loops. Each loop wakes on its own ticker and stops within one cycle of
// context cancellation; Stop blocks until every loop has exited.
type Monitor struct {
	profiles store.ProfileStore
	builder  *profile.Builder
	watchers *alerts.Watchers
	state    *response.ContainmentState
	cfg      Config

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a monitor. The containment state is optional; without it the
// deep analysis loop skips rate limit sweeping.
func New(profiles store.ProfileStore, builder *profile.Builder, watchers *alerts.Watchers, state *response.ContainmentState, cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		profiles: profiles,
		builder:  builder,
		watchers: watchers,
		state:    state,
		cfg:      cfg,
	}
}

// Start launches the background loops.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.runLoop(ctx, "profile-refresh", m.cfg.ProfileRefreshInterval, m.refreshProfiles)
	}()
	go func() {
		defer m.wg.Done()
		m.runLoop(ctx, "realtime-detection", m.cfg.RealtimeInterval, m.runRealtime)
	}()
	go func() {
		defer m.wg.Done()
		m.runLoop(ctx, "deep-analysis", m.cfg.DeepAnalysisInterval, m.runDeepAnalysis)
	}()

	logger.Infof("Background monitors started")
}

// Stop cancels the loops and waits for them to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	logger.Infof("Background monitors stopped")
}

func (m *Monitor) runLoop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("%s loop stopped", name)
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Errorf("%s loop panic: %v", name, r)
					}
				}()
				fn(ctx)
			}()
		}
	}
}

// refreshProfiles rebuilds baselines for recently active users, pausing
// between users to spread the store load.
func (m *Monitor) refreshProfiles(ctx context.Context) {
	since := time.Now().UTC().Add(-m.cfg.ActiveUserWindow)
	userIDs, err := m.profiles.ActiveUserIDs(ctx, since)
	if err != nil {
		logger.Errorf("active user lookup failed: %v", err)
		return
	}

	refreshed := 0
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.builder.BuildOrRefresh(ctx, userID); err == nil {
			refreshed++
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.ProfileRefreshItemDelay):
		}
	}
	logger.Infof("profile refresh cycle done: candidates=%d refreshed=%d", len(userIDs), refreshed)
}

// runRealtime evaluates threshold watchers over the trailing window.
func (m *Monitor) runRealtime(ctx context.Context) {
	if m.watchers != nil {
		m.watchers.RunAll(ctx)
	}
}

// runDeepAnalysis performs the slower maintenance work: expiring rate
// limits and compacting containment state.
func (m *Monitor) runDeepAnalysis(ctx context.Context) {
	if m.state != nil {
		if swept := m.state.SweepExpired(time.Now().UTC()); swept > 0 {
			logger.Infof("expired %d rate limits", swept)
		}
	}
}
