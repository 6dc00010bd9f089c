// Package response executes containment actions and manages incident status.
package response

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Backing mirrors containment membership into shared storage so multiple
// instances never issue conflicting actions. Implementations must be safe
// for concurrent use.
type Backing interface {
	Add(ctx context.Context, set, member string) error
	Remove(ctx context.Context, set, member string) error
	Contains(ctx context.Context, set, member string) (bool, error)
}

// Containment set names, shared between local state and backing.
const (
	setBlockedIPs    = "blocked_ips"
	setLockedUsers   = "locked_accounts"
	setQuarantined   = "quarantined_users"
	setMFARequired   = "mfa_required"
	setAPIDisabled   = "api_disabled"
	setEnhancedLog   = "enhanced_logging"
	setPasswordReset = "password_reset_required"
)

// ContainmentState owns the process-wide containment sets: blocked IPs,
// locked accounts, quarantined users and time-boxed rate limits. All
// mutations report whether they changed anything, so callers can guarantee
// no duplicate side effects under concurrent double execution.
type ContainmentState struct {
	mu         sync.RWMutex
	sets       map[string]map[string]struct{}
	rateLimits map[string]time.Time

	backing Backing
	now     func() time.Time
}

// NewContainmentState creates empty containment state, optionally mirrored
// into a shared backing.
func NewContainmentState(backing Backing) *ContainmentState {
	sets := make(map[string]map[string]struct{})
	for _, name := range []string{setBlockedIPs, setLockedUsers, setQuarantined, setMFARequired, setAPIDisabled, setEnhancedLog, setPasswordReset} {
		sets[name] = make(map[string]struct{})
	}
	return &ContainmentState{
		sets:       sets,
		rateLimits: make(map[string]time.Time),
		backing:    backing,
		now:        time.Now,
	}
}

// add inserts a member and reports whether it was newly added.
func (s *ContainmentState) add(ctx context.Context, set, member string) bool {
	s.mu.Lock()
	_, existed := s.sets[set][member]
	s.sets[set][member] = struct{}{}
	s.mu.Unlock()

	if s.backing != nil {
		// Local state stays authoritative for this instance; a backing
		// write failure only delays shared visibility.
		_ = s.backing.Add(ctx, set, member)
	}
	return !existed
}

// remove deletes a member and reports whether it was present.
func (s *ContainmentState) remove(ctx context.Context, set, member string) bool {
	s.mu.Lock()
	_, existed := s.sets[set][member]
	delete(s.sets[set], member)
	s.mu.Unlock()

	if s.backing != nil {
		_ = s.backing.Remove(ctx, set, member)
	}
	return existed
}

func (s *ContainmentState) contains(ctx context.Context, set, member string) bool {
	s.mu.RLock()
	_, ok := s.sets[set][member]
	s.mu.RUnlock()
	if ok {
		return true
	}
	if s.backing != nil {
		shared, err := s.backing.Contains(ctx, set, member)
		if err == nil && shared {
			return true
		}
	}
	return false
}

// BlockIP adds the IP to the block set; false means it was already blocked.
func (s *ContainmentState) BlockIP(ctx context.Context, ip string) bool {
	return s.add(ctx, setBlockedIPs, ip)
}

// UnblockIP removes the IP from the block set.
func (s *ContainmentState) UnblockIP(ctx context.Context, ip string) bool {
	return s.remove(ctx, setBlockedIPs, ip)
}

// IsBlocked reports whether the IP is currently blocked.
func (s *ContainmentState) IsBlocked(ctx context.Context, ip string) bool {
	return s.contains(ctx, setBlockedIPs, ip)
}

// LockAccount marks the account locked; false means already locked.
func (s *ContainmentState) LockAccount(ctx context.Context, userID string) bool {
	return s.add(ctx, setLockedUsers, userID)
}

// UnlockAccount clears the locked mark.
func (s *ContainmentState) UnlockAccount(ctx context.Context, userID string) bool {
	return s.remove(ctx, setLockedUsers, userID)
}

// IsLocked reports whether the account is locked.
func (s *ContainmentState) IsLocked(ctx context.Context, userID string) bool {
	return s.contains(ctx, setLockedUsers, userID)
}

// Quarantine records quarantine state; enforcement is a collaborator's job.
func (s *ContainmentState) Quarantine(ctx context.Context, userID string) bool {
	return s.add(ctx, setQuarantined, userID)
}

// IsQuarantined reports whether the user is quarantined.
func (s *ContainmentState) IsQuarantined(ctx context.Context, userID string) bool {
	return s.contains(ctx, setQuarantined, userID)
}

// SetFlag raises a collaborator-consumed flag (MFA, API access, enhanced
// logging, password reset); false means it was already set.
func (s *ContainmentState) SetFlag(ctx context.Context, set, member string) bool {
	return s.add(ctx, set, member)
}

// HasFlag reports whether the flag is set.
func (s *ContainmentState) HasFlag(ctx context.Context, set, member string) bool {
	return s.contains(ctx, set, member)
}

// RateLimit rate-limits the user until the given time; false means an
// equal-or-later limit was already in place. Last update wins.
func (s *ContainmentState) RateLimit(userID string, until time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rateLimits[userID]
	if ok && !existing.Before(until) {
		return false
	}
	s.rateLimits[userID] = until
	return true
}

// IsRateLimited reports whether the user is currently limited, lazily
// expiring stale entries.
func (s *ContainmentState) IsRateLimited(userID string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.rateLimits[userID]
	if !ok {
		return false
	}
	if until.Before(now) {
		delete(s.rateLimits, userID)
		return false
	}
	return true
}

// SweepExpired removes rate limits that ended before now and returns how
// many were dropped.
func (s *ContainmentState) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for user, until := range s.rateLimits {
		if until.Before(now) {
			delete(s.rateLimits, user)
			dropped++
		}
	}
	return dropped
}

// Snapshot summarizes current containment for the metrics surface.
func (s *ContainmentState) Snapshot() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.sets)+1)
	for name, set := range s.sets {
		out[name] = len(set)
	}
	out["rate_limited_users"] = len(s.rateLimits)
	return out
}

// RedisBacking shares containment sets through Redis.
type RedisBacking struct {
	client *redis.Client
	prefix string
}

// NewRedisBacking connects a shared containment backing.
func NewRedisBacking(addr, password string, db int, prefix string) (*RedisBacking, error) {
	if strings.TrimSpace(prefix) == "" {
		prefix = "watchtower:containment"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping containment redis: %w", err)
	}
	return &RedisBacking{client: client, prefix: prefix}, nil
}

func (b *RedisBacking) key(set string) string { return b.prefix + ":" + set }

// Add inserts a member into the shared set.
func (b *RedisBacking) Add(ctx context.Context, set, member string) error {
	return b.client.SAdd(ctx, b.key(set), member).Err()
}

// Remove deletes a member from the shared set.
func (b *RedisBacking) Remove(ctx context.Context, set, member string) error {
	return b.client.SRem(ctx, b.key(set), member).Err()
}

// Contains checks shared membership.
func (b *RedisBacking) Contains(ctx context.Context, set, member string) (bool, error) {
	return b.client.SIsMember(ctx, b.key(set), member).Result()
}
