// Package redis provides Redis-backed pieces shared across instances: the
// processed webhook event log, the rate limit counter and the entitlement
// read cache used by the tiered store.
// Multi-step updates run as Lua scripts so they stay atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/cardsync/pkg/entitlement"
	"github.com/mihaimyh/cardsync/pkg/ratelimit"
)

// Storage implements entitlement.EventLog and ratelimit.Counter using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

var (
	_ entitlement.EventLog = (*Storage)(nil)
	_ ratelimit.Counter    = (*Storage)(nil)
)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "cardsync:")
	KeyPrefix string

	// UserTTL bounds how long a cached entitlement row lives (default: 5m)
	UserTTL time.Duration

	// InvalidationHold is how long SetUser refuses to refill a row after
	// DeleteUsers dropped it (default: 10s). It stops a reader that loaded
	// the row before a write from caching the old copy after the write.
	InvalidationHold time.Duration

	// Now overrides the clock used to compute rate limit reset times
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:        "cardsync:",
		UserTTL:          5 * time.Minute,
		InvalidationHold: 10 * time.Second,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "cardsync:"
	}
	if config.UserTTL <= 0 {
		config.UserTTL = 5 * time.Minute
	}
	if config.InvalidationHold <= 0 {
		config.InvalidationHold = 10 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// Fixed window counter. The window starts at the first hit; a key that
	// somehow lost its expiry gets one again.
	s.scripts["incr"] = redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		local window = tonumber(ARGV[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], window)
		end
		local ttl = redis.call('PTTL', KEYS[1])
		if ttl < 0 then
			redis.call('PEXPIRE', KEYS[1], window)
			ttl = window
		end
		return {count, ttl}
	`)

	// Cache fill that yields to a recent invalidation.
	s.scripts["fill"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[2]) == 1 then
			return 0
		end
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
		return 1
	`)
}

// --- Event log ---

// Seen implements entitlement.EventLog
func (s *Storage) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed implements entitlement.EventLog
func (s *Storage) MarkProcessed(ctx context.Context, provider, eventID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.eventKey(provider, eventID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// Claim takes a short exclusive hold on eventID while it is processed and
// reports whether this caller won. The hold is separate from the processed
// marker, so a failed attempt does not make redelivery look like a
// duplicate.
func (s *Storage) Claim(ctx context.Context, provider, eventID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.claimKey(provider, eventID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return ok, nil
}

// Release drops the hold taken by Claim.
func (s *Storage) Release(ctx context.Context, provider, eventID string) error {
	if err := s.client.Del(ctx, s.claimKey(provider, eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release event claim: %w", err)
	}
	return nil
}

// --- Rate limit counter ---

// Incr implements ratelimit.Counter
func (s *Storage) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	if window <= 0 {
		return 0, time.Time{}, fmt.Errorf("window must be positive")
	}
	result, err := s.scripts["incr"].Run(ctx, s.client,
		[]string{s.rateLimitKey(key)}, window.Milliseconds()).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to execute rate limit script: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected result from rate limit script: %v", result)
	}
	count, ok := resultSlice[0].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("invalid count value")
	}
	ttl, ok := resultSlice[1].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("invalid ttl value")
	}
	return count, s.config.Now().Add(time.Duration(ttl) * time.Millisecond), nil
}

// --- Entitlement cache ---

// GetUser returns the cached row. ok is false on a cache miss.
func (s *Storage) GetUser(ctx context.Context, userID string) (user *entitlement.User, ok bool, err error) {
	data, err := s.client.Get(ctx, s.userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached user: %w", err)
	}

	var u entitlement.User
	if err := json.Unmarshal(data, &u); err != nil {
		// A corrupt entry is treated as a miss and overwritten on refill.
		return nil, false, nil
	}
	return &u, true, nil
}

// SetUser caches the row for UserTTL unless the row was invalidated within
// the last InvalidationHold, in which case the fill is skipped.
func (s *Storage) SetUser(ctx context.Context, u *entitlement.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("user with an ID is required")
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	err = s.scripts["fill"].Run(ctx, s.client,
		[]string{s.userKey(u.ID), s.userHoldKey(u.ID)}, data, s.config.UserTTL.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("failed to cache user: %w", err)
	}
	return nil
}

// DeleteUsers drops cached rows and holds off refills for InvalidationHold.
func (s *Storage) DeleteUsers(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.Set(ctx, s.userHoldKey(id), "1", s.config.InvalidationHold)
			pipe.Del(ctx, s.userKey(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate cached users: %w", err)
	}
	return nil
}

func (s *Storage) eventKey(provider, eventID string) string {
	return fmt.Sprintf("%sevent:%s:%s", s.config.KeyPrefix, provider, eventID)
}

func (s *Storage) claimKey(provider, eventID string) string {
	return fmt.Sprintf("%sclaim:%s:%s", s.config.KeyPrefix, provider, eventID)
}

func (s *Storage) rateLimitKey(key string) string {
	return fmt.Sprintf("%sratelimit:%s", s.config.KeyPrefix, key)
}

// User keys hash-tag the ID so a row and its hold share a cluster slot.
func (s *Storage) userKey(userID string) string {
	return fmt.Sprintf("%suser:{%s}", s.config.KeyPrefix, userID)
}

func (s *Storage) userHoldKey(userID string) string {
	return fmt.Sprintf("%suser:{%s}:invalidated", s.config.KeyPrefix, userID)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
