package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/cardsync/pkg/billing"
	"github.com/mihaimyh/cardsync/pkg/billing/webhook"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
	"github.com/mihaimyh/cardsync/pkg/ratelimit"
)

var _ webhook.Claimer = (*Storage)(nil)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := setupTestRedis(t)
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "cardsync:", s.config.KeyPrefix)
	assert.Equal(t, 5*time.Minute, s.config.UserTTL)
	assert.Equal(t, 10*time.Second, s.config.InvalidationHold)
	assert.Equal(t, "cardsync:event:stripe:evt_1", s.eventKey("stripe", "evt_1"))
	assert.Equal(t, "cardsync:user:{u1}", s.userKey("u1"))
}

func TestStorage_EventLog(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	seen, err := s.Seen(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkProcessed(ctx, "stripe", "evt_1", time.Minute))
	seen, err = s.Seen(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	ttl, err := s.client.PTTL(ctx, s.eventKey("stripe", "evt_1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	seen, err = s.Seen(ctx, "other", "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestStorage_EventLog_Expires(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.MarkProcessed(ctx, "stripe", "evt_short", 100*time.Millisecond))
	time.Sleep(250 * time.Millisecond)

	seen, err := s.Seen(ctx, "stripe", "evt_short")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestStorage_Claim(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	won, err := s.Claim(ctx, "stripe", "evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.Claim(ctx, "stripe", "evt_1", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	// A claim is not a processed marker.
	seen, err := s.Seen(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.Release(ctx, "stripe", "evt_1"))
	won, err = s.Claim(ctx, "stripe", "evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestStorage_Incr(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, resetAt, err := s.Incr(ctx, "checkout:u1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
		assert.WithinDuration(t, time.Now().Add(time.Minute), resetAt, 5*time.Second)
	}

	count, _, err := s.Incr(ctx, "checkout:u2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, _, err = s.Incr(ctx, "checkout:u1", 0)
	assert.Error(t, err)
}

func TestStorage_Incr_WindowResets(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	_, _, err := s.Incr(ctx, "k", 100*time.Millisecond)
	require.NoError(t, err)
	_, _, err = s.Incr(ctx, "k", 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(250 * time.Millisecond)
	count, _, err := s.Incr(ctx, "k", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStorage_Incr_DrivesLimiter(t *testing.T) {
	s := setupTestStorage(t)
	limiter, err := ratelimit.New(ratelimit.Config{Counter: s, Limit: 2, Window: time.Minute})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "portal", "u1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := limiter.Allow(ctx, "portal", "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestStorage_UserCache(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	_, ok, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	exp := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	u := &entitlement.User{
		ID: "u1", Email: "a@example.com", IsPremium: true, Tier: entitlement.TierPremium,
		PremiumExpiresAt: &exp, BillingCustomerID: "cus_1", SubscriptionStatus: billing.StatusActive,
	}
	require.NoError(t, s.SetUser(ctx, u))

	got, ok, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, u.Email, got.Email)
	assert.Equal(t, billing.StatusActive, got.SubscriptionStatus)
	require.NotNil(t, got.PremiumExpiresAt)
	assert.True(t, exp.Equal(*got.PremiumExpiresAt))

	require.NoError(t, s.DeleteUsers(ctx, "u1", "u2"))
	_, ok, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, s.SetUser(ctx, &entitlement.User{}))
}

func TestStorage_UserCache_FillAfterInvalidateIsSkipped(t *testing.T) {
	client := setupTestRedis(t)
	cfg := DefaultConfig()
	cfg.InvalidationHold = 200 * time.Millisecond
	s, err := New(client, cfg)
	require.NoError(t, err)
	ctx := context.Background()

	// A reader loaded the free row before a write invalidated it.
	stale := &entitlement.User{ID: "u1", Tier: entitlement.TierFree}
	require.NoError(t, s.DeleteUsers(ctx, "u1"))
	require.NoError(t, s.SetUser(ctx, stale))

	_, ok, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "fill right after invalidation must not be cached")

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, s.SetUser(ctx, stale))
	_, ok, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStorage_UserCache_CorruptEntryIsMiss(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.client.Set(ctx, s.userKey("u1"), "{not json", time.Minute).Err())
	_, ok, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_Ping(t *testing.T) {
	s := setupTestStorage(t)
	assert.NoError(t, s.Ping(context.Background()))
}
