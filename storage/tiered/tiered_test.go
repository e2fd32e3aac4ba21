package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/cardsync/pkg/billing"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
	"github.com/mihaimyh/cardsync/storage/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type mapCache struct {
	mu      sync.Mutex
	users   map[string]entitlement.User
	getErr  error
	gets    int
	deletes int
}

func newMapCache() *mapCache {
	return &mapCache{users: make(map[string]entitlement.User)}
}

func (c *mapCache) GetUser(_ context.Context, userID string) (*entitlement.User, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	u, ok := c.users[userID]
	if !ok {
		return nil, false, nil
	}
	return &u, true, nil
}

func (c *mapCache) SetUser(_ context.Context, u *entitlement.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.ID] = *u
	return nil
}

func (c *mapCache) DeleteUsers(_ context.Context, userIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	for _, id := range userIDs {
		delete(c.users, id)
	}
	return nil
}

func (c *mapCache) has(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.users[userID]
	return ok
}

type countingMetrics struct {
	hits, misses int
}

func (m *countingMetrics) RecordCacheHit(string)  { m.hits++ }
func (m *countingMetrics) RecordCacheMiss(string) { m.misses++ }

func setup(t *testing.T) (*Storage, *mapCache, *memory.Storage, *countingMetrics) {
	t.Helper()
	hot := newMapCache()
	cold := memory.New()
	m := &countingMetrics{}
	s, err := New(Config{Hot: hot, Cold: cold, Metrics: m})
	require.NoError(t, err)
	return s, hot, cold, m
}

func TestNew(t *testing.T) {
	_, err := New(Config{Cold: memory.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hot and cold storage are required")

	_, err = New(Config{Hot: newMapCache()})
	require.Error(t, err)
}

func TestStorage_GetByUserID_ReadThrough(t *testing.T) {
	s, hot, cold, m := setup(t)
	ctx := context.Background()
	cold.Put(&entitlement.User{ID: "u1", Email: "a@example.com", Tier: entitlement.TierFree})

	u, err := s.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", u.Email)
	assert.True(t, hot.has("u1"))
	assert.Equal(t, 1, m.misses)

	_, err = s.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.hits)
}

func TestStorage_GetByUserID_NotFound(t *testing.T) {
	s, hot, _, _ := setup(t)

	_, err := s.GetByUserID(context.Background(), "ghost")
	assert.ErrorIs(t, err, entitlement.ErrUserNotFound)
	assert.False(t, hot.has("ghost"))
}

func TestStorage_GetByUserID_CacheErrorFallsBackToCold(t *testing.T) {
	hot := newMapCache()
	hot.getErr = errors.New("connection refused")
	cold := memory.New()
	cold.Put(&entitlement.User{ID: "u1"})

	var reported []error
	s, err := New(Config{Hot: hot, Cold: cold, CacheErrorHandler: func(err error) {
		reported = append(reported, err)
	}})
	require.NoError(t, err)

	u, err := s.GetByUserID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0].Error(), "connection refused")
}

func TestStorage_UpsertEntitlement_Invalidates(t *testing.T) {
	s, hot, cold, _ := setup(t)
	ctx := context.Background()
	cold.Put(&entitlement.User{ID: "u1", Tier: entitlement.TierFree})

	_, err := s.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	require.True(t, hot.has("u1"))

	exp := testNow.Add(30 * 24 * time.Hour)
	require.NoError(t, s.UpsertEntitlement(ctx, "u1", entitlement.Fields{
		IsPremium: true, Tier: entitlement.TierPremium, PremiumExpiresAt: &exp,
		SubscriptionStatus: billing.StatusActive,
	}))
	assert.False(t, hot.has("u1"))

	u, err := s.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.IsPremium)
}

func TestStorage_UpsertEntitlement_ColdFailureKeepsCache(t *testing.T) {
	s, hot, cold, _ := setup(t)
	ctx := context.Background()
	cold.Put(&entitlement.User{ID: "u1"})
	_, err := s.GetByUserID(ctx, "u1")
	require.NoError(t, err)

	cold.FailWrites(1)
	err = s.UpsertEntitlement(ctx, "u1", entitlement.Fields{IsPremium: true})
	assert.ErrorIs(t, err, entitlement.ErrStoreWriteFailed)
	assert.True(t, hot.has("u1"))
	assert.Zero(t, hot.deletes)
}

func TestStorage_Downgrade_Invalidates(t *testing.T) {
	s, hot, cold, _ := setup(t)
	ctx := context.Background()
	past := testNow.Add(-time.Hour)
	cold.Put(&entitlement.User{ID: "u1", IsPremium: true, Tier: entitlement.TierPremium, PremiumExpiresAt: &past})
	_, err := s.GetByUserID(ctx, "u1")
	require.NoError(t, err)

	cold.Put(&entitlement.User{ID: "u2", IsPremium: true, Tier: entitlement.TierPremium})
	_, err = s.GetByUserID(ctx, "u2")
	require.NoError(t, err)

	changed, err := s.Downgrade(ctx, []string{"u1", "u2"}, entitlement.ExpiryQuery{Now: testNow})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, changed)
	assert.False(t, hot.has("u1"))
	assert.True(t, hot.has("u2"), "rows left alone keep their cache entry")

	u, err := s.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u.IsPremium)
}

func TestStorage_SetManualGrant_Invalidates(t *testing.T) {
	s, hot, cold, _ := setup(t)
	ctx := context.Background()
	cold.Put(&entitlement.User{ID: "u1"})
	_, err := s.GetByUserID(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, s.SetManualGrant(ctx, "u1", entitlement.ManualGrant{Granted: true}))
	assert.False(t, hot.has("u1"))

	assert.ErrorIs(t, s.SetManualGrant(ctx, "ghost", entitlement.ManualGrant{Granted: true}), entitlement.ErrUserNotFound)
}

func TestStorage_LinkCustomer_Invalidates(t *testing.T) {
	s, hot, cold, _ := setup(t)
	ctx := context.Background()
	cold.Put(&entitlement.User{ID: "u1"})
	_, err := s.GetByUserID(ctx, "u1")
	require.NoError(t, err)

	linked, err := s.LinkCustomer(ctx, "u1", "cus_1")
	require.NoError(t, err)
	assert.True(t, linked)
	assert.False(t, hot.has("u1"))

	_, err = s.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	deletes := hot.deletes
	linked, err = s.LinkCustomer(ctx, "u1", "cus_2")
	require.NoError(t, err)
	assert.False(t, linked)
	assert.Equal(t, deletes, hot.deletes)
}

func TestAuthoritative_ReadsColdDespiteStaleCache(t *testing.T) {
	s, hot, cold, _ := setup(t)
	ctx := context.Background()
	exp := testNow.Add(30 * 24 * time.Hour)
	cold.Put(&entitlement.User{ID: "u1", Tier: entitlement.TierFree})

	// A display read fills the cache with the free row, then a write lands
	// in Cold behind the cache's back.
	_, err := s.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, cold.UpsertEntitlement(ctx, "u1", entitlement.Fields{
		IsPremium: true, Tier: entitlement.TierPremium, PremiumExpiresAt: &exp,
		BillingCustomerID: "cus_1", BillingSubscriptionID: "sub_1", SubscriptionStatus: billing.StatusActive,
	}))
	require.True(t, hot.has("u1"))

	store := s.Authoritative()
	u, err := store.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.IsPremium)
	assert.Equal(t, "sub_1", u.BillingSubscriptionID)

	// The engine derives from Cold, so the same snapshot is a no-op.
	engine, err := entitlement.NewEngine(entitlement.Config{Store: store, DeadLetters: cold,
		Now: func() time.Time { return testNow }})
	require.NoError(t, err)
	out, err := engine.Apply(ctx, entitlement.Event{
		UserID: "u1",
		Snapshot: billing.Subscription{CustomerID: "cus_1", SubscriptionID: "sub_1",
			Status: billing.StatusActive, CurrentPeriodEnd: &exp},
		Source: entitlement.SourceWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, entitlement.ActionUnchanged, out.Action)

	// Writes through the view still drop the cache entry.
	require.NoError(t, store.UpsertEntitlement(ctx, "u1", u.Fields()))
	assert.False(t, hot.has("u1"))
}

func TestStorage_ColdOnlyLookups(t *testing.T) {
	s, hot, cold, _ := setup(t)
	ctx := context.Background()
	cold.Put(&entitlement.User{ID: "u1", Email: "a@example.com", BillingCustomerID: "cus_1"})

	byEmail, err := s.GetByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Len(t, byEmail, 1)

	byCustomer, err := s.GetByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Len(t, byCustomer, 1)

	customers, err := s.ListBillingCustomers(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, customers, 1)

	assert.Zero(t, hot.gets)
}
