package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/cardsync/pkg/billing"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

func ptr(t time.Time) *time.Time { return &t }

func TestStorage_UpsertRequiresExistingRow(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.UpsertEntitlement(ctx, "ghost", entitlement.Fields{IsPremium: true, Tier: entitlement.TierPremium})
	assert.ErrorIs(t, err, entitlement.ErrUserNotFound)
	assert.Equal(t, 0, s.Writes())

	s.Put(&entitlement.User{ID: "u1", Email: "u1@example.com"})
	expires := time.Now().Add(time.Hour).UTC()
	require.NoError(t, s.UpsertEntitlement(ctx, "u1", entitlement.Fields{
		IsPremium:        true,
		Tier:             entitlement.TierPremium,
		PremiumExpiresAt: &expires,
	}))

	u, err := s.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.IsPremium)
	assert.Equal(t, entitlement.TierPremium, u.Tier)
	assert.Equal(t, expires, *u.PremiumExpiresAt)
	assert.Equal(t, 1, s.Writes())
}

func TestStorage_GetByEmailReturnsAllCandidates(t *testing.T) {
	s := New()
	s.Put(&entitlement.User{ID: "a", Email: "Shared@X.com"})
	s.Put(&entitlement.User{ID: "b", Email: "shared@x.com"})
	s.Put(&entitlement.User{ID: "c", Email: "other@x.com"})

	users, err := s.GetByEmail(context.Background(), "shared@x.com")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "a", users[0].ID)
	assert.Equal(t, "b", users[1].ID)
}

func TestStorage_ReturnsCopies(t *testing.T) {
	s := New()
	s.Put(&entitlement.User{ID: "u1", PremiumExpiresAt: ptr(time.Unix(100, 0))})

	u, err := s.GetByUserID(context.Background(), "u1")
	require.NoError(t, err)
	u.IsPremium = true
	*u.PremiumExpiresAt = time.Unix(999, 0)

	again, _ := s.GetByUserID(context.Background(), "u1")
	assert.False(t, again.IsPremium)
	assert.Equal(t, int64(100), again.PremiumExpiresAt.Unix())
}

func TestStorage_ExpiryQueryAndDowngrade(t *testing.T) {
	s := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)

	s.Put(&entitlement.User{ID: "lapsed", IsPremium: true, Tier: entitlement.TierPremium, PremiumExpiresAt: ptr(past)})
	s.Put(&entitlement.User{ID: "legacy", IsPremium: true, IsGrandfathered: true, PremiumExpiresAt: ptr(past)})
	s.Put(&entitlement.User{ID: "grace", IsPremium: true, PremiumExpiresAt: ptr(past),
		SubscriptionStatus: billing.StatusPastDue})
	s.Put(&entitlement.User{ID: "forever", IsPremium: true})
	s.Put(&entitlement.User{ID: "granted", IsPremium: true, ManualGrant: true, PremiumExpiresAt: ptr(past)})

	q := entitlement.ExpiryQuery{Now: now, PastDueGrace: 72 * time.Hour, Limit: 10}
	users, err := s.ListExpired(context.Background(), q)
	require.NoError(t, err)

	var ids []string
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	assert.Equal(t, []string{"granted", "lapsed"}, ids)

	changed, err := s.Downgrade(context.Background(), append(ids, "forever"), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"granted", "lapsed"}, changed)

	granted, _ := s.GetByUserID(context.Background(), "granted")
	assert.False(t, granted.IsPremium)
	assert.False(t, granted.ManualGrant)
	forever, _ := s.GetByUserID(context.Background(), "forever")
	assert.True(t, forever.IsPremium)
}

func TestStorage_ListBillingCustomersPages(t *testing.T) {
	s := New()
	s.Put(&entitlement.User{ID: "u1", BillingCustomerID: "cus_1"})
	s.Put(&entitlement.User{ID: "u2"})
	s.Put(&entitlement.User{ID: "u3", BillingCustomerID: "cus_3"})
	s.Put(&entitlement.User{ID: "u4", BillingCustomerID: "cus_4"})

	page, err := s.ListBillingCustomers(context.Background(), "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "u1", page[0].ID)
	assert.Equal(t, "u3", page[1].ID)

	page, err = s.ListBillingCustomers(context.Background(), "u3", 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "u4", page[0].ID)
}

func TestStorage_EventLogTTL(t *testing.T) {
	s := New()
	now := time.Now()
	s.SetTimeSource(func() time.Time { return now })
	ctx := context.Background()

	seen, err := s.Seen(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkProcessed(ctx, "stripe", "evt_1", time.Hour))
	seen, _ = s.Seen(ctx, "stripe", "evt_1")
	assert.True(t, seen)

	now = now.Add(2 * time.Hour)
	seen, _ = s.Seen(ctx, "stripe", "evt_1")
	assert.False(t, seen)
}

func TestStorage_FailWrites(t *testing.T) {
	s := New()
	s.Put(&entitlement.User{ID: "u1"})
	s.FailWrites(1)

	err := s.UpsertEntitlement(context.Background(), "u1", entitlement.Fields{Tier: entitlement.TierFree})
	assert.ErrorIs(t, err, entitlement.ErrStoreWriteFailed)
	assert.NoError(t, s.UpsertEntitlement(context.Background(), "u1", entitlement.Fields{Tier: entitlement.TierFree}))
}

func TestStorage_SetManualGrant(t *testing.T) {
	s := New()
	ctx := context.Background()
	exp := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	s.Put(&entitlement.User{ID: "u1", BillingCustomerID: "cus_1", BillingSubscriptionID: "sub_1",
		SubscriptionStatus: billing.StatusCanceled})

	assert.ErrorIs(t, s.SetManualGrant(ctx, "ghost", entitlement.ManualGrant{Granted: true}), entitlement.ErrUserNotFound)

	require.NoError(t, s.SetManualGrant(ctx, "u1", entitlement.ManualGrant{Granted: true, ExpiresAt: &exp}))
	u, _ := s.GetByUserID(ctx, "u1")
	assert.True(t, u.ManualGrant)
	assert.True(t, u.IsPremium)
	assert.Equal(t, entitlement.TierPremium, u.Tier)
	assert.Equal(t, exp, *u.PremiumExpiresAt)
	assert.Equal(t, "sub_1", u.BillingSubscriptionID)

	require.NoError(t, s.SetManualGrant(ctx, "u1", entitlement.ManualGrant{}))
	u, _ = s.GetByUserID(ctx, "u1")
	assert.False(t, u.ManualGrant)
	assert.False(t, u.IsPremium)
	assert.Equal(t, entitlement.TierFree, u.Tier)
	assert.Equal(t, exp, *u.PremiumExpiresAt)
	assert.Equal(t, billing.StatusCanceled, u.SubscriptionStatus)

	s.FailWrites(1)
	err := s.SetManualGrant(ctx, "u1", entitlement.ManualGrant{Granted: true})
	require.ErrorIs(t, err, entitlement.ErrStoreWriteFailed)
	u, _ = s.GetByUserID(ctx, "u1")
	assert.False(t, u.ManualGrant)
	assert.False(t, u.IsPremium)
}

func TestStorage_LinkCustomer(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Put(&entitlement.User{ID: "u1"})
	s.Put(&entitlement.User{ID: "u2", BillingCustomerID: "cus_old"})

	linked, err := s.LinkCustomer(ctx, "u1", "cus_1")
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = s.LinkCustomer(ctx, "u2", "cus_new")
	require.NoError(t, err)
	assert.False(t, linked)
	u2, _ := s.GetByUserID(ctx, "u2")
	assert.Equal(t, "cus_old", u2.BillingCustomerID)

	_, err = s.LinkCustomer(ctx, "ghost", "cus_1")
	assert.ErrorIs(t, err, entitlement.ErrUserNotFound)
}

func TestStorage_ListDeadLetters(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.RecordDeadLetter(ctx, entitlement.DeadLetter{
			ID: id, Reason: entitlement.ReasonUserNotFound, CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	got, err := s.ListDeadLetters(ctx, base.Add(30*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "mid", got[1].ID)

	got, err = s.ListDeadLetters(ctx, base, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}
