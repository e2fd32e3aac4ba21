package gin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/cardsync/pkg/billing"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
	"github.com/mihaimyh/cardsync/storage/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type brokenStore struct {
	*memory.Storage
}

func (brokenStore) GetByUserID(context.Context, string) (*entitlement.User, error) {
	return nil, errors.New("connection refused")
}

func setupGate() *entitlement.Gate {
	store := memory.New()
	future := testNow.Add(24 * time.Hour)
	store.Put(&entitlement.User{ID: "premium", IsPremium: true, Tier: entitlement.TierPremium,
		PremiumExpiresAt: &future, SubscriptionStatus: billing.StatusActive})
	store.Put(&entitlement.User{ID: "free", Tier: entitlement.TierFree})
	return entitlement.NewGate(store, 0).WithClock(func() time.Time { return testNow })
}

func setupRouter(cfg Config) *gongin.Engine {
	gongin.SetMode(gongin.TestMode)
	r := gongin.New()
	r.GET("/premium", RequirePremium(cfg), func(c *gongin.Context) {
		u, ok := User(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, u.ID)
	})
	return r
}

func serve(r http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRequirePremium(t *testing.T) {
	r := setupRouter(Config{Gate: setupGate(), GetUserID: FromHeader("X-User-ID")})

	rec := serve(r, "premium")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "premium", rec.Body.String())

	rec = serve(r, "free")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "premium_required")

	rec = serve(r, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequirePremium_StoreError(t *testing.T) {
	gate := entitlement.NewGate(brokenStore{memory.New()}, 0)
	var got error
	r := setupRouter(Config{
		Gate:      gate,
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(c *gongin.Context, err error) {
			got = err
			c.Status(http.StatusServiceUnavailable)
		},
	})

	rec := serve(r, "premium")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Error(t, got)
}

func TestFromContext(t *testing.T) {
	gongin.SetMode(gongin.TestMode)
	r := gongin.New()
	r.Use(func(c *gongin.Context) {
		c.Set("uid", "premium")
		c.Next()
	})
	r.GET("/premium", RequirePremium(Config{Gate: setupGate(), GetUserID: FromContext("uid")}), func(c *gongin.Context) {
		c.Status(http.StatusNoContent)
	})

	rec := serve(r, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequirePremium_PanicsWithoutConfig(t *testing.T) {
	assert.Panics(t, func() { RequirePremium(Config{GetUserID: FromHeader("X-User-ID")}) })
	assert.Panics(t, func() { RequirePremium(Config{Gate: setupGate()}) })
}
