package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/cardsync/pkg/auth"
	"github.com/mihaimyh/cardsync/pkg/billing"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
	"github.com/mihaimyh/cardsync/storage/memory"
)

func setupTestApp(t *testing.T) (*app, http.Handler) {
	t.Helper()
	setServeEnv(t)
	t.Setenv("REDIS_URL", "")
	cfg, err := loadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.validateServe())

	a, err := newApp(context.Background(), cfg, appOptions{provider: true})
	require.NoError(t, err)
	t.Cleanup(a.close)

	router, err := a.router()
	require.NoError(t, err)
	return a, router
}

func sessionToken(t *testing.T, userID string) string {
	t.Helper()
	v, err := auth.NewVerifier("session-secret")
	require.NoError(t, err)
	token, err := v.Sign(auth.Identity{UserID: userID, Email: userID + "@example.com"}, time.Hour)
	require.NoError(t, err)
	return token
}

func TestRouter_Health(t *testing.T) {
	_, router := setupTestApp(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_Metrics(t *testing.T) {
	_, router := setupTestApp(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRouter_StatusRequiresSession(t *testing.T) {
	a, router := setupTestApp(t)
	mem, ok := a.store.(*memory.Storage)
	require.True(t, ok)
	exp := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	mem.Put(&entitlement.User{ID: "u1", Email: "u1@example.com", IsPremium: true,
		Tier: entitlement.TierPremium, PremiumExpiresAt: &exp, SubscriptionStatus: billing.StatusActive})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/billing/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/billing/status", nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken(t, "u1"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["isPremium"])
	assert.Equal(t, "premium", body["tier"])
}

func TestRouter_CheckoutRateLimited(t *testing.T) {
	_, router := setupTestApp(t)
	token := sessionToken(t, "u1")

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/billing/checkout", strings.NewReader(`{"intervalPreference":"weekly"}`))
		req.Header.Set("Authorization", "Bearer "+token)
		req.RemoteAddr = "203.0.113.7:4000"
		last = httptest.NewRecorder()
		router.ServeHTTP(last, req)
		if i < 2 {
			assert.Equal(t, http.StatusBadRequest, last.Code)
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
}

func TestRouter_Sweep(t *testing.T) {
	_, router := setupTestApp(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/sweep", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_WebhookRejectsUnsigned(t *testing.T) {
	_, router := setupTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(`{"id":"evt_1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_signature")
}

func TestRouter_RateLimitIsPerSessionUser(t *testing.T) {
	_, router := setupTestApp(t)

	send := func(userID, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodPost, "/billing/checkout", strings.NewReader(`{"intervalPreference":"weekly"}`))
		req.Header.Set("Authorization", "Bearer "+sessionToken(t, userID))
		req.Header.Set("X-Forwarded-For", forwardedFor)
		req.RemoteAddr = "203.0.113.7:4000"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusBadRequest, send("u1", "198.51.100.1"))
	assert.Equal(t, http.StatusBadRequest, send("u1", "198.51.100.2"))
	assert.Equal(t, http.StatusTooManyRequests, send("u1", "198.51.100.3"), "rotating the forwarded address does not reset the bucket")
	assert.Equal(t, http.StatusBadRequest, send("u2", "198.51.100.3"), "another user behind the same address has its own bucket")
}
