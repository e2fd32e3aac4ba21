// Package api provides the billing HTTP endpoints: checkout, portal,
// entitlement status and the internal sweep trigger.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/cardsync/internal/httputil"
	"github.com/mihaimyh/cardsync/pkg/auth"
	"github.com/mihaimyh/cardsync/pkg/billing"
	"github.com/mihaimyh/cardsync/pkg/checkout"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

const maxRequestBytes = 4 << 10

// Handler provides the billing HTTP endpoints
type Handler struct {
	config Config
	gate   *entitlement.Gate
}

// Checkout handles POST /billing/checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	httputil.SetSecurityHeaders(w)
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	body, err := httputil.ReadBodyStrict(w, r, maxRequestBytes)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", "Request body is required")
		return
	}
	var req CheckoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body")
		return
	}
	interval, err := checkout.ParseInterval(req.IntervalPreference)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_interval", "intervalPreference must be month or year")
		return
	}

	url, err := h.config.Checkout.CreateCheckout(r.Context(), id, interval)
	if err != nil {
		h.handleError(w, r, "checkout", err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, CheckoutResponse{CheckoutURL: url})
}

// Portal handles POST /billing/portal.
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	httputil.SetSecurityHeaders(w)
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	url, err := h.config.Checkout.CreatePortal(r.Context(), id)
	if err != nil {
		h.handleError(w, r, "portal", err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, PortalResponse{PortalURL: url})
}

// Status handles GET /billing/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	httputil.SetSecurityHeaders(w)
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	user, premium, err := h.gate.Check(r.Context(), id.UserID)
	if err == nil && user == nil {
		err = entitlement.ErrUserNotFound
	}
	if err != nil {
		h.handleError(w, r, "status", err)
		return
	}
	tier := user.Tier
	if tier == "" || !premium {
		tier = entitlement.TierFree
	}
	_ = httputil.WriteJSON(w, http.StatusOK, StatusResponse{
		IsPremium:          premium,
		PremiumExpiresAt:   user.PremiumExpiresAt,
		Tier:               string(tier),
		SubscriptionStatus: string(user.SubscriptionStatus),
	})
}

// Sweep handles GET and POST /internal/sweep. It is meant for a scheduler
// and authenticates with the shared sweep secret, not a user session.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	httputil.SetSecurityHeaders(w)
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if h.config.SweepSecret == "" || h.config.Sweeper == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "not_configured", "Sweep not configured")
		return
	}
	token, err := auth.BearerToken(r)
	if err != nil || subtle.ConstantTimeCompare([]byte(token), []byte(h.config.SweepSecret)) != 1 {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "Invalid sweep secret")
		return
	}

	res, err := h.config.Sweeper.RunOnce(r.Context())
	if err != nil {
		h.config.Logger.Error("sweep failed",
			entitlement.Field{Key: "expired", Value: res.ExpiredCount},
			entitlement.Field{Key: "drift_fixed", Value: res.DriftFixedCount},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		httputil.WriteError(w, http.StatusInternalServerError, "sweep_failed", "Sweep failed")
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, SweepResponse{
		ExpiredCount:    res.ExpiredCount,
		DriftFixedCount: res.DriftFixedCount,
	})
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := h.config.GetIdentity(r)
	if !ok || id.UserID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return auth.Identity{}, false
	}
	return id, true
}

// handleError maps domain errors to HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code, message := http.StatusInternalServerError, "internal_error", "Internal error"
	switch {
	case errors.Is(err, billing.ErrAlreadySubscribed):
		status, code, message = http.StatusConflict, "already_subscribed", "An active subscription already exists"
	case errors.Is(err, checkout.ErrInvalidInterval):
		status, code, message = http.StatusBadRequest, "invalid_interval", "intervalPreference must be month or year"
	case errors.Is(err, billing.ErrCustomerNotFound):
		status, code, message = http.StatusNotFound, "no_billing_customer", "No billing account found"
	case errors.Is(err, entitlement.ErrUserNotFound):
		status, code, message = http.StatusNotFound, "user_not_found", "User not found"
	case errors.Is(err, billing.ErrProviderUnavailable), errors.Is(err, billing.ErrProviderRejected):
		status, code, message = http.StatusBadGateway, "provider_error", "Billing provider error"
	}

	fields := []entitlement.Field{
		{Key: "op", Value: op},
		{Key: "path", Value: r.URL.Path},
		{Key: "status", Value: status},
		{Key: "error", Value: err.Error()},
	}
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("billing request failed", fields...)
	} else {
		h.config.Logger.Info("billing request refused", fields...)
	}
	httputil.WriteError(w, status, code, message)
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	for _, m := range methods {
		w.Header().Add("Allow", m)
	}
	httputil.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	return false
}
