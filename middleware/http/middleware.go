// Package http provides net/http middleware that gates handlers on premium
// entitlement.
package http

import (
	"context"
	"net/http"

	"github.com/mihaimyh/cardsync/internal/httputil"
	"github.com/mihaimyh/cardsync/pkg/auth"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Gate answers premium checks (required)
	Gate *entitlement.Gate

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnNotPremium is called when the user has no current premium
	// If nil, returns 403 premium_required
	OnNotPremium func(w http.ResponseWriter, r *http.Request, user *entitlement.User)

	// OnError is called when the entitlement lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type contextKey struct{}

// RequirePremium creates an HTTP middleware that only lets premium users
// through. The user's row is available to the handler via UserFromContext.
func RequirePremium(config Config) func(http.Handler) http.Handler {
	if config.Gate == nil {
		panic("cardsync/http: Config.Gate is required")
	}
	if config.GetUserID == nil {
		panic("cardsync/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				}
				return
			}

			user, premium, err := config.Gate.Check(r.Context(), userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "entitlement lookup failed")
				}
				return
			}
			if !premium {
				if config.OnNotPremium != nil {
					config.OnNotPremium(w, r, user)
				} else {
					httputil.WriteError(w, http.StatusForbidden, "premium_required", "an active premium subscription is required")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, user)))
		})
	}
}

// HandlerFunc is RequirePremium for http.HandlerFunc chains
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequirePremium(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// UserFromContext returns the row stored by RequirePremium.
func UserFromContext(ctx context.Context) (*entitlement.User, bool) {
	u, ok := ctx.Value(contextKey{}).(*entitlement.User)
	return u, ok
}

// FromIdentity returns a UserIDExtractor reading the identity set by the
// auth middleware.
func FromIdentity() UserIDExtractor {
	return func(r *http.Request) string {
		if id, ok := auth.FromRequest(r); ok {
			return id.UserID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
