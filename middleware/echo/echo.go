// Package echo provides Echo middleware that gates routes on premium
// entitlement.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

// UserKey is the context key the entitlement row is stored under.
const UserKey = "cardsync.entitlement"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Gate answers premium checks (required)
	Gate *entitlement.Gate

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnNotPremium is called when the user has no current premium
	// If nil, returns 403 premium_required
	OnNotPremium func(c echo.Context, user *entitlement.User) error

	// OnError is called when the entitlement lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequirePremium creates an Echo middleware that only lets premium users through
func RequirePremium(cfg Config) echo.MiddlewareFunc {
	if cfg.Gate == nil {
		panic("cardsync/echo: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("cardsync/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "unauthorized", "message": "authentication required",
				})
			}

			user, premium, err := cfg.Gate.Check(c.Request().Context(), userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{
					"error": "internal_error", "message": "entitlement lookup failed",
				})
			}
			if !premium {
				if cfg.OnNotPremium != nil {
					return cfg.OnNotPremium(c, user)
				}
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "premium_required", "message": "an active premium subscription is required",
				})
			}

			c.Set(UserKey, user)
			return next(c)
		}
	}
}

// User returns the row stored by RequirePremium.
func User(c echo.Context) (*entitlement.User, bool) {
	u, ok := c.Get(UserKey).(*entitlement.User)
	return u, ok
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context
// values set by an upstream auth middleware.
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
