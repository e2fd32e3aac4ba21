// Package gin provides Gin middleware that gates routes on premium
// entitlement.
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

// UserKey is the context key the entitlement row is stored under.
const UserKey = "cardsync.entitlement"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Gate answers premium checks (required)
	Gate *entitlement.Gate

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnNotPremium is called when the user has no current premium
	// If nil, returns 403 premium_required
	OnNotPremium func(c *gongin.Context, user *entitlement.User)

	// OnError is called when the entitlement lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequirePremium creates a Gin middleware that only lets premium users through
func RequirePremium(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("cardsync/gin: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("cardsync/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		user, premium, err := cfg.Gate.Check(c.Request.Context(), userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c)
			}
			c.Abort()
			return
		}
		if !premium {
			if cfg.OnNotPremium != nil {
				cfg.OnNotPremium(c, user)
			} else {
				defaultNotPremium(c)
			}
			c.Abort()
			return
		}

		c.Set(UserKey, user)
		c.Next()
	}
}

// User returns the row stored by RequirePremium.
func User(c *gongin.Context) (*entitlement.User, bool) {
	val, exists := c.Get(UserKey)
	if !exists {
		return nil, false
	}
	u, ok := val.(*entitlement.User)
	return u, ok
}

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized", "message": "authentication required"})
}

func defaultNotPremium(c *gongin.Context) {
	c.JSON(http.StatusForbidden, gongin.H{
		"error":   "premium_required",
		"message": "an active premium subscription is required",
	})
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "internal_error", "message": "entitlement lookup failed"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an upstream auth middleware via c.Set(key, "...").
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
