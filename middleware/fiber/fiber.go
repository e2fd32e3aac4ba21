// Package fiber provides Fiber middleware that gates routes on premium
// entitlement.
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

// UserKey is the Locals key the entitlement row is stored under.
const UserKey = "cardsync.entitlement"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Gate answers premium checks (required)
	Gate *entitlement.Gate

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnNotPremium is called when the user has no current premium
	// If nil, returns 403 premium_required
	OnNotPremium func(c *fiber.Ctx, user *entitlement.User) error

	// OnError is called when the entitlement lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RequirePremium creates a Fiber middleware that only lets premium users through
func RequirePremium(cfg Config) fiber.Handler {
	if cfg.Gate == nil {
		panic("cardsync/fiber: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("cardsync/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized", "message": "authentication required",
			})
		}

		user, premium, err := cfg.Gate.Check(c.UserContext(), userID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "internal_error", "message": "entitlement lookup failed",
			})
		}
		if !premium {
			if cfg.OnNotPremium != nil {
				return cfg.OnNotPremium(c, user)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "premium_required", "message": "an active premium subscription is required",
			})
		}

		c.Locals(UserKey, user)
		return c.Next()
	}
}

// User returns the row stored by RequirePremium.
func User(c *fiber.Ctx) (*entitlement.User, bool) {
	u, ok := c.Locals(UserKey).(*entitlement.User)
	return u, ok
}

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals
// set by an upstream auth middleware via c.Locals(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
