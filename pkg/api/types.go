package api

import "time"

// CheckoutRequest is the body of POST /billing/checkout.
type CheckoutRequest struct {
	IntervalPreference string `json:"intervalPreference"`
}

// CheckoutResponse is returned by POST /billing/checkout.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
}

// PortalResponse is returned by POST /billing/portal.
type PortalResponse struct {
	PortalURL string `json:"portalUrl"`
}

// StatusResponse is returned by GET /billing/status.
type StatusResponse struct {
	IsPremium          bool       `json:"isPremium"`
	PremiumExpiresAt   *time.Time `json:"premiumExpiresAt"`
	Tier               string     `json:"tier"`
	SubscriptionStatus string     `json:"subscriptionStatus,omitempty"`
}

// SweepResponse is returned by the internal sweep endpoint.
type SweepResponse struct {
	ExpiredCount    int `json:"expiredCount"`
	DriftFixedCount int `json:"driftFixedCount"`
}
