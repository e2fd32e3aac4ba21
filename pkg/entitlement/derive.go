package entitlement

import (
	"time"

	"github.com/mihaimyh/cardsync/pkg/billing"
)

// DefaultBillingInterval is used to project an expiry for a live
// subscription whose period end is unknown.
const DefaultBillingInterval = 30 * 24 * time.Hour

// Skip reasons returned by Derive.
const (
	SkipGrandfathered     = "grandfathered"
	SkipManualGrant       = "manual_grant"
	SkipStaleSubscription = "stale_subscription"
)

// Policy holds the tunables of entitlement derivation.
type Policy struct {
	// DefaultInterval replaces an unknown billing interval.
	DefaultInterval time.Duration
}

// DefaultPolicy returns the standard derivation policy.
func DefaultPolicy() Policy {
	return Policy{DefaultInterval: DefaultBillingInterval}
}

// Derive computes the entitlement the snapshot implies for current.
// A non-empty skip reason means the event must not change the row.
//
// active, trialing and past_due grant premium until the period end (the
// sweeper applies the past_due grace). Anything else downgrades, keeping
// the old expiry for display, unless the user is grandfathered, holds a
// live manual grant, or is premium under a different subscription.
func Derive(current *User, snap billing.Subscription, now time.Time, policy Policy) (target Fields, skip string) {
	target = current.Fields()
	if snap.CustomerID != "" {
		target.BillingCustomerID = snap.CustomerID
	}

	if snap.Status.Entitling() {
		target.IsPremium = true
		target.Tier = TierPremium
		target.SubscriptionStatus = snap.Status
		if snap.SubscriptionID != "" {
			target.BillingSubscriptionID = snap.SubscriptionID
		}
		target.PremiumExpiresAt = projectExpiry(current, snap, now, policy)
		return target, ""
	}

	switch {
	case current.IsGrandfathered:
		return current.Fields(), SkipGrandfathered
	case current.ManualGrant && notExpired(current.PremiumExpiresAt, now):
		return current.Fields(), SkipManualGrant
	case current.IsPremium && notExpired(current.PremiumExpiresAt, now) &&
		current.BillingSubscriptionID != "" && snap.SubscriptionID != "" &&
		current.BillingSubscriptionID != snap.SubscriptionID:
		return current.Fields(), SkipStaleSubscription
	}

	target.IsPremium = false
	target.Tier = TierFree
	target.SubscriptionStatus = snap.Status
	if snap.SubscriptionID != "" {
		target.BillingSubscriptionID = snap.SubscriptionID
	}
	return target, ""
}

// projectExpiry never returns nil. With no period end it keeps a future
// expiry already recorded for the same subscription so redelivery stays
// idempotent, else projects one billing interval from now.
func projectExpiry(current *User, snap billing.Subscription, now time.Time, policy Policy) *time.Time {
	if snap.CurrentPeriodEnd != nil {
		t := snap.CurrentPeriodEnd.UTC().Truncate(time.Second)
		return &t
	}
	if current.PremiumExpiresAt != nil && current.PremiumExpiresAt.After(now) &&
		current.BillingSubscriptionID == snap.SubscriptionID {
		t := *current.PremiumExpiresAt
		return &t
	}
	interval := snap.BillingInterval
	if interval <= 0 {
		interval = policy.DefaultInterval
	}
	if interval <= 0 {
		interval = DefaultBillingInterval
	}
	t := now.Add(interval).UTC().Truncate(time.Second)
	return &t
}

func notExpired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt == nil || expiresAt.After(now)
}
