package entitlement

import (
	"time"

	"github.com/mihaimyh/cardsync/pkg/billing"
)

// Tier is the display tier kept alongside IsPremium.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Source identifies what produced a reconciliation event.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceSweep   Source = "sweep"
	SourceManual  Source = "manual"
)

// User is one row of the entitlement table. Rows are created by the auth
// system at first sign-in and never deleted here.
type User struct {
	ID    string
	Email string

	IsPremium       bool
	IsGrandfathered bool
	// ManualGrant marks premium granted by an operator rather than billing.
	ManualGrant bool

	// PremiumExpiresAt caches the billing period end; nil means no expiry
	// is known.
	PremiumExpiresAt *time.Time

	BillingCustomerID     string
	BillingSubscriptionID string
	SubscriptionStatus    billing.Status
	Tier                  Tier

	UpdatedAt time.Time
}

// Fields returns the entitlement projection of the row.
func (u *User) Fields() Fields {
	return Fields{
		IsPremium:             u.IsPremium,
		Tier:                  u.Tier,
		PremiumExpiresAt:      u.PremiumExpiresAt,
		BillingCustomerID:     u.BillingCustomerID,
		BillingSubscriptionID: u.BillingSubscriptionID,
		SubscriptionStatus:    u.SubscriptionStatus,
	}
}

// ManualGrant is the override SetManualGrant writes. Granting sets premium
// with ExpiresAt (nil never expires); revoking sets free and keeps the
// stored expiry.
type ManualGrant struct {
	Granted   bool
	ExpiresAt *time.Time
}

// Fields is the complete set of columns UpsertEntitlement writes. There is
// no partial update: premium state, tier and expiry always move together.
type Fields struct {
	IsPremium             bool
	Tier                  Tier
	PremiumExpiresAt      *time.Time
	BillingCustomerID     string
	BillingSubscriptionID string
	SubscriptionStatus    billing.Status
}

// Event is the unit of reconciliation work. UserID is authoritative when
// set; otherwise the engine resolves by billing customer, then by email.
type Event struct {
	ProviderEventID string
	UserID          string
	Email           string
	Snapshot        billing.Subscription
	Source          Source
	ReceivedAt      time.Time
}

// Action describes what the engine did with an event.
type Action string

const (
	ActionApplied      Action = "applied"
	ActionUnchanged    Action = "unchanged"
	ActionSkipped      Action = "skipped"
	ActionDeadLettered Action = "dead_lettered"
)

// Outcome is the result of applying one event.
type Outcome struct {
	Action Action
	UserID string
	Target Fields
	// Reason explains skipped and dead-lettered outcomes.
	Reason string
}

// Dead-letter reasons.
const (
	ReasonAmbiguousUser    = "ambiguous_user"
	ReasonUserNotFound     = "user_not_found"
	ReasonMalformedEvent   = "malformed_event"
	ReasonStoreWriteFailed = "store_write_failed"
)

// DeadLetter is an event deliberately not applied, kept for operator review.
type DeadLetter struct {
	ID              string
	Reason          string
	Source          Source
	ProviderEventID string
	UserID          string
	Email           string
	CustomerID      string
	SubscriptionID  string
	Status          billing.Status
	Detail          string
	CreatedAt       time.Time
}

// ExpiryQuery selects rows for the sweeper's expiry pass: premium, not
// grandfathered, expiry before Now. Rows whose last known status is
// past_due get PastDueGrace extra time. Rows without an expiry are never
// selected.
type ExpiryQuery struct {
	Now          time.Time
	PastDueGrace time.Duration
	Limit        int
}

// Cutoff returns the expiry bound for a row with the given status.
func (q ExpiryQuery) Cutoff(status billing.Status) time.Time {
	if status == billing.StatusPastDue {
		return q.Now.Add(-q.PastDueGrace)
	}
	return q.Now
}

// Matches reports whether u is selected by the query.
func (q ExpiryQuery) Matches(u *User) bool {
	return u.IsPremium && !u.IsGrandfathered &&
		u.PremiumExpiresAt != nil && u.PremiumExpiresAt.Before(q.Cutoff(u.SubscriptionStatus))
}
