package billing

import "time"

// Status is the normalized subscription status.
type Status string

const (
	StatusActive     Status = "active"
	StatusTrialing   Status = "trialing"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusIncomplete Status = "incomplete"
)

// Entitling reports whether the status grants premium access by itself.
// past_due is entitling until the grace window elapses.
func (s Status) Entitling() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

// Customer is a provider-side customer record.
type Customer struct {
	ID       string
	Email    string
	UserID   string // metadata user_id, when the customer was created by our checkout
	Metadata map[string]string
}

// Subscription is a point-in-time snapshot of one provider subscription.
// It is consumed by the reconciliation engine and never stored verbatim.
type Subscription struct {
	CustomerID       string
	SubscriptionID   string
	Status           Status
	CurrentPeriodEnd *time.Time
	CustomerEmail    string

	// UserID is the internal user ID carried in subscription metadata.
	UserID string

	// BillingInterval is the recurring interval of the subscribed price,
	// zero when unknown.
	BillingInterval time.Duration
}

// EventKind is the normalized webhook event kind.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventUnhandled           EventKind = "unhandled"
)

// Event is a verified, parsed webhook delivery.
type Event struct {
	ID           string
	Kind         EventKind
	ProviderType string // e.g. "customer.subscription.updated"
	Created      time.Time

	UserID         string
	Email          string
	CustomerID     string
	SubscriptionID string

	// Subscription is the snapshot embedded in the event, nil for events that
	// only reference a subscription by ID (checkout completion).
	Subscription *Subscription
}
