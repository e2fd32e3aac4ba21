package billing

import (
	"context"
)

// Client is the payment provider surface the reconciliation core depends on.
// Implementations must bound every network call with a timeout and classify
// failures as ErrProviderUnavailable (retryable) or ErrProviderRejected.
type Client interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// GetCustomersByEmail returns every customer registered under email.
	// Providers do not enforce email uniqueness, so callers must not assume
	// a single result.
	GetCustomersByEmail(ctx context.Context, email string) ([]Customer, error)

	// GetCustomer fetches a single customer by provider ID.
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)

	// ListSubscriptions lists subscriptions for a customer. An empty
	// statusFilter (or "all") includes canceled subscriptions.
	ListSubscriptions(ctx context.Context, customerID, statusFilter string) ([]Subscription, error)

	// GetSubscription fetches the current state of one subscription.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CreateCheckoutSession starts a hosted checkout keyed by the internal user ID.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error)

	// CreatePortalSession starts a self-service billing portal session.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*Session, error)

	// VerifyWebhookSignature authenticates a raw webhook body and parses it
	// into a normalized Event. It fails with ErrSignatureInvalid when the
	// signature does not match and ErrInvalidPayload when the body is unusable.
	VerifyWebhookSignature(payload []byte, signatureHeader, secret string) (*Event, error)
}

// CheckoutRequest describes a subscription checkout session.
type CheckoutRequest struct {
	UserID     string
	Email      string
	PriceID    string
	CustomerID string // reuse an existing provider customer when known
	SuccessURL string
	CancelURL  string
}

// Session is a hosted provider page the user is redirected to.
type Session struct {
	ID  string
	URL string
}
