package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/cardsync/pkg/billing"
)

// CreateCheckoutSession creates a subscription Checkout Session. The internal
// user ID is written to the session metadata, the subscription metadata and
// client_reference_id so every later webhook can be keyed by it.
func (c *Client) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.Session, error) {
	if req.UserID == "" || req.PriceID == "" {
		return nil, billing.Rejected("checkout.sessions.create", fmt.Errorf("user id and price id are required"))
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
		Metadata:          map[string]string{metadataUserID: req.UserID},
	}

	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, req.UserID)

	// Attach the known customer to avoid duplicates; otherwise let Stripe
	// create one prefilled with the account email.
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else {
		params.CustomerCreation = stripe.String("always")
		if req.Email != "" {
			params.CustomerEmail = stripe.String(req.Email)
		}
	}

	start := time.Now()
	session, err := c.sc.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, c.observe("checkout.sessions.create", start, err, nil)
	}
	_ = c.observe("checkout.sessions.create", start, nil, nil)

	return &billing.Session{ID: session.ID, URL: session.URL}, nil
}

// CreatePortalSession creates a Stripe Customer Portal Session.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*billing.Session, error) {
	if customerID == "" {
		return nil, billing.ErrCustomerNotFound
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	params := &stripe.BillingPortalSessionCreateParams{
		Customer: stripe.String(customerID),
	}
	if returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}

	start := time.Now()
	session, err := c.sc.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		return nil, c.observe("billing_portal.sessions.create", start, err, billing.ErrCustomerNotFound)
	}
	_ = c.observe("billing_portal.sessions.create", start, nil, nil)

	return &billing.Session{ID: session.ID, URL: session.URL}, nil
}
