package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/cardsync/pkg/billing"
)

// checkoutSessionPayload is the subset of a checkout.session object we read.
type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          expandable        `json:"customer"`
	CustomerEmail     string            `json:"customer_email"`
	Subscription      expandable        `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// VerifyWebhookSignature checks the Stripe-Signature header against secret
// and parses the event into a billing.Event.
func (c *Client) VerifyWebhookSignature(payload []byte, signatureHeader, secret string) (*billing.Event, error) {
	if secret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", billing.ErrSignatureInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidPayload, err)
	}

	return ParseEvent(&event)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// ParseEvent normalizes a verified Stripe event. Types outside the
// subscription lifecycle come back as billing.EventUnhandled.
func ParseEvent(event *stripe.Event) (*billing.Event, error) {
	out := &billing.Event{
		ID:           event.ID,
		ProviderType: string(event.Type),
		Created:      time.Unix(event.Created, 0).UTC(),
		Kind:         billing.EventUnhandled,
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: event without id", billing.ErrInvalidPayload)
	}
	if event.Data == nil {
		return out, nil
	}

	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSessionPayload
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidPayload, err)
		}
		if session.Mode != "" && session.Mode != string(stripe.CheckoutSessionModeSubscription) {
			return out, nil
		}
		out.Kind = billing.EventCheckoutCompleted
		out.UserID = session.ClientReferenceID
		if out.UserID == "" {
			out.UserID = session.Metadata[metadataUserID]
		}
		out.CustomerID = session.Customer.ID
		out.SubscriptionID = session.Subscription.ID
		out.Email = firstNonEmpty(session.CustomerEmail, session.Customer.Email)
		if session.CustomerDetails != nil {
			out.Email = firstNonEmpty(session.CustomerDetails.Email, out.Email)
		}

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		snap, err := NormalizeSubscription(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		out.Kind = billing.EventSubscriptionUpdated
		if event.Type == "customer.subscription.deleted" {
			out.Kind = billing.EventSubscriptionDeleted
			snap.Status = billing.StatusCanceled
		}
		out.UserID = snap.UserID
		out.Email = snap.CustomerEmail
		out.CustomerID = snap.CustomerID
		out.SubscriptionID = snap.SubscriptionID
		out.Subscription = &snap
	}

	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
