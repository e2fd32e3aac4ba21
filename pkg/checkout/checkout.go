// Package checkout starts hosted checkout and billing portal sessions for
// signed-in users.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mihaimyh/cardsync/pkg/auth"
	"github.com/mihaimyh/cardsync/pkg/billing"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

// Interval is the billing interval a user asks for.
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// ErrInvalidInterval is returned for an interval other than month or year,
// or one without a configured price.
var ErrInvalidInterval = errors.New("invalid billing interval")

// ParseInterval accepts "month"/"monthly" and "year"/"yearly".
func ParseInterval(s string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "month", "monthly":
		return IntervalMonth, nil
	case "year", "yearly", "annual":
		return IntervalYear, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
}

// Config configures the Orchestrator.
type Config struct {
	Provider billing.Client
	Store    entitlement.Store

	// Prices maps each interval to a provider price ID.
	Prices map[Interval]string

	SuccessURL      string
	CancelURL       string
	PortalReturnURL string

	Logger entitlement.Logger
}

// Orchestrator creates provider sessions. It never changes entitlement
// itself; premium is granted by the webhook once payment completes.
type Orchestrator struct {
	provider   billing.Client
	store      entitlement.Store
	prices     map[Interval]string
	successURL string
	cancelURL  string
	returnURL  string
	logger     entitlement.Logger
}

// New validates cfg.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("%w: provider is required", entitlement.ErrInvalidConfig)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", entitlement.ErrInvalidConfig)
	}
	if cfg.SuccessURL == "" || cfg.CancelURL == "" {
		return nil, fmt.Errorf("%w: success and cancel URLs are required", entitlement.ErrInvalidConfig)
	}
	o := &Orchestrator{
		provider:   cfg.Provider,
		store:      cfg.Store,
		prices:     make(map[Interval]string, len(cfg.Prices)),
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		returnURL:  cfg.PortalReturnURL,
		logger:     cfg.Logger,
	}
	for k, v := range cfg.Prices {
		if v != "" {
			o.prices[k] = v
		}
	}
	if o.returnURL == "" {
		o.returnURL = cfg.SuccessURL
	}
	if o.logger == nil {
		o.logger = &entitlement.NoopLogger{}
	}
	return o, nil
}

// CreateCheckout returns the URL of a new subscription checkout for id.
// It fails with billing.ErrAlreadySubscribed when the provider already
// holds a live subscription for the user's email or stored customer.
func (o *Orchestrator) CreateCheckout(ctx context.Context, id auth.Identity, interval Interval) (string, error) {
	priceID, ok := o.prices[interval]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}

	user, err := o.store.GetByUserID(ctx, id.UserID)
	if err != nil {
		return "", err
	}
	email := firstNonEmpty(id.Email, user.Email)

	customerIDs, err := o.candidateCustomers(ctx, user.BillingCustomerID, email)
	if err != nil {
		return "", err
	}
	for _, customerID := range customerIDs {
		subs, err := o.provider.ListSubscriptions(ctx, customerID, "")
		if err != nil {
			return "", err
		}
		for _, s := range subs {
			if s.Status.Entitling() {
				o.logger.Info("checkout refused, subscription exists",
					entitlement.Field{Key: "user_id", Value: id.UserID},
					entitlement.Field{Key: "customer_id", Value: customerID},
					entitlement.Field{Key: "subscription_id", Value: s.SubscriptionID},
				)
				return "", billing.ErrAlreadySubscribed
			}
		}
	}

	session, err := o.provider.CreateCheckoutSession(ctx, billing.CheckoutRequest{
		UserID:     id.UserID,
		Email:      email,
		PriceID:    priceID,
		CustomerID: user.BillingCustomerID,
		SuccessURL: o.successURL,
		CancelURL:  o.cancelURL,
	})
	if err != nil {
		return "", err
	}
	o.logger.Info("checkout session created",
		entitlement.Field{Key: "user_id", Value: id.UserID},
		entitlement.Field{Key: "session_id", Value: session.ID},
		entitlement.Field{Key: "interval", Value: string(interval)},
	)
	return session.URL, nil
}

// CreatePortal returns the URL of a billing portal session for id.
func (o *Orchestrator) CreatePortal(ctx context.Context, id auth.Identity) (string, error) {
	user, err := o.store.GetByUserID(ctx, id.UserID)
	if err != nil {
		return "", err
	}

	customerID := user.BillingCustomerID
	if customerID == "" {
		customerID, err = o.backfillCustomer(ctx, user, firstNonEmpty(id.Email, user.Email))
		if err != nil {
			return "", err
		}
	}

	session, err := o.provider.CreatePortalSession(ctx, customerID, o.returnURL)
	if err != nil {
		return "", err
	}
	return session.URL, nil
}

// backfillCustomer finds the user's billing customer by email and links
// it to the row.
func (o *Orchestrator) backfillCustomer(ctx context.Context, user *entitlement.User, email string) (string, error) {
	if email == "" {
		return "", billing.ErrCustomerNotFound
	}
	customers, err := o.provider.GetCustomersByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	customer := billing.MatchCustomer(customers, user.ID)
	if customer == nil {
		return "", billing.ErrCustomerNotFound
	}

	o.logger.Warn("billing customer resolved by email, linking to user",
		entitlement.Field{Key: "user_id", Value: user.ID},
		entitlement.Field{Key: "customer_id", Value: customer.ID},
	)
	linked, err := o.store.LinkCustomer(ctx, user.ID, customer.ID)
	if err != nil {
		o.logger.Error("failed to link billing customer",
			entitlement.Field{Key: "user_id", Value: user.ID},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		return customer.ID, nil
	}
	if !linked {
		// Another writer linked a customer first; that one wins.
		current, err := o.store.GetByUserID(ctx, user.ID)
		if err == nil && current.BillingCustomerID != "" {
			return current.BillingCustomerID, nil
		}
	}
	return customer.ID, nil
}

// candidateCustomers returns the stored customer followed by every
// customer registered under email, without duplicates.
func (o *Orchestrator) candidateCustomers(ctx context.Context, stored, email string) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	add(stored)

	if email != "" {
		customers, err := o.provider.GetCustomersByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		for _, c := range customers {
			add(c.ID)
		}
	}
	return ids, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
