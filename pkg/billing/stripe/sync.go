package stripe

import (
	"context"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/cardsync/pkg/billing"
)

// GetCustomersByEmail lists every non-deleted customer with the given email.
// Stripe does not enforce email uniqueness; several results are normal.
func (c *Client) GetCustomersByEmail(ctx context.Context, email string) ([]billing.Customer, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	start := time.Now()
	params := &stripe.CustomerListParams{Email: stripe.String(email)}

	var customers []billing.Customer
	for cust, err := range c.sc.V1Customers.List(ctx, params) {
		if err != nil {
			return nil, c.observe("customers.list", start, err, nil)
		}
		if cust.Deleted {
			continue
		}
		customers = append(customers, toCustomer(cust))
	}
	_ = c.observe("customers.list", start, nil, nil)
	return customers, nil
}

// GetCustomer retrieves one customer by ID.
func (c *Client) GetCustomer(ctx context.Context, customerID string) (*billing.Customer, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	start := time.Now()
	cust, err := c.sc.V1Customers.Retrieve(ctx, customerID, nil)
	if err != nil {
		return nil, c.observe("customers.retrieve", start, err, billing.ErrCustomerNotFound)
	}
	_ = c.observe("customers.retrieve", start, nil, nil)
	if cust.Deleted {
		return nil, billing.ErrCustomerNotFound
	}
	out := toCustomer(cust)
	return &out, nil
}

// ListSubscriptions lists a customer's subscriptions. An empty statusFilter
// lists every status, including canceled.
func (c *Client) ListSubscriptions(ctx context.Context, customerID, statusFilter string) ([]billing.Subscription, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if statusFilter == "" {
		statusFilter = "all"
	}
	start := time.Now()
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(statusFilter)

	var subs []billing.Subscription
	for sub, err := range c.sc.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, c.observe("subscriptions.list", start, err, nil)
		}
		snap := snapshotFromSDK(sub)
		if snap.CustomerID == "" {
			snap.CustomerID = customerID
		}
		subs = append(subs, snap)
	}
	_ = c.observe("subscriptions.list", start, nil, nil)
	return subs, nil
}

// GetSubscription retrieves the current state of one subscription.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	start := time.Now()
	sub, err := c.sc.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, c.observe("subscriptions.retrieve", start, err, billing.ErrSubscriptionNotFound)
	}
	_ = c.observe("subscriptions.retrieve", start, nil, nil)
	snap := snapshotFromSDK(sub)
	return &snap, nil
}

func toCustomer(cust *stripe.Customer) billing.Customer {
	return billing.Customer{
		ID:       cust.ID,
		Email:    cust.Email,
		UserID:   cust.Metadata[metadataUserID],
		Metadata: cust.Metadata,
	}
}
