package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/cardsync/pkg/billing"
)

const (
	providerName = "stripe"

	// metadataUserID is the metadata key carrying the internal user ID on
	// checkout sessions, subscriptions and customers.
	metadataUserID = "user_id"
)

// Client implements billing.Client against the Stripe API.
type Client struct {
	sc      *stripe.Client
	metrics billing.Metrics
}

var _ billing.Client = (*Client)(nil)

// NewClient creates a Stripe client. Every request runs through the
// configured HTTP client, so its timeout bounds each call.
func NewClient(config billing.Config) (*Client, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient: config.HTTPClientOrDefault(),
		// Retries are owned by the reconciliation engine and the provider's
		// own webhook redelivery.
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if config.BaseURL != "" {
		backendConfig.URL = stripe.String(config.BaseURL)
	}

	sc := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))

	return &Client{
		sc:      sc,
		metrics: config.MetricsOrNoop(),
	}, nil
}

// Name returns the provider name
func (c *Client) Name() string {
	return providerName
}

// observe records call metrics and classifies err for callers.
func (c *Client) observe(endpoint string, start time.Time, err error, notFound error) error {
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err == nil {
		c.metrics.RecordAPICall(providerName, endpoint, "ok")
		return nil
	}
	classified := classifyError(endpoint, err, notFound)
	switch {
	case billing.IsRetryable(classified):
		c.metrics.RecordAPICall(providerName, endpoint, "unavailable")
	case notFound != nil && errors.Is(classified, notFound):
		c.metrics.RecordAPICall(providerName, endpoint, "not_found")
	default:
		c.metrics.RecordAPICall(providerName, endpoint, "rejected")
	}
	return classified
}

// classifyError maps a stripe-go error onto the billing error taxonomy.
// Transport failures, throttling and 5xx are unavailable; other API
// errors are rejections. A 404 maps to notFound when one is given.
func classifyError(op string, err error, notFound error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return billing.Unavailable(op, err)
	}

	status := stripeErr.HTTPStatusCode
	switch {
	case status == http.StatusNotFound && notFound != nil:
		return fmt.Errorf("%s: %w", op, notFound)
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError, status == 0:
		return billing.Unavailable(op, err)
	default:
		return billing.Rejected(op, err)
	}
}

// withTimeout applies the default bound when the caller supplied no deadline.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, billing.DefaultTimeout)
}
