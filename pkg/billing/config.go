package billing

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds every outbound provider call.
const DefaultTimeout = 10 * time.Second

// Config defines the standard configuration all provider clients accept
type Config struct {
	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// WebhookSecret is used to verify incoming webhook signatures.
	WebhookSecret string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with DefaultTimeout will be used.
	HTTPClient *http.Client

	// BaseURL overrides the provider API endpoint (tests, proxies).
	BaseURL string

	// Metrics is an optional metrics collector for tracking provider operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics
}

// Validate checks the fields every provider needs.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrProviderNotConfigured
	}
	return nil
}

// HTTPClientOrDefault returns the configured client or one with DefaultTimeout.
func (c *Config) HTTPClientOrDefault() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: DefaultTimeout}
}

// MetricsOrNoop returns the configured collector or a no-op.
func (c *Config) MetricsOrNoop() Metrics {
	if c.Metrics != nil {
		return c.Metrics
	}
	return &NoopMetrics{}
}
