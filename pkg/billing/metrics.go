package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// eventType: the provider event type (e.g., "customer.subscription.updated")
	// status: "success", "duplicate", "ignored", "in_progress" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "signature_invalid", "invalid_payload", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: the operation called (e.g., "subscriptions.list")
	// status: "ok", "unavailable" or "rejected"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordCircuitBreakerState records a provider circuit breaker transition.
	RecordCircuitBreakerState(provider, state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordCircuitBreakerState(_, _ string)                        {}
