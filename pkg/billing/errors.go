package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrSignatureInvalid is returned when webhook signature validation fails
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a webhook payload cannot be parsed
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrProviderUnavailable is returned for transport failures, timeouts,
	// throttling and 5xx responses. Callers may retry.
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrProviderRejected is returned when the provider refuses a request as
	// malformed. Retrying the same request will not help.
	ErrProviderRejected = errors.New("billing provider rejected request")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrSubscriptionNotFound is returned when a subscription cannot be found
	ErrSubscriptionNotFound = errors.New("subscription not found in billing provider")

	// ErrAlreadySubscribed is returned when checkout is requested for an email
	// that already holds a live subscription.
	ErrAlreadySubscribed = errors.New("already subscribed")
)

// Unavailable wraps err as a retryable provider failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
}

// Rejected wraps err as a non-retryable provider failure.
func Rejected(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrProviderRejected, err)
}

// IsRetryable reports whether err is worth retrying against the provider.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
