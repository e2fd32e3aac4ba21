package entitlement

import (
	"errors"

	"github.com/mihaimyh/cardsync/pkg/billing"
)

var (
	// ErrUserNotFound is returned when no user row matches the identifier.
	ErrUserNotFound = errors.New("user not found")

	// ErrAmbiguousUser is returned when an email resolves to several rows
	// and no user ID was supplied.
	ErrAmbiguousUser = errors.New("ambiguous user")

	// ErrMalformedEvent is returned for events that carry no identifier.
	ErrMalformedEvent = errors.New("malformed reconciliation event")

	// ErrStoreWriteFailed is returned when the entitlement write did not happen.
	ErrStoreWriteFailed = errors.New("entitlement store write failed")

	// ErrStoreUnavailable is returned when the store could not be read.
	ErrStoreUnavailable = errors.New("entitlement store unavailable")

	// ErrInvalidConfig is returned for an incomplete engine or sweeper config.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// IsRetryable reports whether a failed reconciliation may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreWriteFailed) || errors.Is(err, ErrStoreUnavailable) || billing.IsRetryable(err)
}

// DeadLetterReason maps a resolution error to the reason recorded with the
// dead letter. It returns "" for errors that are not dead-lettered.
func DeadLetterReason(err error) string {
	switch {
	case errors.Is(err, ErrAmbiguousUser):
		return ReasonAmbiguousUser
	case errors.Is(err, ErrUserNotFound):
		return ReasonUserNotFound
	case errors.Is(err, ErrMalformedEvent):
		return ReasonMalformedEvent
	default:
		return ""
	}
}
