package entitlement

import (
	"context"
	"time"
)

// Store is the persisted user entitlement record.
type Store interface {
	// GetByUserID returns ErrUserNotFound when the row does not exist.
	GetByUserID(ctx context.Context, userID string) (*User, error)

	// GetByEmail returns every row with the email, compared case-insensitively.
	// Emails are not unique.
	GetByEmail(ctx context.Context, email string) ([]*User, error)

	// GetByCustomerID returns every row linked to the billing customer.
	GetByCustomerID(ctx context.Context, customerID string) ([]*User, error)

	// UpsertEntitlement writes all Fields in one atomic statement keyed by
	// userID. It never creates rows and returns ErrUserNotFound for an
	// unknown userID. Failures wrap ErrStoreWriteFailed.
	UpsertEntitlement(ctx context.Context, userID string, fields Fields) error

	// ListExpired returns up to q.Limit rows matched by q.
	ListExpired(ctx context.Context, q ExpiryQuery) ([]*User, error)

	// Downgrade clears premium (and any manual grant) for the given IDs in
	// one batched update, re-checking q so rows renewed in the meantime are
	// left alone. Returns the IDs of the rows it changed.
	Downgrade(ctx context.Context, userIDs []string, q ExpiryQuery) ([]string, error)

	// ListBillingCustomers pages through rows that have a billing customer
	// ID, ordered by user ID, starting after afterUserID.
	ListBillingCustomers(ctx context.Context, afterUserID string, limit int) ([]*User, error)

	// SetManualGrant writes the administrative override in one statement:
	// the flag together with premium and tier, plus the expiry on a grant.
	// Billing IDs and status are left untouched.
	SetManualGrant(ctx context.Context, userID string, grant ManualGrant) error

	// LinkCustomer sets the billing customer ID of a row that has none and
	// touches nothing else. It reports false when the row is already linked.
	LinkCustomer(ctx context.Context, userID, customerID string) (bool, error)
}

// DeadLetterSink stores events the engine refused to apply.
type DeadLetterSink interface {
	RecordDeadLetter(ctx context.Context, dl DeadLetter) error
}

// EventLog remembers processed provider event IDs so redelivery is a no-op.
type EventLog interface {
	// Seen reports whether eventID was already processed.
	Seen(ctx context.Context, provider, eventID string) (bool, error)

	// MarkProcessed records eventID for at least ttl.
	MarkProcessed(ctx context.Context, provider, eventID string, ttl time.Duration) error
}
