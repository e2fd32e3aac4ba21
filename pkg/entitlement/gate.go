package entitlement

import (
	"context"
	"errors"
	"time"
)

// Gate answers "is this user premium right now" for request middleware.
// A row whose expiry has passed but which the sweeper has not downgraded
// yet is already treated as free.
type Gate struct {
	store Store
	grace time.Duration
	now   func() time.Time
}

// NewGate creates a Gate reading from store. pastDueGrace matches the
// sweeper's grace so both agree on when a past_due row lapses.
func NewGate(store Store, pastDueGrace time.Duration) *Gate {
	return &Gate{store: store, grace: pastDueGrace, now: time.Now}
}

// WithClock overrides the gate's clock.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Check returns the row and whether it grants premium. An unknown user is
// not premium and not an error.
func (g *Gate) Check(ctx context.Context, userID string) (*User, bool, error) {
	u, err := g.store.GetByUserID(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	lapsed := ExpiryQuery{Now: g.now(), PastDueGrace: g.grace}.Matches(u)
	return u, u.IsPremium && !lapsed, nil
}
