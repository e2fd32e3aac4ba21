package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/cardsync/pkg/billing"
)

// ReconcileUser re-derives one user's entitlement from the provider and
// applies it as a manual event. It replaces ad-hoc repair scripts: the
// operator names the user ID, never an email.
func (e *Engine) ReconcileUser(ctx context.Context, userID string) (Outcome, error) {
	if e.provider == nil {
		return Outcome{}, fmt.Errorf("%w: provider is required for manual reconciliation", ErrInvalidConfig)
	}
	user, err := e.store.GetByUserID(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}

	customerID := user.BillingCustomerID
	if customerID == "" && user.Email != "" {
		customers, err := e.provider.GetCustomersByEmail(ctx, user.Email)
		if err != nil {
			return Outcome{}, err
		}
		if c := billing.MatchCustomer(customers, user.ID); c != nil {
			customerID = c.ID
			e.logger.Warn("resolved billing customer by email",
				Field{"user_id", user.ID},
				Field{"customer_id", customerID},
			)
		} else if len(customers) > 1 {
			return e.deadLetter(ctx, Event{UserID: user.ID, Email: user.Email, Source: SourceManual},
				ReasonAmbiguousUser, fmt.Errorf("%w: %d billing customers for email", ErrAmbiguousUser, len(customers)))
		}
	}

	snap := billing.Subscription{CustomerID: customerID, Status: billing.StatusCanceled}
	if customerID != "" {
		subs, err := e.provider.ListSubscriptions(ctx, customerID, "")
		if err != nil {
			return Outcome{}, err
		}
		if current := billing.SelectCurrent(subs); current != nil {
			snap = *current
		}
	}

	return e.Apply(ctx, Event{
		UserID:     user.ID,
		Email:      user.Email,
		Snapshot:   snap,
		Source:     SourceManual,
		ReceivedAt: e.now().UTC(),
	})
}

// Grant gives a user premium as an administrative override. A nil
// expiresAt grants without expiry. Billing fields are left as stored.
func (e *Engine) Grant(ctx context.Context, userID string, expiresAt *time.Time) error {
	grant := ManualGrant{Granted: true}
	if expiresAt != nil {
		t := expiresAt.UTC().Truncate(time.Second)
		grant.ExpiresAt = &t
	}
	if err := e.store.SetManualGrant(ctx, userID, grant); err != nil {
		return err
	}

	e.metrics.RecordReconciliation(string(SourceManual), string(ActionApplied))
	e.logger.Info("manual premium grant",
		Field{"user_id", userID},
		Field{"expires_at", grant.ExpiresAt},
	)
	return nil
}

// Revoke clears a manual grant. When a provider is configured the user is
// then reconciled against billing so a paid subscription is kept.
func (e *Engine) Revoke(ctx context.Context, userID string) error {
	if err := e.store.SetManualGrant(ctx, userID, ManualGrant{}); err != nil {
		return err
	}
	e.logger.Info("manual premium grant revoked", Field{"user_id", userID})

	if e.provider == nil {
		return nil
	}
	_, err := e.ReconcileUser(ctx, userID)
	return err
}
