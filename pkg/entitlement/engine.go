package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/cardsync/pkg/billing"
)

// Config configures the reconciliation Engine.
type Config struct {
	// Store is the entitlement table. Required.
	Store Store

	// DeadLetters receives events that are refused. Required.
	DeadLetters DeadLetterSink

	// Provider is used by ReconcileUser to fetch billing truth. Optional.
	Provider billing.Client

	Policy Policy

	// MaxAttempts bounds ApplyWithRetry (default 3).
	MaxAttempts int
	// BaseBackoff is the first retry delay, doubled per attempt (default 200ms).
	BaseBackoff time.Duration
	// MaxBackoff caps the retry delay (default 2s).
	MaxBackoff time.Duration

	Logger  Logger
	Metrics Metrics

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Engine converts billing events into entitlement writes. Apply is safe
// to call concurrently; all state lives in the Store.
type Engine struct {
	store       Store
	deadLetters DeadLetterSink
	provider    billing.Client
	policy      Policy

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	logger  Logger
	metrics Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewEngine validates cfg and fills defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if cfg.DeadLetters == nil {
		return nil, fmt.Errorf("%w: dead letter sink is required", ErrInvalidConfig)
	}

	e := &Engine{
		store:       cfg.Store,
		deadLetters: cfg.DeadLetters,
		provider:    cfg.Provider,
		policy:      cfg.Policy,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		sleep:       sleepContext,
	}
	if e.policy.DefaultInterval <= 0 {
		e.policy = DefaultPolicy()
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = 3
	}
	if e.baseBackoff <= 0 {
		e.baseBackoff = 200 * time.Millisecond
	}
	if e.maxBackoff <= 0 {
		e.maxBackoff = 2 * time.Second
	}
	if e.logger == nil {
		e.logger = &NoopLogger{}
	}
	if e.metrics == nil {
		e.metrics = &NoopMetrics{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Apply makes one attempt at reconciling ev. Events that cannot be safely
// attributed to a single user are dead-lettered and reported with a nil
// error; the returned error is non-nil only when the event should be
// retried or the dead letter itself could not be stored.
func (e *Engine) Apply(ctx context.Context, ev Event) (Outcome, error) {
	start := time.Now()
	defer func() {
		e.metrics.RecordReconciliationDuration(string(ev.Source), time.Since(start))
	}()

	user, err := e.resolve(ctx, ev)
	if err != nil {
		if reason := DeadLetterReason(err); reason != "" {
			return e.deadLetter(ctx, ev, reason, err)
		}
		return Outcome{}, err
	}

	now := e.now()
	target, skip := Derive(user, ev.Snapshot, now, e.policy)
	if skip != "" {
		e.logger.Debug("reconciliation skipped",
			Field{"user_id", user.ID},
			Field{"reason", skip},
			Field{"status", string(ev.Snapshot.Status)},
			Field{"source", string(ev.Source)},
		)
		e.metrics.RecordReconciliation(string(ev.Source), string(ActionSkipped))
		return Outcome{Action: ActionSkipped, UserID: user.ID, Target: target, Reason: skip}, nil
	}

	if StateHash(target) == StateHash(user.Fields()) {
		e.metrics.RecordReconciliation(string(ev.Source), string(ActionUnchanged))
		return Outcome{Action: ActionUnchanged, UserID: user.ID, Target: target}, nil
	}

	storeStart := time.Now()
	err = e.store.UpsertEntitlement(ctx, user.ID, target)
	e.metrics.RecordStoreOperation("upsert_entitlement", time.Since(storeStart), err)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return e.deadLetter(ctx, ev, ReasonUserNotFound, err)
		}
		if !errors.Is(err, ErrStoreWriteFailed) {
			err = fmt.Errorf("%w: %v", ErrStoreWriteFailed, err)
		}
		return Outcome{}, err
	}

	if user.Tier != target.Tier {
		e.metrics.RecordTierChange(tierOrFree(user.Tier), string(target.Tier))
	}
	e.metrics.RecordReconciliation(string(ev.Source), string(ActionApplied))
	e.logger.Info("entitlement updated",
		Field{"user_id", user.ID},
		Field{"source", string(ev.Source)},
		Field{"status", string(ev.Snapshot.Status)},
		Field{"is_premium", target.IsPremium},
		Field{"expires_at", target.PremiumExpiresAt},
		Field{"subscription_id", target.BillingSubscriptionID},
	)
	return Outcome{Action: ActionApplied, UserID: user.ID, Target: target}, nil
}

// ApplyWithRetry is the webhook path: retryable failures are retried with
// exponential backoff. A write that keeps failing is dead-lettered and the
// error is still returned so the delivery is not acknowledged.
func (e *Engine) ApplyWithRetry(ctx context.Context, ev Event) (Outcome, error) {
	backoff := e.baseBackoff
	var lastErr error

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		out, err := e.Apply(ctx, ev)
		if err == nil || !IsRetryable(err) {
			return out, err
		}
		lastErr = err
		if attempt == e.maxAttempts {
			break
		}

		e.metrics.RecordRetry(string(ev.Source))
		e.logger.Warn("reconciliation failed, retrying",
			Field{"attempt", attempt},
			Field{"backoff", backoff.String()},
			Field{"user_id", ev.UserID},
			Field{"subscription_id", ev.Snapshot.SubscriptionID},
			Field{"error", err.Error()},
		)
		if sleepErr := e.sleep(ctx, backoff); sleepErr != nil {
			break
		}
		backoff *= 2
		if backoff > e.maxBackoff {
			backoff = e.maxBackoff
		}
	}

	if errors.Is(lastErr, ErrStoreWriteFailed) {
		if _, dlErr := e.deadLetter(context.WithoutCancel(ctx), ev, ReasonStoreWriteFailed, lastErr); dlErr != nil {
			e.logger.Error("failed to dead-letter event", Field{"error", dlErr.Error()})
		}
	}
	return Outcome{}, lastErr
}

// resolve finds the single row the event applies to.
func (e *Engine) resolve(ctx context.Context, ev Event) (*User, error) {
	if ev.UserID != "" {
		user, err := e.store.GetByUserID(ctx, ev.UserID)
		switch {
		case errors.Is(err, ErrUserNotFound):
			return nil, fmt.Errorf("%w: id %s", ErrUserNotFound, ev.UserID)
		case err != nil:
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return user, nil
	}

	if customerID := ev.Snapshot.CustomerID; customerID != "" {
		users, err := e.store.GetByCustomerID(ctx, customerID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		switch len(users) {
		case 1:
			return users[0], nil
		case 0:
		default:
			return nil, fmt.Errorf("%w: %d rows for customer %s", ErrAmbiguousUser, len(users), customerID)
		}
	}

	if ev.Email == "" {
		if ev.Snapshot.CustomerID != "" {
			return nil, fmt.Errorf("%w: no row for customer %s", ErrUserNotFound, ev.Snapshot.CustomerID)
		}
		return nil, fmt.Errorf("%w: neither user id nor email", ErrMalformedEvent)
	}

	users, err := e.store.GetByEmail(ctx, ev.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	switch len(users) {
	case 1:
		return users[0], nil
	case 0:
		return nil, fmt.Errorf("%w: email %s", ErrUserNotFound, ev.Email)
	default:
		return nil, fmt.Errorf("%w: %d rows for email %s", ErrAmbiguousUser, len(users), ev.Email)
	}
}

func (e *Engine) deadLetter(ctx context.Context, ev Event, reason string, cause error) (Outcome, error) {
	dl := DeadLetter{
		ID:              uuid.NewString(),
		Reason:          reason,
		Source:          ev.Source,
		ProviderEventID: ev.ProviderEventID,
		UserID:          ev.UserID,
		Email:           ev.Email,
		CustomerID:      ev.Snapshot.CustomerID,
		SubscriptionID:  ev.Snapshot.SubscriptionID,
		Status:          ev.Snapshot.Status,
		Detail:          cause.Error(),
		CreatedAt:       e.now().UTC(),
	}
	if err := e.deadLetters.RecordDeadLetter(ctx, dl); err != nil {
		return Outcome{}, fmt.Errorf("%w: dead letter: %v", ErrStoreWriteFailed, err)
	}

	e.metrics.RecordDeadLetter(reason)
	e.metrics.RecordReconciliation(string(ev.Source), string(ActionDeadLettered))
	e.logger.Error("reconciliation event dead-lettered",
		Field{"dead_letter_id", dl.ID},
		Field{"reason", reason},
		Field{"source", string(ev.Source)},
		Field{"event_id", ev.ProviderEventID},
		Field{"user_id", ev.UserID},
		Field{"email", ev.Email},
		Field{"customer_id", ev.Snapshot.CustomerID},
		Field{"error", cause.Error()},
	)
	return Outcome{Action: ActionDeadLettered, UserID: ev.UserID, Reason: reason}, nil
}

func tierOrFree(t Tier) string {
	if t == "" {
		return string(TierFree)
	}
	return string(t)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
