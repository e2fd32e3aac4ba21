// Package firestore provides a Google Cloud Firestore implementation of
// entitlement.Store, entitlement.DeadLetterSink and entitlement.EventLog.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/cardsync/pkg/billing"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

// Storage implements the entitlement storage interfaces using Firestore
type Storage struct {
	client                *firestore.Client
	usersCollection       string
	eventsCollection      string
	deadLettersCollection string
	now                   func() time.Time
}

var (
	_ entitlement.Store          = (*Storage)(nil)
	_ entitlement.DeadLetterSink = (*Storage)(nil)
	_ entitlement.EventLog       = (*Storage)(nil)
)

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection holds one document per user, keyed by user ID
	// Default: "users"
	UsersCollection string

	// EventsCollection records processed webhook event IDs
	// Default: "processed_billing_events"
	EventsCollection string

	// DeadLettersCollection holds events the engine refused to apply
	// Default: "reconciliation_dead_letters"
	DeadLettersCollection string

	// Now overrides the clock used for timestamps and event expiry
	Now func() time.Time
}

// Document field names.
const (
	fieldEmail              = "email"
	fieldEmailLower         = "emailLower"
	fieldIsPremium          = "isPremium"
	fieldIsGrandfathered    = "isGrandfathered"
	fieldManualGrant        = "manualGrant"
	fieldPremiumExpiresAt   = "premiumExpiresAt"
	fieldCustomerID         = "billingCustomerId"
	fieldSubscriptionID     = "billingSubscriptionId"
	fieldSubscriptionStatus = "subscriptionStatus"
	fieldTier               = "subscriptionTier"
	fieldUpdatedAt          = "updatedAt"
	fieldExpiresAt          = "expiresAt"
)

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "processed_billing_events"
	}
	if config.DeadLettersCollection == "" {
		config.DeadLettersCollection = "reconciliation_dead_letters"
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Storage{
		client:                client,
		usersCollection:       config.UsersCollection,
		eventsCollection:      config.EventsCollection,
		deadLettersCollection: config.DeadLettersCollection,
		now:                   config.Now,
	}, nil
}

// UserData returns the document fields for u, as written by the auth sync.
func UserData(u *entitlement.User) map[string]interface{} {
	data := map[string]interface{}{
		fieldEmail:              u.Email,
		fieldEmailLower:         strings.ToLower(strings.TrimSpace(u.Email)),
		fieldIsPremium:          u.IsPremium,
		fieldIsGrandfathered:    u.IsGrandfathered,
		fieldManualGrant:        u.ManualGrant,
		fieldPremiumExpiresAt:   nil,
		fieldCustomerID:         u.BillingCustomerID,
		fieldSubscriptionID:     u.BillingSubscriptionID,
		fieldSubscriptionStatus: string(u.SubscriptionStatus),
		fieldTier:               string(u.Tier),
		fieldUpdatedAt:          u.UpdatedAt,
	}
	if u.PremiumExpiresAt != nil {
		data[fieldPremiumExpiresAt] = *u.PremiumExpiresAt
	}
	return data
}

func userFromSnapshot(snap *firestore.DocumentSnapshot) *entitlement.User {
	data := snap.Data()
	u := &entitlement.User{
		ID:                    snap.Ref.ID,
		Email:                 getString(data, fieldEmail),
		IsPremium:             getBool(data, fieldIsPremium),
		IsGrandfathered:       getBool(data, fieldIsGrandfathered),
		ManualGrant:           getBool(data, fieldManualGrant),
		BillingCustomerID:     getString(data, fieldCustomerID),
		BillingSubscriptionID: getString(data, fieldSubscriptionID),
		SubscriptionStatus:    billing.Status(getString(data, fieldSubscriptionStatus)),
		Tier:                  entitlement.Tier(getString(data, fieldTier)),
		UpdatedAt:             getTime(data, fieldUpdatedAt),
	}
	if u.Tier == "" {
		u.Tier = entitlement.TierFree
	}
	if expiresAt, ok := data[fieldPremiumExpiresAt].(time.Time); ok && !expiresAt.IsZero() {
		expiresAt = expiresAt.UTC()
		u.PremiumExpiresAt = &expiresAt
	}
	return u
}

func (s *Storage) users() *firestore.CollectionRef {
	return s.client.Collection(s.usersCollection)
}

// GetByUserID implements entitlement.Store
func (s *Storage) GetByUserID(ctx context.Context, userID string) (*entitlement.User, error) {
	snap, err := s.users().Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrUserNotFound
	}
	return userFromSnapshot(snap), nil
}

func (s *Storage) queryUsers(ctx context.Context, op string, q firestore.Query) ([]*entitlement.User, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	users := make([]*entitlement.User, 0, len(snaps))
	for _, snap := range snaps {
		users = append(users, userFromSnapshot(snap))
	}
	return users, nil
}

// GetByEmail implements entitlement.Store
func (s *Storage) GetByEmail(ctx context.Context, email string) ([]*entitlement.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}
	return s.queryUsers(ctx, "get users by email", s.users().Where(fieldEmailLower, "==", email))
}

// GetByCustomerID implements entitlement.Store
func (s *Storage) GetByCustomerID(ctx context.Context, customerID string) ([]*entitlement.User, error) {
	if customerID == "" {
		return nil, nil
	}
	return s.queryUsers(ctx, "get users by customer", s.users().Where(fieldCustomerID, "==", customerID))
}

// UpsertEntitlement implements entitlement.Store. Update fails with
// NotFound for a missing document, so rows are never created here.
func (s *Storage) UpsertEntitlement(ctx context.Context, userID string, f entitlement.Fields) error {
	tier := f.Tier
	if tier == "" {
		tier = entitlement.TierFree
	}
	var expiresAt interface{}
	if f.PremiumExpiresAt != nil {
		expiresAt = *f.PremiumExpiresAt
	}

	_, err := s.users().Doc(userID).Update(ctx, []firestore.Update{
		{Path: fieldIsPremium, Value: f.IsPremium},
		{Path: fieldTier, Value: string(tier)},
		{Path: fieldPremiumExpiresAt, Value: expiresAt},
		{Path: fieldCustomerID, Value: f.BillingCustomerID},
		{Path: fieldSubscriptionID, Value: f.BillingSubscriptionID},
		{Path: fieldSubscriptionStatus, Value: string(f.SubscriptionStatus)},
		{Path: fieldUpdatedAt, Value: s.now().UTC()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: id %s", entitlement.ErrUserNotFound, userID)
		}
		return fmt.Errorf("%w: %v", entitlement.ErrStoreWriteFailed, err)
	}
	return nil
}

// ListExpired implements entitlement.Store. Firestore cannot express the
// status-dependent cutoff, so the query bounds expiry by q.Now and the
// remaining predicate is applied while iterating.
func (s *Storage) ListExpired(ctx context.Context, q entitlement.ExpiryQuery) ([]*entitlement.User, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	iter := s.users().
		Where(fieldIsPremium, "==", true).
		Where(fieldPremiumExpiresAt, "<", q.Now).
		OrderBy(fieldPremiumExpiresAt, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var users []*entitlement.User
	for len(users) < limit {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list expired users: %w", err)
		}
		if u := userFromSnapshot(snap); q.Matches(u) {
			users = append(users, u)
		}
	}
	return users, nil
}

// Downgrade implements entitlement.Store. All rows are read and
// re-checked inside one transaction.
func (s *Storage) Downgrade(ctx context.Context, userIDs []string, q entitlement.ExpiryQuery) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	refs := make([]*firestore.DocumentRef, len(userIDs))
	for i, id := range userIDs {
		refs[i] = s.users().Doc(id)
	}

	var changed []string
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		changed = changed[:0]
		snaps, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for _, snap := range snaps {
			if !snap.Exists() || !q.Matches(userFromSnapshot(snap)) {
				continue
			}
			if err := tx.Update(snap.Ref, []firestore.Update{
				{Path: fieldIsPremium, Value: false},
				{Path: fieldTier, Value: string(entitlement.TierFree)},
				{Path: fieldManualGrant, Value: false},
				{Path: fieldUpdatedAt, Value: now},
			}); err != nil {
				return err
			}
			changed = append(changed, snap.Ref.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: downgrade: %v", entitlement.ErrStoreWriteFailed, err)
	}
	sort.Strings(changed)
	return changed, nil
}

// ListBillingCustomers implements entitlement.Store
func (s *Storage) ListBillingCustomers(ctx context.Context, afterUserID string, limit int) ([]*entitlement.User, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.users().OrderBy(firestore.DocumentID, firestore.Asc)
	if afterUserID != "" {
		q = q.StartAfter(afterUserID)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var users []*entitlement.User
	for len(users) < limit {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list billing customers: %w", err)
		}
		if u := userFromSnapshot(snap); u.BillingCustomerID != "" {
			users = append(users, u)
		}
	}
	return users, nil
}

// SetManualGrant implements entitlement.Store
func (s *Storage) SetManualGrant(ctx context.Context, userID string, grant entitlement.ManualGrant) error {
	updates := []firestore.Update{
		{Path: fieldManualGrant, Value: grant.Granted},
		{Path: fieldIsPremium, Value: grant.Granted},
		{Path: fieldTier, Value: string(entitlement.TierFree)},
		{Path: fieldUpdatedAt, Value: s.now().UTC()},
	}
	if grant.Granted {
		var expiresAt interface{}
		if grant.ExpiresAt != nil {
			expiresAt = *grant.ExpiresAt
		}
		updates[2].Value = string(entitlement.TierPremium)
		updates = append(updates, firestore.Update{Path: fieldPremiumExpiresAt, Value: expiresAt})
	}
	if _, err := s.users().Doc(userID).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: id %s", entitlement.ErrUserNotFound, userID)
		}
		return fmt.Errorf("%w: manual grant: %v", entitlement.ErrStoreWriteFailed, err)
	}
	return nil
}

// LinkCustomer implements entitlement.Store. The empty-ID check and the
// write run in one transaction.
func (s *Storage) LinkCustomer(ctx context.Context, userID, customerID string) (bool, error) {
	ref := s.users().Doc(userID)
	var linked bool
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		linked = false
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if getString(snap.Data(), fieldCustomerID) != "" {
			return nil
		}
		linked = true
		return tx.Update(ref, []firestore.Update{
			{Path: fieldCustomerID, Value: customerID},
			{Path: fieldUpdatedAt, Value: s.now().UTC()},
		})
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, fmt.Errorf("%w: id %s", entitlement.ErrUserNotFound, userID)
		}
		return false, fmt.Errorf("%w: link customer: %v", entitlement.ErrStoreWriteFailed, err)
	}
	return linked, nil
}

// RecordDeadLetter implements entitlement.DeadLetterSink
func (s *Storage) RecordDeadLetter(ctx context.Context, dl entitlement.DeadLetter) error {
	if dl.ID == "" {
		return fmt.Errorf("dead letter ID is required")
	}
	_, err := s.client.Collection(s.deadLettersCollection).Doc(dl.ID).Set(ctx, map[string]interface{}{
		"reason":          dl.Reason,
		"source":          string(dl.Source),
		"providerEventId": dl.ProviderEventID,
		"userId":          dl.UserID,
		"email":           dl.Email,
		"customerId":      dl.CustomerID,
		"subscriptionId":  dl.SubscriptionID,
		"status":          string(dl.Status),
		"detail":          dl.Detail,
		"createdAt":       dl.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters created at or after since, newest first.
func (s *Storage) ListDeadLetters(ctx context.Context, since time.Time, limit int) ([]entitlement.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	iter := s.client.Collection(s.deadLettersCollection).
		Where("createdAt", ">=", since).
		OrderBy("createdAt", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var out []entitlement.DeadLetter
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list dead letters: %w", err)
		}
		data := snap.Data()
		out = append(out, entitlement.DeadLetter{
			ID:              snap.Ref.ID,
			Reason:          getString(data, "reason"),
			Source:          entitlement.Source(getString(data, "source")),
			ProviderEventID: getString(data, "providerEventId"),
			UserID:          getString(data, "userId"),
			Email:           getString(data, "email"),
			CustomerID:      getString(data, "customerId"),
			SubscriptionID:  getString(data, "subscriptionId"),
			Status:          billing.Status(getString(data, "status")),
			Detail:          getString(data, "detail"),
			CreatedAt:       getTime(data, "createdAt"),
		})
	}
	return out, nil
}

func (s *Storage) eventDoc(provider, eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(provider + "_" + eventID)
}

// Seen implements entitlement.EventLog
func (s *Storage) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	snap, err := s.eventDoc(provider, eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	if !snap.Exists() {
		return false, nil
	}
	return getTime(snap.Data(), fieldExpiresAt).After(s.now()), nil
}

// MarkProcessed implements entitlement.EventLog. Expired documents can be
// removed with a Firestore TTL policy on expiresAt.
func (s *Storage) MarkProcessed(ctx context.Context, provider, eventID string, ttl time.Duration) error {
	now := s.now().UTC()
	_, err := s.eventDoc(provider, eventID).Set(ctx, map[string]interface{}{
		"provider":     provider,
		"eventId":      eventID,
		"processedAt":  now,
		fieldExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
