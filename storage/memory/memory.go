// Package memory provides an in-memory implementation of entitlement.Store,
// entitlement.DeadLetterSink and entitlement.EventLog.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

// Storage implements the entitlement storage interfaces using in-memory maps
type Storage struct {
	mu          sync.RWMutex
	users       map[string]*entitlement.User
	deadLetters []entitlement.DeadLetter
	events      map[string]time.Time // provider:eventID -> expiry

	writes   int
	failNext int
	now      func() time.Time
}

var (
	_ entitlement.Store          = (*Storage)(nil)
	_ entitlement.DeadLetterSink = (*Storage)(nil)
	_ entitlement.EventLog       = (*Storage)(nil)
)

// errInjected is returned by writes while FailWrites is in effect.
var errInjected = errors.New("injected write failure")

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:  make(map[string]*entitlement.User),
		events: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Put inserts or replaces a user row, standing in for the auth sync that
// creates rows at sign-in.
func (s *Storage) Put(u *entitlement.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := copyUser(u)
	if c.Tier == "" {
		c.Tier = entitlement.TierFree
	}
	s.users[u.ID] = c
}

// GetByUserID implements entitlement.Store
func (s *Storage) GetByUserID(_ context.Context, userID string) (*entitlement.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, entitlement.ErrUserNotFound
	}
	return copyUser(u), nil
}

// GetByEmail implements entitlement.Store
func (s *Storage) GetByEmail(_ context.Context, email string) ([]*entitlement.User, error) {
	email = strings.TrimSpace(email)
	return s.filter(func(u *entitlement.User) bool {
		return email != "" && strings.EqualFold(u.Email, email)
	}), nil
}

// GetByCustomerID implements entitlement.Store
func (s *Storage) GetByCustomerID(_ context.Context, customerID string) ([]*entitlement.User, error) {
	return s.filter(func(u *entitlement.User) bool {
		return customerID != "" && u.BillingCustomerID == customerID
	}), nil
}

// UpsertEntitlement implements entitlement.Store
func (s *Storage) UpsertEntitlement(_ context.Context, userID string, f entitlement.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return errors.Join(entitlement.ErrStoreWriteFailed, errInjected)
	}
	u, ok := s.users[userID]
	if !ok {
		return entitlement.ErrUserNotFound
	}

	u.IsPremium = f.IsPremium
	u.Tier = f.Tier
	u.PremiumExpiresAt = copyTime(f.PremiumExpiresAt)
	u.BillingCustomerID = f.BillingCustomerID
	u.BillingSubscriptionID = f.BillingSubscriptionID
	u.SubscriptionStatus = f.SubscriptionStatus
	u.UpdatedAt = s.now().UTC()
	s.writes++
	return nil
}

// ListExpired implements entitlement.Store
func (s *Storage) ListExpired(_ context.Context, q entitlement.ExpiryQuery) ([]*entitlement.User, error) {
	out := s.filter(q.Matches)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Downgrade implements entitlement.Store
func (s *Storage) Downgrade(_ context.Context, userIDs []string, q entitlement.ExpiryQuery) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return nil, errors.Join(entitlement.ErrStoreWriteFailed, errInjected)
	}
	var changed []string
	for _, id := range userIDs {
		u, ok := s.users[id]
		if !ok || !q.Matches(u) {
			continue
		}
		u.IsPremium = false
		u.Tier = entitlement.TierFree
		u.ManualGrant = false
		u.UpdatedAt = s.now().UTC()
		changed = append(changed, id)
	}
	s.writes += len(changed)
	return changed, nil
}

// ListBillingCustomers implements entitlement.Store
func (s *Storage) ListBillingCustomers(_ context.Context, afterUserID string, limit int) ([]*entitlement.User, error) {
	out := s.filter(func(u *entitlement.User) bool {
		return u.BillingCustomerID != "" && u.ID > afterUserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetManualGrant implements entitlement.Store
func (s *Storage) SetManualGrant(_ context.Context, userID string, grant entitlement.ManualGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return errors.Join(entitlement.ErrStoreWriteFailed, errInjected)
	}
	u, ok := s.users[userID]
	if !ok {
		return entitlement.ErrUserNotFound
	}
	u.ManualGrant = grant.Granted
	u.IsPremium = grant.Granted
	u.Tier = entitlement.TierFree
	if grant.Granted {
		u.Tier = entitlement.TierPremium
		u.PremiumExpiresAt = copyTime(grant.ExpiresAt)
	}
	u.UpdatedAt = s.now().UTC()
	s.writes++
	return nil
}

// LinkCustomer implements entitlement.Store
func (s *Storage) LinkCustomer(_ context.Context, userID, customerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return false, errors.Join(entitlement.ErrStoreWriteFailed, errInjected)
	}
	u, ok := s.users[userID]
	if !ok {
		return false, entitlement.ErrUserNotFound
	}
	if u.BillingCustomerID != "" {
		return false, nil
	}
	u.BillingCustomerID = customerID
	u.UpdatedAt = s.now().UTC()
	s.writes++
	return true, nil
}

// RecordDeadLetter implements entitlement.DeadLetterSink
func (s *Storage) RecordDeadLetter(_ context.Context, dl entitlement.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, dl)
	return nil
}

// ListDeadLetters returns dead letters created at or after since, newest first.
func (s *Storage) ListDeadLetters(_ context.Context, since time.Time, limit int) ([]entitlement.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entitlement.DeadLetter
	for i := len(s.deadLetters) - 1; i >= 0; i-- {
		if dl := s.deadLetters[i]; !dl.CreatedAt.Before(since) {
			out = append(out, dl)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Seen implements entitlement.EventLog
func (s *Storage) Seen(_ context.Context, provider, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.events[provider+":"+eventID]
	return ok && s.now().Before(exp), nil
}

// MarkProcessed implements entitlement.EventLog
func (s *Storage) MarkProcessed(_ context.Context, provider, eventID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[provider+":"+eventID] = s.now().Add(ttl)
	return nil
}

// DeadLetters returns a copy of the recorded dead letters.
func (s *Storage) DeadLetters() []entitlement.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]entitlement.DeadLetter(nil), s.deadLetters...)
}

// Writes returns the number of row writes performed.
func (s *Storage) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// FailWrites makes the next n writes fail with ErrStoreWriteFailed.
func (s *Storage) FailWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// SetTimeSource overrides the clock used for timestamps and event TTLs.
func (s *Storage) SetTimeSource(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Clear removes all data
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]*entitlement.User)
	s.events = make(map[string]time.Time)
	s.deadLetters = nil
	s.writes = 0
}

// filter returns copies of matching rows ordered by ID.
func (s *Storage) filter(match func(*entitlement.User) bool) []*entitlement.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entitlement.User
	for _, u := range s.users {
		if match(u) {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyUser(u *entitlement.User) *entitlement.User {
	c := *u
	c.PremiumExpiresAt = copyTime(u.PremiumExpiresAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
