// Package tiered provides a Hot/Cold entitlement store: a fast cache (Hot,
// usually Redis) in front of the durable store (Cold, Postgres or
// Firestore), which stays the source of truth.
//
// Strategies per operation:
//   - Read-Through: GetByUserID (Hot → Cold → populate Hot)
//   - Cold-Only: lookups by email or customer and the sweeper listings
//   - Write-Through-Invalidate: UpsertEntitlement, Downgrade, SetManualGrant,
//     LinkCustomer (write Cold, then drop the Hot entry)
//
// Read-modify-write callers (the reconciliation engine, checkout, the
// sweeper) use Authoritative, which reads Cold and still invalidates Hot on
// write. Only display paths such as the status endpoint and the premium
// gates read through the cache.
package tiered

import (
	"context"
	"errors"
	"fmt"

	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

// Cache is the Hot tier.
type Cache interface {
	// GetUser returns ok=false on a miss.
	GetUser(ctx context.Context, userID string) (user *entitlement.User, ok bool, err error)
	// SetUser may skip the fill when the row was invalidated recently.
	SetUser(ctx context.Context, u *entitlement.User) error
	DeleteUsers(ctx context.Context, userIDs ...string) error
}

// Metrics records cache effectiveness.
type Metrics interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

const cacheType = "entitlement"

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache
	Hot Cache

	// Cold is the L2 persistence storage and the source of truth
	Cold entitlement.Store

	// Metrics is optional
	Metrics Metrics

	// CacheErrorHandler is called when a Hot operation fails. Hot failures
	// never fail the call since Cold already answered.
	CacheErrorHandler func(error)
}

// Storage implements entitlement.Store over a Hot cache and a Cold store.
type Storage struct {
	hot  Cache
	cold entitlement.Store
	conf Config
}

var _ entitlement.Store = (*Storage)(nil)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	return &Storage{
		hot:  config.Hot,
		cold: config.Cold,
		conf: config,
	}, nil
}

func (s *Storage) cacheError(op string, err error) {
	if err != nil && s.conf.CacheErrorHandler != nil {
		s.conf.CacheErrorHandler(fmt.Errorf("tiered cache %s failed: %w", op, err))
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetByUserID implements entitlement.Store with read-through strategy.
func (s *Storage) GetByUserID(ctx context.Context, userID string) (*entitlement.User, error) {
	// 1. Try Hot
	u, ok, err := s.hot.GetUser(ctx, userID)
	s.cacheError("get", err)
	if err == nil && ok {
		if s.conf.Metrics != nil {
			s.conf.Metrics.RecordCacheHit(cacheType)
		}
		return u, nil
	}
	if s.conf.Metrics != nil {
		s.conf.Metrics.RecordCacheMiss(cacheType)
	}

	// 2. Try Cold (Source of Truth)
	u, err = s.cold.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair)
	s.cacheError("fill", s.hot.SetUser(ctx, u))
	return u, nil
}

// --- Strategy: Cold-Only ---

// GetByEmail implements entitlement.Store.
func (s *Storage) GetByEmail(ctx context.Context, email string) ([]*entitlement.User, error) {
	return s.cold.GetByEmail(ctx, email)
}

// GetByCustomerID implements entitlement.Store.
func (s *Storage) GetByCustomerID(ctx context.Context, customerID string) ([]*entitlement.User, error) {
	return s.cold.GetByCustomerID(ctx, customerID)
}

// ListExpired implements entitlement.Store.
func (s *Storage) ListExpired(ctx context.Context, q entitlement.ExpiryQuery) ([]*entitlement.User, error) {
	return s.cold.ListExpired(ctx, q)
}

// ListBillingCustomers implements entitlement.Store.
func (s *Storage) ListBillingCustomers(ctx context.Context, afterUserID string, limit int) ([]*entitlement.User, error) {
	return s.cold.ListBillingCustomers(ctx, afterUserID, limit)
}

// --- Strategy: Write-Through-Invalidate (Cold → drop Hot) ---

// UpsertEntitlement implements entitlement.Store.
func (s *Storage) UpsertEntitlement(ctx context.Context, userID string, fields entitlement.Fields) error {
	// 1. Write Cold (Durability)
	if err := s.cold.UpsertEntitlement(ctx, userID, fields); err != nil {
		return err
	}
	// 2. Invalidate Hot; the next read refills from Cold
	s.cacheError("invalidate", s.hot.DeleteUsers(ctx, userID))
	return nil
}

// Downgrade implements entitlement.Store.
func (s *Storage) Downgrade(ctx context.Context, userIDs []string, q entitlement.ExpiryQuery) ([]string, error) {
	changed, err := s.cold.Downgrade(ctx, userIDs, q)
	if err != nil {
		return changed, err
	}
	if len(changed) > 0 {
		s.cacheError("invalidate", s.hot.DeleteUsers(ctx, changed...))
	}
	return changed, nil
}

// SetManualGrant implements entitlement.Store.
func (s *Storage) SetManualGrant(ctx context.Context, userID string, grant entitlement.ManualGrant) error {
	if err := s.cold.SetManualGrant(ctx, userID, grant); err != nil {
		return err
	}
	s.cacheError("invalidate", s.hot.DeleteUsers(ctx, userID))
	return nil
}

// LinkCustomer implements entitlement.Store.
func (s *Storage) LinkCustomer(ctx context.Context, userID, customerID string) (bool, error) {
	linked, err := s.cold.LinkCustomer(ctx, userID, customerID)
	if err != nil {
		return false, err
	}
	if linked {
		s.cacheError("invalidate", s.hot.DeleteUsers(ctx, userID))
	}
	return linked, nil
}

// Authoritative returns a view of s whose reads all come from Cold while
// writes keep invalidating Hot.
func (s *Storage) Authoritative() entitlement.Store {
	return authoritative{s}
}

type authoritative struct {
	*Storage
}

// GetByUserID reads Cold and neither consults nor fills Hot.
func (a authoritative) GetByUserID(ctx context.Context, userID string) (*entitlement.User, error) {
	return a.cold.GetByUserID(ctx, userID)
}
