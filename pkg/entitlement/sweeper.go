package entitlement

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/cardsync/pkg/billing"
)

// DefaultPastDueGrace is how long past_due entitlements outlive their
// period end.
const DefaultPastDueGrace = 3 * 24 * time.Hour

// SweeperConfig configures the periodic Sweeper.
type SweeperConfig struct {
	Store  Store
	Engine *Engine
	// Provider enables the drift pass. With nil only expiry runs.
	Provider billing.Client

	PastDueGrace    time.Duration
	ExpiryBatchSize int

	// DriftSampleSize bounds how many customers one drift pass checks.
	DriftSampleSize  int
	DriftPageSize    int
	DriftConcurrency int

	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// SweepResult reports the work done by one sweep.
type SweepResult struct {
	ExpiredCount    int `json:"expiredCount"`
	DriftFixedCount int `json:"driftFixedCount"`
}

// Sweeper re-derives entitlement independently of webhook delivery. It
// expires lapsed premium rows and re-checks a rotating sample of billing
// customers against the provider.
type Sweeper struct {
	store    Store
	engine   *Engine
	provider billing.Client

	grace            time.Duration
	batchSize        int
	driftSample      int
	driftPage        int
	driftConcurrency int

	logger  Logger
	metrics Metrics
	now     func() time.Time

	mu     sync.Mutex
	cursor string
}

// NewSweeper validates cfg and fills defaults.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if cfg.Provider != nil && cfg.Engine == nil {
		return nil, fmt.Errorf("%w: drift pass requires an engine", ErrInvalidConfig)
	}

	s := &Sweeper{
		store:            cfg.Store,
		engine:           cfg.Engine,
		provider:         cfg.Provider,
		grace:            cfg.PastDueGrace,
		batchSize:        cfg.ExpiryBatchSize,
		driftSample:      cfg.DriftSampleSize,
		driftPage:        cfg.DriftPageSize,
		driftConcurrency: cfg.DriftConcurrency,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		now:              cfg.Now,
	}
	if s.grace <= 0 {
		s.grace = DefaultPastDueGrace
	}
	if s.batchSize <= 0 {
		s.batchSize = 500
	}
	if s.driftSample <= 0 {
		s.driftSample = 500
	}
	if s.driftPage <= 0 {
		s.driftPage = 100
	}
	if s.driftConcurrency <= 0 {
		s.driftConcurrency = 4
	}
	if s.logger == nil {
		s.logger = &NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = &NoopMetrics{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// RunOnce runs the expiry pass, then the drift pass when a provider is set.
// Both passes are safe alongside live webhook traffic.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	expired, err := s.expire(ctx)
	result.ExpiredCount = expired
	if err != nil {
		return result, fmt.Errorf("expiry pass: %w", err)
	}

	if s.provider != nil {
		fixed, err := s.drift(ctx)
		result.DriftFixedCount = fixed
		if err != nil {
			return result, fmt.Errorf("drift pass: %w", err)
		}
	}

	s.logger.Info("sweep completed",
		Field{"expired", result.ExpiredCount},
		Field{"drift_fixed", result.DriftFixedCount},
	)
	return result, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	s.logger.Info("sweeper started", Field{"interval", interval.String()})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("sweep failed", Field{"error", err.Error()})
			}
		}
	}
}

// expire downgrades lapsed rows one page at a time, one update per page.
func (s *Sweeper) expire(ctx context.Context) (int, error) {
	start := time.Now()
	q := ExpiryQuery{Now: s.now().UTC(), PastDueGrace: s.grace, Limit: s.batchSize}
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		users, err := s.store.ListExpired(ctx, q)
		if err != nil {
			return total, err
		}
		if len(users) == 0 {
			break
		}

		ids := make([]string, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.ID)
		}
		opStart := time.Now()
		changed, err := s.store.Downgrade(ctx, ids, q)
		s.metrics.RecordStoreOperation("downgrade", time.Since(opStart), err)
		if err != nil {
			return total, err
		}
		total += len(changed)

		// Rows renewed between the list and the update are not in changed.
		byID := make(map[string]*User, len(users))
		for _, u := range users {
			byID[u.ID] = u
		}
		for _, id := range changed {
			u, ok := byID[id]
			if !ok {
				continue
			}
			s.logger.Info("premium expired",
				Field{"user_id", u.ID},
				Field{"email", u.Email},
				Field{"expired_at", u.PremiumExpiresAt},
				Field{"status", string(u.SubscriptionStatus)},
			)
		}

		// A short page is the last one; a page where nothing changed means
		// every row was renewed concurrently and re-listing would loop.
		if len(users) < q.Limit || len(changed) == 0 {
			break
		}
	}

	s.metrics.RecordSweep("expiry", total, time.Since(start))
	return total, nil
}

// drift checks up to driftSample customers, continuing where the previous
// pass stopped and wrapping around once.
func (s *Sweeper) drift(ctx context.Context) (int, error) {
	start := time.Now()
	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()

	var fixed atomic.Int64
	checked := 0
	wrapped := cursor == ""

	for checked < s.driftSample {
		if err := ctx.Err(); err != nil {
			return int(fixed.Load()), err
		}
		limit := s.driftPage
		if remaining := s.driftSample - checked; remaining < limit {
			limit = remaining
		}
		users, err := s.store.ListBillingCustomers(ctx, cursor, limit)
		if err != nil {
			return int(fixed.Load()), err
		}
		if len(users) == 0 {
			if wrapped {
				cursor = ""
				break
			}
			cursor, wrapped = "", true
			continue
		}

		var g errgroup.Group
		g.SetLimit(s.driftConcurrency)
		for _, u := range users {
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				applied, err := s.reconcileCustomer(ctx, u)
				if err != nil {
					// The next sweep retries naturally.
					s.logger.Warn("drift check failed",
						Field{"user_id", u.ID},
						Field{"customer_id", u.BillingCustomerID},
						Field{"error", err.Error()},
					)
					return nil
				}
				if applied {
					fixed.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()

		checked += len(users)
		cursor = users[len(users)-1].ID
		if len(users) < limit {
			if wrapped {
				cursor = ""
				break
			}
			cursor, wrapped = "", true
		}
	}

	s.mu.Lock()
	s.cursor = cursor
	s.mu.Unlock()

	n := int(fixed.Load())
	s.metrics.RecordSweep("drift", n, time.Since(start))
	return n, nil
}

func (s *Sweeper) reconcileCustomer(ctx context.Context, u *User) (bool, error) {
	subs, err := s.provider.ListSubscriptions(ctx, u.BillingCustomerID, "")
	if err != nil {
		return false, err
	}
	snap := billing.Subscription{CustomerID: u.BillingCustomerID, Status: billing.StatusCanceled}
	if current := billing.SelectCurrent(subs); current != nil {
		snap = *current
	}

	out, err := s.engine.Apply(ctx, Event{
		UserID:     u.ID,
		Email:      u.Email,
		Snapshot:   snap,
		Source:     SourceSweep,
		ReceivedAt: s.now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if out.Action == ActionApplied {
		s.logger.Info("drift corrected",
			Field{"user_id", u.ID},
			Field{"customer_id", u.BillingCustomerID},
			Field{"status", string(snap.Status)},
			Field{"is_premium", out.Target.IsPremium},
		)
		return true, nil
	}
	return false, nil
}
