// Package postgres provides a PostgreSQL implementation of entitlement.Store,
// entitlement.DeadLetterSink and entitlement.EventLog.
// Processed webhook events are deduplicated by a primary key on
// (provider, event_id); expired entries are removed by a background cleanup.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/cardsync/pkg/billing"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

//go:embed schema.sql
var schemaSQL string

// Storage implements the entitlement storage interfaces using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

var (
	_ entitlement.Store          = (*Storage)(nil)
	_ entitlement.DeadLetterSink = (*Storage)(nil)
	_ entitlement.EventLog       = (*Storage)(nil)
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup of expired processed-event entries
	CleanupEnabled  bool
	CleanupInterval time.Duration

	// Now overrides the clock used for timestamps and event expiry.
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Schema returns the embedded schema SQL.
func Schema() string {
	return schemaSQL
}

const userColumns = `id, email, is_premium, is_grandfathered, manual_grant, premium_expires_at,
	billing_customer_id, billing_subscription_id, subscription_status, subscription_tier, updated_at`

// expiredPredicate selects premium rows past their expiry. $1 is the
// cutoff for past_due rows, $2 the cutoff for every other row.
const expiredPredicate = `is_premium AND NOT is_grandfathered AND premium_expires_at IS NOT NULL
	AND premium_expires_at < CASE WHEN subscription_status = 'past_due' THEN $1::timestamptz ELSE $2::timestamptz END`

func scanUser(row pgx.Row) (*entitlement.User, error) {
	var (
		u            entitlement.User
		status, tier string
	)
	if err := row.Scan(
		&u.ID,
		&u.Email,
		&u.IsPremium,
		&u.IsGrandfathered,
		&u.ManualGrant,
		&u.PremiumExpiresAt,
		&u.BillingCustomerID,
		&u.BillingSubscriptionID,
		&status,
		&tier,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	u.SubscriptionStatus = billing.Status(status)
	u.Tier = entitlement.Tier(tier)
	if u.PremiumExpiresAt != nil {
		t := u.PremiumExpiresAt.UTC()
		u.PremiumExpiresAt = &t
	}
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

func (s *Storage) queryUsers(ctx context.Context, op, sql string, args ...any) ([]*entitlement.User, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	defer rows.Close()

	var users []*entitlement.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to %s: %w", op, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return users, nil
}

// GetByUserID implements entitlement.Store
func (s *Storage) GetByUserID(ctx context.Context, userID string) (*entitlement.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetByEmail implements entitlement.Store
func (s *Storage) GetByEmail(ctx context.Context, email string) ([]*entitlement.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	return s.queryUsers(ctx, "get users by email",
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1) ORDER BY id`, email)
}

// GetByCustomerID implements entitlement.Store
func (s *Storage) GetByCustomerID(ctx context.Context, customerID string) ([]*entitlement.User, error) {
	if customerID == "" {
		return nil, nil
	}
	return s.queryUsers(ctx, "get users by customer",
		`SELECT `+userColumns+` FROM users WHERE billing_customer_id = $1 ORDER BY id`, customerID)
}

// UpsertEntitlement implements entitlement.Store. It updates the existing
// row only; rows are never inserted here.
func (s *Storage) UpsertEntitlement(ctx context.Context, userID string, f entitlement.Fields) error {
	tier := f.Tier
	if tier == "" {
		tier = entitlement.TierFree
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET
			is_premium = $2,
			subscription_tier = $3,
			premium_expires_at = $4,
			billing_customer_id = $5,
			billing_subscription_id = $6,
			subscription_status = $7,
			updated_at = $8
		WHERE id = $1`,
		userID, f.IsPremium, string(tier), f.PremiumExpiresAt,
		f.BillingCustomerID, f.BillingSubscriptionID, string(f.SubscriptionStatus), s.config.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", entitlement.ErrStoreWriteFailed, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %s", entitlement.ErrUserNotFound, userID)
	}
	return nil
}

// ListExpired implements entitlement.Store
func (s *Storage) ListExpired(ctx context.Context, q entitlement.ExpiryQuery) ([]*entitlement.User, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	return s.queryUsers(ctx, "list expired users",
		`SELECT `+userColumns+` FROM users WHERE `+expiredPredicate+` ORDER BY id LIMIT $3`,
		q.Cutoff(billing.StatusPastDue), q.Cutoff(billing.StatusActive), limit)
}

// Downgrade implements entitlement.Store
func (s *Storage) Downgrade(ctx context.Context, userIDs []string, q entitlement.ExpiryQuery) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE users SET
			is_premium = FALSE,
			subscription_tier = 'free',
			manual_grant = FALSE,
			updated_at = $4
		WHERE id = ANY($3) AND `+expiredPredicate+`
		RETURNING id`,
		q.Cutoff(billing.StatusPastDue), q.Cutoff(billing.StatusActive), userIDs, s.config.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: downgrade: %v", entitlement.ErrStoreWriteFailed, err)
	}
	changed, err := pgx.CollectRows(rows, pgx.RowTo[string])
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
	return s.queryUsers(ctx, "list billing customers",
		`SELECT `+userColumns+` FROM users
			WHERE billing_customer_id <> '' AND id > $1
			ORDER BY id LIMIT $2`,
		afterUserID, limit)
}

// SetManualGrant implements entitlement.Store
func (s *Storage) SetManualGrant(ctx context.Context, userID string, grant entitlement.ManualGrant) error {
	tier := entitlement.TierFree
	if grant.Granted {
		tier = entitlement.TierPremium
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET
			manual_grant = $2,
			is_premium = $2,
			subscription_tier = $3,
			premium_expires_at = CASE WHEN $2 THEN $4 ELSE premium_expires_at END,
			updated_at = $5
		WHERE id = $1`,
		userID, grant.Granted, string(tier), grant.ExpiresAt, s.config.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: manual grant: %v", entitlement.ErrStoreWriteFailed, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %s", entitlement.ErrUserNotFound, userID)
	}
	return nil
}

// LinkCustomer implements entitlement.Store
func (s *Storage) LinkCustomer(ctx context.Context, userID, customerID string) (bool, error) {
	var linked bool
	err := s.pool.QueryRow(ctx,
		`WITH linked AS (
			UPDATE users SET billing_customer_id = $2, updated_at = $3
			WHERE id = $1 AND billing_customer_id = ''
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM linked) FROM users WHERE id = $1`,
		userID, customerID, s.config.Now().UTC()).Scan(&linked)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: id %s", entitlement.ErrUserNotFound, userID)
	}
	if err != nil {
		return false, fmt.Errorf("%w: link customer: %v", entitlement.ErrStoreWriteFailed, err)
	}
	return linked, nil
}

// RecordDeadLetter implements entitlement.DeadLetterSink
func (s *Storage) RecordDeadLetter(ctx context.Context, dl entitlement.DeadLetter) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reconciliation_dead_letters
			(id, reason, source, provider_event_id, user_id, email, customer_id, subscription_id, status, detail, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING`,
		dl.ID, dl.Reason, string(dl.Source), dl.ProviderEventID, dl.UserID, dl.Email,
		dl.CustomerID, dl.SubscriptionID, string(dl.Status), dl.Detail, dl.CreatedAt,
	)
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
	rows, err := s.pool.Query(ctx,
		`SELECT id, reason, source, provider_event_id, user_id, email, customer_id, subscription_id, status, detail, created_at
			FROM reconciliation_dead_letters WHERE created_at >= $1
			ORDER BY created_at DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []entitlement.DeadLetter
	for rows.Next() {
		var (
			dl             entitlement.DeadLetter
			source, status string
		)
		if err := rows.Scan(&dl.ID, &dl.Reason, &source, &dl.ProviderEventID, &dl.UserID, &dl.Email,
			&dl.CustomerID, &dl.SubscriptionID, &status, &dl.Detail, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Source = entitlement.Source(source)
		dl.Status = billing.Status(status)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Seen implements entitlement.EventLog
func (s *Storage) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM processed_billing_events
			WHERE provider = $1 AND event_id = $2 AND expires_at > $3)`,
		provider, eventID, s.config.Now().UTC()).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return seen, nil
}

// MarkProcessed implements entitlement.EventLog
func (s *Storage) MarkProcessed(ctx context.Context, provider, eventID string, ttl time.Duration) error {
	now := s.config.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_billing_events (provider, event_id, processed_at, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (provider, event_id) DO UPDATE SET
				processed_at = EXCLUDED.processed_at,
				expires_at = EXCLUDED.expires_at`,
		provider, eventID, now, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// startCleanup runs periodic cleanup of expired processed events
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A failed cleanup is retried on the next tick.
			_, _ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes processed-event entries past their expiry and returns
// how many were removed.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM processed_billing_events WHERE expires_at < $1`, s.config.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
