package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/cardsync/pkg/auth"
	"github.com/mihaimyh/cardsync/pkg/checkout"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

// CheckoutService starts provider sessions; *checkout.Orchestrator
// satisfies it.
type CheckoutService interface {
	CreateCheckout(ctx context.Context, id auth.Identity, interval checkout.Interval) (string, error)
	CreatePortal(ctx context.Context, id auth.Identity) (string, error)
}

// SweepRunner runs one sweep; *entitlement.Sweeper satisfies it.
type SweepRunner interface {
	RunOnce(ctx context.Context) (entitlement.SweepResult, error)
}

// Config holds configuration for the billing API handler
type Config struct {
	// Checkout serves the checkout and portal endpoints (required)
	Checkout CheckoutService

	// Store is read by the status endpoint (required)
	Store entitlement.Store

	// PastDueGrace matches the sweeper's grace. A row past its expiry
	// reports free before the sweeper downgrades it.
	PastDueGrace time.Duration

	// Now overrides the status clock. Defaults to time.Now.
	Now func() time.Time

	// Sweeper backs the internal sweep endpoint. If nil, the endpoint
	// answers 503.
	Sweeper SweepRunner

	// SweepSecret is the bearer secret of the sweep endpoint. It is
	// separate from user sessions. Empty disables the endpoint.
	SweepSecret string

	// GetIdentity extracts the signed-in user from the request (required)
	// Use auth.FromRequest behind auth.Verifier.Middleware.
	GetIdentity func(*http.Request) (auth.Identity, bool)

	Logger entitlement.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Checkout == nil {
		return fmt.Errorf("checkout service is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.GetIdentity == nil {
		return fmt.Errorf("getIdentity is required")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	gate := entitlement.NewGate(config.Store, config.PastDueGrace)
	if config.Now != nil {
		gate.WithClock(config.Now)
	}
	return &Handler{config: config, gate: gate}, nil
}

// FromHeader returns a GetIdentity function that trusts user and email
// headers set by an authenticating proxy.
func FromHeader(userHeader, emailHeader string) func(*http.Request) (auth.Identity, bool) {
	return func(r *http.Request) (auth.Identity, bool) {
		id := auth.Identity{UserID: r.Header.Get(userHeader), Email: r.Header.Get(emailHeader)}
		return id, id.UserID != ""
	}
}
