package billing

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState represents the current state of the circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to the payment provider. Only failures that
// indicate the provider is unavailable count toward opening the circuit.
type CircuitBreaker struct {
	mu sync.RWMutex

	state               BreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time

	onStateChange func(state BreakerState)
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive unavailable errors and half-opens after resetTimeout.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state BreakerState)) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		onStateChange:    onStateChange,
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() BreakerState {
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	switch {
	case err == nil:
		cb.success()
	case IsRetryable(err):
		cb.failure()
	default:
		// The provider answered; a rejected request says nothing about its health.
		cb.success()
	}
	return err
}

func (cb *CircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *CircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if state == StateHalfOpen || (state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold) {
		cb.changeState(StateOpen)
	}
}

func (cb *CircuitBreaker) changeState(newState BreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// CircuitBreakerClient wraps a Client with circuit breaker protection.
// While the circuit is open calls fail fast with ErrProviderUnavailable.
type CircuitBreakerClient struct {
	client Client
	cb     *CircuitBreaker
}

// NewCircuitBreakerClient creates a new client wrapper with circuit breaker.
func NewCircuitBreakerClient(client Client, cb *CircuitBreaker) *CircuitBreakerClient {
	return &CircuitBreakerClient{client: client, cb: cb}
}

func (c *CircuitBreakerClient) execute(ctx context.Context, op string, fn func() error) error {
	err := c.cb.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) {
		return Unavailable(op, err)
	}
	return err
}

func (c *CircuitBreakerClient) Name() string { return c.client.Name() }

func (c *CircuitBreakerClient) GetCustomersByEmail(ctx context.Context, email string) ([]Customer, error) {
	var out []Customer
	err := c.execute(ctx, "get customers by email", func() error {
		var e error
		out, e = c.client.GetCustomersByEmail(ctx, email)
		return e
	})
	return out, err
}

func (c *CircuitBreakerClient) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	var out *Customer
	err := c.execute(ctx, "get customer", func() error {
		var e error
		out, e = c.client.GetCustomer(ctx, customerID)
		return e
	})
	return out, err
}

func (c *CircuitBreakerClient) ListSubscriptions(ctx context.Context, customerID, statusFilter string) ([]Subscription, error) {
	var out []Subscription
	err := c.execute(ctx, "list subscriptions", func() error {
		var e error
		out, e = c.client.ListSubscriptions(ctx, customerID, statusFilter)
		return e
	})
	return out, err
}

func (c *CircuitBreakerClient) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var out *Subscription
	err := c.execute(ctx, "get subscription", func() error {
		var e error
		out, e = c.client.GetSubscription(ctx, subscriptionID)
		return e
	})
	return out, err
}

func (c *CircuitBreakerClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	var out *Session
	err := c.execute(ctx, "create checkout session", func() error {
		var e error
		out, e = c.client.CreateCheckoutSession(ctx, req)
		return e
	})
	return out, err
}

func (c *CircuitBreakerClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*Session, error) {
	var out *Session
	err := c.execute(ctx, "create portal session", func() error {
		var e error
		out, e = c.client.CreatePortalSession(ctx, customerID, returnURL)
		return e
	})
	return out, err
}

// VerifyWebhookSignature is local computation and bypasses the breaker.
func (c *CircuitBreakerClient) VerifyWebhookSignature(payload []byte, signatureHeader, secret string) (*Event, error) {
	return c.client.VerifyWebhookSignature(payload, signatureHeader, secret)
}
