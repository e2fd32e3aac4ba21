// Package webhook implements the billing webhook endpoint. It verifies
// provider deliveries, refreshes the subscription from the provider and
// hands the result to the reconciliation engine.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/cardsync/internal/httputil"
	"github.com/mihaimyh/cardsync/pkg/billing"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

const (
	// MaxBodyBytes caps a webhook body.
	MaxBodyBytes = 256 << 10

	// DefaultEventTTL is how long processed event IDs are remembered. It
	// covers the provider's redelivery horizon for a single event.
	DefaultEventTTL = 72 * time.Hour

	// DefaultTimeout is the processing budget for one delivery.
	DefaultTimeout = 8 * time.Second

	signatureHeader = "Stripe-Signature"
)

// Applier applies reconciliation events; *entitlement.Engine satisfies it.
type Applier interface {
	ApplyWithRetry(ctx context.Context, ev entitlement.Event) (entitlement.Outcome, error)
}

// Claimer is implemented by event logs that can hold a short exclusive
// claim on an event, so concurrent deliveries of one event across
// instances are processed once. The redis event log implements it.
type Claimer interface {
	Claim(ctx context.Context, provider, eventID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, provider, eventID string) error
}

// Config configures the webhook Handler.
type Config struct {
	Provider billing.Client
	// Secret is the webhook signing secret. Empty disables the endpoint.
	Secret string
	Engine Applier

	// Events deduplicates deliveries by provider event ID. Optional. When
	// it also implements Claimer, each event is claimed before dispatch.
	Events entitlement.EventLog
	// Store lets enrichment skip the customer lookup for customers already
	// linked to a row. Optional.
	Store entitlement.Store

	EventTTL time.Duration
	Timeout  time.Duration

	Logger  entitlement.Logger
	Metrics billing.Metrics
	Now     func() time.Time
}

// Handler serves POST /webhooks/billing.
type Handler struct {
	provider billing.Client
	secret   string
	engine   Applier
	events   entitlement.EventLog
	store    entitlement.Store
	ttl      time.Duration
	timeout  time.Duration
	logger   entitlement.Logger
	metrics  billing.Metrics
	now      func() time.Time
}

// ackResponse is the body of every 200 reply.
type ackResponse struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Action    string `json:"action,omitempty"`
}

// NewHandler validates cfg. A missing secret is allowed; the handler then
// answers 503 until one is configured.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("%w: provider is required", entitlement.ErrInvalidConfig)
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("%w: engine is required", entitlement.ErrInvalidConfig)
	}
	h := &Handler{
		provider: cfg.Provider,
		secret:   cfg.Secret,
		engine:   cfg.Engine,
		events:   cfg.Events,
		store:    cfg.Store,
		ttl:      cfg.EventTTL,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	if h.ttl <= 0 {
		h.ttl = DefaultEventTTL
	}
	if h.timeout <= 0 {
		h.timeout = DefaultTimeout
	}
	if h.logger == nil {
		h.logger = &entitlement.NoopLogger{}
	}
	if h.metrics == nil {
		h.metrics = &billing.NoopMetrics{}
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	httputil.SetSecurityHeaders(w)
	providerName := h.provider.Name()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	if h.secret == "" {
		httputil.WriteError(w, http.StatusServiceUnavailable, "not_configured", "Webhook not configured")
		return
	}

	// Received
	body, err := httputil.ReadBodyStrict(w, r, MaxBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrPayloadTooLarge) {
			h.metrics.RecordWebhookError(providerName, "payload_too_large")
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Payload too large")
			return
		}
		h.metrics.RecordWebhookError(providerName, "invalid_payload")
		httputil.WriteError(w, http.StatusBadRequest, "invalid_payload", "Invalid payload")
		return
	}

	// SignatureVerified and Parsed
	event, err := h.provider.VerifyWebhookSignature(body, r.Header.Get(signatureHeader), h.secret)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrSignatureInvalid):
			h.metrics.RecordWebhookError(providerName, "signature_invalid")
			h.logger.Warn("webhook signature rejected", entitlement.Field{Key: "error", Value: err.Error()})
			httputil.WriteError(w, http.StatusBadRequest, "invalid_signature", "Invalid signature")
		case errors.Is(err, billing.ErrProviderNotConfigured):
			httputil.WriteError(w, http.StatusServiceUnavailable, "not_configured", "Webhook not configured")
		default:
			h.metrics.RecordWebhookError(providerName, "invalid_payload")
			h.logger.Warn("webhook payload rejected", entitlement.Field{Key: "error", Value: err.Error()})
			httputil.WriteError(w, http.StatusBadRequest, "invalid_payload", "Invalid payload")
		}
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status, resp := h.dispatch(ctx, event)
	h.metrics.RecordWebhookEvent(providerName, event.ProviderType, statusLabel(status, resp))
	h.metrics.RecordWebhookProcessingDuration(providerName, event.ProviderType, time.Since(start))

	if status == http.StatusConflict {
		httputil.WriteError(w, status, "event_in_progress", "Event is being processed")
		return
	}
	if status != http.StatusOK {
		h.metrics.RecordWebhookError(providerName, "processing_error")
		httputil.WriteError(w, status, "processing_failed", "Failed to process webhook")
		return
	}
	// Acknowledged
	_ = httputil.WriteJSON(w, http.StatusOK, resp)
}

// dispatch runs the Dispatched stage and returns the HTTP status to send.
func (h *Handler) dispatch(ctx context.Context, event *billing.Event) (int, ackResponse) {
	ack := ackResponse{Received: true}
	providerName := h.provider.Name()

	if h.events != nil {
		seen, err := h.events.Seen(ctx, providerName, event.ID)
		if err != nil {
			h.logger.Warn("event log lookup failed",
				entitlement.Field{Key: "event_id", Value: event.ID},
				entitlement.Field{Key: "error", Value: err.Error()},
			)
		} else if seen {
			h.logger.Debug("duplicate webhook delivery", entitlement.Field{Key: "event_id", Value: event.ID})
			ack.Duplicate = true
			return http.StatusOK, ack
		}
	}

	if claimer, ok := h.events.(Claimer); ok {
		claimed, err := claimer.Claim(ctx, providerName, event.ID, 2*h.timeout)
		switch {
		case err != nil:
			h.logger.Warn("event claim failed, processing unclaimed",
				entitlement.Field{Key: "event_id", Value: event.ID},
				entitlement.Field{Key: "error", Value: err.Error()},
			)
		case !claimed:
			// Another instance holds the event; the provider redelivers.
			h.logger.Info("webhook delivery already in progress", entitlement.Field{Key: "event_id", Value: event.ID})
			return http.StatusConflict, ack
		default:
			defer h.release(ctx, claimer, event.ID)
		}
	}

	if event.Kind == billing.EventUnhandled {
		h.logger.Debug("webhook event ignored",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "type", Value: event.ProviderType},
		)
		ack.Action = "ignored"
		return http.StatusOK, ack
	}

	ev, ok, err := h.buildEvent(ctx, event)
	if err != nil {
		h.logger.Error("webhook event preparation failed",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "type", Value: event.ProviderType},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		return http.StatusInternalServerError, ack
	}
	if !ok {
		ack.Action = "ignored"
		h.markProcessed(ctx, event.ID)
		return http.StatusOK, ack
	}

	out, err := h.engine.ApplyWithRetry(ctx, ev)
	if err != nil {
		h.logger.Error("webhook reconciliation failed",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "user_id", Value: ev.UserID},
			entitlement.Field{Key: "subscription_id", Value: ev.Snapshot.SubscriptionID},
			entitlement.Field{Key: "retryable", Value: entitlement.IsRetryable(err)},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		return http.StatusInternalServerError, ack
	}

	h.markProcessed(ctx, event.ID)
	ack.Action = string(out.Action)
	return http.StatusOK, ack
}

// buildEvent turns a parsed delivery into an engine event. ok is false for
// deliveries that carry nothing to reconcile.
func (h *Handler) buildEvent(ctx context.Context, event *billing.Event) (entitlement.Event, bool, error) {
	ev := entitlement.Event{
		ProviderEventID: event.ID,
		UserID:          event.UserID,
		Email:           event.Email,
		Source:          entitlement.SourceWebhook,
		ReceivedAt:      h.now().UTC(),
	}

	switch event.Kind {
	case billing.EventCheckoutCompleted:
		if event.SubscriptionID == "" {
			h.logger.Warn("checkout completed without subscription", entitlement.Field{Key: "event_id", Value: event.ID})
			return ev, false, nil
		}
		sub, err := h.provider.GetSubscription(ctx, event.SubscriptionID)
		if err != nil {
			if billing.IsRetryable(err) {
				return ev, false, err
			}
			// The subscription events for this checkout carry the same state.
			h.logger.Warn("checkout subscription lookup failed",
				entitlement.Field{Key: "event_id", Value: event.ID},
				entitlement.Field{Key: "subscription_id", Value: event.SubscriptionID},
				entitlement.Field{Key: "error", Value: err.Error()},
			)
			return ev, false, nil
		}
		ev.Snapshot = *sub

	case billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		ev.Snapshot = h.currentSubscription(ctx, event)

	default:
		return ev, false, nil
	}

	if ev.Snapshot.CustomerID == "" {
		ev.Snapshot.CustomerID = event.CustomerID
	}
	if ev.UserID == "" {
		ev.UserID = ev.Snapshot.UserID
	}
	if ev.Email == "" {
		ev.Email = ev.Snapshot.CustomerEmail
	}

	if err := h.enrich(ctx, &ev); err != nil {
		return ev, false, err
	}
	return ev, true, nil
}

// currentSubscription refetches the subscription so a late delivery cannot
// roll state back. When the provider is unreachable the payload is used.
func (h *Handler) currentSubscription(ctx context.Context, event *billing.Event) billing.Subscription {
	var payload billing.Subscription
	if event.Subscription != nil {
		payload = *event.Subscription
	}
	if event.SubscriptionID == "" {
		return payload
	}

	sub, err := h.provider.GetSubscription(ctx, event.SubscriptionID)
	if err != nil {
		h.logger.Warn("subscription refetch failed, using event payload",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "subscription_id", Value: event.SubscriptionID},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		return payload
	}
	if sub.UserID == "" {
		sub.UserID = payload.UserID
	}
	if sub.CustomerEmail == "" {
		sub.CustomerEmail = payload.CustomerEmail
	}
	return *sub
}

// enrich fills the email and user ID from the billing customer when the
// event carries neither and no row is linked to the customer yet.
func (h *Handler) enrich(ctx context.Context, ev *entitlement.Event) error {
	customerID := ev.Snapshot.CustomerID
	if ev.UserID != "" || ev.Email != "" || customerID == "" {
		return nil
	}
	if h.store != nil {
		if users, err := h.store.GetByCustomerID(ctx, customerID); err == nil && len(users) > 0 {
			return nil
		}
	}

	customer, err := h.provider.GetCustomer(ctx, customerID)
	if err != nil {
		if billing.IsRetryable(err) {
			return err
		}
		h.logger.Warn("customer lookup failed",
			entitlement.Field{Key: "customer_id", Value: customerID},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		return nil
	}
	ev.UserID = customer.UserID
	ev.Email = customer.Email
	return nil
}

func (h *Handler) markProcessed(ctx context.Context, eventID string) {
	if h.events == nil {
		return
	}
	if err := h.events.MarkProcessed(context.WithoutCancel(ctx), h.provider.Name(), eventID, h.ttl); err != nil {
		h.logger.Warn("failed to record processed event",
			entitlement.Field{Key: "event_id", Value: eventID},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
	}
}

func (h *Handler) release(ctx context.Context, claimer Claimer, eventID string) {
	if err := claimer.Release(context.WithoutCancel(ctx), h.provider.Name(), eventID); err != nil {
		h.logger.Warn("failed to release event claim",
			entitlement.Field{Key: "event_id", Value: eventID},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
	}
}

func statusLabel(status int, resp ackResponse) string {
	switch {
	case status == http.StatusConflict:
		return "in_progress"
	case status != http.StatusOK:
		return "error"
	case resp.Duplicate:
		return "duplicate"
	case resp.Action == "ignored":
		return "ignored"
	default:
		return "success"
	}
}
