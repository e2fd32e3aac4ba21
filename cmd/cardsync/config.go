package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends selectable with STORE_BACKEND.
const (
	backendPostgres  = "postgres"
	backendFirestore = "firestore"
	backendMemory    = "memory"
)

// config holds everything the binary reads from the environment.
type config struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceMonthly  string
	StripePriceYearly   string

	StoreBackend     string
	DatabaseURL      string
	RedisURL         string
	FirestoreProject string

	SessionJWTSecret string
	SweepSecret      string

	AppBaseURL         string
	CheckoutSuccessURL string
	CheckoutCancelURL  string
	PortalReturnURL    string

	ListenAddr       string
	MetricsNamespace string

	SweepInterval      time.Duration
	PastDueGrace       time.Duration
	DriftSampleSize    int
	RateLimitPerMinute int

	LogLevel  string
	LogFormat string
}

// loadConfig reads the environment. A .env file is loaded if present but
// not required.
func loadConfig() (*config, error) {
	_ = godotenv.Load()

	sweepInterval, err := envOrDefaultDuration("SWEEP_INTERVAL", 0)
	if err != nil {
		return nil, err
	}
	grace, err := envOrDefaultDuration("PAST_DUE_GRACE", 72*time.Hour)
	if err != nil {
		return nil, err
	}
	driftSample, err := envOrDefaultInt("DRIFT_SAMPLE_SIZE", 500)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("RATE_LIMIT_PER_MINUTE", 30)
	if err != nil {
		return nil, err
	}

	cfg := &config{
		StripeSecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripePriceMonthly:  strings.TrimSpace(os.Getenv("STRIPE_PRICE_MONTHLY")),
		StripePriceYearly:   strings.TrimSpace(os.Getenv("STRIPE_PRICE_YEARLY")),

		StoreBackend:     strings.ToLower(envOrDefault("STORE_BACKEND", backendPostgres)),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),
		FirestoreProject: strings.TrimSpace(os.Getenv("FIRESTORE_PROJECT")),

		SessionJWTSecret: strings.TrimSpace(os.Getenv("SESSION_JWT_SECRET")),
		SweepSecret:      strings.TrimSpace(os.Getenv("SWEEP_SECRET")),

		AppBaseURL:         strings.TrimRight(strings.TrimSpace(os.Getenv("APP_BASE_URL")), "/"),
		CheckoutSuccessURL: strings.TrimSpace(os.Getenv("CHECKOUT_SUCCESS_URL")),
		CheckoutCancelURL:  strings.TrimSpace(os.Getenv("CHECKOUT_CANCEL_URL")),
		PortalReturnURL:    strings.TrimSpace(os.Getenv("PORTAL_RETURN_URL")),

		ListenAddr:       envOrDefault("LISTEN_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("METRICS_NAMESPACE", "cardsync"),

		SweepInterval:      sweepInterval,
		PastDueGrace:       grace,
		DriftSampleSize:    driftSample,
		RateLimitPerMinute: rateLimit,

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "json"),
	}
	cfg.applyURLDefaults()
	return cfg, nil
}

// applyURLDefaults derives the redirect URLs from APP_BASE_URL when they
// are not set explicitly.
func (c *config) applyURLDefaults() {
	if c.AppBaseURL == "" {
		return
	}
	if c.CheckoutSuccessURL == "" {
		c.CheckoutSuccessURL = c.AppBaseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"
	}
	if c.CheckoutCancelURL == "" {
		c.CheckoutCancelURL = c.AppBaseURL + "/billing/cancel"
	}
	if c.PortalReturnURL == "" {
		c.PortalReturnURL = c.AppBaseURL + "/account"
	}
}

// validateStore checks the variables every command needs.
func (c *config) validateStore() error {
	var missing []string
	switch c.StoreBackend {
	case backendPostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case backendFirestore:
		if c.FirestoreProject == "" {
			missing = append(missing, "FIRESTORE_PROJECT")
		}
	case backendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of %s, %s or %s, got %q",
			backendPostgres, backendFirestore, backendMemory, c.StoreBackend)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.PastDueGrace < 0 {
		return fmt.Errorf("PAST_DUE_GRACE must not be negative, got %s", c.PastDueGrace)
	}
	return nil
}

// validateServe checks the variables the HTTP service needs.
func (c *config) validateServe() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	var missing []string
	for _, v := range []struct{ name, value string }{
		{"STRIPE_SECRET_KEY", c.StripeSecretKey},
		{"STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret},
		{"STRIPE_PRICE_MONTHLY", c.StripePriceMonthly},
		{"STRIPE_PRICE_YEARLY", c.StripePriceYearly},
		{"SESSION_JWT_SECRET", c.SessionJWTSecret},
		{"CHECKOUT_SUCCESS_URL", c.CheckoutSuccessURL},
		{"CHECKOUT_CANCEL_URL", c.CheckoutCancelURL},
	} {
		if v.value == "" {
			missing = append(missing, v.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	for name, raw := range map[string]string{
		"CHECKOUT_SUCCESS_URL": c.CheckoutSuccessURL,
		"CHECKOUT_CANCEL_URL":  c.CheckoutCancelURL,
	} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s must be a valid URL: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must use http or https scheme", name)
		}
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative, got %d", c.RateLimitPerMinute)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
