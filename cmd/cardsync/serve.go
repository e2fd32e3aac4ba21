package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/cardsync/internal/httputil"
	"github.com/mihaimyh/cardsync/pkg/api"
	"github.com/mihaimyh/cardsync/pkg/auth"
	"github.com/mihaimyh/cardsync/pkg/billing/webhook"
	"github.com/mihaimyh/cardsync/pkg/checkout"
	"github.com/mihaimyh/cardsync/pkg/ratelimit"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the billing HTTP service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.validateServe(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, appOptions{provider: true})
		if err != nil {
			return err
		}
		defer a.close()
		return a.serve(ctx)
	},
}

func (a *app) serve(ctx context.Context) error {
	router, err := a.router()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if a.cfg.SweepInterval > 0 {
		go a.sweeper.Run(ctx, a.cfg.SweepInterval)
		a.log.Info().Dur("interval", a.cfg.SweepInterval).Msg("In-process sweeper started")
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.cfg.ListenAddr).Str("store", a.cfg.StoreBackend).Msg("Starting cardsync server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	a.log.Info().Msg("Server stopped")
	return nil
}

// router mounts every endpoint of the service.
func (a *app) router() (http.Handler, error) {
	verifier, err := auth.NewVerifier(a.cfg.SessionJWTSecret, auth.WithLeeway(30*time.Second))
	if err != nil {
		return nil, err
	}

	orchestrator, err := checkout.New(checkout.Config{
		Provider: a.provider,
		Store:    a.store,
		Prices: map[checkout.Interval]string{
			checkout.IntervalMonth: a.cfg.StripePriceMonthly,
			checkout.IntervalYear:  a.cfg.StripePriceYearly,
		},
		SuccessURL:      a.cfg.CheckoutSuccessURL,
		CancelURL:       a.cfg.CheckoutCancelURL,
		PortalReturnURL: a.cfg.PortalReturnURL,
		Logger:          a.logger(),
	})
	if err != nil {
		return nil, err
	}

	apiHandler, err := api.NewHandler(api.Config{
		Checkout:     orchestrator,
		Store:        a.readStore,
		PastDueGrace: a.cfg.PastDueGrace,
		Sweeper:      a.sweeper,
		SweepSecret:  a.cfg.SweepSecret,
		GetIdentity:  auth.FromRequest,
		Logger:       a.logger(),
	})
	if err != nil {
		return nil, err
	}

	webhookHandler, err := webhook.NewHandler(webhook.Config{
		Provider: a.provider,
		Secret:   a.cfg.StripeWebhookSecret,
		Engine:   a.engine,
		Events:   a.events,
		Store:    a.store,
		Logger:   a.logger(),
		Metrics:  a.billingMetrics,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Method(http.MethodPost, "/webhooks/billing", webhookHandler)
	r.HandleFunc("/internal/sweep", apiHandler.Sweep)

	r.Route("/billing", func(r chi.Router) {
		r.Use(verifier.Middleware)
		limit, err := a.rateLimiter()
		if err != nil {
			a.log.Warn().Err(err).Msg("Rate limiting disabled")
		}
		if limit != nil {
			r.With(limit.Middleware("checkout")).HandleFunc("/checkout", apiHandler.Checkout)
			r.With(limit.Middleware("portal")).HandleFunc("/portal", apiHandler.Portal)
		} else {
			r.HandleFunc("/checkout", apiHandler.Checkout)
			r.HandleFunc("/portal", apiHandler.Portal)
		}
		r.HandleFunc("/status", apiHandler.Status)
	})
	return r, nil
}

// rateLimiter returns nil when RATE_LIMIT_PER_MINUTE is 0. Redis, when
// configured, shares the counters across instances.
func (a *app) rateLimiter() (*ratelimit.Limiter, error) {
	if a.cfg.RateLimitPerMinute <= 0 {
		return nil, nil
	}
	cfg := ratelimit.Config{
		Limit:   a.cfg.RateLimitPerMinute,
		Window:  time.Minute,
		Logger:  a.logger(),
		Metrics: a.entitlementMetrics,
	}
	if a.redis != nil {
		cfg.Counter = a.redis
	}
	return ratelimit.New(cfg)
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("HTTP request")
		})
	}
}
