package main

import (
	"context"
	"fmt"
	"os"
	"time"

	gfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/cardsync/pkg/billing"
	billingprom "github.com/mihaimyh/cardsync/pkg/billing/metrics/prometheus"
	billingstripe "github.com/mihaimyh/cardsync/pkg/billing/stripe"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
	zerologadapter "github.com/mihaimyh/cardsync/pkg/entitlement/logger/zerolog"
	entitlementprom "github.com/mihaimyh/cardsync/pkg/entitlement/metrics/prometheus"
	"github.com/mihaimyh/cardsync/storage/firestore"
	"github.com/mihaimyh/cardsync/storage/memory"
	"github.com/mihaimyh/cardsync/storage/postgres"
	"github.com/mihaimyh/cardsync/storage/redis"
	"github.com/mihaimyh/cardsync/storage/tiered"
)

// app holds the wired components shared by every command.
type app struct {
	cfg *config
	log zerolog.Logger

	registry           *prometheus.Registry
	billingMetrics     *billingprom.Metrics
	entitlementMetrics *entitlementprom.Metrics

	// store is the authoritative view every read-modify-write goes
	// through; readStore may serve cached rows for status and gates.
	store       entitlement.Store
	readStore   entitlement.Store
	deadLetters entitlement.DeadLetterSink
	events      entitlement.EventLog
	postgres    *postgres.Storage
	redis       *redis.Storage

	provider billing.Client
	engine   *entitlement.Engine
	sweeper  *entitlement.Sweeper

	closers []func()
}

// appOptions selects the optional parts a command needs.
type appOptions struct {
	// provider wires the Stripe client. Without it the engine cannot
	// reconcile against billing and the sweeper skips drift.
	provider bool
}

func newApp(ctx context.Context, cfg *config, opts appOptions) (*app, error) {
	logger := zerologadapter.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{
		cfg:                cfg,
		log:                logger,
		registry:           registry,
		billingMetrics:     billingprom.NewMetrics(registry, cfg.MetricsNamespace),
		entitlementMetrics: entitlementprom.NewMetrics(registry, cfg.MetricsNamespace),
	}
	if err := a.openStores(ctx); err != nil {
		a.close()
		return nil, err
	}
	if opts.provider {
		if err := a.openProvider(); err != nil {
			a.close()
			return nil, err
		}
	}
	if err := a.buildCore(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) logger() entitlement.Logger {
	return zerologadapter.NewLogger(a.log)
}

func (a *app) openStores(ctx context.Context) error {
	switch a.cfg.StoreBackend {
	case backendPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = a.cfg.DatabaseURL
		pg, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.postgres = pg
		a.store, a.deadLetters, a.events = pg, pg, pg

	case backendFirestore:
		client, err := gfirestore.NewClient(ctx, a.cfg.FirestoreProject)
		if err != nil {
			return fmt.Errorf("open firestore: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		fs, err := firestore.New(client, firestore.Config{})
		if err != nil {
			return err
		}
		a.store, a.deadLetters, a.events = fs, fs, fs

	case backendMemory:
		a.log.Warn().Msg("Using in-memory store; entitlements are lost on restart")
		mem := memory.New()
		a.store, a.deadLetters, a.events = mem, mem, mem

	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.StoreBackend)
	}

	a.readStore = a.store
	if a.cfg.RedisURL == "" {
		return nil
	}
	opts, err := goredis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rs, err := redis.New(goredis.NewClient(opts), redis.DefaultConfig())
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = rs.Close() })
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	a.redis = rs

	// Redis fronts status and gate reads and takes over event
	// deduplication. Writers keep reading the cold store.
	cached, err := tiered.New(tiered.Config{
		Hot:     rs,
		Cold:    a.store,
		Metrics: a.entitlementMetrics,
		CacheErrorHandler: func(err error) {
			a.log.Warn().Err(err).Msg("Entitlement cache operation failed")
		},
	})
	if err != nil {
		return err
	}
	a.readStore = cached
	a.store = cached.Authoritative()
	a.events = rs
	return nil
}

func (a *app) openProvider() error {
	if a.cfg.StripeSecretKey == "" {
		return fmt.Errorf("missing required environment variables: STRIPE_SECRET_KEY")
	}
	client, err := billingstripe.NewClient(billing.Config{
		APIKey:        a.cfg.StripeSecretKey,
		WebhookSecret: a.cfg.StripeWebhookSecret,
		Metrics:       a.billingMetrics,
	})
	if err != nil {
		return err
	}
	cb := billing.NewCircuitBreaker(5, 30*time.Second, func(state billing.BreakerState) {
		a.billingMetrics.RecordCircuitBreakerState(client.Name(), string(state))
		a.log.Warn().Str("provider", client.Name()).Str("state", string(state)).
			Msg("Billing provider circuit breaker changed state")
	})
	a.provider = billing.NewCircuitBreakerClient(client, cb)
	return nil
}

func (a *app) buildCore() error {
	engine, err := entitlement.NewEngine(entitlement.Config{
		Store:       a.store,
		DeadLetters: a.deadLetters,
		Provider:    a.provider,
		Policy:      entitlement.DefaultPolicy(),
		Logger:      a.logger(),
		Metrics:     a.entitlementMetrics,
	})
	if err != nil {
		return err
	}
	a.engine = engine

	sweeperCfg := entitlement.SweeperConfig{
		Store:           a.store,
		Engine:          engine,
		PastDueGrace:    a.cfg.PastDueGrace,
		DriftSampleSize: a.cfg.DriftSampleSize,
		Logger:          a.logger(),
		Provider:        a.provider,
		Metrics:         a.entitlementMetrics,
	}
	sweeper, err := entitlement.NewSweeper(sweeperCfg)
	if err != nil {
		return err
	}
	a.sweeper = sweeper
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
