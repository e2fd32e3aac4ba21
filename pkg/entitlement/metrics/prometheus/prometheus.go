package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

// Metrics implements entitlement.Metrics using Prometheus. It also serves
// the cache and rate limiter hooks used by storage/tiered and pkg/ratelimit.
type Metrics struct {
	reconciliationsTotal   *prometheus.CounterVec
	reconciliationDuration *prometheus.HistogramVec
	deadLettersTotal       *prometheus.CounterVec
	tierChangesTotal       *prometheus.CounterVec
	retriesTotal           *prometheus.CounterVec
	sweepAffectedTotal     *prometheus.CounterVec
	sweepDuration          *prometheus.HistogramVec
	storageOpsDuration     *prometheus.HistogramVec
	storageOpsErrors       *prometheus.CounterVec
	cacheHitsTotal         *prometheus.CounterVec
	cacheMissesTotal       *prometheus.CounterVec
	rateLimitChecksTotal   *prometheus.CounterVec
}

var _ entitlement.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reconciliationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Total number of reconciliation events by source and outcome.",
		}, []string{"source", "action"}),

		reconciliationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_duration_seconds",
			Help:      "Latency of applying one reconciliation event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		deadLettersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Total number of events dead-lettered for operator review.",
		}, []string{"reason"}),

		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_changes_total",
			Help:      "Total number of tier transitions written.",
		}, []string{"from_tier", "to_tier"}),

		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_retries_total",
			Help:      "Total number of reconciliation retry attempts.",
		}, []string{"source"}),

		sweepAffectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_rows_affected_total",
			Help:      "Total number of rows changed by sweeper passes.",
		}, []string{"pass"}),

		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweeper passes.",
			Buckets:   []float64{.05, .1, .5, 1, 5, 10, 30, 60, 120},
		}, []string{"pass"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of entitlement cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of entitlement cache misses.",
		}, []string{"type"}),

		rateLimitChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_checks_total",
			Help:      "Total number of rate limit checks by route and result.",
		}, []string{"route", "allowed"}),
	}
}

func (m *Metrics) RecordReconciliation(source, action string) {
	m.reconciliationsTotal.WithLabelValues(source, action).Inc()
}

func (m *Metrics) RecordReconciliationDuration(source string, duration time.Duration) {
	m.reconciliationDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func (m *Metrics) RecordDeadLetter(reason string) {
	m.deadLettersTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordTierChange(fromTier, toTier string) {
	m.tierChangesTotal.WithLabelValues(fromTier, toTier).Inc()
}

func (m *Metrics) RecordRetry(source string) {
	m.retriesTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordSweep(pass string, affected int, duration time.Duration) {
	m.sweepAffectedTotal.WithLabelValues(pass).Add(float64(affected))
	m.sweepDuration.WithLabelValues(pass).Observe(duration.Seconds())
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordRateLimitCheck(route string, allowed bool) {
	m.rateLimitChecksTotal.WithLabelValues(route, strconv.FormatBool(allowed)).Inc()
}
