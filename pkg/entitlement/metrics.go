package entitlement

import "time"

// Metrics defines the interface for reconciliation metrics collection.
type Metrics interface {
	// RecordReconciliation records one applied event.
	// source: "webhook", "sweep" or "manual"; action: an Action value
	RecordReconciliation(source, action string)

	// RecordReconciliationDuration records how long applying an event took.
	RecordReconciliationDuration(source string, duration time.Duration)

	// RecordDeadLetter records an event that was dead-lettered.
	RecordDeadLetter(reason string)

	// RecordTierChange records a tier transition written to the store.
	RecordTierChange(fromTier, toTier string)

	// RecordRetry records a retry attempt on the webhook path.
	RecordRetry(source string)

	// RecordSweep records the rows affected by a sweeper pass.
	// pass: "expiry" or "drift"
	RecordSweep(pass string, affected int, duration time.Duration)

	// RecordStoreOperation records latency and outcome of a store call.
	RecordStoreOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordReconciliation(_, _ string)                        {}
func (n *NoopMetrics) RecordReconciliationDuration(_ string, _ time.Duration)  {}
func (n *NoopMetrics) RecordDeadLetter(_ string)                               {}
func (n *NoopMetrics) RecordTierChange(_, _ string)                            {}
func (n *NoopMetrics) RecordRetry(_ string)                                    {}
func (n *NoopMetrics) RecordSweep(_ string, _ int, _ time.Duration)            {}
func (n *NoopMetrics) RecordStoreOperation(_ string, _ time.Duration, _ error) {}
