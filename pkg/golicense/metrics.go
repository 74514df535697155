package golicense

import "time"

// Metrics defines the interface for tracking entitlement and credit operations.
type Metrics interface {
	// RecordConsumption records a credit consumption attempt.
	RecordConsumption(action string, amount int, unlimited, success bool)

	// RecordCreditRefund records a refunded consumption.
	RecordCreditRefund(action string, amount int)

	// RecordEntitlementResolve records the duration of an entitlement resolution.
	RecordEntitlementResolve(duration time.Duration, err error)

	// RecordFeatureCheck records the outcome of a feature gate.
	RecordFeatureCheck(feature string, allowed bool)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "entitlement").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordConsumption(action string, amount int, unlimited, success bool)       {}
func (n *NoopMetrics) RecordCreditRefund(action string, amount int)                               {}
func (n *NoopMetrics) RecordEntitlementResolve(duration time.Duration, err error)                 {}
func (n *NoopMetrics) RecordFeatureCheck(feature string, allowed bool)                            {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                            {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
