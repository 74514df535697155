// Package prommetrics implements golicense.Metrics with Prometheus collectors.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements golicense.Metrics using Prometheus.
type Metrics struct {
	consumptionTotal           *prometheus.CounterVec
	consumptionAmount          *prometheus.HistogramVec
	refundTotal                *prometheus.CounterVec
	refundAmount               *prometheus.CounterVec
	resolveDuration            prometheus.Histogram
	resolveErrors              prometheus.Counter
	featureChecksTotal         *prometheus.CounterVec
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		consumptionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_consumption_total",
			Help:      "Total number of credit consumption attempts.",
		}, []string{"action", "unlimited", "success"}),

		consumptionAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_consumption_amount",
			Help:      "Distribution of debited credit amounts.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50},
		}, []string{"action"}),

		refundTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_refunds_total",
			Help:      "Total number of refunded consumptions.",
		}, []string{"action"}),

		refundAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_refunded_amount_total",
			Help:      "Total credits returned by refunds.",
		}, []string{"action"}),

		resolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entitlement_resolve_duration_seconds",
			Help:      "Latency of entitlement resolution from storage.",
			Buckets:   prometheus.DefBuckets,
		}),

		resolveErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_resolve_errors_total",
			Help:      "Total number of failed entitlement resolutions.",
		}),

		featureChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feature_checks_total",
			Help:      "Total number of feature checks by outcome.",
		}, []string{"feature", "allowed"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

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

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordConsumption(action string, amount int, unlimited, success bool) {
	m.consumptionTotal.WithLabelValues(action, strconv.FormatBool(unlimited), strconv.FormatBool(success)).Inc()
	if success && !unlimited {
		m.consumptionAmount.WithLabelValues(action).Observe(float64(amount))
	}
}

func (m *Metrics) RecordCreditRefund(action string, amount int) {
	m.refundTotal.WithLabelValues(action).Inc()
	m.refundAmount.WithLabelValues(action).Add(float64(amount))
}

func (m *Metrics) RecordEntitlementResolve(duration time.Duration, err error) {
	m.resolveDuration.Observe(duration.Seconds())
	if err != nil {
		m.resolveErrors.Inc()
	}
}

func (m *Metrics) RecordFeatureCheck(feature string, allowed bool) {
	m.featureChecksTotal.WithLabelValues(feature, strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}
