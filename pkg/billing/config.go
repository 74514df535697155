package billing

import (
	"github.com/mihaimyh/golicense/pkg/golicense"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Manager is the golicense Manager whose storage receives licenses and
	// whose entitlement cache is invalidated after every applied notification
	Manager *golicense.Manager

	// ProductMapping maps provider product ids to catalog products.
	// For example: map[string]golicense.ProductID{"401235": golicense.ProductPro}
	// Catalog product ids are accepted as-is without a mapping entry.
	ProductMapping map[string]golicense.ProductID

	// WebhookSecret verifies incoming notifications (JVZoo secret key or
	// Stripe endpoint signing secret)
	WebhookSecret string

	// Metrics is an optional metrics collector for tracking billing operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics(reg, namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is optional; defaults to golicense.NoopLogger
	Logger golicense.Logger

	// OnApplied is called after a notification changed license state.
	// Errors it returns are logged and do not fail the delivery.
	OnApplied ApplyCallback
}
