package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a notification received from a provider.
	// eventType: normalized transaction type (e.g., "SALE", "REFUND")
	// status: the ProcessStatus of the delivery
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: The type of error (e.g., "invalid_signature", "invalid_payload", "processing_error")
	RecordWebhookError(provider, errorType string)

	// RecordLicenseGrant records a license created by a purchase.
	RecordLicenseGrant(provider, productID string)

	// RecordLicenseRevocation records a license status change away from active.
	// status: the new license status (e.g., "refunded", "chargeback")
	RecordLicenseRevocation(provider, productID, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordLicenseGrant(_, _ string)                               {}
func (n *NoopMetrics) RecordLicenseRevocation(_, _, _ string)                       {}
