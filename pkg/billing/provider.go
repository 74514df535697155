package billing

import (
	"net/http"
)

// Provider is the generic interface that any purchase source must implement.
// JVZoo and Stripe both reduce their notifications to Event and hand them to
// a shared Processor.
type Provider interface {
	// Name returns the provider name (e.g., "jvzoo", "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that receives notifications.
	// The implementation handles verification, parsing, and processing internally.
	WebhookHandler() http.Handler
}
