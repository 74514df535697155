package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUnsupportedTransactionType is returned for notification types the
	// processor does not act on
	ErrUnsupportedTransactionType = errors.New("unsupported transaction type")

	// ErrProductNotMapped is returned when a provider product id maps to no
	// catalog product
	ErrProductNotMapped = errors.New("product not mapped to catalog")

	// ErrOriginalLicenseNotFound is returned when a reversal cannot be matched
	// to the license it reverses
	ErrOriginalLicenseNotFound = errors.New("original license not found")
)
