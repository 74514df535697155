package golicense

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredits is returned when a metered action costs more than
	// the remaining balance and the user has no unlimited override
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrEntitlementLookup is returned when a user's licenses could not be
	// loaded. It is retryable and never means "no entitlement".
	ErrEntitlementLookup = errors.New("entitlement lookup failed")

	// ErrUnknownProduct is returned for product ids missing from the catalog
	ErrUnknownProduct = errors.New("unknown product")

	// ErrUnknownFeature is returned for feature queries that name no known flag or collection
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrUnknownAction is returned for action types without a configured cost
	ErrUnknownAction = errors.New("unknown action type")

	// ErrInvalidAmount is returned for negative credit amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUserNotFound is returned when a user does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrLicenseNotFound is returned when no license matches a lookup
	ErrLicenseNotFound = errors.New("license not found")

	// ErrLicenseExists is returned when a license was already granted for a transaction
	ErrLicenseExists = errors.New("license already exists")

	// ErrTransactionNotFound is returned when a transaction record is missing
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrConsumptionNotFound is returned when refunding an unknown consumption
	ErrConsumptionNotFound = errors.New("consumption not found")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// InsufficientCreditsError carries the balance that blocked a consumption.
type InsufficientCreditsError struct {
	Required  int
	Remaining int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, %d remaining", e.Required, e.Remaining)
}

// Is matches ErrInsufficientCredits.
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// EntitlementLookupError wraps the storage failure behind a lookup.
type EntitlementLookupError struct {
	UserID string
	Err    error
}

func (e *EntitlementLookupError) Error() string {
	return fmt.Sprintf("entitlement lookup failed for user %s: %v", e.UserID, e.Err)
}

// Is matches ErrEntitlementLookup.
func (e *EntitlementLookupError) Is(target error) bool {
	return target == ErrEntitlementLookup
}

func (e *EntitlementLookupError) Unwrap() error {
	return e.Err
}
