package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/golicense/pkg/golicense"
)

// Event is a purchase notification normalized away from its provider format
type Event struct {
	// Provider is the source name ("jvzoo", "stripe")
	Provider string

	// TransactionID is the provider receipt. Reversals reuse the id of the
	// purchase they reverse.
	TransactionID string
	Type          golicense.TransactionType

	ProviderProductID string
	CustomerEmail     string
	CustomerName      string
	AmountCents       int64

	// Verified is true when the provider signature or digest checked out
	Verified bool

	// RawPayload is the notification as received
	RawPayload []byte

	// OccurredAt is when the provider says the transaction happened; zero
	// means unknown
	OccurredAt time.Time
}

// ParseTransactionType normalizes a provider transaction type code.
// RFND and CGBK are the JVZoo spellings; INSF (insufficient funds) is
// handled like a chargeback.
func ParseTransactionType(raw string) (golicense.TransactionType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SALE":
		return golicense.TxnSale, nil
	case "BILL":
		return golicense.TxnRebill, nil
	case "RFND", "REFUND":
		return golicense.TxnRefund, nil
	case "CGBK", "CHARGEBACK", "INSF":
		return golicense.TxnChargeback, nil
	case "CANCEL-REBILL":
		return golicense.TxnCancel, nil
	case "UNCANCEL-REBILL":
		return golicense.TxnUncancel, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTransactionType, raw)
	}
}

// ProcessStatus is the terminal state of one delivery
type ProcessStatus string

const (
	// StatusApplied means license state changed
	StatusApplied ProcessStatus = "applied"
	// StatusDuplicate means the transaction was already processed; a no-op
	StatusDuplicate ProcessStatus = "duplicate"
	// StatusVerificationFailed means the notification was recorded but not
	// applied. Providers should not retry it.
	StatusVerificationFailed ProcessStatus = "verification_failed"
	// StatusFailed means applying failed; the record stays unprocessed so a
	// redelivery can retry it
	StatusFailed ProcessStatus = "failed"
)

// ProcessResult describes what ApplyTransaction did
type ProcessResult struct {
	Status        ProcessStatus
	TransactionID string
	Type          golicense.TransactionType
	UserID        string
	LicenseID     string
	ProductID     golicense.ProductID
	// LicenseStatus is the status the license was left in
	LicenseStatus golicense.LicenseStatus
}

// ApplyCallback is invoked after a notification was applied
type ApplyCallback func(ctx context.Context, event *Event, result *ProcessResult) error
