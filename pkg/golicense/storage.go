package golicense

import (
	"context"
	"time"
)

// Storage defines the persistence contract for users, licenses, purchase
// transactions and credit accounts.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// GetOrCreateUser returns the user with the given email (case-insensitive),
	// creating it when absent. The returned bool is true when created.
	GetOrCreateUser(ctx context.Context, email, name string) (*User, bool, error)

	// FindUserByEmail returns ErrUserNotFound when no user has the email
	FindUserByEmail(ctx context.Context, email string) (*User, error)

	// GetUser returns ErrUserNotFound when the user does not exist
	GetUser(ctx context.Context, userID string) (*User, error)

	// ListLicenses returns every license of a user regardless of status,
	// oldest first. No licenses is an empty slice, not an error.
	ListLicenses(ctx context.Context, userID string) ([]*UserLicense, error)

	// CreateLicense stores a new license. A license granted by the same
	// transaction and product already existing yields the stored row and
	// ErrLicenseExists, so retried grants never duplicate rows.
	CreateLicense(ctx context.Context, lic *UserLicense) (*UserLicense, error)

	// GetLicenseByTransaction returns ErrLicenseNotFound when no license was
	// granted by the transaction
	GetLicenseByTransaction(ctx context.Context, transactionID string) (*UserLicense, error)

	// FindLicenseByProduct returns the most recently purchased license of a
	// user for a product, in any status. ErrLicenseNotFound when none.
	FindLicenseByProduct(ctx context.Context, userID string, productID ProductID) (*UserLicense, error)

	// UpdateLicenseStatus changes the status of a license
	UpdateLicenseStatus(ctx context.Context, licenseID string, status LicenseStatus) error

	// ClaimTransaction atomically inserts the record if its key is unused.
	// When the key exists the stored record is returned with claimed=false;
	// a uniqueness conflict is never reported as an error.
	ClaimTransaction(ctx context.Context, txn *Transaction) (existing *Transaction, claimed bool, err error)

	// UpdateTransaction overwrites a claimed record. The key and CreatedAt
	// never change; a nil RawPayload keeps the stored payload.
	UpdateTransaction(ctx context.Context, txn *Transaction) error

	// GetTransaction returns ErrTransactionNotFound when absent
	GetTransaction(ctx context.Context, transactionID string, typ TransactionType) (*Transaction, error)

	// GetCreditAccount returns nil, nil when the user has no account yet
	GetCreditAccount(ctx context.Context, userID string) (*CreditAccount, error)

	// ResetCredits makes the account current for cycle, creating it with
	// anchor when missing. When cycle starts after the stored cycle, Used is
	// zeroed and the reset date advanced.
	ResetCredits(ctx context.Context, userID string, anchor time.Time, cycle Cycle) (*CreditAccount, error)

	// ConsumeCredits atomically rolls the account to req.Cycle if due, checks
	// Used+Amount against req.Total and records the consumption. On
	// insufficient balance it returns the unchanged account and an
	// *InsufficientCreditsError.
	ConsumeCredits(ctx context.Context, req *ConsumeRequest) (*CreditAccount, error)

	// RefundCredits returns a recorded consumption exactly once. Refunds of a
	// consumption from an earlier cycle are recorded but do not change Used.
	// Returns ErrConsumptionNotFound when the consumption does not belong to
	// the user.
	RefundCredits(ctx context.Context, req *RefundRequest) (*CreditAccount, error)

	// GetConsumptionRecord returns nil, nil when no record exists
	GetConsumptionRecord(ctx context.Context, consumptionID string) (*ConsumptionRecord, error)
}

// RollCycle applies the lazy reset rule shared by every backend: an account
// observed in a cycle newer than its own starts over at zero.
func RollCycle(acct *CreditAccount, cycle Cycle) bool {
	if !cycle.Start.After(acct.CycleStart) {
		return false
	}
	acct.Used = 0
	acct.CycleStart = cycle.Start
	acct.ResetDate = cycle.End
	return true
}

// NewCreditAccount returns a fresh account positioned in cycle
func NewCreditAccount(userID string, anchor time.Time, cycle Cycle, now time.Time) *CreditAccount {
	return &CreditAccount{
		UserID:     userID,
		Anchor:     anchor,
		CycleStart: cycle.Start,
		ResetDate:  cycle.End,
		UpdatedAt:  now,
	}
}
