package golicense

import (
	"strings"
	"time"
)

// LicenseStatus is the lifecycle state of an owned license
type LicenseStatus string

const (
	StatusActive     LicenseStatus = "active"
	StatusRefunded   LicenseStatus = "refunded"
	StatusCancelled  LicenseStatus = "cancelled"
	StatusChargeback LicenseStatus = "chargeback"
)

// User is a customer account, keyed by a normalized email
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// NormalizeEmail lower-cases and trims an email for case-insensitive lookup
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// UserLicense is one owned license instance. Rows are never deleted; revocation
// only changes Status.
type UserLicense struct {
	ID         string
	UserID     string
	ProductID  ProductID
	LicenseKey string
	Status     LicenseStatus

	// PurchaseAmountCents is what the customer paid
	PurchaseAmountCents int64
	PurchaseDate        time.Time

	// CreditsTotal is the per-cycle allowance snapshot taken at grant time.
	// Nil means the license grants unlimited credits.
	CreditsTotal *int

	// TransactionID is the provider transaction that granted the license
	TransactionID string
	// ProviderProductID is the provider's own product identifier
	ProviderProductID string

	UpdatedAt time.Time
}

// IsActive reports whether the license currently contributes features
func (l *UserLicense) IsActive() bool {
	return l.Status == StatusActive
}

// TransactionType is a normalized purchase notification type
type TransactionType string

const (
	TxnSale       TransactionType = "SALE"
	TxnRebill     TransactionType = "BILL"
	TxnRefund     TransactionType = "REFUND"
	TxnChargeback TransactionType = "CHARGEBACK"
	TxnCancel     TransactionType = "CANCEL-REBILL"
	TxnUncancel   TransactionType = "UNCANCEL-REBILL"
)

// Transaction is the audit and idempotency record for one purchase
// notification. (TransactionID, Type) is unique: a refund reuses the receipt
// id of the sale it reverses.
type Transaction struct {
	TransactionID     string
	Type              TransactionType
	Provider          string
	ProviderProductID string
	CustomerEmail     string
	CustomerName      string
	AmountCents       int64

	Verified        bool
	Processed       bool
	ProcessingError string

	UserID    string
	LicenseID string

	// RawPayload is the original notification kept for replay and debugging
	RawPayload []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Key returns the idempotency key of the transaction
func (t *Transaction) Key() string {
	return TransactionKey(t.TransactionID, t.Type)
}

// TransactionKey builds the idempotency key for a transaction id and type
func TransactionKey(id string, typ TransactionType) string {
	return string(typ) + ":" + id
}

// ActionType is a metered AI generation action
type ActionType string

const (
	ActionImageGeneration ActionType = "image_generation"
	ActionCopyGeneration  ActionType = "copy_generation"
	ActionAngleGeneration ActionType = "angle_generation"
)

// DefaultActionCosts is the credit price of each metered action
func DefaultActionCosts() map[ActionType]int {
	return map[ActionType]int{
		ActionImageGeneration: 5,
		ActionCopyGeneration:  1,
		ActionAngleGeneration: 1,
	}
}

// Cycle is one credit period. Usage resets when End is reached.
type Cycle struct {
	Start time.Time
	End   time.Time
}

// CreditAccount is the persisted credit counter of a user. Used belongs to
// the cycle starting at CycleStart; a newer cycle implies Used = 0.
type CreditAccount struct {
	UserID     string
	Anchor     time.Time
	CycleStart time.Time
	ResetDate  time.Time
	Used       int
	UpdatedAt  time.Time
}

// Entitlement is the resolved view of what a user can do right now
type Entitlement struct {
	UserID          string
	OwnedProductIDs []ProductID
	Features        Features
	Unlimited       bool
	DisplayTier     string

	// CreditAllowance is the per-cycle numeric allowance; ignored when Unlimited
	CreditAllowance int

	// Anchor is the date credit cycles are counted from: the first purchase
	Anchor time.Time

	// Orphaned lists active licenses whose product is missing from the catalog
	Orphaned []ProductID

	ResolvedAt time.Time
}

// HasProduct reports whether the user holds an active license for id
func (e *Entitlement) HasProduct(id ProductID) bool {
	for _, p := range e.OwnedProductIDs {
		if p == id {
			return true
		}
	}
	return false
}

// Balance is the credit standing of a user
type Balance struct {
	Unlimited  bool
	Total      int
	Used       int
	Remaining  int
	Percentage float64
	ResetDate  time.Time
}

// ConsumeRequest is a storage-level atomic consumption
type ConsumeRequest struct {
	ConsumptionID string
	UserID        string
	Action        ActionType
	Amount        int
	// Total is the allowance the consumption is checked against
	Total  int
	Anchor time.Time
	Cycle  Cycle
	// Metadata is stored with the consumption record
	Metadata map[string]string
	Now      time.Time
}

// RefundRequest returns a previous consumption to the user
type RefundRequest struct {
	ConsumptionID string
	UserID        string
	Reason        string
	Cycle         Cycle
	Now           time.Time
}

// ConsumptionRecord is one debit against a ledger
type ConsumptionRecord struct {
	ConsumptionID string
	UserID        string
	Action        ActionType
	Amount        int
	CycleStart    time.Time
	NewUsed       int
	Refunded      bool
	RefundReason  string
	Metadata      map[string]string
	Timestamp     time.Time
}

// ConsumeResult is returned by Manager.Consume
type ConsumeResult struct {
	ConsumptionID string
	Cost          int
	Unlimited     bool
	NewRemaining  int
	Balance       Balance
}
