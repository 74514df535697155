// Package memory provides an in-memory implementation of the golicense.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/golicense/pkg/golicense"
)

// Storage implements golicense.Storage using in-memory maps
type Storage struct {
	mu sync.RWMutex

	users        map[string]*golicense.User
	usersByEmail map[string]string

	licenses     map[string]*golicense.UserLicense
	userLicenses map[string][]string
	licenseByTxn map[string]string
	licenseByKey map[string]string
	transactions map[string]*golicense.Transaction
	accounts     map[string]*golicense.CreditAccount
	consumptions map[string]*golicense.ConsumptionRecord

	now func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:        make(map[string]*golicense.User),
		usersByEmail: make(map[string]string),
		licenses:     make(map[string]*golicense.UserLicense),
		userLicenses: make(map[string][]string),
		licenseByTxn: make(map[string]string),
		licenseByKey: make(map[string]string),
		transactions: make(map[string]*golicense.Transaction),
		accounts:     make(map[string]*golicense.CreditAccount),
		consumptions: make(map[string]*golicense.ConsumptionRecord),
		now:          time.Now,
	}
}

// GetOrCreateUser implements golicense.Storage
func (s *Storage) GetOrCreateUser(_ context.Context, email, name string) (*golicense.User, bool, error) {
	normalized := golicense.NormalizeEmail(email)
	if normalized == "" {
		return nil, false, fmt.Errorf("invalid email")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.usersByEmail[normalized]; ok {
		u := *s.users[id]
		return &u, false, nil
	}

	u := &golicense.User{
		ID:        uuid.NewString(),
		Email:     normalized,
		Name:      name,
		CreatedAt: s.now().UTC(),
	}
	s.users[u.ID] = u
	s.usersByEmail[normalized] = u.ID

	out := *u
	return &out, true, nil
}

// FindUserByEmail implements golicense.Storage
func (s *Storage) FindUserByEmail(_ context.Context, email string) (*golicense.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[golicense.NormalizeEmail(email)]
	if !ok {
		return nil, golicense.ErrUserNotFound
	}
	u := *s.users[id]
	return &u, nil
}

// GetUser implements golicense.Storage
func (s *Storage) GetUser(_ context.Context, userID string) (*golicense.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, golicense.ErrUserNotFound
	}
	out := *u
	return &out, nil
}

// ListLicenses implements golicense.Storage
func (s *Storage) ListLicenses(_ context.Context, userID string) ([]*golicense.UserLicense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.userLicenses[userID]
	out := make([]*golicense.UserLicense, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyLicense(s.licenses[id]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PurchaseDate.Before(out[j].PurchaseDate)
	})
	return out, nil
}

// CreateLicense implements golicense.Storage
func (s *Storage) CreateLicense(_ context.Context, lic *golicense.UserLicense) (*golicense.UserLicense, error) {
	if lic == nil || lic.UserID == "" || lic.ProductID == "" {
		return nil, fmt.Errorf("invalid license")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if lic.TransactionID != "" {
		if id, ok := s.licenseByTxn[txnProductKey(lic.TransactionID, lic.ProductID)]; ok {
			return copyLicense(s.licenses[id]), golicense.ErrLicenseExists
		}
	}
	if _, ok := s.licenseByKey[lic.LicenseKey]; ok && lic.LicenseKey != "" {
		return nil, fmt.Errorf("license key collision")
	}

	stored := copyLicense(lic)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = golicense.StatusActive
	}
	stored.UpdatedAt = s.now().UTC()

	s.licenses[stored.ID] = stored
	s.userLicenses[stored.UserID] = append(s.userLicenses[stored.UserID], stored.ID)
	if stored.TransactionID != "" {
		s.licenseByTxn[txnProductKey(stored.TransactionID, stored.ProductID)] = stored.ID
		if _, ok := s.licenseByTxn[stored.TransactionID]; !ok {
			s.licenseByTxn[stored.TransactionID] = stored.ID
		}
	}
	if stored.LicenseKey != "" {
		s.licenseByKey[stored.LicenseKey] = stored.ID
	}
	return copyLicense(stored), nil
}

// GetLicenseByTransaction implements golicense.Storage
func (s *Storage) GetLicenseByTransaction(_ context.Context, transactionID string) (*golicense.UserLicense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.licenseByTxn[transactionID]
	if !ok {
		return nil, golicense.ErrLicenseNotFound
	}
	return copyLicense(s.licenses[id]), nil
}

// FindLicenseByProduct implements golicense.Storage
func (s *Storage) FindLicenseByProduct(_ context.Context, userID string,
	productID golicense.ProductID) (*golicense.UserLicense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *golicense.UserLicense
	for _, id := range s.userLicenses[userID] {
		lic := s.licenses[id]
		if lic.ProductID != productID {
			continue
		}
		if found == nil || !lic.PurchaseDate.Before(found.PurchaseDate) {
			found = lic
		}
	}
	if found == nil {
		return nil, golicense.ErrLicenseNotFound
	}
	return copyLicense(found), nil
}

// UpdateLicenseStatus implements golicense.Storage
func (s *Storage) UpdateLicenseStatus(_ context.Context, licenseID string, status golicense.LicenseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.licenses[licenseID]
	if !ok {
		return golicense.ErrLicenseNotFound
	}
	lic.Status = status
	lic.UpdatedAt = s.now().UTC()
	return nil
}

// ClaimTransaction implements golicense.Storage
func (s *Storage) ClaimTransaction(_ context.Context,
	txn *golicense.Transaction) (*golicense.Transaction, bool, error) {
	if txn == nil || txn.TransactionID == "" {
		return nil, false, fmt.Errorf("invalid transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := txn.Key()
	if existing, ok := s.transactions[key]; ok {
		return copyTransaction(existing), false, nil
	}

	stored := copyTransaction(txn)
	now := s.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.transactions[key] = stored
	return copyTransaction(stored), true, nil
}

// UpdateTransaction implements golicense.Storage
func (s *Storage) UpdateTransaction(_ context.Context, txn *golicense.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.transactions[txn.Key()]
	if !ok {
		return golicense.ErrTransactionNotFound
	}
	stored.Provider = txn.Provider
	stored.ProviderProductID = txn.ProviderProductID
	stored.CustomerEmail = txn.CustomerEmail
	stored.CustomerName = txn.CustomerName
	stored.AmountCents = txn.AmountCents
	stored.Verified = txn.Verified
	stored.Processed = txn.Processed
	stored.ProcessingError = txn.ProcessingError
	stored.UserID = txn.UserID
	stored.LicenseID = txn.LicenseID
	if txn.RawPayload != nil {
		stored.RawPayload = append([]byte(nil), txn.RawPayload...)
	}
	stored.UpdatedAt = s.now().UTC()
	return nil
}

// GetTransaction implements golicense.Storage
func (s *Storage) GetTransaction(_ context.Context, transactionID string,
	typ golicense.TransactionType) (*golicense.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, ok := s.transactions[golicense.TransactionKey(transactionID, typ)]
	if !ok {
		return nil, golicense.ErrTransactionNotFound
	}
	return copyTransaction(txn), nil
}

// GetCreditAccount implements golicense.Storage
func (s *Storage) GetCreditAccount(_ context.Context, userID string) (*golicense.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, nil // No account yet is not an error
	}
	out := *acct
	return &out, nil
}

// ResetCredits implements golicense.Storage
func (s *Storage) ResetCredits(_ context.Context, userID string, anchor time.Time,
	cycle golicense.Cycle) (*golicense.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.accountLocked(userID, anchor, cycle)
	if golicense.RollCycle(acct, cycle) {
		acct.UpdatedAt = s.now().UTC()
	}
	out := *acct
	return &out, nil
}

// ConsumeCredits implements golicense.Storage with transaction-safe consumption
func (s *Storage) ConsumeCredits(_ context.Context, req *golicense.ConsumeRequest) (*golicense.CreditAccount, error) {
	if req.Amount < 0 {
		return nil, golicense.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.accountLocked(req.UserID, req.Anchor, req.Cycle)
	golicense.RollCycle(acct, req.Cycle)

	if acct.Used+req.Amount > req.Total {
		remaining := req.Total - acct.Used
		if remaining < 0 {
			remaining = 0
		}
		out := *acct
		return &out, &golicense.InsufficientCreditsError{Required: req.Amount, Remaining: remaining}
	}

	acct.Used += req.Amount
	acct.UpdatedAt = req.Now.UTC()

	if req.ConsumptionID != "" {
		s.consumptions[req.ConsumptionID] = &golicense.ConsumptionRecord{
			ConsumptionID: req.ConsumptionID,
			UserID:        req.UserID,
			Action:        req.Action,
			Amount:        req.Amount,
			CycleStart:    acct.CycleStart,
			NewUsed:       acct.Used,
			Metadata:      copyMetadata(req.Metadata),
			Timestamp:     req.Now.UTC(),
		}
	}

	out := *acct
	return &out, nil
}

// RefundCredits implements golicense.Storage
func (s *Storage) RefundCredits(_ context.Context, req *golicense.RefundRequest) (*golicense.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.consumptions[req.ConsumptionID]
	if !ok || rec.UserID != req.UserID {
		return nil, golicense.ErrConsumptionNotFound
	}
	acct, ok := s.accounts[req.UserID]
	if !ok {
		return nil, golicense.ErrConsumptionNotFound
	}
	golicense.RollCycle(acct, req.Cycle)

	if !rec.Refunded {
		rec.Refunded = true
		rec.RefundReason = req.Reason
		if rec.CycleStart.Equal(acct.CycleStart) {
			acct.Used -= rec.Amount
			if acct.Used < 0 {
				acct.Used = 0
			}
			acct.UpdatedAt = req.Now.UTC()
		}
	}

	out := *acct
	return &out, nil
}

// GetConsumptionRecord implements golicense.Storage
func (s *Storage) GetConsumptionRecord(_ context.Context,
	consumptionID string) (*golicense.ConsumptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.consumptions[consumptionID]
	if !ok {
		return nil, nil
	}
	out := *rec
	out.Metadata = copyMetadata(rec.Metadata)
	return &out, nil
}

// accountLocked returns the stored account, creating it when missing.
// Callers hold s.mu.
func (s *Storage) accountLocked(userID string, anchor time.Time, cycle golicense.Cycle) *golicense.CreditAccount {
	acct, ok := s.accounts[userID]
	if !ok {
		acct = golicense.NewCreditAccount(userID, anchor, cycle, s.now().UTC())
		s.accounts[userID] = acct
	}
	return acct
}

func txnProductKey(transactionID string, productID golicense.ProductID) string {
	return transactionID + "|" + string(productID)
}

func copyLicense(lic *golicense.UserLicense) *golicense.UserLicense {
	out := *lic
	if lic.CreditsTotal != nil {
		v := *lic.CreditsTotal
		out.CreditsTotal = &v
	}
	return &out
}

func copyTransaction(txn *golicense.Transaction) *golicense.Transaction {
	out := *txn
	out.RawPayload = append([]byte(nil), txn.RawPayload...)
	return &out
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
