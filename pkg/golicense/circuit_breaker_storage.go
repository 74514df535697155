package golicense

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) GetOrCreateUser(ctx context.Context, email, name string) (*User, bool, error) {
	var (
		user    *User
		created bool
	)
	err := s.cb.Execute(ctx, func() error {
		var e error
		user, created, e = s.storage.GetOrCreateUser(ctx, email, name)
		return e
	})
	return user, created, err
}

func (s *CircuitBreakerStorage) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var user *User
	err := s.cb.Execute(ctx, func() error {
		var e error
		user, e = s.storage.FindUserByEmail(ctx, email)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStorage) GetUser(ctx context.Context, userID string) (*User, error) {
	var user *User
	err := s.cb.Execute(ctx, func() error {
		var e error
		user, e = s.storage.GetUser(ctx, userID)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStorage) ListLicenses(ctx context.Context, userID string) ([]*UserLicense, error) {
	var licenses []*UserLicense
	err := s.cb.Execute(ctx, func() error {
		var e error
		licenses, e = s.storage.ListLicenses(ctx, userID)
		return e
	})
	return licenses, err
}

func (s *CircuitBreakerStorage) CreateLicense(ctx context.Context, lic *UserLicense) (*UserLicense, error) {
	var stored *UserLicense
	err := s.cb.Execute(ctx, func() error {
		var e error
		stored, e = s.storage.CreateLicense(ctx, lic)
		return e
	})
	return stored, err
}

func (s *CircuitBreakerStorage) GetLicenseByTransaction(ctx context.Context, transactionID string) (*UserLicense, error) {
	var lic *UserLicense
	err := s.cb.Execute(ctx, func() error {
		var e error
		lic, e = s.storage.GetLicenseByTransaction(ctx, transactionID)
		return e
	})
	return lic, err
}

func (s *CircuitBreakerStorage) FindLicenseByProduct(ctx context.Context, userID string,
	productID ProductID) (*UserLicense, error) {
	var lic *UserLicense
	err := s.cb.Execute(ctx, func() error {
		var e error
		lic, e = s.storage.FindLicenseByProduct(ctx, userID, productID)
		return e
	})
	return lic, err
}

func (s *CircuitBreakerStorage) UpdateLicenseStatus(ctx context.Context, licenseID string, status LicenseStatus) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.UpdateLicenseStatus(ctx, licenseID, status)
	})
}

func (s *CircuitBreakerStorage) ClaimTransaction(ctx context.Context, txn *Transaction) (*Transaction, bool, error) {
	var (
		existing *Transaction
		claimed  bool
	)
	err := s.cb.Execute(ctx, func() error {
		var e error
		existing, claimed, e = s.storage.ClaimTransaction(ctx, txn)
		return e
	})
	return existing, claimed, err
}

func (s *CircuitBreakerStorage) UpdateTransaction(ctx context.Context, txn *Transaction) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.UpdateTransaction(ctx, txn)
	})
}

func (s *CircuitBreakerStorage) GetTransaction(ctx context.Context, transactionID string,
	typ TransactionType) (*Transaction, error) {
	var txn *Transaction
	err := s.cb.Execute(ctx, func() error {
		var e error
		txn, e = s.storage.GetTransaction(ctx, transactionID, typ)
		return e
	})
	return txn, err
}

func (s *CircuitBreakerStorage) GetCreditAccount(ctx context.Context, userID string) (*CreditAccount, error) {
	var acct *CreditAccount
	err := s.cb.Execute(ctx, func() error {
		var e error
		acct, e = s.storage.GetCreditAccount(ctx, userID)
		return e
	})
	return acct, err
}

func (s *CircuitBreakerStorage) ResetCredits(ctx context.Context, userID string, anchor time.Time,
	cycle Cycle) (*CreditAccount, error) {
	var acct *CreditAccount
	err := s.cb.Execute(ctx, func() error {
		var e error
		acct, e = s.storage.ResetCredits(ctx, userID, anchor, cycle)
		return e
	})
	return acct, err
}

func (s *CircuitBreakerStorage) ConsumeCredits(ctx context.Context, req *ConsumeRequest) (*CreditAccount, error) {
	var acct *CreditAccount
	err := s.cb.Execute(ctx, func() error {
		var e error
		acct, e = s.storage.ConsumeCredits(ctx, req)
		return e
	})
	return acct, err
}

func (s *CircuitBreakerStorage) RefundCredits(ctx context.Context, req *RefundRequest) (*CreditAccount, error) {
	var acct *CreditAccount
	err := s.cb.Execute(ctx, func() error {
		var e error
		acct, e = s.storage.RefundCredits(ctx, req)
		return e
	})
	return acct, err
}

func (s *CircuitBreakerStorage) GetConsumptionRecord(ctx context.Context,
	consumptionID string) (*ConsumptionRecord, error) {
	var record *ConsumptionRecord
	err := s.cb.Execute(ctx, func() error {
		var e error
		record, e = s.storage.GetConsumptionRecord(ctx, consumptionID)
		return e
	})
	return record, err
}
