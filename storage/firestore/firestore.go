// Package firestore provides a Firestore implementation of the golicense.Storage interface.
// This implementation uses Google Cloud Firestore for production-grade license persistence.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/golicense/pkg/golicense"
)

// Storage implements golicense.Storage using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	usersCollection        string
	emailsCollection       string
	licensesCollection     string
	licenseIndexCollection string
	transactionsCollection string
	accountsCollection     string
	consumptionsCollection string
}

// Config holds Firestore storage configuration. Empty names use the
// "license_" prefixed defaults.
type Config struct {
	UsersCollection        string
	EmailsCollection       string
	LicensesCollection     string
	LicenseIndexCollection string
	TransactionsCollection string
	AccountsCollection     string
	ConsumptionsCollection string
}

var errKeyCollision = errors.New("license key collision")

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.UsersCollection == "" {
		config.UsersCollection = "license_users"
	}
	if config.EmailsCollection == "" {
		config.EmailsCollection = "license_user_emails"
	}
	if config.LicensesCollection == "" {
		config.LicensesCollection = "license_user_licenses"
	}
	if config.LicenseIndexCollection == "" {
		config.LicenseIndexCollection = "license_index"
	}
	if config.TransactionsCollection == "" {
		config.TransactionsCollection = "license_transactions"
	}
	if config.AccountsCollection == "" {
		config.AccountsCollection = "license_credit_accounts"
	}
	if config.ConsumptionsCollection == "" {
		config.ConsumptionsCollection = "license_consumptions"
	}

	return &Storage{
		client:                 client,
		usersCollection:        config.UsersCollection,
		emailsCollection:       config.EmailsCollection,
		licensesCollection:     config.LicensesCollection,
		licenseIndexCollection: config.LicenseIndexCollection,
		transactionsCollection: config.TransactionsCollection,
		accountsCollection:     config.AccountsCollection,
		consumptionsCollection: config.ConsumptionsCollection,
	}, nil
}

// GetOrCreateUser implements golicense.Storage
func (s *Storage) GetOrCreateUser(ctx context.Context, email, name string) (*golicense.User, bool, error) {
	normalized := golicense.NormalizeEmail(email)
	if normalized == "" {
		return nil, false, fmt.Errorf("invalid email")
	}

	emailDoc := s.client.Collection(s.emailsCollection).Doc(docID(normalized))
	var (
		user    *golicense.User
		created bool
	)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		created = false
		snap, err := tx.Get(emailDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			userSnap, err := tx.Get(s.client.Collection(s.usersCollection).Doc(getString(snap.Data(), "userId")))
			if err != nil {
				return err
			}
			user = userFromData(userSnap.Ref.ID, userSnap.Data())
			return nil
		}

		user = &golicense.User{
			ID:        uuid.NewString(),
			Email:     normalized,
			Name:      name,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(emailDoc, map[string]interface{}{"userId": user.ID}); err != nil {
			return err
		}
		created = true
		return tx.Create(s.client.Collection(s.usersCollection).Doc(user.ID), map[string]interface{}{
			"email":     user.Email,
			"name":      user.Name,
			"createdAt": user.CreatedAt,
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get or create user: %w", err)
	}
	return user, created, nil
}

// FindUserByEmail implements golicense.Storage
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*golicense.User, error) {
	snap, err := s.client.Collection(s.emailsCollection).Doc(docID(golicense.NormalizeEmail(email))).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, golicense.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return s.GetUser(ctx, getString(snap.Data(), "userId"))
}

// GetUser implements golicense.Storage
func (s *Storage) GetUser(ctx context.Context, userID string) (*golicense.User, error) {
	if userID == "" {
		return nil, golicense.ErrUserNotFound
	}
	snap, err := s.client.Collection(s.usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, golicense.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return userFromData(userID, snap.Data()), nil
}

// ListLicenses implements golicense.Storage
func (s *Storage) ListLicenses(ctx context.Context, userID string) ([]*golicense.UserLicense, error) {
	return s.queryLicenses(ctx, s.client.Collection(s.licensesCollection).Where("userId", "==", userID))
}

// CreateLicense implements golicense.Storage
func (s *Storage) CreateLicense(ctx context.Context, lic *golicense.UserLicense) (*golicense.UserLicense, error) {
	if lic == nil || lic.UserID == "" || lic.ProductID == "" {
		return nil, fmt.Errorf("invalid license")
	}

	stored := *lic
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = golicense.StatusActive
	}
	stored.PurchaseDate = stored.PurchaseDate.UTC()
	stored.UpdatedAt = time.Now().UTC()

	licenseDoc := s.client.Collection(s.licensesCollection).Doc(stored.ID)
	txnDoc := s.client.Collection(s.licenseIndexCollection).
		Doc(docID("txn_" + stored.TransactionID + "_" + string(stored.ProductID)))
	keyDoc := s.client.Collection(s.licenseIndexCollection).Doc(docID("key_" + stored.LicenseKey))

	var existing *golicense.UserLicense
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		existing = nil
		if stored.TransactionID != "" {
			snap, err := tx.Get(txnDoc)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if err == nil && snap.Exists() {
				licSnap, err := tx.Get(s.client.Collection(s.licensesCollection).Doc(getString(snap.Data(), "licenseId")))
				if err != nil {
					return err
				}
				existing = licenseFromData(licSnap.Ref.ID, licSnap.Data())
				return nil
			}
		}
		if stored.LicenseKey != "" {
			snap, err := tx.Get(keyDoc)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if err == nil && snap.Exists() {
				return errKeyCollision
			}
		}

		if err := tx.Create(licenseDoc, licenseData(&stored)); err != nil {
			return err
		}
		if stored.TransactionID != "" {
			if err := tx.Create(txnDoc, map[string]interface{}{"licenseId": stored.ID}); err != nil {
				return err
			}
		}
		if stored.LicenseKey != "" {
			return tx.Create(keyDoc, map[string]interface{}{"licenseId": stored.ID})
		}
		return nil
	})
	if errors.Is(err, errKeyCollision) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create license: %w", err)
	}
	if existing != nil {
		return existing, golicense.ErrLicenseExists
	}
	return &stored, nil
}

// GetLicenseByTransaction implements golicense.Storage
func (s *Storage) GetLicenseByTransaction(ctx context.Context, transactionID string) (*golicense.UserLicense, error) {
	licenses, err := s.queryLicenses(ctx,
		s.client.Collection(s.licensesCollection).Where("transactionId", "==", transactionID))
	if err != nil {
		return nil, err
	}
	if len(licenses) == 0 || transactionID == "" {
		return nil, golicense.ErrLicenseNotFound
	}
	return licenses[0], nil
}

// FindLicenseByProduct implements golicense.Storage
func (s *Storage) FindLicenseByProduct(ctx context.Context, userID string,
	productID golicense.ProductID) (*golicense.UserLicense, error) {
	licenses, err := s.queryLicenses(ctx, s.client.Collection(s.licensesCollection).
		Where("userId", "==", userID).
		Where("productId", "==", string(productID)))
	if err != nil {
		return nil, err
	}
	if len(licenses) == 0 {
		return nil, golicense.ErrLicenseNotFound
	}
	return licenses[len(licenses)-1], nil
}

// UpdateLicenseStatus implements golicense.Storage
func (s *Storage) UpdateLicenseStatus(ctx context.Context, licenseID string, st golicense.LicenseStatus) error {
	_, err := s.client.Collection(s.licensesCollection).Doc(licenseID).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(st)},
		{Path: "updatedAt", Value: time.Now().UTC()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return golicense.ErrLicenseNotFound
		}
		return fmt.Errorf("failed to update license status: %w", err)
	}
	return nil
}

// queryLicenses runs q and returns the licenses oldest first. Ordering happens
// client side so no composite index is required.
func (s *Storage) queryLicenses(ctx context.Context, q firestore.Query) ([]*golicense.UserLicense, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}
	out := make([]*golicense.UserLicense, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, licenseFromData(snap.Ref.ID, snap.Data()))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PurchaseDate.Equal(out[j].PurchaseDate) {
			return out[i].PurchaseDate.Before(out[j].PurchaseDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ClaimTransaction implements golicense.Storage. Create fails with
// AlreadyExists when the key is taken, which makes the claim atomic.
func (s *Storage) ClaimTransaction(ctx context.Context,
	txn *golicense.Transaction) (*golicense.Transaction, bool, error) {
	if txn == nil || txn.TransactionID == "" {
		return nil, false, fmt.Errorf("invalid transaction")
	}

	stored := *txn
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	_, err := s.transactionDoc(txn.TransactionID, txn.Type).Create(ctx, transactionData(&stored))
	if err == nil {
		return &stored, true, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return nil, false, fmt.Errorf("failed to claim transaction: %w", err)
	}

	existing, err := s.GetTransaction(ctx, txn.TransactionID, txn.Type)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// UpdateTransaction implements golicense.Storage
func (s *Storage) UpdateTransaction(ctx context.Context, txn *golicense.Transaction) error {
	updates := []firestore.Update{
		{Path: "provider", Value: txn.Provider},
		{Path: "providerProductId", Value: txn.ProviderProductID},
		{Path: "customerEmail", Value: txn.CustomerEmail},
		{Path: "customerName", Value: txn.CustomerName},
		{Path: "amountCents", Value: txn.AmountCents},
		{Path: "verified", Value: txn.Verified},
		{Path: "processed", Value: txn.Processed},
		{Path: "processingError", Value: txn.ProcessingError},
		{Path: "userId", Value: txn.UserID},
		{Path: "licenseId", Value: txn.LicenseID},
		{Path: "updatedAt", Value: time.Now().UTC()},
	}
	if txn.RawPayload != nil {
		updates = append(updates, firestore.Update{Path: "rawPayload", Value: txn.RawPayload})
	}

	_, err := s.transactionDoc(txn.TransactionID, txn.Type).Update(ctx, updates)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return golicense.ErrTransactionNotFound
		}
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return nil
}

// GetTransaction implements golicense.Storage
func (s *Storage) GetTransaction(ctx context.Context, transactionID string,
	typ golicense.TransactionType) (*golicense.Transaction, error) {
	snap, err := s.transactionDoc(transactionID, typ).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, golicense.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return transactionFromData(snap.Data()), nil
}

// GetCreditAccount implements golicense.Storage
func (s *Storage) GetCreditAccount(ctx context.Context, userID string) (*golicense.CreditAccount, error) {
	snap, err := s.client.Collection(s.accountsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No account yet is not an error
		}
		return nil, fmt.Errorf("failed to get credit account: %w", err)
	}
	return accountFromData(userID, snap.Data()), nil
}

// loadAccount reads the account inside tx, returning a fresh one positioned in
// cycle when missing
func (s *Storage) loadAccount(tx *firestore.Transaction, userID string, anchor time.Time,
	cycle golicense.Cycle, now time.Time) (*golicense.CreditAccount, bool, error) {
	snap, err := tx.Get(s.client.Collection(s.accountsCollection).Doc(userID))
	if err != nil && status.Code(err) != codes.NotFound {
		return nil, false, err
	}
	if err == nil && snap.Exists() {
		return accountFromData(userID, snap.Data()), true, nil
	}
	return golicense.NewCreditAccount(userID, anchor.UTC(), cycle, now), false, nil
}

func (s *Storage) saveAccount(tx *firestore.Transaction, acct *golicense.CreditAccount) error {
	return tx.Set(s.client.Collection(s.accountsCollection).Doc(acct.UserID), map[string]interface{}{
		"anchor":     acct.Anchor,
		"cycleStart": acct.CycleStart,
		"resetDate":  acct.ResetDate,
		"used":       acct.Used,
		"updatedAt":  acct.UpdatedAt,
	})
}

// ResetCredits implements golicense.Storage
func (s *Storage) ResetCredits(ctx context.Context, userID string, anchor time.Time,
	cycle golicense.Cycle) (*golicense.CreditAccount, error) {
	var acct *golicense.CreditAccount
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := time.Now().UTC()
		var (
			exists bool
			err    error
		)
		acct, exists, err = s.loadAccount(tx, userID, anchor, cycle, now)
		if err != nil {
			return err
		}
		if golicense.RollCycle(acct, cycle) || !exists {
			acct.UpdatedAt = now
			return s.saveAccount(tx, acct)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reset credits: %w", err)
	}
	return acct, nil
}

// ConsumeCredits implements golicense.Storage with transaction-safe consumption
func (s *Storage) ConsumeCredits(ctx context.Context, req *golicense.ConsumeRequest) (*golicense.CreditAccount, error) {
	if req.Amount < 0 {
		return nil, golicense.ErrInvalidAmount
	}

	var (
		acct         *golicense.CreditAccount
		insufficient *golicense.InsufficientCreditsError
	)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		insufficient = nil
		now := req.Now.UTC()

		var (
			exists bool
			err    error
		)
		acct, exists, err = s.loadAccount(tx, req.UserID, req.Anchor, req.Cycle, now)
		if err != nil {
			return err
		}
		rolled := golicense.RollCycle(acct, req.Cycle)

		if acct.Used+req.Amount > req.Total {
			remaining := req.Total - acct.Used
			if remaining < 0 {
				remaining = 0
			}
			insufficient = &golicense.InsufficientCreditsError{Required: req.Amount, Remaining: remaining}
			if rolled || !exists {
				acct.UpdatedAt = now
				return s.saveAccount(tx, acct)
			}
			return nil
		}

		acct.Used += req.Amount
		acct.UpdatedAt = now
		if err := s.saveAccount(tx, acct); err != nil {
			return err
		}

		if req.ConsumptionID == "" {
			return nil
		}
		record := map[string]interface{}{
			"userId":       req.UserID,
			"action":       string(req.Action),
			"amount":       req.Amount,
			"cycleStart":   acct.CycleStart,
			"newUsed":      acct.Used,
			"refunded":     false,
			"refundReason": "",
			"timestamp":    now,
		}
		if len(req.Metadata) > 0 {
			record["metadata"] = req.Metadata
		}
		return tx.Create(s.client.Collection(s.consumptionsCollection).Doc(req.ConsumptionID), record)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume credits: %w", err)
	}
	if insufficient != nil {
		return acct, insufficient
	}
	return acct, nil
}

// RefundCredits implements golicense.Storage
func (s *Storage) RefundCredits(ctx context.Context, req *golicense.RefundRequest) (*golicense.CreditAccount, error) {
	consumptionDoc := s.client.Collection(s.consumptionsCollection).Doc(req.ConsumptionID)
	accountDoc := s.client.Collection(s.accountsCollection).Doc(req.UserID)

	var acct *golicense.CreditAccount
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		recSnap, err := tx.Get(consumptionDoc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return golicense.ErrConsumptionNotFound
			}
			return err
		}
		rec := recSnap.Data()
		if getString(rec, "userId") != req.UserID {
			return golicense.ErrConsumptionNotFound
		}

		acctSnap, err := tx.Get(accountDoc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return golicense.ErrConsumptionNotFound
			}
			return err
		}
		acct = accountFromData(req.UserID, acctSnap.Data())

		now := req.Now.UTC()
		changed := golicense.RollCycle(acct, req.Cycle)
		if refunded, _ := rec["refunded"].(bool); !refunded {
			if err := tx.Update(consumptionDoc, []firestore.Update{
				{Path: "refunded", Value: true},
				{Path: "refundReason", Value: req.Reason},
			}); err != nil {
				return err
			}
			if getTime(rec, "cycleStart").Equal(acct.CycleStart) {
				acct.Used -= getInt(rec, "amount")
				if acct.Used < 0 {
					acct.Used = 0
				}
				changed = true
			}
		}
		if changed {
			acct.UpdatedAt = now
			return s.saveAccount(tx, acct)
		}
		return nil
	})
	if errors.Is(err, golicense.ErrConsumptionNotFound) {
		return nil, golicense.ErrConsumptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to refund credits: %w", err)
	}
	return acct, nil
}

// GetConsumptionRecord implements golicense.Storage
func (s *Storage) GetConsumptionRecord(ctx context.Context,
	consumptionID string) (*golicense.ConsumptionRecord, error) {
	if consumptionID == "" {
		return nil, nil
	}

	snap, err := s.client.Collection(s.consumptionsCollection).Doc(consumptionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No record found is not an error
		}
		return nil, fmt.Errorf("failed to get consumption record: %w", err)
	}

	data := snap.Data()
	record := &golicense.ConsumptionRecord{
		ConsumptionID: consumptionID,
		UserID:        getString(data, "userId"),
		Action:        golicense.ActionType(getString(data, "action")),
		Amount:        getInt(data, "amount"),
		CycleStart:    getTime(data, "cycleStart"),
		NewUsed:       getInt(data, "newUsed"),
		RefundReason:  getString(data, "refundReason"),
		Timestamp:     getTime(data, "timestamp"),
	}
	record.Refunded, _ = data["refunded"].(bool)
	if md, ok := data["metadata"].(map[string]interface{}); ok {
		record.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			if str, ok := v.(string); ok {
				record.Metadata[k] = str
			}
		}
	}
	return record, nil
}

// transactionDoc returns the document for an idempotency key
func (s *Storage) transactionDoc(transactionID string, typ golicense.TransactionType) *firestore.DocumentRef {
	return s.client.Collection(s.transactionsCollection).Doc(docID(golicense.TransactionKey(transactionID, typ)))
}

// docID makes an arbitrary string usable as a document id
func docID(raw string) string {
	return strings.ReplaceAll(raw, "/", "_")
}

func userFromData(id string, data map[string]interface{}) *golicense.User {
	return &golicense.User{
		ID:        id,
		Email:     getString(data, "email"),
		Name:      getString(data, "name"),
		CreatedAt: getTime(data, "createdAt"),
	}
}

func licenseData(lic *golicense.UserLicense) map[string]interface{} {
	data := map[string]interface{}{
		"userId":              lic.UserID,
		"productId":           string(lic.ProductID),
		"licenseKey":          lic.LicenseKey,
		"status":              string(lic.Status),
		"purchaseAmountCents": lic.PurchaseAmountCents,
		"purchaseDate":        lic.PurchaseDate,
		"transactionId":       lic.TransactionID,
		"providerProductId":   lic.ProviderProductID,
		"updatedAt":           lic.UpdatedAt,
	}
	if lic.CreditsTotal != nil {
		data["creditsTotal"] = *lic.CreditsTotal
	}
	return data
}

func licenseFromData(id string, data map[string]interface{}) *golicense.UserLicense {
	lic := &golicense.UserLicense{
		ID:                  id,
		UserID:              getString(data, "userId"),
		ProductID:           golicense.ProductID(getString(data, "productId")),
		LicenseKey:          getString(data, "licenseKey"),
		Status:              golicense.LicenseStatus(getString(data, "status")),
		PurchaseAmountCents: int64(getInt(data, "purchaseAmountCents")),
		PurchaseDate:        getTime(data, "purchaseDate"),
		TransactionID:       getString(data, "transactionId"),
		ProviderProductID:   getString(data, "providerProductId"),
		UpdatedAt:           getTime(data, "updatedAt"),
	}
	if _, ok := data["creditsTotal"]; ok && data["creditsTotal"] != nil {
		credits := getInt(data, "creditsTotal")
		lic.CreditsTotal = &credits
	}
	return lic
}

func transactionData(txn *golicense.Transaction) map[string]interface{} {
	return map[string]interface{}{
		"transactionId":     txn.TransactionID,
		"type":              string(txn.Type),
		"provider":          txn.Provider,
		"providerProductId": txn.ProviderProductID,
		"customerEmail":     txn.CustomerEmail,
		"customerName":      txn.CustomerName,
		"amountCents":       txn.AmountCents,
		"verified":          txn.Verified,
		"processed":         txn.Processed,
		"processingError":   txn.ProcessingError,
		"userId":            txn.UserID,
		"licenseId":         txn.LicenseID,
		"rawPayload":        txn.RawPayload,
		"createdAt":         txn.CreatedAt,
		"updatedAt":         txn.UpdatedAt,
	}
}

func transactionFromData(data map[string]interface{}) *golicense.Transaction {
	txn := &golicense.Transaction{
		TransactionID:     getString(data, "transactionId"),
		Type:              golicense.TransactionType(getString(data, "type")),
		Provider:          getString(data, "provider"),
		ProviderProductID: getString(data, "providerProductId"),
		CustomerEmail:     getString(data, "customerEmail"),
		CustomerName:      getString(data, "customerName"),
		AmountCents:       int64(getInt(data, "amountCents")),
		ProcessingError:   getString(data, "processingError"),
		UserID:            getString(data, "userId"),
		LicenseID:         getString(data, "licenseId"),
		CreatedAt:         getTime(data, "createdAt"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
	txn.Verified, _ = data["verified"].(bool)
	txn.Processed, _ = data["processed"].(bool)
	txn.RawPayload, _ = data["rawPayload"].([]byte)
	return txn
}

func accountFromData(userID string, data map[string]interface{}) *golicense.CreditAccount {
	return &golicense.CreditAccount{
		UserID:     userID,
		Anchor:     getTime(data, "anchor"),
		CycleStart: getTime(data, "cycleStart"),
		ResetDate:  getTime(data, "resetDate"),
		Used:       getInt(data, "used"),
		UpdatedAt:  getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
