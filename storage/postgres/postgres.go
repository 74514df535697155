// Package postgres provides a PostgreSQL implementation of the golicense.Storage interface.
// Credit consumption and refunds run in SQL transactions with SELECT FOR UPDATE;
// uniqueness of users, licenses and purchase transactions is enforced by constraints.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/golicense/pkg/golicense"
)

//go:embed schema.sql
var schema string

const (
	// uniqueViolation is the SQLSTATE of a unique constraint failure
	uniqueViolation = "23505"

	// txnProductConstraint keeps one license per transaction and product
	txnProductConstraint = "user_licenses_txn_product_idx"
)

// Storage implements golicense.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	RecordTTL       time.Duration // Retention of consumption records
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		// Consumptions can only be refunded inside their cycle; two cycles
		// of history is enough for support.
		RecordTTL: 62 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.RecordTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the tables and indexes used by the storage. It is safe to
// run repeatedly.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetOrCreateUser implements golicense.Storage
func (s *Storage) GetOrCreateUser(ctx context.Context, email, name string) (*golicense.User, bool, error) {
	normalized := golicense.NormalizeEmail(email)
	if normalized == "" {
		return nil, false, fmt.Errorf("invalid email")
	}

	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, name, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (email) DO NOTHING
			RETURNING id`,
		uuid.NewString(), normalized, name, time.Now().UTC()).Scan(&id)
	created := true
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}

	u, err := s.FindUserByEmail(ctx, normalized)
	if err != nil {
		return nil, false, err
	}
	return u, created, nil
}

// FindUserByEmail implements golicense.Storage
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*golicense.User, error) {
	return s.getUser(ctx, `WHERE email = $1`, golicense.NormalizeEmail(email))
}

// GetUser implements golicense.Storage
func (s *Storage) GetUser(ctx context.Context, userID string) (*golicense.User, error) {
	return s.getUser(ctx, `WHERE id = $1`, userID)
}

func (s *Storage) getUser(ctx context.Context, where string, arg string) (*golicense.User, error) {
	var u golicense.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, created_at FROM users `+where, arg).
		Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, golicense.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

const licenseColumns = `id, user_id, product_id, license_key, status, purchase_amount_cents,
	purchase_date, credits_total, transaction_id, provider_product_id, updated_at`

func scanLicense(row pgx.Row) (*golicense.UserLicense, error) {
	var (
		lic     golicense.UserLicense
		product string
		status  string
	)
	err := row.Scan(&lic.ID, &lic.UserID, &product, &lic.LicenseKey, &status, &lic.PurchaseAmountCents,
		&lic.PurchaseDate, &lic.CreditsTotal, &lic.TransactionID, &lic.ProviderProductID, &lic.UpdatedAt)
	if err != nil {
		return nil, err
	}
	lic.ProductID = golicense.ProductID(product)
	lic.Status = golicense.LicenseStatus(status)
	lic.PurchaseDate = lic.PurchaseDate.UTC()
	lic.UpdatedAt = lic.UpdatedAt.UTC()
	return &lic, nil
}

// ListLicenses implements golicense.Storage
func (s *Storage) ListLicenses(ctx context.Context, userID string) ([]*golicense.UserLicense, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+licenseColumns+` FROM user_licenses
			WHERE user_id = $1
			ORDER BY purchase_date, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	defer rows.Close()

	out := []*golicense.UserLicense{}
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		out = append(out, lic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	return out, nil
}

// CreateLicense implements golicense.Storage
func (s *Storage) CreateLicense(ctx context.Context, lic *golicense.UserLicense) (*golicense.UserLicense, error) {
	if lic == nil || lic.UserID == "" || lic.ProductID == "" {
		return nil, fmt.Errorf("invalid license")
	}

	id := lic.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := lic.Status
	if status == "" {
		status = golicense.StatusActive
	}

	stored, err := scanLicense(s.pool.QueryRow(ctx,
		`INSERT INTO user_licenses (`+licenseColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING `+licenseColumns,
		id, lic.UserID, string(lic.ProductID), lic.LicenseKey, string(status), lic.PurchaseAmountCents,
		lic.PurchaseDate.UTC(), lic.CreditsTotal, lic.TransactionID, lic.ProviderProductID, time.Now().UTC()))
	if err == nil {
		return stored, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil, fmt.Errorf("failed to create license: %w", err)
	}
	if pgErr.ConstraintName != txnProductConstraint {
		return nil, fmt.Errorf("license key collision: %s", pgErr.ConstraintName)
	}

	existing, err := scanLicense(s.pool.QueryRow(ctx,
		`SELECT `+licenseColumns+` FROM user_licenses
			WHERE transaction_id = $1 AND product_id = $2`,
		lic.TransactionID, string(lic.ProductID)))
	if err != nil {
		return nil, fmt.Errorf("failed to load existing license: %w", err)
	}
	return existing, golicense.ErrLicenseExists
}

// GetLicenseByTransaction implements golicense.Storage
func (s *Storage) GetLicenseByTransaction(ctx context.Context, transactionID string) (*golicense.UserLicense, error) {
	lic, err := scanLicense(s.pool.QueryRow(ctx,
		`SELECT `+licenseColumns+` FROM user_licenses
			WHERE transaction_id = $1
			ORDER BY purchase_date, id
			LIMIT 1`,
		transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, golicense.ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license: %w", err)
	}
	return lic, nil
}

// FindLicenseByProduct implements golicense.Storage
func (s *Storage) FindLicenseByProduct(ctx context.Context, userID string,
	productID golicense.ProductID) (*golicense.UserLicense, error) {
	lic, err := scanLicense(s.pool.QueryRow(ctx,
		`SELECT `+licenseColumns+` FROM user_licenses
			WHERE user_id = $1 AND product_id = $2
			ORDER BY purchase_date DESC, id DESC
			LIMIT 1`,
		userID, string(productID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, golicense.ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find license: %w", err)
	}
	return lic, nil
}

// UpdateLicenseStatus implements golicense.Storage
func (s *Storage) UpdateLicenseStatus(ctx context.Context, licenseID string, status golicense.LicenseStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_licenses SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), licenseID)
	if err != nil {
		return fmt.Errorf("failed to update license status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return golicense.ErrLicenseNotFound
	}
	return nil
}

const transactionColumns = `transaction_id, type, provider, provider_product_id, customer_email,
	customer_name, amount_cents, verified, processed, processing_error, user_id, license_id,
	raw_payload, created_at, updated_at`

func scanTransaction(row pgx.Row) (*golicense.Transaction, error) {
	var (
		txn golicense.Transaction
		typ string
	)
	err := row.Scan(&txn.TransactionID, &typ, &txn.Provider, &txn.ProviderProductID, &txn.CustomerEmail,
		&txn.CustomerName, &txn.AmountCents, &txn.Verified, &txn.Processed, &txn.ProcessingError,
		&txn.UserID, &txn.LicenseID, &txn.RawPayload, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	txn.Type = golicense.TransactionType(typ)
	txn.CreatedAt = txn.CreatedAt.UTC()
	txn.UpdatedAt = txn.UpdatedAt.UTC()
	return &txn, nil
}

// ClaimTransaction implements golicense.Storage. The primary key on
// (transaction_id, type) makes the claim atomic.
func (s *Storage) ClaimTransaction(ctx context.Context,
	txn *golicense.Transaction) (*golicense.Transaction, bool, error) {
	if txn == nil || txn.TransactionID == "" {
		return nil, false, fmt.Errorf("invalid transaction")
	}

	now := time.Now().UTC()
	created := txn.CreatedAt
	if created.IsZero() {
		created = now
	}

	stored, err := scanTransaction(s.pool.QueryRow(ctx,
		`INSERT INTO purchase_transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (transaction_id, type) DO NOTHING
			RETURNING `+transactionColumns,
		txn.TransactionID, string(txn.Type), txn.Provider, txn.ProviderProductID, txn.CustomerEmail,
		txn.CustomerName, txn.AmountCents, txn.Verified, txn.Processed, txn.ProcessingError,
		txn.UserID, txn.LicenseID, txn.RawPayload, created, now))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE purchase_transactions SET
				provider = $3, provider_product_id = $4, customer_email = $5, customer_name = $6,
				amount_cents = $7, verified = $8, processed = $9, processing_error = $10,
				user_id = $11, license_id = $12, raw_payload = COALESCE($13, raw_payload), updated_at = $14
			WHERE transaction_id = $1 AND type = $2`,
		txn.TransactionID, string(txn.Type), txn.Provider, txn.ProviderProductID, txn.CustomerEmail,
		txn.CustomerName, txn.AmountCents, txn.Verified, txn.Processed, txn.ProcessingError,
		txn.UserID, txn.LicenseID, txn.RawPayload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return golicense.ErrTransactionNotFound
	}
	return nil
}

// GetTransaction implements golicense.Storage
func (s *Storage) GetTransaction(ctx context.Context, transactionID string,
	typ golicense.TransactionType) (*golicense.Transaction, error) {
	txn, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM purchase_transactions
			WHERE transaction_id = $1 AND type = $2`,
		transactionID, string(typ)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, golicense.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

const accountColumns = `user_id, anchor, cycle_start, reset_date, used, updated_at`

func scanAccount(row pgx.Row) (*golicense.CreditAccount, error) {
	var acct golicense.CreditAccount
	if err := row.Scan(&acct.UserID, &acct.Anchor, &acct.CycleStart, &acct.ResetDate,
		&acct.Used, &acct.UpdatedAt); err != nil {
		return nil, err
	}
	acct.Anchor = acct.Anchor.UTC()
	acct.CycleStart = acct.CycleStart.UTC()
	acct.ResetDate = acct.ResetDate.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return &acct, nil
}

// GetCreditAccount implements golicense.Storage
func (s *Storage) GetCreditAccount(ctx context.Context, userID string) (*golicense.CreditAccount, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No account yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit account: %w", err)
	}
	return acct, nil
}

// lockAccount ensures the account row exists and locks it for the rest of tx
func lockAccount(ctx context.Context, tx pgx.Tx, userID string, anchor time.Time,
	cycle golicense.Cycle) (*golicense.CreditAccount, error) {
	fresh := golicense.NewCreditAccount(userID, anchor, cycle, time.Now().UTC())

	// Upsert first so the row lock below always has a row to take
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_accounts (`+accountColumns+`)
			VALUES ($1, $2, $3, $4, 0, $5)
			ON CONFLICT (user_id) DO NOTHING`,
		fresh.UserID, fresh.Anchor, fresh.CycleStart, fresh.ResetDate, fresh.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure credit account exists: %w", err)
	}

	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get credit account for update: %w", err)
	}
	return acct, nil
}

func saveAccount(ctx context.Context, tx pgx.Tx, acct *golicense.CreditAccount) error {
	_, err := tx.Exec(ctx,
		`UPDATE credit_accounts SET cycle_start = $2, reset_date = $3, used = $4, updated_at = $5
			WHERE user_id = $1`,
		acct.UserID, acct.CycleStart, acct.ResetDate, acct.Used, acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update credit account: %w", err)
	}
	return nil
}

// ResetCredits implements golicense.Storage
func (s *Storage) ResetCredits(ctx context.Context, userID string, anchor time.Time,
	cycle golicense.Cycle) (*golicense.CreditAccount, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	acct, err := lockAccount(ctx, tx, userID, anchor, cycle)
	if err != nil {
		return nil, err
	}
	if golicense.RollCycle(acct, cycle) {
		acct.UpdatedAt = time.Now().UTC()
		if err := saveAccount(ctx, tx, acct); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return acct, nil
}

// ConsumeCredits implements golicense.Storage with atomic consumption via transaction
func (s *Storage) ConsumeCredits(ctx context.Context, req *golicense.ConsumeRequest) (*golicense.CreditAccount, error) {
	if req.Amount < 0 {
		return nil, golicense.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	acct, err := lockAccount(ctx, tx, req.UserID, req.Anchor, req.Cycle)
	if err != nil {
		return nil, err
	}
	rolled := golicense.RollCycle(acct, req.Cycle)

	if acct.Used+req.Amount > req.Total {
		remaining := req.Total - acct.Used
		if remaining < 0 {
			remaining = 0
		}
		if rolled {
			// Keep the reset even though the debit is refused
			acct.UpdatedAt = req.Now.UTC()
			if err := saveAccount(ctx, tx, acct); err != nil {
				return nil, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("failed to commit: %w", err)
			}
		}
		return acct, &golicense.InsufficientCreditsError{Required: req.Amount, Remaining: remaining}
	}

	acct.Used += req.Amount
	acct.UpdatedAt = req.Now.UTC()
	if err := saveAccount(ctx, tx, acct); err != nil {
		return nil, err
	}

	if req.ConsumptionID != "" {
		var metadataJSON []byte
		if len(req.Metadata) > 0 {
			metadataJSON, err = json.Marshal(req.Metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to encode metadata: %w", err)
			}
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO credit_consumptions
				(consumption_id, user_id, action, amount, cycle_start, new_used, metadata, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			req.ConsumptionID, req.UserID, string(req.Action), req.Amount, acct.CycleStart,
			acct.Used, metadataJSON, req.Now.UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to record consumption: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return acct, nil
}

// RefundCredits implements golicense.Storage
func (s *Storage) RefundCredits(ctx context.Context, req *golicense.RefundRequest) (*golicense.CreditAccount, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var (
		amount     int
		cycleStart time.Time
		refunded   bool
	)
	err = tx.QueryRow(ctx,
		`SELECT amount, cycle_start, refunded FROM credit_consumptions
			WHERE consumption_id = $1 AND user_id = $2
			FOR UPDATE`,
		req.ConsumptionID, req.UserID).Scan(&amount, &cycleStart, &refunded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, golicense.ErrConsumptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consumption for update: %w", err)
	}

	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1 FOR UPDATE`, req.UserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, golicense.ErrConsumptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit account for update: %w", err)
	}

	changed := golicense.RollCycle(acct, req.Cycle)
	if !refunded {
		_, err = tx.Exec(ctx,
			`UPDATE credit_consumptions SET refunded = TRUE, refund_reason = $2 WHERE consumption_id = $1`,
			req.ConsumptionID, req.Reason)
		if err != nil {
			return nil, fmt.Errorf("failed to mark consumption refunded: %w", err)
		}
		if cycleStart.Equal(acct.CycleStart) {
			acct.Used -= amount
			if acct.Used < 0 {
				acct.Used = 0
			}
			changed = true
		}
	}
	if changed {
		acct.UpdatedAt = req.Now.UTC()
		if err := saveAccount(ctx, tx, acct); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return acct, nil
}

// GetConsumptionRecord implements golicense.Storage
func (s *Storage) GetConsumptionRecord(ctx context.Context,
	consumptionID string) (*golicense.ConsumptionRecord, error) {
	if consumptionID == "" {
		return nil, nil
	}

	var (
		record       golicense.ConsumptionRecord
		action       string
		metadataJSON []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT consumption_id, user_id, action, amount, cycle_start, new_used,
				refunded, refund_reason, metadata, created_at
			FROM credit_consumptions
			WHERE consumption_id = $1`,
		consumptionID).Scan(
		&record.ConsumptionID,
		&record.UserID,
		&action,
		&record.Amount,
		&record.CycleStart,
		&record.NewUsed,
		&record.Refunded,
		&record.RefundReason,
		&metadataJSON,
		&record.Timestamp,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No record found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consumption record: %w", err)
	}

	record.Action = golicense.ActionType(action)
	record.CycleStart = record.CycleStart.UTC()
	record.Timestamp = record.Timestamp.UTC()
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
			// Metadata parsing error is not critical
			record.Metadata = nil
		}
	}
	return &record, nil
}

// startCleanup runs periodic cleanup of expired records until Close
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // retried on the next tick
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes consumption records older than RecordTTL. Refunds of
// deleted records report golicense.ErrConsumptionNotFound.
func (s *Storage) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.RecordTTL)
	if _, err := s.pool.Exec(ctx, `DELETE FROM credit_consumptions WHERE created_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup consumption records: %w", err)
	}
	return nil
}
