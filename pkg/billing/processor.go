package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/golicense/pkg/golicense"
)

// Processor applies normalized purchase notifications to license state.
// Each (TransactionID, Type) pair changes state at most once; the atomic
// claim in storage is what makes provider retries safe.
type Processor struct {
	manager   *golicense.Manager
	storage   golicense.Storage
	catalog   *golicense.Catalog
	mapping   map[string]golicense.ProductID
	metrics   Metrics
	logger    golicense.Logger
	onApplied ApplyCallback
}

// NewProcessor creates a processor writing through config.Manager's storage
func NewProcessor(config Config) (*Processor, error) {
	if config.Manager == nil {
		return nil, fmt.Errorf("%w: manager is required", ErrProviderNotConfigured)
	}

	catalog := config.Manager.Catalog()
	mapping := make(map[string]golicense.ProductID, len(config.ProductMapping))
	for providerID, productID := range config.ProductMapping {
		if !catalog.Has(productID) {
			return nil, fmt.Errorf("product mapping %q: %w %q", providerID, golicense.ErrUnknownProduct, productID)
		}
		mapping[normalizeProductKey(providerID)] = productID
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &golicense.NoopLogger{}
	}

	return &Processor{
		manager:   config.Manager,
		storage:   config.Manager.Storage(),
		catalog:   catalog,
		mapping:   mapping,
		metrics:   metrics,
		logger:    logger,
		onApplied: config.OnApplied,
	}, nil
}

// ResolveProduct maps a provider product id to a catalog product. Mapped ids
// win over catalog ids of the same spelling.
func (p *Processor) ResolveProduct(providerProductID string) (*golicense.Product, error) {
	key := normalizeProductKey(providerProductID)
	if key == "" {
		return nil, fmt.Errorf("%w: empty product id", ErrProductNotMapped)
	}
	if id, ok := p.mapping[key]; ok {
		return p.catalog.Lookup(id)
	}
	if product, err := p.catalog.Lookup(golicense.ProductID(key)); err == nil {
		return product, nil
	}
	return nil, fmt.Errorf("%w: %w %q", ErrProductNotMapped, golicense.ErrUnknownProduct, providerProductID)
}

// ApplyTransaction claims and applies one notification.
//
// An unverified notification is recorded and reported as
// StatusVerificationFailed with a nil error. A notification whose key was
// already processed is StatusDuplicate. Apply failures are stored as the
// record's processing error, leave it unprocessed, and are returned so the
// delivery can be retried.
func (p *Processor) ApplyTransaction(ctx context.Context, ev *Event) (*ProcessResult, error) {
	if ev == nil || strings.TrimSpace(ev.TransactionID) == "" || ev.Type == "" {
		return &ProcessResult{Status: StatusFailed},
			fmt.Errorf("%w: missing transaction id or type", ErrInvalidWebhookPayload)
	}

	start := time.Now()
	result := &ProcessResult{TransactionID: ev.TransactionID, Type: ev.Type}
	defer func() {
		p.metrics.RecordWebhookEvent(ev.Provider, string(ev.Type), string(result.Status))
		p.metrics.RecordWebhookProcessingDuration(ev.Provider, string(ev.Type), time.Since(start))
	}()

	now := p.manager.Now().UTC()
	record := &golicense.Transaction{
		TransactionID:     ev.TransactionID,
		Type:              ev.Type,
		Provider:          ev.Provider,
		ProviderProductID: ev.ProviderProductID,
		CustomerEmail:     golicense.NormalizeEmail(ev.CustomerEmail),
		CustomerName:      ev.CustomerName,
		AmountCents:       ev.AmountCents,
		Verified:          ev.Verified,
		RawPayload:        ev.RawPayload,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	stored, claimed, err := p.storage.ClaimTransaction(ctx, record)
	if err != nil {
		result.Status = StatusFailed
		p.metrics.RecordWebhookError(ev.Provider, "storage_error")
		return result, fmt.Errorf("claim transaction: %w", err)
	}

	if !claimed {
		switch {
		case stored.Processed:
			result.Status = StatusDuplicate
			result.UserID = stored.UserID
			result.LicenseID = stored.LicenseID
			p.logger.Debug("duplicate transaction ignored",
				golicense.Field{Key: "provider", Value: ev.Provider},
				golicense.Field{Key: "transaction_id", Value: ev.TransactionID},
				golicense.Field{Key: "type", Value: string(ev.Type)},
			)
			return result, nil
		case !ev.Verified:
			return p.rejectUnverified(ev, result), nil
		}
		// A verified redelivery retries a failed apply or supersedes an
		// unverified record with the same key.
		record.CreatedAt = stored.CreatedAt
	} else if !ev.Verified {
		return p.rejectUnverified(ev, result), nil
	}

	if err := p.apply(ctx, ev, result); err != nil {
		record.Processed = false
		record.ProcessingError = err.Error()
		record.UserID = result.UserID
		record.LicenseID = result.LicenseID
		record.UpdatedAt = p.manager.Now().UTC()
		if uerr := p.storage.UpdateTransaction(ctx, record); uerr != nil {
			p.logger.Error("failed to record processing error",
				golicense.Field{Key: "transaction_id", Value: ev.TransactionID},
				golicense.Field{Key: "error", Value: uerr},
			)
		}
		if result.UserID != "" {
			p.manager.InvalidateUser(result.UserID)
		}

		result.Status = StatusFailed
		p.metrics.RecordWebhookError(ev.Provider, "processing_error")
		p.logger.Error("transaction processing failed",
			golicense.Field{Key: "provider", Value: ev.Provider},
			golicense.Field{Key: "transaction_id", Value: ev.TransactionID},
			golicense.Field{Key: "type", Value: string(ev.Type)},
			golicense.Field{Key: "product_id", Value: ev.ProviderProductID},
			golicense.Field{Key: "error", Value: err},
		)
		return result, err
	}

	record.Processed = true
	record.ProcessingError = ""
	record.UserID = result.UserID
	record.LicenseID = result.LicenseID
	record.UpdatedAt = p.manager.Now().UTC()
	p.manager.InvalidateUser(result.UserID)
	if err := p.storage.UpdateTransaction(ctx, record); err != nil {
		// License state already changed; a redelivery re-applies idempotently.
		result.Status = StatusFailed
		p.metrics.RecordWebhookError(ev.Provider, "storage_error")
		return result, fmt.Errorf("mark transaction processed: %w", err)
	}

	result.Status = StatusApplied
	if p.onApplied != nil {
		if err := p.onApplied(ctx, ev, result); err != nil {
			p.logger.Warn("apply callback failed",
				golicense.Field{Key: "transaction_id", Value: ev.TransactionID},
				golicense.Field{Key: "error", Value: err},
			)
		}
	}
	return result, nil
}

func (p *Processor) rejectUnverified(ev *Event, result *ProcessResult) *ProcessResult {
	result.Status = StatusVerificationFailed
	p.metrics.RecordWebhookError(ev.Provider, "invalid_signature")
	p.logger.Warn("transaction verification failed",
		golicense.Field{Key: "provider", Value: ev.Provider},
		golicense.Field{Key: "transaction_id", Value: ev.TransactionID},
		golicense.Field{Key: "type", Value: string(ev.Type)},
	)
	return result
}

func (p *Processor) apply(ctx context.Context, ev *Event, result *ProcessResult) error {
	switch ev.Type {
	case golicense.TxnSale, golicense.TxnRebill:
		return p.grant(ctx, ev, result)
	case golicense.TxnRefund, golicense.TxnChargeback, golicense.TxnCancel, golicense.TxnUncancel:
		return p.changeStatus(ctx, ev, result)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedTransactionType, ev.Type)
	}
}

func (p *Processor) grant(ctx context.Context, ev *Event, result *ProcessResult) error {
	product, err := p.ResolveProduct(ev.ProviderProductID)
	if err != nil {
		return err
	}
	result.ProductID = product.ID

	email := golicense.NormalizeEmail(ev.CustomerEmail)
	if email == "" {
		return fmt.Errorf("%w: missing customer email", ErrInvalidWebhookPayload)
	}
	user, created, err := p.storage.GetOrCreateUser(ctx, email, ev.CustomerName)
	if err != nil {
		return fmt.Errorf("get or create user: %w", err)
	}
	result.UserID = user.ID
	if created {
		p.logger.Info("user created from purchase",
			golicense.Field{Key: "user_id", Value: user.ID},
			golicense.Field{Key: "provider", Value: ev.Provider},
		)
	}

	if ev.Type == golicense.TxnRebill {
		renewed, err := p.renew(ctx, user.ID, product.ID, result)
		if err != nil || renewed {
			return err
		}
	}

	purchased := ev.OccurredAt
	if purchased.IsZero() {
		purchased = p.manager.Now()
	}
	lic, err := golicense.NewUserLicense(product, user.ID, ev.TransactionID, ev.AmountCents, purchased)
	if err != nil {
		return fmt.Errorf("new license: %w", err)
	}
	lic.ProviderProductID = ev.ProviderProductID

	stored, err := p.storage.CreateLicense(ctx, lic)
	switch {
	case errors.Is(err, golicense.ErrLicenseExists):
		p.logger.Debug("license already granted for transaction",
			golicense.Field{Key: "transaction_id", Value: ev.TransactionID},
			golicense.Field{Key: "license_id", Value: stored.ID},
		)
	case err != nil:
		return fmt.Errorf("create license: %w", err)
	default:
		p.metrics.RecordLicenseGrant(ev.Provider, string(product.ID))
		p.logger.Info("license granted",
			golicense.Field{Key: "user_id", Value: user.ID},
			golicense.Field{Key: "product_id", Value: string(product.ID)},
			golicense.Field{Key: "license_key", Value: golicense.MaskLicenseKey(stored.LicenseKey)},
		)
	}

	result.LicenseID = stored.ID
	result.LicenseStatus = stored.Status
	return nil
}

// renew keeps an existing license alive on a rebill instead of granting a
// second one. Refunded and charged back licenses are not revived.
func (p *Processor) renew(ctx context.Context, userID string, productID golicense.ProductID,
	result *ProcessResult) (bool, error) {
	existing, err := p.storage.FindLicenseByProduct(ctx, userID, productID)
	if errors.Is(err, golicense.ErrLicenseNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find license: %w", err)
	}

	switch existing.Status {
	case golicense.StatusActive:
	case golicense.StatusCancelled:
		if err := p.storage.UpdateLicenseStatus(ctx, existing.ID, golicense.StatusActive); err != nil {
			return false, fmt.Errorf("update license status: %w", err)
		}
	default:
		return false, nil
	}

	result.LicenseID = existing.ID
	result.LicenseStatus = golicense.StatusActive
	return true, nil
}

func (p *Processor) changeStatus(ctx context.Context, ev *Event, result *ProcessResult) error {
	lic, err := p.locateLicense(ctx, ev)
	if err != nil {
		return err
	}
	result.UserID = lic.UserID
	result.LicenseID = lic.ID
	result.ProductID = lic.ProductID

	target := targetStatus(ev.Type, lic.Status)
	result.LicenseStatus = target
	if target == lic.Status {
		return nil
	}
	if err := p.storage.UpdateLicenseStatus(ctx, lic.ID, target); err != nil {
		return fmt.Errorf("update license status: %w", err)
	}

	if target != golicense.StatusActive {
		p.metrics.RecordLicenseRevocation(ev.Provider, string(lic.ProductID), string(target))
	}
	p.logger.Info("license status changed",
		golicense.Field{Key: "user_id", Value: lic.UserID},
		golicense.Field{Key: "license_id", Value: lic.ID},
		golicense.Field{Key: "from", Value: string(lic.Status)},
		golicense.Field{Key: "to", Value: string(target)},
	)
	return nil
}

// locateLicense finds the license a reversal applies to: by the granting
// transaction first, then by product and customer email.
func (p *Processor) locateLicense(ctx context.Context, ev *Event) (*golicense.UserLicense, error) {
	lic, err := p.storage.GetLicenseByTransaction(ctx, ev.TransactionID)
	if err == nil {
		return lic, nil
	}
	if !errors.Is(err, golicense.ErrLicenseNotFound) {
		return nil, fmt.Errorf("get license by transaction: %w", err)
	}

	email := golicense.NormalizeEmail(ev.CustomerEmail)
	if email == "" || ev.ProviderProductID == "" {
		return nil, fmt.Errorf("%w: transaction %s", ErrOriginalLicenseNotFound, ev.TransactionID)
	}
	product, err := p.ResolveProduct(ev.ProviderProductID)
	if err != nil {
		return nil, err
	}
	user, err := p.storage.FindUserByEmail(ctx, email)
	if errors.Is(err, golicense.ErrUserNotFound) {
		return nil, fmt.Errorf("%w: no user for transaction %s", ErrOriginalLicenseNotFound, ev.TransactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	lic, err = p.storage.FindLicenseByProduct(ctx, user.ID, product.ID)
	if errors.Is(err, golicense.ErrLicenseNotFound) {
		return nil, fmt.Errorf("%w: transaction %s", ErrOriginalLicenseNotFound, ev.TransactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("find license: %w", err)
	}
	return lic, nil
}

// targetStatus is the license status a reversal leads to. A chargeback
// overrides a refund; cancel and uncancel only toggle between active and
// cancelled.
func targetStatus(typ golicense.TransactionType, current golicense.LicenseStatus) golicense.LicenseStatus {
	switch typ {
	case golicense.TxnRefund:
		if current == golicense.StatusChargeback {
			return current
		}
		return golicense.StatusRefunded
	case golicense.TxnChargeback:
		return golicense.StatusChargeback
	case golicense.TxnCancel:
		if current == golicense.StatusActive {
			return golicense.StatusCancelled
		}
	case golicense.TxnUncancel:
		if current == golicense.StatusCancelled {
			return golicense.StatusActive
		}
	}
	return current
}

func normalizeProductKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
