package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/golicense/pkg/billing"
	"github.com/mihaimyh/golicense/pkg/golicense"
	"github.com/mihaimyh/golicense/storage/memory"
)

var testNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

type recordingMetrics struct {
	billing.NoopMetrics
	mu          sync.Mutex
	events      []string
	grants      []string
	revocations []string
}

func (m *recordingMetrics) RecordWebhookEvent(_, eventType, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType+":"+status)
}

func (m *recordingMetrics) RecordLicenseGrant(_, productID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants = append(m.grants, productID)
}

func (m *recordingMetrics) RecordLicenseRevocation(_, productID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revocations = append(m.revocations, productID+":"+status)
}

type fixture struct {
	storage   *memory.Storage
	manager   *golicense.Manager
	processor *billing.Processor
	metrics   *recordingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage := memory.New()
	manager, err := golicense.NewManager(storage, &golicense.Config{
		Now:         func() time.Time { return testNow },
		CacheConfig: &golicense.CacheConfig{Enabled: true, EntitlementTTL: time.Hour},
	})
	require.NoError(t, err)

	metrics := &recordingMetrics{}
	processor, err := billing.NewProcessor(billing.Config{
		Manager: manager,
		ProductMapping: map[string]golicense.ProductID{
			"401235": golicense.ProductPro,
			"401230": golicense.ProductFrontend,
		},
		Metrics: metrics,
	})
	require.NoError(t, err)

	return &fixture{storage: storage, manager: manager, processor: processor, metrics: metrics}
}

func saleEvent(txnID, productID string) *billing.Event {
	return &billing.Event{
		Provider:          "jvzoo",
		TransactionID:     txnID,
		Type:              golicense.TxnSale,
		ProviderProductID: productID,
		CustomerEmail:     "Buyer@Example.com",
		CustomerName:      "Bea Buyer",
		AmountCents:       9700,
		Verified:          true,
		RawPayload:        []byte("ctransaction=SALE"),
	}
}

func reversalEvent(txnID string, typ golicense.TransactionType) *billing.Event {
	return &billing.Event{
		Provider:      "jvzoo",
		TransactionID: txnID,
		Type:          typ,
		Verified:      true,
	}
}

func (f *fixture) userLicenses(t *testing.T, email string) (*golicense.User, []*golicense.UserLicense) {
	t.Helper()
	user, err := f.storage.FindUserByEmail(context.Background(), email)
	require.NoError(t, err)
	licenses, err := f.storage.ListLicenses(context.Background(), user.ID)
	require.NoError(t, err)
	return user, licenses
}

func TestProcessor_SaleGrantsLicense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.processor.ApplyTransaction(ctx, saleEvent("RCPT-1", "pro_license"))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusApplied, result.Status)
	assert.Equal(t, golicense.ProductPro, result.ProductID)
	assert.Equal(t, golicense.StatusActive, result.LicenseStatus)

	user, licenses := f.userLicenses(t, "buyer@example.com")
	require.Len(t, licenses, 1)
	assert.Equal(t, golicense.ProductPro, licenses[0].ProductID)
	assert.Equal(t, golicense.StatusActive, licenses[0].Status)
	assert.Equal(t, int64(9700), licenses[0].PurchaseAmountCents)
	assert.Equal(t, "pro_license", licenses[0].ProviderProductID)
	assert.Nil(t, licenses[0].CreditsTotal)

	ent, err := f.manager.Resolve(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, ent.Unlimited)

	txn, err := f.storage.GetTransaction(ctx, "RCPT-1", golicense.TxnSale)
	require.NoError(t, err)
	assert.True(t, txn.Processed)
	assert.True(t, txn.Verified)
	assert.Empty(t, txn.ProcessingError)
	assert.Equal(t, user.ID, txn.UserID)
	assert.Equal(t, result.LicenseID, txn.LicenseID)

	assert.Equal(t, []string{"pro_license"}, f.metrics.grants)
}

func TestProcessor_DuplicateSaleIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.processor.ApplyTransaction(ctx, saleEvent("RCPT-1", "401235"))
	require.NoError(t, err)
	second, err := f.processor.ApplyTransaction(ctx, saleEvent("RCPT-1", "401235"))
	require.NoError(t, err)

	assert.Equal(t, billing.StatusApplied, first.Status)
	assert.Equal(t, billing.StatusDuplicate, second.Status)
	assert.Equal(t, first.LicenseID, second.LicenseID)

	_, licenses := f.userLicenses(t, "buyer@example.com")
	assert.Len(t, licenses, 1)
	assert.Equal(t, []string{"SALE:applied", "SALE:duplicate"}, f.metrics.events)
}

func TestProcessor_ConcurrentDeliveriesGrantOnce(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.processor.ApplyTransaction(context.Background(), saleEvent("RCPT-9", "frontend"))
			assert.NoError(t, err)
			assert.Contains(t, []billing.ProcessStatus{billing.StatusApplied, billing.StatusDuplicate}, result.Status)
		}()
	}
	wg.Wait()

	_, licenses := f.userLicenses(t, "buyer@example.com")
	assert.Len(t, licenses, 1)
}

func TestProcessor_RefundRevokesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.ApplyTransaction(ctx, saleEvent("RCPT-1", "pro_license"))
	require.NoError(t, err)
	user, _ := f.userLicenses(t, "buyer@example.com")

	ent, err := f.manager.Resolve(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, ent.Unlimited)

	result, err := f.processor.ApplyTransaction(ctx, reversalEvent("RCPT-1", golicense.TxnRefund))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusApplied, result.Status)
	assert.Equal(t, golicense.StatusRefunded, result.LicenseStatus)

	_, licenses := f.userLicenses(t, "buyer@example.com")
	require.Len(t, licenses, 1, "refund must not delete the license")
	assert.Equal(t, golicense.StatusRefunded, licenses[0].Status)

	ent, err = f.manager.Resolve(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, ent.Unlimited)
	assert.Empty(t, ent.OwnedProductIDs)
	assert.Equal(t, "Free", ent.DisplayTier)

	assert.Equal(t, []string{"pro_license:refunded"}, f.metrics.revocations)
}

func TestProcessor_RefundRemovesOnlyItsFeatures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.ApplyTransaction(ctx, saleEvent("RCPT-1", "frontend"))
	require.NoError(t, err)
	_, err = f.processor.ApplyTransaction(ctx, saleEvent("RCPT-2", "agency_license"))
	require.NoError(t, err)
	user, _ := f.userLicenses(t, "buyer@example.com")

	ok, err := f.manager.HasFeature(ctx, user.ID, golicense.FlagWhiteLabel)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.processor.ApplyTransaction(ctx, reversalEvent("RCPT-2", golicense.TxnRefund))
	require.NoError(t, err)

	ok, err = f.manager.HasFeature(ctx, user.ID, golicense.FlagWhiteLabel)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.manager.CheckFeature(ctx, user.ID, "ai_models.gemini-pro")
	require.NoError(t, err)
	assert.True(t, ok, "frontend features survive the agency refund")
}

func TestProcessor_ChargebackFallsBackToProductAndEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.ApplyTransaction(ctx, saleEvent("RCPT-1", "401230"))
	require.NoError(t, err)

	ev := reversalEvent("CGBK-77", golicense.TxnChargeback)
	ev.ProviderProductID = "401230"
	ev.CustomerEmail = "BUYER@example.com"
	result, err := f.processor.ApplyTransaction(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusApplied, result.Status)

	_, licenses := f.userLicenses(t, "buyer@example.com")
	require.Len(t, licenses, 1)
	assert.Equal(t, golicense.StatusChargeback, licenses[0].Status)
}

func TestProcessor_RefundWithoutOriginalStaysUnprocessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.processor.ApplyTransaction(ctx, reversalEvent("RCPT-404", golicense.TxnRefund))
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrOriginalLicenseNotFound))
	assert.Equal(t, billing.StatusFailed, result.Status)

	txn, err := f.storage.GetTransaction(ctx, "RCPT-404", golicense.TxnRefund)
	require.NoError(t, err)
	assert.False(t, txn.Processed)
	assert.NotEmpty(t, txn.ProcessingError)
}

func TestProcessor_UnknownProductLeftForReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.processor.ApplyTransaction(ctx, saleEvent("RCPT-1", "999999"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrProductNotMapped))
	assert.True(t, errors.Is(err, golicense.ErrUnknownProduct))
	assert.Equal(t, billing.StatusFailed, result.Status)

	txn, err := f.storage.GetTransaction(ctx, "RCPT-1", golicense.TxnSale)
	require.NoError(t, err)
	assert.False(t, txn.Processed)
	assert.Contains(t, txn.ProcessingError, "999999")

	_, err = f.storage.FindUserByEmail(ctx, "buyer@example.com")
	assert.ErrorIs(t, err, golicense.ErrUserNotFound)
}

func TestProcessor_FailedApplyIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := saleEvent("RCPT-1", "pro_license")
	ev.CustomerEmail = ""
	_, err := f.processor.ApplyTransaction(ctx, ev)
	require.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)

	result, err := f.processor.ApplyTransaction(ctx, saleEvent("RCPT-1", "pro_license"))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusApplied, result.Status)

	txn, err := f.storage.GetTransaction(ctx, "RCPT-1", golicense.TxnSale)
	require.NoError(t, err)
	assert.True(t, txn.Processed)
	assert.Empty(t, txn.ProcessingError)
	assert.Equal(t, "buyer@example.com", txn.CustomerEmail)
}

func TestProcessor_UnverifiedIsRecordedNotApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	forged := saleEvent("RCPT-1", "elite_bundle")
	forged.Verified = false
	result, err := f.processor.ApplyTransaction(ctx, forged)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusVerificationFailed, result.Status)

	txn, err := f.storage.GetTransaction(ctx, "RCPT-1", golicense.TxnSale)
	require.NoError(t, err)
	assert.False(t, txn.Verified)
	assert.False(t, txn.Processed)

	_, err = f.storage.FindUserByEmail(ctx, "buyer@example.com")
	assert.ErrorIs(t, err, golicense.ErrUserNotFound)

	// A forged repeat is still rejected.
	result, err = f.processor.ApplyTransaction(ctx, forged)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusVerificationFailed, result.Status)

	// The genuine delivery supersedes the forged record.
	result, err = f.processor.ApplyTransaction(ctx, saleEvent("RCPT-1", "frontend"))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusApplied, result.Status)

	txn, err = f.storage.GetTransaction(ctx, "RCPT-1", golicense.TxnSale)
	require.NoError(t, err)
	assert.True(t, txn.Verified)
	assert.True(t, txn.Processed)
	assert.Equal(t, "frontend", txn.ProviderProductID)

	_, licenses := f.userLicenses(t, "buyer@example.com")
	require.Len(t, licenses, 1)
	assert.Equal(t, golicense.ProductFrontend, licenses[0].ProductID)
}

func TestProcessor_RebillKeepsSingleLicense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.processor.ApplyTransaction(ctx, saleEvent("RCPT-1", "pro_license"))
	require.NoError(t, err)

	rebill := saleEvent("RCPT-2", "pro_license")
	rebill.Type = golicense.TxnRebill
	result, err := f.processor.ApplyTransaction(ctx, rebill)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusApplied, result.Status)
	assert.Equal(t, first.LicenseID, result.LicenseID)

	_, licenses := f.userLicenses(t, "buyer@example.com")
	assert.Len(t, licenses, 1)
}

func TestProcessor_CancelAndUncancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.ApplyTransaction(ctx, saleEvent("RCPT-1", "templates_license"))
	require.NoError(t, err)

	result, err := f.processor.ApplyTransaction(ctx, reversalEvent("RCPT-1", golicense.TxnCancel))
	require.NoError(t, err)
	assert.Equal(t, golicense.StatusCancelled, result.LicenseStatus)

	user, _ := f.userLicenses(t, "buyer@example.com")
	ok, err := f.manager.HasFeature(ctx, user.ID, golicense.FlagTemplatesLibrary)
	require.NoError(t, err)
	assert.False(t, ok)

	result, err = f.processor.ApplyTransaction(ctx, reversalEvent("RCPT-1", golicense.TxnUncancel))
	require.NoError(t, err)
	assert.Equal(t, golicense.StatusActive, result.LicenseStatus)

	ok, err = f.manager.HasFeature(ctx, user.ID, golicense.FlagTemplatesLibrary)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProcessor_UncancelDoesNotReviveRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.ApplyTransaction(ctx, saleEvent("RCPT-1", "pro_license"))
	require.NoError(t, err)
	_, err = f.processor.ApplyTransaction(ctx, reversalEvent("RCPT-1", golicense.TxnRefund))
	require.NoError(t, err)

	result, err := f.processor.ApplyTransaction(ctx, reversalEvent("RCPT-1", golicense.TxnUncancel))
	require.NoError(t, err)
	assert.Equal(t, golicense.StatusRefunded, result.LicenseStatus)
}

func TestProcessor_OnAppliedCallback(t *testing.T) {
	storage := memory.New()
	manager, err := golicense.NewManager(storage, nil)
	require.NoError(t, err)

	var got []*billing.ProcessResult
	processor, err := billing.NewProcessor(billing.Config{
		Manager: manager,
		OnApplied: func(_ context.Context, _ *billing.Event, result *billing.ProcessResult) error {
			got = append(got, result)
			return errors.New("downstream unavailable")
		},
	})
	require.NoError(t, err)

	result, err := processor.ApplyTransaction(context.Background(), saleEvent("RCPT-1", "frontend"))
	require.NoError(t, err, "callback errors do not fail the delivery")
	assert.Equal(t, billing.StatusApplied, result.Status)
	require.Len(t, got, 1)
	assert.Equal(t, golicense.ProductFrontend, got[0].ProductID)

	_, err = processor.ApplyTransaction(context.Background(), saleEvent("RCPT-1", "frontend"))
	require.NoError(t, err)
	assert.Len(t, got, 1, "duplicates do not trigger the callback")
}

func TestProcessor_InvalidEvent(t *testing.T) {
	f := newFixture(t)

	_, err := f.processor.ApplyTransaction(context.Background(), nil)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)

	_, err = f.processor.ApplyTransaction(context.Background(), saleEvent(" ", "frontend"))
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
}

func TestNewProcessor_Validation(t *testing.T) {
	_, err := billing.NewProcessor(billing.Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	manager, err := golicense.NewManager(memory.New(), nil)
	require.NoError(t, err)
	_, err = billing.NewProcessor(billing.Config{
		Manager:        manager,
		ProductMapping: map[string]golicense.ProductID{"1": "gold_plan"},
	})
	assert.ErrorIs(t, err, golicense.ErrUnknownProduct)
}

func TestProcessor_ResolveProduct(t *testing.T) {
	f := newFixture(t)

	p, err := f.processor.ResolveProduct(" 401235 ")
	require.NoError(t, err)
	assert.Equal(t, golicense.ProductPro, p.ID)

	p, err = f.processor.ResolveProduct("Elite_Bundle")
	require.NoError(t, err)
	assert.Equal(t, golicense.ProductElite, p.ID)

	_, err = f.processor.ResolveProduct("")
	assert.ErrorIs(t, err, billing.ErrProductNotMapped)
}

func TestParseTransactionType(t *testing.T) {
	tests := []struct {
		raw  string
		want golicense.TransactionType
	}{
		{"SALE", golicense.TxnSale},
		{"bill", golicense.TxnRebill},
		{"RFND", golicense.TxnRefund},
		{"CGBK", golicense.TxnChargeback},
		{"INSF", golicense.TxnChargeback},
		{"CANCEL-REBILL", golicense.TxnCancel},
		{" UNCANCEL-REBILL ", golicense.TxnUncancel},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := billing.ParseTransactionType(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := billing.ParseTransactionType("TEST")
	assert.ErrorIs(t, err, billing.ErrUnsupportedTransactionType)
}
