package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/golicense/pkg/golicense"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := setupTestRedis(t)
	storage, err := New(client, DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		client  redis.UniversalClient
		config  Config
		wantErr bool
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:    "valid client with default config",
			client:  redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name:    "empty key prefix uses default",
			client:  redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:  Config{},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := New(tt.client, tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if storage.config.KeyPrefix != "golicense:" {
					t.Errorf("Unexpected KeyPrefix %q", storage.config.KeyPrefix)
				}
				if storage.config.MaxRetries == 0 {
					t.Error("MaxRetries should not be zero")
				}
			}
		})
	}
}

func TestStorage_GetOrCreateUser(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	u1, created, err := storage.GetOrCreateUser(ctx, "Buyer@Example.com", "Buyer")
	if err != nil || !created {
		t.Fatalf("Expected created user, got created=%v err=%v", created, err)
	}
	u2, created, err := storage.GetOrCreateUser(ctx, "buyer@example.com ", "")
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	if created || u2.ID != u1.ID || u2.Name != "Buyer" {
		t.Errorf("Expected existing user %+v, got %+v", u1, u2)
	}

	found, err := storage.FindUserByEmail(ctx, "BUYER@example.com")
	if err != nil || found.ID != u1.ID {
		t.Errorf("FindUserByEmail: %v %+v", err, found)
	}
	if _, err := storage.FindUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, golicense.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestStorage_Licenses(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	purchased := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	credits := 500
	first, err := storage.CreateLicense(ctx, &golicense.UserLicense{
		UserID:        "user1",
		ProductID:     golicense.ProductFrontend,
		LicenseKey:    "AGP-AAAA-BBBB-CCCC-DDDD",
		PurchaseDate:  purchased.Add(time.Hour),
		CreditsTotal:  &credits,
		TransactionID: "RCPT-1",
	})
	if err != nil {
		t.Fatalf("CreateLicense failed: %v", err)
	}

	again, err := storage.CreateLicense(ctx, &golicense.UserLicense{
		UserID:        "user1",
		ProductID:     golicense.ProductFrontend,
		LicenseKey:    "AGP-EEEE-FFFF-GGGG-HHHH",
		PurchaseDate:  purchased,
		TransactionID: "RCPT-1",
	})
	if !errors.Is(err, golicense.ErrLicenseExists) || again.ID != first.ID {
		t.Fatalf("Expected ErrLicenseExists with stored row, got %v %+v", err, again)
	}

	if _, err := storage.CreateLicense(ctx, &golicense.UserLicense{
		UserID:       "user1",
		ProductID:    golicense.ProductTemplates,
		LicenseKey:   "AGP-AAAA-BBBB-CCCC-DDDD",
		PurchaseDate: purchased,
	}); err == nil || errors.Is(err, golicense.ErrLicenseExists) {
		t.Errorf("Expected key collision, got %v", err)
	}

	older, err := storage.CreateLicense(ctx, &golicense.UserLicense{
		UserID:        "user1",
		ProductID:     golicense.ProductPro,
		LicenseKey:    "AGP-JJJJ-KKKK-LLLL-MMMM",
		PurchaseDate:  purchased,
		TransactionID: "RCPT-2",
	})
	if err != nil {
		t.Fatalf("CreateLicense failed: %v", err)
	}

	licenses, err := storage.ListLicenses(ctx, "user1")
	if err != nil {
		t.Fatalf("ListLicenses failed: %v", err)
	}
	if len(licenses) != 2 || licenses[0].ID != older.ID {
		t.Fatalf("Expected 2 licenses oldest first, got %+v", licenses)
	}
	if licenses[1].CreditsTotal == nil || *licenses[1].CreditsTotal != 500 {
		t.Errorf("CreditsTotal not round-tripped: %v", licenses[1].CreditsTotal)
	}

	if err := storage.UpdateLicenseStatus(ctx, first.ID, golicense.StatusChargeback); err != nil {
		t.Fatalf("UpdateLicenseStatus failed: %v", err)
	}
	byTxn, err := storage.GetLicenseByTransaction(ctx, "RCPT-1")
	if err != nil || byTxn.Status != golicense.StatusChargeback {
		t.Errorf("GetLicenseByTransaction: %v %+v", err, byTxn)
	}
	byProduct, err := storage.FindLicenseByProduct(ctx, "user1", golicense.ProductPro)
	if err != nil || byProduct.ID != older.ID {
		t.Errorf("FindLicenseByProduct: %v %+v", err, byProduct)
	}

	if err := storage.UpdateLicenseStatus(ctx, "missing", golicense.StatusActive); !errors.Is(err, golicense.ErrLicenseNotFound) {
		t.Errorf("Expected ErrLicenseNotFound, got %v", err)
	}
	empty, err := storage.ListLicenses(ctx, "user2")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("Expected empty slice, got %v %v", empty, err)
	}
}

func TestStorage_Transactions(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	txn := &golicense.Transaction{
		TransactionID: "RCPT-1",
		Type:          golicense.TxnSale,
		Provider:      "jvzoo",
		RawPayload:    []byte("ctransreceipt=RCPT-1"),
	}

	var claims int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := storage.ClaimTransaction(ctx, txn)
			if err != nil {
				t.Errorf("ClaimTransaction failed: %v", err)
			}
			if claimed {
				atomic.AddInt32(&claims, 1)
			}
		}()
	}
	wg.Wait()
	if claims != 1 {
		t.Fatalf("Expected exactly one claim, got %d", claims)
	}

	update := *txn
	update.RawPayload = nil
	update.Verified = true
	update.Processed = true
	update.LicenseID = "lic-1"
	if err := storage.UpdateTransaction(ctx, &update); err != nil {
		t.Fatalf("UpdateTransaction failed: %v", err)
	}

	stored, err := storage.GetTransaction(ctx, "RCPT-1", golicense.TxnSale)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if !stored.Processed || stored.LicenseID != "lic-1" || string(stored.RawPayload) != "ctransreceipt=RCPT-1" {
		t.Errorf("Unexpected stored transaction: %+v", stored)
	}

	if _, err := storage.GetTransaction(ctx, "RCPT-1", golicense.TxnRefund); !errors.Is(err, golicense.ErrTransactionNotFound) {
		t.Errorf("Expected ErrTransactionNotFound, got %v", err)
	}
	missing := &golicense.Transaction{TransactionID: "nope", Type: golicense.TxnSale}
	if err := storage.UpdateTransaction(ctx, missing); !errors.Is(err, golicense.ErrTransactionNotFound) {
		t.Errorf("Expected ErrTransactionNotFound, got %v", err)
	}
}

func TestStorage_ConsumeAndRefundCredits(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	anchor := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)
	cycle := golicense.CycleAt(anchor, now)

	if acct, err := storage.GetCreditAccount(ctx, "user1"); err != nil || acct != nil {
		t.Fatalf("Expected no account, got %+v %v", acct, err)
	}

	acct, err := storage.ConsumeCredits(ctx, &golicense.ConsumeRequest{
		ConsumptionID: "c1",
		UserID:        "user1",
		Action:        golicense.ActionImageGeneration,
		Amount:        5,
		Total:         25,
		Anchor:        anchor,
		Cycle:         cycle,
		Metadata:      map[string]string{"campaign": "spring"},
		Now:           now,
	})
	if err != nil {
		t.Fatalf("ConsumeCredits failed: %v", err)
	}
	if acct.Used != 5 || !acct.CycleStart.Equal(cycle.Start) || !acct.ResetDate.Equal(cycle.End) {
		t.Errorf("Unexpected account: %+v", acct)
	}

	_, err = storage.ConsumeCredits(ctx, &golicense.ConsumeRequest{
		UserID: "user1", Amount: 21, Total: 25, Anchor: anchor, Cycle: cycle, Now: now,
	})
	var insufficient *golicense.InsufficientCreditsError
	if !errors.As(err, &insufficient) || insufficient.Remaining != 20 {
		t.Fatalf("Expected insufficient credits with 20 remaining, got %v", err)
	}

	record, err := storage.GetConsumptionRecord(ctx, "c1")
	if err != nil || record == nil {
		t.Fatalf("GetConsumptionRecord failed: %v", err)
	}
	if record.Amount != 5 || record.NewUsed != 5 || record.Metadata["campaign"] != "spring" {
		t.Errorf("Unexpected record: %+v", record)
	}
	if !record.CycleStart.Equal(cycle.Start) || record.Action != golicense.ActionImageGeneration {
		t.Errorf("Unexpected record cycle or action: %+v", record)
	}

	for i := 0; i < 2; i++ {
		acct, err = storage.RefundCredits(ctx, &golicense.RefundRequest{
			ConsumptionID: "c1", UserID: "user1", Reason: "failed", Cycle: cycle, Now: now,
		})
		if err != nil {
			t.Fatalf("RefundCredits failed: %v", err)
		}
		if acct.Used != 0 {
			t.Errorf("Refund %d: expected used 0, got %d", i, acct.Used)
		}
	}

	_, err = storage.RefundCredits(ctx, &golicense.RefundRequest{ConsumptionID: "c1", UserID: "user2", Cycle: cycle})
	if !errors.Is(err, golicense.ErrConsumptionNotFound) {
		t.Errorf("Expected ErrConsumptionNotFound, got %v", err)
	}
	if rec, err := storage.GetConsumptionRecord(ctx, ""); rec != nil || err != nil {
		t.Errorf("Expected nil record for empty id, got %+v %v", rec, err)
	}
}

func TestStorage_RefundFromPreviousCycle(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	anchor := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	march := time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)
	_, err := storage.ConsumeCredits(ctx, &golicense.ConsumeRequest{
		ConsumptionID: "c1", UserID: "user1", Amount: 5, Total: 25,
		Anchor: anchor, Cycle: golicense.CycleAt(anchor, march), Now: march,
	})
	if err != nil {
		t.Fatalf("ConsumeCredits failed: %v", err)
	}

	april := time.Date(2025, 4, 20, 0, 0, 0, 0, time.UTC)
	aprilCycle := golicense.CycleAt(anchor, april)
	_, err = storage.ConsumeCredits(ctx, &golicense.ConsumeRequest{
		UserID: "user1", Amount: 3, Total: 25, Anchor: anchor, Cycle: aprilCycle, Now: april,
	})
	if err != nil {
		t.Fatalf("ConsumeCredits failed: %v", err)
	}

	acct, err := storage.RefundCredits(ctx, &golicense.RefundRequest{
		ConsumptionID: "c1", UserID: "user1", Cycle: aprilCycle, Now: april,
	})
	if err != nil {
		t.Fatalf("RefundCredits failed: %v", err)
	}
	if acct.Used != 3 {
		t.Errorf("Refund from an old cycle must not change usage, got %d", acct.Used)
	}
	record, _ := storage.GetConsumptionRecord(ctx, "c1")
	if record == nil || !record.Refunded {
		t.Errorf("Expected record marked refunded, got %+v", record)
	}
}

func TestStorage_ResetCredits(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	anchor := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	march := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := storage.ConsumeCredits(ctx, &golicense.ConsumeRequest{
		UserID: "user1", Amount: 20, Total: 25, Anchor: anchor,
		Cycle: golicense.CycleAt(anchor, march), Now: march,
	})
	if err != nil {
		t.Fatalf("ConsumeCredits failed: %v", err)
	}

	acct, err := storage.ResetCredits(ctx, "user1", anchor, golicense.CycleAt(anchor, march))
	if err != nil || acct.Used != 20 {
		t.Fatalf("Reset within the same cycle must keep usage: %+v %v", acct, err)
	}

	april := time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)
	acct, err = storage.ResetCredits(ctx, "user1", anchor, golicense.CycleAt(anchor, april))
	if err != nil {
		t.Fatalf("ResetCredits failed: %v", err)
	}
	if acct.Used != 0 || !acct.Anchor.Equal(anchor) {
		t.Errorf("Unexpected account after reset: %+v", acct)
	}
}

func TestStorage_ConsumeCredits_Concurrent(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	anchor := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := anchor.Add(48 * time.Hour)
	cycle := golicense.CycleAt(anchor, now)

	var successes int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := storage.ConsumeCredits(ctx, &golicense.ConsumeRequest{
				UserID: "user1", Amount: 5, Total: 25, Anchor: anchor, Cycle: cycle, Now: now,
			})
			if err == nil {
				atomic.AddInt32(&successes, 1)
			} else if !errors.Is(err, golicense.ErrInsufficientCredits) {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 5 {
		t.Errorf("Expected 5 successful consumptions, got %d", successes)
	}
}
