package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/golicense/pkg/golicense"
)

func cycleFor(anchor time.Time, now time.Time) golicense.Cycle {
	return golicense.CycleAt(anchor, now)
}

func TestStorage_GetOrCreateUser_CaseInsensitive(t *testing.T) {
	storage := New()
	ctx := context.Background()

	u1, created, err := storage.GetOrCreateUser(ctx, "Buyer@Example.com", "Buyer")
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	if !created {
		t.Error("Expected user to be created")
	}

	u2, created, err := storage.GetOrCreateUser(ctx, "  buyer@example.COM ", "")
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	if created {
		t.Error("Expected existing user to be returned")
	}
	if u1.ID != u2.ID {
		t.Errorf("User ID mismatch: got %s, want %s", u2.ID, u1.ID)
	}
	if u2.Email != "buyer@example.com" {
		t.Errorf("Email not normalized: %s", u2.Email)
	}

	if _, err := storage.FindUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, golicense.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestStorage_CreateLicense_UniquePerTransaction(t *testing.T) {
	storage := New()
	ctx := context.Background()

	lic := &golicense.UserLicense{
		UserID:        "user1",
		ProductID:     golicense.ProductPro,
		LicenseKey:    "ADG-1",
		TransactionID: "TXN-1",
		PurchaseDate:  time.Now().UTC(),
	}
	first, err := storage.CreateLicense(ctx, lic)
	if err != nil {
		t.Fatalf("CreateLicense failed: %v", err)
	}
	if first.Status != golicense.StatusActive {
		t.Errorf("Expected active status, got %s", first.Status)
	}

	retry := *lic
	retry.LicenseKey = "ADG-2"
	second, err := storage.CreateLicense(ctx, &retry)
	if !errors.Is(err, golicense.ErrLicenseExists) {
		t.Fatalf("Expected ErrLicenseExists, got %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected stored license to be returned, got %s", second.ID)
	}

	licenses, err := storage.ListLicenses(ctx, "user1")
	if err != nil {
		t.Fatalf("ListLicenses failed: %v", err)
	}
	if len(licenses) != 1 {
		t.Errorf("Expected 1 license, got %d", len(licenses))
	}

	byTxn, err := storage.GetLicenseByTransaction(ctx, "TXN-1")
	if err != nil {
		t.Fatalf("GetLicenseByTransaction failed: %v", err)
	}
	if byTxn.ID != first.ID {
		t.Errorf("License mismatch: got %s, want %s", byTxn.ID, first.ID)
	}
}

func TestStorage_ListLicenses_Empty(t *testing.T) {
	storage := New()

	licenses, err := storage.ListLicenses(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("ListLicenses failed: %v", err)
	}
	if licenses == nil || len(licenses) != 0 {
		t.Errorf("Expected empty slice, got %v", licenses)
	}
}

func TestStorage_UpdateLicenseStatus(t *testing.T) {
	storage := New()
	ctx := context.Background()

	lic, err := storage.CreateLicense(ctx, &golicense.UserLicense{
		UserID: "user1", ProductID: golicense.ProductFrontend, TransactionID: "T1",
	})
	if err != nil {
		t.Fatalf("CreateLicense failed: %v", err)
	}

	if err := storage.UpdateLicenseStatus(ctx, lic.ID, golicense.StatusRefunded); err != nil {
		t.Fatalf("UpdateLicenseStatus failed: %v", err)
	}

	found, err := storage.FindLicenseByProduct(ctx, "user1", golicense.ProductFrontend)
	if err != nil {
		t.Fatalf("FindLicenseByProduct failed: %v", err)
	}
	if found.Status != golicense.StatusRefunded {
		t.Errorf("Expected refunded, got %s", found.Status)
	}

	if err := storage.UpdateLicenseStatus(ctx, "missing", golicense.StatusActive); !errors.Is(err, golicense.ErrLicenseNotFound) {
		t.Errorf("Expected ErrLicenseNotFound, got %v", err)
	}
}

func TestStorage_ClaimTransaction(t *testing.T) {
	storage := New()
	ctx := context.Background()

	sale := &golicense.Transaction{TransactionID: "R1", Type: golicense.TxnSale, Verified: true}
	_, claimed, err := storage.ClaimTransaction(ctx, sale)
	if err != nil || !claimed {
		t.Fatalf("Expected first claim to succeed, claimed=%v err=%v", claimed, err)
	}

	existing, claimed, err := storage.ClaimTransaction(ctx, sale)
	if err != nil {
		t.Fatalf("Duplicate claim must not error: %v", err)
	}
	if claimed {
		t.Error("Expected duplicate claim to be rejected")
	}
	if existing == nil || existing.TransactionID != "R1" {
		t.Errorf("Expected existing record, got %+v", existing)
	}

	// A refund shares the receipt of the sale it reverses.
	refund := &golicense.Transaction{TransactionID: "R1", Type: golicense.TxnRefund}
	if _, claimed, _ := storage.ClaimTransaction(ctx, refund); !claimed {
		t.Error("Expected refund with same receipt to be claimable")
	}
}

func TestStorage_ClaimTransaction_Concurrent(t *testing.T) {
	storage := New()
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := storage.ClaimTransaction(ctx,
				&golicense.Transaction{TransactionID: "R2", Type: golicense.TxnSale})
			if err != nil {
				t.Errorf("ClaimTransaction failed: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claims != 1 {
		t.Errorf("Expected exactly 1 claim, got %d", claims)
	}
}

func TestStorage_ConsumeCredits(t *testing.T) {
	storage := New()
	ctx := context.Background()

	anchor := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	cycle := cycleFor(anchor, now)

	acct, err := storage.ConsumeCredits(ctx, &golicense.ConsumeRequest{
		ConsumptionID: "c1", UserID: "user1", Action: golicense.ActionImageGeneration,
		Amount: 5, Total: 10, Anchor: anchor, Cycle: cycle, Now: now,
	})
	if err != nil {
		t.Fatalf("ConsumeCredits failed: %v", err)
	}
	if acct.Used != 5 {
		t.Errorf("Expected used 5, got %d", acct.Used)
	}
	if !acct.ResetDate.Equal(time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected reset date %v", acct.ResetDate)
	}

	_, err = storage.ConsumeCredits(ctx, &golicense.ConsumeRequest{
		ConsumptionID: "c2", UserID: "user1", Amount: 6, Total: 10, Anchor: anchor, Cycle: cycle, Now: now,
	})
	var insufficient *golicense.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("Expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Remaining != 5 || insufficient.Required != 6 {
		t.Errorf("Unexpected error detail %+v", insufficient)
	}

	rec, err := storage.GetConsumptionRecord(ctx, "c2")
	if err != nil || rec != nil {
		t.Errorf("Denied consumption must not be recorded, got %+v %v", rec, err)
	}
}

func TestStorage_ConsumeCredits_LazyReset(t *testing.T) {
	storage := New()
	ctx := context.Background()

	anchor := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	jan := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 16, 0, 0, 0, 0, time.UTC)

	if _, err := storage.ConsumeCredits(ctx, &golicense.ConsumeRequest{
		ConsumptionID: "c1", UserID: "user1", Amount: 10, Total: 10,
		Anchor: anchor, Cycle: cycleFor(anchor, jan), Now: jan,
	}); err != nil {
		t.Fatalf("ConsumeCredits failed: %v", err)
	}

	acct, err := storage.ConsumeCredits(ctx, &golicense.ConsumeRequest{
		ConsumptionID: "c2", UserID: "user1", Amount: 3, Total: 10,
		Anchor: anchor, Cycle: cycleFor(anchor, feb), Now: feb,
	})
	if err != nil {
		t.Fatalf("Expected consumption in new cycle to succeed: %v", err)
	}
	if acct.Used != 3 {
		t.Errorf("Expected used 3 after reset, got %d", acct.Used)
	}
	if !acct.CycleStart.Equal(time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected cycle start %v", acct.CycleStart)
	}
}

func TestStorage_ConsumeCredits_Concurrent(t *testing.T) {
	storage := New()
	ctx := context.Background()

	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := anchor.Add(time.Hour)
	cycle := cycleFor(anchor, now)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := storage.ConsumeCredits(ctx, &golicense.ConsumeRequest{
				UserID: "user1", Amount: 1, Total: 25, Anchor: anchor, Cycle: cycle, Now: now,
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 25 {
		t.Errorf("Expected 25 successful consumptions, got %d", successes)
	}
	acct, _ := storage.GetCreditAccount(ctx, "user1")
	if acct.Used != 25 {
		t.Errorf("Expected used 25, got %d", acct.Used)
	}
}

func TestStorage_RefundCredits(t *testing.T) {
	storage := New()
	ctx := context.Background()

	anchor := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	jan := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)
	janCycle := cycleFor(anchor, jan)

	for _, id := range []string{"c1", "c2"} {
		if _, err := storage.ConsumeCredits(ctx, &golicense.ConsumeRequest{
			ConsumptionID: id, UserID: "user1", Amount: 5, Total: 20,
			Anchor: anchor, Cycle: janCycle, Now: jan,
		}); err != nil {
			t.Fatalf("ConsumeCredits failed: %v", err)
		}
	}

	acct, err := storage.RefundCredits(ctx, &golicense.RefundRequest{
		ConsumptionID: "c1", UserID: "user1", Reason: "generation failed", Cycle: janCycle, Now: jan,
	})
	if err != nil {
		t.Fatalf("RefundCredits failed: %v", err)
	}
	if acct.Used != 5 {
		t.Errorf("Expected used 5 after refund, got %d", acct.Used)
	}

	// Refunding twice is a no-op.
	acct, err = storage.RefundCredits(ctx, &golicense.RefundRequest{
		ConsumptionID: "c1", UserID: "user1", Cycle: janCycle, Now: jan,
	})
	if err != nil {
		t.Fatalf("Second RefundCredits failed: %v", err)
	}
	if acct.Used != 5 {
		t.Errorf("Expected used to stay 5, got %d", acct.Used)
	}

	// Another user cannot refund it.
	if _, err := storage.RefundCredits(ctx, &golicense.RefundRequest{
		ConsumptionID: "c2", UserID: "user2", Cycle: janCycle, Now: jan,
	}); !errors.Is(err, golicense.ErrConsumptionNotFound) {
		t.Errorf("Expected ErrConsumptionNotFound, got %v", err)
	}

	// A consumption from a closed cycle does not credit the new cycle.
	acct, err = storage.RefundCredits(ctx, &golicense.RefundRequest{
		ConsumptionID: "c2", UserID: "user1", Cycle: cycleFor(anchor, feb), Now: feb,
	})
	if err != nil {
		t.Fatalf("RefundCredits failed: %v", err)
	}
	if acct.Used != 0 {
		t.Errorf("Expected used 0 in new cycle, got %d", acct.Used)
	}
	rec, _ := storage.GetConsumptionRecord(ctx, "c2")
	if rec == nil || !rec.Refunded {
		t.Errorf("Expected consumption to be marked refunded, got %+v", rec)
	}
}

func TestStorage_ResetCredits(t *testing.T) {
	storage := New()
	ctx := context.Background()

	anchor := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	jan := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := storage.ConsumeCredits(ctx, &golicense.ConsumeRequest{
		UserID: "user1", Amount: 7, Total: 25, Anchor: anchor, Cycle: cycleFor(anchor, jan), Now: jan,
	}); err != nil {
		t.Fatalf("ConsumeCredits failed: %v", err)
	}

	// Not due yet.
	acct, err := storage.ResetCredits(ctx, "user1", anchor, cycleFor(anchor, jan))
	if err != nil {
		t.Fatalf("ResetCredits failed: %v", err)
	}
	if acct.Used != 7 {
		t.Errorf("Expected used to stay 7, got %d", acct.Used)
	}

	acct, err = storage.ResetCredits(ctx, "user1", anchor, cycleFor(anchor, mar))
	if err != nil {
		t.Fatalf("ResetCredits failed: %v", err)
	}
	if acct.Used != 0 {
		t.Errorf("Expected used 0 after reset, got %d", acct.Used)
	}
	if !acct.ResetDate.Equal(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected reset date %v", acct.ResetDate)
	}
}
