package gin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/golicense/pkg/golicense"
	"github.com/mihaimyh/golicense/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

// errorStorage fails every license lookup
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) ListLicenses(context.Context, string) ([]*golicense.UserLicense, error) {
	return nil, errors.New("connection refused")
}

func setupTestManager(t *testing.T, storage golicense.Storage) *golicense.Manager {
	t.Helper()

	manager, err := golicense.NewManager(storage, &golicense.Config{
		Now: func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager
}

func grantLicense(t *testing.T, manager *golicense.Manager, storage golicense.Storage, product golicense.ProductID) string {
	t.Helper()

	ctx := context.Background()
	user, _, err := storage.GetOrCreateUser(ctx, string(product)+"@example.com", "")
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	p, err := manager.Catalog().Lookup(product)
	if err != nil {
		t.Fatalf("Failed to look up product: %v", err)
	}
	lic, err := golicense.NewUserLicense(p, user.ID, "txn-1", p.PriceCents, manager.Now())
	if err != nil {
		t.Fatalf("Failed to build license: %v", err)
	}
	if _, err := storage.CreateLicense(ctx, lic); err != nil {
		t.Fatalf("Failed to create license: %v", err)
	}
	manager.InvalidateUser(user.ID)
	return user.ID
}

func perform(r http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/generate", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireFeature(t *testing.T) {
	storage := memory.New()
	manager := setupTestManager(t, storage)
	proUser := grantLicense(t, manager, storage, golicense.ProductPro)

	r := gongin.New()
	r.POST("/generate", RequireFeature(FeatureConfig{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		Feature:   "ai_models.gpt-4",
	}), func(c *gongin.Context) {
		c.String(http.StatusOK, "ok")
	})

	if w := perform(r, proUser); w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for pro user, got %d", w.Code)
	}
	if w := perform(r, "free-user"); w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for free user, got %d", w.Code)
	}
	if w := perform(r, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without user, got %d", w.Code)
	}
}

func TestChargeCredits(t *testing.T) {
	manager := setupTestManager(t, memory.New())

	r := gongin.New()
	r.POST("/generate", ChargeCredits(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAction: FixedAction(golicense.ActionImageGeneration),
	}), func(c *gongin.Context) {
		res, ok := ConsumptionFromContext(c)
		if !ok || res.Cost != 5 {
			t.Errorf("Expected consumption with cost 5 in context, got %+v", res)
		}
		c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 5; i++ {
		if w := perform(r, "user1"); w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected status 200, got %d", i, w.Code)
		}
	}
	w := perform(r, "user1")
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", w.Code)
	}
}

func TestChargeCredits_RefundOnFailure(t *testing.T) {
	manager := setupTestManager(t, memory.New())

	r := gongin.New()
	r.POST("/generate", ChargeCredits(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAction: FixedAction(golicense.ActionImageGeneration),
	}), func(c *gongin.Context) {
		c.JSON(http.StatusInternalServerError, gongin.H{"error": "model unavailable"})
	})

	if w := perform(r, "user1"); w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
	bal, err := manager.GetBalance(context.Background(), "user1")
	if err != nil {
		t.Fatalf("Failed to get balance: %v", err)
	}
	if bal.Remaining != golicense.DefaultMonthlyCredits {
		t.Errorf("Expected refunded balance %d, got %d", golicense.DefaultMonthlyCredits, bal.Remaining)
	}
}

func TestChargeCredits_RefundOnPanic(t *testing.T) {
	manager := setupTestManager(t, memory.New())

	r := gongin.New()
	r.Use(gongin.RecoveryWithWriter(io.Discard))
	r.POST("/generate", ChargeCredits(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAction: FixedAction(golicense.ActionImageGeneration),
	}), func(*gongin.Context) {
		panic("image model crashed")
	})

	if w := perform(r, "user1"); w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
	bal, err := manager.GetBalance(context.Background(), "user1")
	if err != nil {
		t.Fatalf("Failed to get balance: %v", err)
	}
	if bal.Remaining != golicense.DefaultMonthlyCredits {
		t.Errorf("Expected refunded balance %d, got %d", golicense.DefaultMonthlyCredits, bal.Remaining)
	}
}

func TestChargeCredits_StorageError(t *testing.T) {
	manager := setupTestManager(t, &errorStorage{Storage: memory.New()})

	r := gongin.New()
	r.POST("/generate", ChargeCredits(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAction: FixedAction(golicense.ActionCopyGeneration),
	}), func(c *gongin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := perform(r, "user1")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestChargeCredits_ConfigValidation(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic when GetAction is missing")
		}
	}()
	ChargeCredits(Config{
		Manager:   setupTestManager(t, memory.New()),
		GetUserID: FromHeader("X-User-ID"),
	})
}
