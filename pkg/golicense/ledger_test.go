package golicense_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/golicense/pkg/golicense"
	"github.com/mihaimyh/golicense/storage/memory"
)

var ledgerStart = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func TestGetBalance_FreeUser(t *testing.T) {
	manager := newTestManager(t, memory.New(), newTestClock(ledgerStart))

	bal, err := manager.GetBalance(context.Background(), "free-user")
	require.NoError(t, err)
	assert.False(t, bal.Unlimited)
	assert.Equal(t, 25, bal.Total)
	assert.Equal(t, 0, bal.Used)
	assert.Equal(t, 25, bal.Remaining)
	assert.Equal(t, 100.0, bal.Percentage)
	assert.Equal(t, time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC), bal.ResetDate)
}

func TestConsume_DebitsActionCost(t *testing.T) {
	manager := newTestManager(t, memory.New(), newTestClock(ledgerStart))
	ctx := context.Background()

	res, err := manager.Consume(ctx, "user1", golicense.ActionImageGeneration, map[string]string{"campaign": "spring"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ConsumptionID)
	assert.Equal(t, 5, res.Cost)
	assert.False(t, res.Unlimited)
	assert.Equal(t, 20, res.NewRemaining)
	assert.InDelta(t, 80.0, res.Balance.Percentage, 0.001)

	res, err = manager.Consume(ctx, "user1", golicense.ActionCopyGeneration, nil)
	require.NoError(t, err)
	assert.Equal(t, 19, res.NewRemaining)

	bal, err := manager.GetBalance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 6, bal.Used)
	assert.Equal(t, 19, bal.Remaining)
}

func TestConsume_InsufficientCredits(t *testing.T) {
	manager := newTestManager(t, memory.New(), newTestClock(ledgerStart))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := manager.Consume(ctx, "user1", golicense.ActionImageGeneration, nil)
		require.NoError(t, err)
	}
	_, err := manager.ConsumeAmount(ctx, "user1", golicense.ActionCopyGeneration, 3, nil)
	require.NoError(t, err)

	// 2 credits left, an image costs 5
	_, err = manager.Consume(ctx, "user1", golicense.ActionImageGeneration, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, golicense.ErrInsufficientCredits)

	var insufficient *golicense.InsufficientCreditsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 5, insufficient.Required)
	assert.Equal(t, 2, insufficient.Remaining)

	bal, err := manager.GetBalance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 2, bal.Remaining)
	assert.InDelta(t, 8.0, bal.Percentage, 0.001)
}

func TestConsume_InvalidInput(t *testing.T) {
	manager := newTestManager(t, memory.New(), newTestClock(ledgerStart))
	ctx := context.Background()

	_, err := manager.Consume(ctx, "user1", "video_generation", nil)
	assert.ErrorIs(t, err, golicense.ErrUnknownAction)

	_, err = manager.ConsumeAmount(ctx, "user1", golicense.ActionCopyGeneration, -1, nil)
	assert.ErrorIs(t, err, golicense.ErrInvalidAmount)

	res, err := manager.ConsumeAmount(ctx, "user1", golicense.ActionCopyGeneration, 0, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ConsumptionID)
	assert.Equal(t, 25, res.NewRemaining)

	bal, err := manager.Refund(ctx, "user1", res.ConsumptionID, "")
	require.NoError(t, err)
	assert.Equal(t, 25, bal.Remaining)
}

func TestConsume_UnlimitedBypassesLedger(t *testing.T) {
	storage := memory.New()
	manager := newTestManager(t, storage, newTestClock(ledgerStart))
	ctx := context.Background()

	grantLicense(t, storage, "pro-user", golicense.ProductPro, "T1", ledgerStart)

	for i := 0; i < 100; i++ {
		res, err := manager.Consume(ctx, "pro-user", golicense.ActionImageGeneration, nil)
		require.NoError(t, err)
		assert.True(t, res.Unlimited)
	}

	acct, err := storage.GetCreditAccount(ctx, "pro-user")
	require.NoError(t, err)
	assert.Nil(t, acct, "unlimited users never touch the ledger")

	bal, err := manager.GetBalance(ctx, "pro-user")
	require.NoError(t, err)
	assert.True(t, bal.Unlimited)
	assert.Equal(t, 100.0, bal.Percentage)
}

func TestConsume_ConcurrentNeverOverdraws(t *testing.T) {
	storage := memory.New()
	manager := newTestManager(t, storage, newTestClock(ledgerStart))
	ctx := context.Background()

	var succeeded, denied atomic.Int32
	var g errgroup.Group
	for i := 0; i < 60; i++ {
		g.Go(func() error {
			_, err := manager.Consume(ctx, "user1", golicense.ActionAngleGeneration, nil)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, golicense.ErrInsufficientCredits):
				denied.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(25), succeeded.Load())
	assert.Equal(t, int32(35), denied.Load())

	bal, err := manager.GetBalance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Remaining)
	assert.Equal(t, 25, bal.Used)
}

func TestRefund_ReturnsCreditsOnce(t *testing.T) {
	manager := newTestManager(t, memory.New(), newTestClock(ledgerStart))
	ctx := context.Background()

	res, err := manager.Consume(ctx, "user1", golicense.ActionImageGeneration, nil)
	require.NoError(t, err)
	assert.Equal(t, 20, res.NewRemaining)

	bal, err := manager.Refund(ctx, "user1", res.ConsumptionID, "generation failed")
	require.NoError(t, err)
	assert.Equal(t, 25, bal.Remaining)

	bal, err = manager.Refund(ctx, "user1", res.ConsumptionID, "retry")
	require.NoError(t, err)
	assert.Equal(t, 25, bal.Remaining)

	_, err = manager.Refund(ctx, "user2", res.ConsumptionID, "")
	assert.ErrorIs(t, err, golicense.ErrConsumptionNotFound)

	_, err = manager.Refund(ctx, "user1", "does-not-exist", "")
	assert.ErrorIs(t, err, golicense.ErrConsumptionNotFound)

	_, err = manager.Refund(ctx, "user1", "unmetered-not-a-uuid", "")
	assert.ErrorIs(t, err, golicense.ErrConsumptionNotFound)
}

func TestRefund_UnlimitedReceipt(t *testing.T) {
	storage := memory.New()
	manager := newTestManager(t, storage, newTestClock(ledgerStart))
	ctx := context.Background()

	grantLicense(t, storage, "pro-user", golicense.ProductPro, "T1", ledgerStart)

	res, err := manager.Consume(ctx, "pro-user", golicense.ActionImageGeneration, nil)
	require.NoError(t, err)
	require.True(t, res.Unlimited)
	require.NotEmpty(t, res.ConsumptionID)

	for i := 0; i < 2; i++ {
		bal, err := manager.Refund(ctx, "pro-user", res.ConsumptionID, "generation failed")
		require.NoError(t, err)
		assert.True(t, bal.Unlimited)
	}

	acct, err := storage.GetCreditAccount(ctx, "pro-user")
	require.NoError(t, err)
	assert.Nil(t, acct, "refunding an unlimited receipt never touches the ledger")
}

func TestRefund_PreviousCycleDoesNotInflateBalance(t *testing.T) {
	clock := newTestClock(ledgerStart)
	manager := newTestManager(t, memory.New(), clock)
	ctx := context.Background()

	res, err := manager.Consume(ctx, "user1", golicense.ActionImageGeneration, nil)
	require.NoError(t, err)

	clock.Advance(32 * 24 * time.Hour)

	bal, err := manager.Refund(ctx, "user1", res.ConsumptionID, "late failure")
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Used)
	assert.Equal(t, 25, bal.Remaining)
}

func TestResetIfDue_RoundTrip(t *testing.T) {
	clock := newTestClock(ledgerStart)
	manager := newTestManager(t, memory.New(), clock)
	ctx := context.Background()

	_, err := manager.ConsumeAmount(ctx, "user1", golicense.ActionCopyGeneration, 10, nil)
	require.NoError(t, err)

	// Not due: unchanged
	bal, err := manager.ResetIfDue(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 10, bal.Used)
	after, err := manager.GetBalance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, bal, after)

	// Past the reset date: a read already sees the new cycle
	clock.Advance(31 * 24 * time.Hour)
	lazy, err := manager.GetBalance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 0, lazy.Used)
	assert.Equal(t, 25, lazy.Remaining)

	bal, err = manager.ResetIfDue(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Used)
	assert.Equal(t, bal.Total, bal.Remaining)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), bal.ResetDate)

	after, err = manager.GetBalance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, bal, after)
}

func TestGetBalance_FrontendAnchoredOnPurchase(t *testing.T) {
	storage := memory.New()
	clock := newTestClock(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	manager := newTestManager(t, storage, clock)
	ctx := context.Background()

	grantLicense(t, storage, "user1", golicense.ProductFrontend, "T1", time.Date(2024, 1, 31, 15, 0, 0, 0, time.UTC))

	res, err := manager.Consume(ctx, "user1", golicense.ActionImageGeneration, nil)
	require.NoError(t, err)
	assert.Equal(t, 495, res.NewRemaining)
	// Anchored on the 31st, the March cycle runs Feb 29 - Mar 31
	assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), res.Balance.ResetDate)
}

func TestGetBalance_StorageFailure(t *testing.T) {
	storage := newCountingStorage()
	manager := newTestManager(t, storage, newTestClock(ledgerStart))

	storage.fail.Store(true)
	_, err := manager.GetBalance(context.Background(), "user1")
	assert.ErrorIs(t, err, golicense.ErrEntitlementLookup)

	_, err = manager.Consume(context.Background(), "user1", golicense.ActionCopyGeneration, nil)
	assert.ErrorIs(t, err, golicense.ErrEntitlementLookup)
	assert.NotErrorIs(t, err, golicense.ErrInsufficientCredits)
}
