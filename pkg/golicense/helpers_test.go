package golicense_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/golicense/pkg/golicense"
	"github.com/mihaimyh/golicense/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingStorage counts license lookups and can simulate an outage.
type countingStorage struct {
	*memory.Storage
	listCalls atomic.Int32
	fail      atomic.Bool
}

func newCountingStorage() *countingStorage {
	return &countingStorage{Storage: memory.New()}
}

func (s *countingStorage) ListLicenses(ctx context.Context, userID string) ([]*golicense.UserLicense, error) {
	s.listCalls.Add(1)
	if s.fail.Load() {
		return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
	}
	return s.Storage.ListLicenses(ctx, userID)
}

func newTestManager(t *testing.T, storage golicense.Storage, clock *testClock,
	opts ...func(*golicense.Config)) *golicense.Manager {
	t.Helper()
	config := &golicense.Config{Now: clock.Now}
	for _, opt := range opts {
		opt(config)
	}
	manager, err := golicense.NewManager(storage, config)
	require.NoError(t, err)
	return manager
}

func withCache(config *golicense.Config) {
	config.CacheConfig = &golicense.CacheConfig{Enabled: true, EntitlementTTL: time.Minute}
}

func grantLicense(t *testing.T, storage golicense.Storage, userID string, productID golicense.ProductID,
	transactionID string, purchased time.Time) *golicense.UserLicense {
	t.Helper()
	product, err := golicense.DefaultCatalog().Lookup(productID)
	require.NoError(t, err)
	lic, err := golicense.NewUserLicense(product, userID, transactionID, product.PriceCents, purchased)
	require.NoError(t, err)
	stored, err := storage.CreateLicense(context.Background(), lic)
	require.NoError(t, err)
	return stored
}
