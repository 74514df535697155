package golicense

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Manager resolves entitlements and meters credits on top of a Storage
type Manager struct {
	storage Storage
	config  Config
	catalog *Catalog
	cache   Cache
	metrics Metrics
	logger  Logger
	now     func() time.Time

	lookups singleflight.Group
	// generation is bumped on every invalidation; a resolution that started
	// before an invalidation is not cached.
	generation atomic.Uint64
}

// NewManager creates a new license manager with the given storage and configuration
func NewManager(storage Storage, config *Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	m := &Manager{
		config:  cfg,
		catalog: cfg.Catalog,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Now,
		cache:   NewNoopCache(),
	}

	if cc := cfg.CacheConfig; cc != nil && cc.Enabled {
		m.cache = newLRUCache(cc.MaxEntitlements, cfg.Now)
	}

	if cb := cfg.CircuitBreakerConfig; cb != nil && cb.Enabled {
		breaker := NewDefaultCircuitBreaker(cb.FailureThreshold, cb.ResetTimeout, func(state CircuitBreakerState) {
			m.metrics.RecordCircuitBreakerStateChange(string(state))
			m.logger.Warn("storage circuit breaker state changed", Field{"state", string(state)})
		})
		breaker.now = cfg.Now
		storage = NewCircuitBreakerStorage(storage, breaker)
	}
	m.storage = storage

	return m, nil
}

// Catalog returns the product catalog the manager resolves against
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// Storage returns the storage used by the manager, including any circuit
// breaker wrapping.
func (m *Manager) Storage() Storage {
	return m.storage
}

// Now returns the current time from the manager's clock
func (m *Manager) Now() time.Time {
	return m.now()
}

// ActionCost returns the configured credit price of an action
func (m *Manager) ActionCost(action ActionType) (int, error) {
	cost, ok := m.config.ActionCosts[action]
	if !ok {
		return 0, ErrUnknownAction
	}
	return cost, nil
}

// ListLicenses returns every license a user holds, in any status
func (m *Manager) ListLicenses(ctx context.Context, userID string) ([]*UserLicense, error) {
	return m.storage.ListLicenses(ctx, userID)
}

func (m *Manager) timed(operation string, fn func() error) error {
	start := m.now()
	err := fn()
	m.metrics.RecordStorageOperation(operation, m.now().Sub(start), err)
	return err
}
