package golicense

import (
	"fmt"
	"time"
)

const (
	// DefaultMonthlyCredits is the allowance of a user holding no license.
	DefaultMonthlyCredits = 25

	defaultEntitlementTTL   = 30 * time.Second
	defaultMaxEntitlements  = 1000
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

// CacheConfig holds cache configuration
type CacheConfig struct {
	// Enabled determines if caching is active
	Enabled bool

	// EntitlementTTL is the TTL for cached entitlements (default: 30 seconds)
	EntitlementTTL time.Duration

	// MaxEntitlements is the maximum number of entitlements to cache (default: 1000)
	MaxEntitlements int
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds license manager configuration
type Config struct {
	// Catalog is the product catalog (default: DefaultCatalog())
	Catalog *Catalog

	// FreeMonthlyCredits is the allowance of users without any active license
	// granting credits (default: DefaultMonthlyCredits)
	FreeMonthlyCredits int

	// ActionCosts maps metered actions to their credit price (default: DefaultActionCosts())
	ActionCosts map[ActionType]int

	// CacheConfig configures the entitlement cache
	CacheConfig *CacheConfig

	// CircuitBreakerConfig configures the circuit breaker
	CircuitBreakerConfig *CircuitBreakerConfig

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Validate checks the configuration for values that can never work.
func (c *Config) Validate() error {
	if c.FreeMonthlyCredits < 0 {
		return fmt.Errorf("freeMonthlyCredits must be non-negative, got %d", c.FreeMonthlyCredits)
	}
	for action, cost := range c.ActionCosts {
		if action == "" {
			return fmt.Errorf("actionCosts contains an empty action type")
		}
		if cost < 0 {
			return fmt.Errorf("actionCosts[%s] must be non-negative, got %d", action, cost)
		}
	}
	if cc := c.CacheConfig; cc != nil {
		if cc.EntitlementTTL < 0 {
			return fmt.Errorf("cacheConfig.entitlementTTL must be non-negative, got %s", cc.EntitlementTTL)
		}
		if cc.MaxEntitlements < 0 {
			return fmt.Errorf("cacheConfig.maxEntitlements must be non-negative, got %d", cc.MaxEntitlements)
		}
	}
	if cb := c.CircuitBreakerConfig; cb != nil {
		if cb.FailureThreshold < 0 {
			return fmt.Errorf("circuitBreakerConfig.failureThreshold must be non-negative, got %d", cb.FailureThreshold)
		}
		if cb.ResetTimeout < 0 {
			return fmt.Errorf("circuitBreakerConfig.resetTimeout must be non-negative, got %s", cb.ResetTimeout)
		}
	}
	return nil
}

// withDefaults returns a copy of c with every unset field defaulted.
func (c Config) withDefaults() Config {
	if c.Catalog == nil {
		c.Catalog = DefaultCatalog()
	}
	if c.FreeMonthlyCredits == 0 {
		c.FreeMonthlyCredits = DefaultMonthlyCredits
	}
	if c.ActionCosts == nil {
		c.ActionCosts = DefaultActionCosts()
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if cc := c.CacheConfig; cc != nil && cc.Enabled {
		cp := *cc
		if cp.EntitlementTTL == 0 {
			cp.EntitlementTTL = defaultEntitlementTTL
		}
		if cp.MaxEntitlements == 0 {
			cp.MaxEntitlements = defaultMaxEntitlements
		}
		c.CacheConfig = &cp
	}
	if cb := c.CircuitBreakerConfig; cb != nil && cb.Enabled {
		cp := *cb
		if cp.FailureThreshold == 0 {
			cp.FailureThreshold = defaultFailureThreshold
		}
		if cp.ResetTimeout == 0 {
			cp.ResetTimeout = defaultResetTimeout
		}
		c.CircuitBreakerConfig = &cp
	}
	return c
}
