// Package jvzoo receives JVZoo instant payment notifications.
package jvzoo

import (
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/golicense/pkg/billing"
	"github.com/mihaimyh/golicense/pkg/billing/internal"
	"github.com/mihaimyh/golicense/pkg/golicense"
)

const (
	providerName             = "jvzoo"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with JVZoo options.
// billing.Config.WebhookSecret is the JVZoo secret key.
type Config struct {
	billing.Config

	// RateLimitRequests caps notifications per client IP per minute.
	// Defaults to 100.
	RateLimitRequests int
}

// Provider implements the billing.Provider interface for JVZoo
type Provider struct {
	processor   *billing.Processor
	rateLimiter *internal.RateLimiter
	secret      string
	metrics     billing.Metrics
	logger      golicense.Logger
}

// NewProvider creates a new JVZoo billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	processor, err := billing.NewProcessor(config.Config)
	if err != nil {
		return nil, err
	}

	limit := config.RateLimitRequests
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &golicense.NoopLogger{}
	}

	return &Provider{
		processor:   processor,
		rateLimiter: internal.NewRateLimiter(limit, defaultRateLimitWindow),
		secret:      secret,
		metrics:     metrics,
		logger:      logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for JVZoo IPNs
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}
