package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/golicense/pkg/billing"
	"github.com/mihaimyh/golicense/pkg/billing/internal"
	"github.com/mihaimyh/golicense/pkg/golicense"
)

const (
	providerName              = "stripe"
	defaultRateLimitWindow    = time.Minute
	defaultRateLimitRequests  = 100
	defaultProductMetadataKey = "product_id"
)

// Config extends billing.Config with Stripe-specific options.
// billing.Config.WebhookSecret is the endpoint signing secret (whsec_...).
type Config struct {
	billing.Config // Base config (Manager, ProductMapping, etc.)

	// StripeAPIKey enables CheckoutURL. Webhooks work without it.
	StripeAPIKey string

	// ProductMetadataKey is the checkout session metadata key carrying the
	// product id. Defaults to "product_id".
	ProductMetadataKey string
}

// Provider implements the billing.Provider interface for Stripe one-time
// license purchases
type Provider struct {
	processor     *billing.Processor
	rateLimiter   *internal.RateLimiter
	webhookSecret string
	metadataKey   string
	priceIDs      map[golicense.ProductID]string
	stripeClient  *stripe.Client
	metrics       billing.Metrics
	logger        golicense.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	webhookSecret := strings.TrimSpace(config.WebhookSecret)
	if webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	processor, err := billing.NewProcessor(config.Config)
	if err != nil {
		return nil, err
	}

	metadataKey := config.ProductMetadataKey
	if metadataKey == "" {
		metadataKey = defaultProductMetadataKey
	}

	// Reverse mapping for checkout: product -> Stripe price id
	priceIDs := make(map[golicense.ProductID]string)
	for priceID, productID := range config.ProductMapping {
		if strings.HasPrefix(priceID, "price_") {
			priceIDs[productID] = priceID
		}
	}

	var client *stripe.Client
	if apiKey := strings.TrimSpace(config.StripeAPIKey); apiKey != "" {
		client = stripe.NewClient(apiKey)
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
		processor:     processor,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret: webhookSecret,
		metadataKey:   metadataKey,
		priceIDs:      priceIDs,
		stripeClient:  client,
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}
