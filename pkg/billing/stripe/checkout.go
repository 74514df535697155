package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/golicense/pkg/billing"
	"github.com/mihaimyh/golicense/pkg/golicense"
)

// CheckoutURL creates a one-time payment Checkout Session for a catalog
// product and returns its URL. The product id travels in the session and
// payment intent metadata so the completion webhook can grant the license.
func (p *Provider) CheckoutURL(ctx context.Context, productID golicense.ProductID,
	email, successURL, cancelURL string) (string, error) {
	if p.stripeClient == nil {
		return "", fmt.Errorf("%w: stripe API key is required for checkout", billing.ErrProviderNotConfigured)
	}

	priceID, ok := p.priceIDs[productID]
	if !ok {
		return "", fmt.Errorf("%w: no stripe price for %q", billing.ErrProductNotMapped, productID)
	}

	metadata := map[string]string{p.metadataKey: string(productID)}
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		Metadata:   metadata,
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "checkout_failed")
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	return session.URL, nil
}
