package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/golicense/pkg/billing"
	"github.com/mihaimyh/golicense/pkg/billing/internal"
	"github.com/mihaimyh/golicense/pkg/golicense"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	// Stripe signs the whole body, so nothing in an unsigned payload can be
	// trusted enough to record it.
	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), p.webhookSecret)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "invalid_signature")
		p.logger.Warn("stripe webhook signature rejected", golicense.Field{Key: "error", Value: err})
		return
	}

	ev, err := p.ToEvent(&event)
	if errors.Is(err, billing.ErrUnsupportedTransactionType) {
		_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		p.logger.Warn("stripe event could not be mapped",
			golicense.Field{Key: "event_id", Value: event.ID},
			golicense.Field{Key: "event_type", Value: string(event.Type)},
			golicense.Field{Key: "error", Value: err},
		)
		return
	}
	ev.RawPayload = body

	result, err := p.processor.ApplyTransaction(r.Context(), ev)
	if err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": string(result.Status)})
}

// ToEvent maps a verified Stripe event to a purchase notification. Events
// that do not change license state return ErrUnsupportedTransactionType.
//
// The payment intent id is the transaction id, so refunds and disputes find
// the license their checkout granted.
func (p *Provider) ToEvent(event *stripe.Event) (*billing.Event, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}

	ev := &billing.Event{
		Provider:   providerName,
		Verified:   true,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal checkout session: %v", billing.ErrInvalidWebhookPayload, err)
		}
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			// Delayed payment methods complete later with async_payment_succeeded.
			return nil, fmt.Errorf("%w: checkout session %s is %s", billing.ErrUnsupportedTransactionType,
				session.ID, session.PaymentStatus)
		}
		ev.Type = golicense.TxnSale
		ev.TransactionID = session.ID
		if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
			ev.TransactionID = session.PaymentIntent.ID
		}
		ev.ProviderProductID = session.Metadata[p.metadataKey]
		ev.AmountCents = session.AmountTotal
		ev.CustomerEmail = session.CustomerEmail
		if d := session.CustomerDetails; d != nil {
			if d.Email != "" {
				ev.CustomerEmail = d.Email
			}
			ev.CustomerName = d.Name
		}

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal charge: %v", billing.ErrInvalidWebhookPayload, err)
		}
		if !charge.Refunded {
			return nil, fmt.Errorf("%w: partial refund of charge %s", billing.ErrUnsupportedTransactionType, charge.ID)
		}
		ev.Type = golicense.TxnRefund
		p.fillFromCharge(ev, &charge)
		ev.AmountCents = charge.AmountRefunded

	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal dispute: %v", billing.ErrInvalidWebhookPayload, err)
		}
		ev.Type = golicense.TxnChargeback
		if dispute.Charge != nil {
			p.fillFromCharge(ev, dispute.Charge)
		}
		if dispute.PaymentIntent != nil && dispute.PaymentIntent.ID != "" {
			ev.TransactionID = dispute.PaymentIntent.ID
		}
		if ev.TransactionID == "" {
			ev.TransactionID = dispute.ID
		}
		ev.AmountCents = dispute.Amount

	default:
		return nil, fmt.Errorf("%w: %s", billing.ErrUnsupportedTransactionType, event.Type)
	}

	if ev.TransactionID == "" {
		return nil, fmt.Errorf("%w: event %s carries no transaction id", billing.ErrInvalidWebhookPayload, event.ID)
	}
	return ev, nil
}

func (p *Provider) fillFromCharge(ev *billing.Event, charge *stripe.Charge) {
	ev.TransactionID = charge.ID
	if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
		ev.TransactionID = charge.PaymentIntent.ID
	}
	ev.ProviderProductID = charge.Metadata[p.metadataKey]
	ev.CustomerEmail = charge.ReceiptEmail
	if d := charge.BillingDetails; d != nil {
		if d.Email != "" {
			ev.CustomerEmail = d.Email
		}
		ev.CustomerName = d.Name
	}
}
