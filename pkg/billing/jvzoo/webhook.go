package jvzoo

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/mihaimyh/golicense/pkg/billing"
	"github.com/mihaimyh/golicense/pkg/billing/internal"
	"github.com/mihaimyh/golicense/pkg/golicense"
)

// handleWebhook processes one IPN. JVZoo redelivers anything that is not
// answered with 200, so verification failures are acknowledged and only
// processing failures return 500.
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
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	ev, err := ParseIPN(form)
	switch {
	case errors.Is(err, billing.ErrUnsupportedTransactionType):
		p.logger.Debug("jvzoo notification ignored",
			golicense.Field{Key: "transaction_type", Value: form.Get(FieldTransaction)},
		)
		_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	case err != nil:
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}
	ev.Verified = VerifyIPN(form, p.secret)
	ev.RawPayload = body

	result, err := p.processor.ApplyTransaction(r.Context(), ev)
	if err != nil {
		http.Error(w, "failed to process notification", http.StatusInternalServerError)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": string(result.Status)})
}
