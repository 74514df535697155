package jvzoo

import (
	"crypto/sha1" //nolint:gosec // the IPN digest is defined over SHA-1
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/golicense/pkg/billing"
)

// IPN form fields
const (
	FieldVerify       = "cverify"
	FieldTransaction  = "ctransaction"
	FieldReceipt      = "ctransreceipt"
	FieldProductItem  = "cproditem"
	FieldCustomerMail = "ccustemail"
	FieldCustomerName = "ccustname"
	FieldAmount       = "ctransamount"
	FieldTime         = "ctranstime"
)

// ComputeVerification returns the cverify digest of an IPN: the upper-cased
// first 8 hex characters of SHA-1 over every other field value, in sorted
// field-name order, each followed by "|", then the secret key.
func ComputeVerification(form url.Values, secret string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		if k == FieldVerify {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(form.Get(k))
		b.WriteByte('|')
	}
	b.WriteString(secret)

	sum := sha1.Sum([]byte(b.String())) //nolint:gosec
	return strings.ToUpper(hex.EncodeToString(sum[:])[:8])
}

// VerifyIPN reports whether the IPN carries a valid cverify for secret
func VerifyIPN(form url.Values, secret string) bool {
	given := strings.ToUpper(strings.TrimSpace(form.Get(FieldVerify)))
	if secret == "" || given == "" {
		return false
	}
	expected := ComputeVerification(form, secret)
	return subtle.ConstantTimeCompare([]byte(given), []byte(expected)) == 1
}

// ParseIPN normalizes an IPN form into a billing event. Verified is left
// false; the caller decides it with VerifyIPN.
func ParseIPN(form url.Values) (*billing.Event, error) {
	receipt := strings.TrimSpace(form.Get(FieldReceipt))
	if receipt == "" {
		return nil, fmt.Errorf("%w: missing %s", billing.ErrInvalidWebhookPayload, FieldReceipt)
	}

	typ, err := billing.ParseTransactionType(form.Get(FieldTransaction))
	if err != nil {
		return nil, err
	}

	amount, err := parseCents(form.Get(FieldAmount))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", billing.ErrInvalidWebhookPayload, FieldAmount, err)
	}

	ev := &billing.Event{
		Provider:          providerName,
		TransactionID:     receipt,
		Type:              typ,
		ProviderProductID: strings.TrimSpace(form.Get(FieldProductItem)),
		CustomerEmail:     strings.TrimSpace(form.Get(FieldCustomerMail)),
		CustomerName:      strings.TrimSpace(form.Get(FieldCustomerName)),
		AmountCents:       amount,
	}
	if ts, err := strconv.ParseInt(strings.TrimSpace(form.Get(FieldTime)), 10, 64); err == nil && ts > 0 {
		ev.OccurredAt = time.Unix(ts, 0).UTC()
	}
	return ev, nil
}

// parseCents converts a decimal amount such as "97.00" to cents. Refund
// amounts arrive negative and are stored as their magnitude.
func parseCents(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(math.Abs(v) * 100)), nil
}
