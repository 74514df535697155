package golicense

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const licenseKeyPrefix = "ADG"

// NewLicenseKey returns an opaque, unguessable license key of the form
// ADG-XXXXXXXX-XXXXXXXX-XXXXXXXX-XXXXXXXX (128 bits of randomness).
func NewLicenseKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate license key: %w", err)
	}
	raw := strings.ToUpper(hex.EncodeToString(buf))
	return licenseKeyPrefix + "-" + raw[0:8] + "-" + raw[8:16] + "-" + raw[16:24] + "-" + raw[24:32], nil
}

// MaskLicenseKey hides all but the first and last four characters of a key
// so it can be logged.
func MaskLicenseKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// NewUserLicense builds an active license for product with a fresh key and
// the product's credit allowance snapshot.
func NewUserLicense(product *Product, userID, transactionID string, amountCents int64,
	purchased time.Time) (*UserLicense, error) {
	key, err := NewLicenseKey()
	if err != nil {
		return nil, err
	}

	var credits *int
	if !product.GrantsUnlimitedCredits() {
		c := product.MonthlyCredits
		credits = &c
	}

	return &UserLicense{
		ID:                  uuid.NewString(),
		UserID:              userID,
		ProductID:           product.ID,
		LicenseKey:          key,
		Status:              StatusActive,
		PurchaseAmountCents: amountCents,
		PurchaseDate:        purchased.UTC(),
		CreditsTotal:        credits,
		TransactionID:       transactionID,
		UpdatedAt:           purchased.UTC(),
	}, nil
}
