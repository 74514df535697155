package api

import "time"

// LicenseResponse is the resolved license state of the authenticated user
type LicenseResponse struct {
	UserID           string                 `json:"userId"`
	DisplayTier      string                 `json:"tier"`
	OwnedProductIDs  []string               `json:"ownedProductIds"`
	Features         map[string]interface{} `json:"features"`
	HasUnlimited     bool                   `json:"hasUnlimitedCredits"`
	Credits          CreditsResponse        `json:"credits"`
	Licenses         []LicenseView          `json:"licenses"`
	OrphanedProducts []string               `json:"orphanedProducts,omitempty"`
}

// LicenseView is one owned license in any status
type LicenseView struct {
	ID                  string    `json:"id"`
	ProductID           string    `json:"productId"`
	ProductName         string    `json:"productName,omitempty"`
	LicenseKey          string    `json:"licenseKey"`
	Status              string    `json:"status"`
	PurchaseAmountCents int64     `json:"purchaseAmountCents"`
	PurchaseDate        time.Time `json:"purchaseDate"`
}

// CreditsResponse is the credit balance of a user
type CreditsResponse struct {
	Unlimited  bool       `json:"unlimited"`
	Total      int        `json:"total"`
	Used       int        `json:"used"`
	Remaining  int        `json:"remaining"`
	Percentage float64    `json:"percentage"`
	ResetDate  *time.Time `json:"resetDate,omitempty"` // Absent for unlimited users
}

// ConsumeRequest is the body of POST /license/consume-credits
type ConsumeRequest struct {
	ActionType string `json:"actionType"`
	// Metadata values may be any JSON; non-string values are stored in
	// their JSON encoding
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ConsumeResponse is the receipt of a successful consumption
type ConsumeResponse struct {
	ConsumptionID string          `json:"consumptionId"`
	Cost          int             `json:"cost"`
	NewRemaining  int             `json:"newRemaining"`
	Credits       CreditsResponse `json:"credits"`
}

// RefundRequest is the body of POST /license/refund-credits
type RefundRequest struct {
	ConsumptionID string `json:"consumptionId"`
	Reason        string `json:"reason,omitempty"`
}

// CheckFeatureRequest is the body of POST /license/check-feature
type CheckFeatureRequest struct {
	Feature string `json:"feature"`
}

// CheckFeatureResponse reports whether the user holds a feature
type CheckFeatureResponse struct {
	Feature string `json:"feature"`
	Allowed bool   `json:"allowed"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`

	// Set on 402 so clients can prompt an upgrade
	Required  int              `json:"required,omitempty"`
	Remaining *int             `json:"remaining,omitempty"`
	Credits   *CreditsResponse `json:"credits,omitempty"`
}
