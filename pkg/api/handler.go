package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/golicense/pkg/golicense"
)

const (
	maxUserIDLen   = 255
	maxRequestBody = 64 * 1024
)

var errUnauthenticated = errors.New("user ID not found")

// Handler provides the authenticated license and credit endpoints
type Handler struct {
	config Config
}

// Routes returns a router serving the license API. Mount it under /license:
//
//	r.Mount("/license", handler.Routes())
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/me", h.GetLicense)
	r.Get("/credits", h.GetCredits)
	r.Post("/consume-credits", h.ConsumeCredits)
	r.Post("/refund-credits", h.RefundCredits)
	r.Post("/check-feature", h.CheckFeature)
	return r
}

// GetLicense returns the user's resolved entitlement together with every
// license they own, including revoked ones
func (h *Handler) GetLicense(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	manager := h.config.Manager

	ent, err := manager.Resolve(ctx, userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	bal, err := manager.GetBalance(ctx, userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	licenses, err := manager.ListLicenses(ctx, userID)
	if err != nil {
		h.handleError(w, r, &golicense.EntitlementLookupError{UserID: userID, Err: err})
		return
	}

	resp := LicenseResponse{
		UserID:          userID,
		DisplayTier:     ent.DisplayTier,
		OwnedProductIDs: make([]string, 0, len(ent.OwnedProductIDs)),
		Features:        ent.Features.Map(),
		HasUnlimited:    ent.Unlimited,
		Credits:         toCredits(bal),
		Licenses:        make([]LicenseView, 0, len(licenses)),
	}
	for _, id := range ent.OwnedProductIDs {
		resp.OwnedProductIDs = append(resp.OwnedProductIDs, string(id))
	}
	for _, id := range ent.Orphaned {
		resp.OrphanedProducts = append(resp.OrphanedProducts, string(id))
	}
	for _, lic := range licenses {
		view := LicenseView{
			ID:                  lic.ID,
			ProductID:           string(lic.ProductID),
			LicenseKey:          lic.LicenseKey,
			Status:              string(lic.Status),
			PurchaseAmountCents: lic.PurchaseAmountCents,
			PurchaseDate:        lic.PurchaseDate,
		}
		if p, err := manager.Catalog().Lookup(lic.ProductID); err == nil {
			view.ProductName = p.DisplayName
		}
		resp.Licenses = append(resp.Licenses, view)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetCredits returns the user's credit balance in the current cycle
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	bal, err := h.config.Manager.GetBalance(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCredits(bal))
}

// ConsumeCredits charges the price of an action. The receipt's consumptionId
// must be passed to refund-credits when the paid work fails; that holds for
// unlimited users too, whose receipts refund as a no-op.
func (h *Handler) ConsumeCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req ConsumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ActionType) == "" {
		h.handleError(w, r, fmt.Errorf("%w: actionType is required", golicense.ErrUnknownAction))
		return
	}

	metadata, err := flattenMetadata(req.Metadata)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("invalid metadata: %w", err), http.StatusBadRequest)
		return
	}

	result, err := h.config.Manager.Consume(r.Context(), userID, golicense.ActionType(req.ActionType), metadata)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConsumeResponse{
		ConsumptionID: result.ConsumptionID,
		Cost:          result.Cost,
		NewRemaining:  result.NewRemaining,
		Credits:       toCredits(&result.Balance),
	})
}

// RefundCredits returns the credits of a previous consumption. Refunding the
// same consumption twice is a no-op.
func (h *Handler) RefundCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}

	bal, err := h.config.Manager.Refund(r.Context(), userID, req.ConsumptionID, req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCredits(bal))
}

// CheckFeature evaluates a flag ("white_label") or a namespaced collection
// member ("ai_models.gpt-4") for the user
func (h *Handler) CheckFeature(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req CheckFeatureRequest
	if !h.decode(w, r, &req) {
		return
	}

	allowed, err := h.config.Manager.CheckFeature(r.Context(), userID, req.Feature)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckFeatureResponse{Feature: req.Feature, Allowed: allowed})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, errUnauthenticated)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.writeError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return false
	}
	return true
}

// handleError maps domain errors to HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	var insufficient *golicense.InsufficientCreditsError
	switch {
	case errors.Is(err, errUnauthenticated):
		h.writeError(w, r, err, http.StatusUnauthorized)

	case errors.As(err, &insufficient):
		remaining := insufficient.Remaining
		resp := ErrorResponse{
			Error:     err.Error(),
			Required:  insufficient.Required,
			Remaining: &remaining,
		}
		if userID := h.config.GetUserID(r); userID != "" {
			if bal, balErr := h.config.Manager.GetBalance(r.Context(), userID); balErr == nil {
				credits := toCredits(bal)
				resp.Credits = &credits
			}
		}
		writeJSON(w, http.StatusPaymentRequired, resp)

	case golicense.IsRetryable(err):
		h.config.Logger.Warn("license lookup unavailable", golicense.Field{Key: "error", Value: err.Error()})
		w.Header().Set("Retry-After", strconv.Itoa(int(h.config.RetryAfter.Seconds())))
		h.writeError(w, r, fmt.Errorf("license service temporarily unavailable"), http.StatusServiceUnavailable)

	case errors.Is(err, golicense.ErrUnknownFeature),
		errors.Is(err, golicense.ErrUnknownAction),
		errors.Is(err, golicense.ErrInvalidAmount):
		h.writeError(w, r, err, http.StatusBadRequest)

	case errors.Is(err, golicense.ErrConsumptionNotFound):
		h.writeError(w, r, err, http.StatusNotFound)

	default:
		h.config.Logger.Error("license API request failed",
			golicense.Field{Key: "path", Value: r.URL.Path},
			golicense.Field{Key: "error", Value: err.Error()},
		)
		h.writeError(w, r, fmt.Errorf("internal error"), http.StatusInternalServerError)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, _ *http.Request, err error, statusCode int) {
	writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Log encoding error but response already sent
		_ = err
	}
}

func toCredits(bal *golicense.Balance) CreditsResponse {
	out := CreditsResponse{
		Unlimited:  bal.Unlimited,
		Total:      bal.Total,
		Used:       bal.Used,
		Remaining:  bal.Remaining,
		Percentage: bal.Percentage,
	}
	if !bal.Unlimited && !bal.ResetDate.IsZero() {
		reset := bal.ResetDate
		out.ResetDate = &reset
	}
	return out
}

func flattenMetadata(in map[string]interface{}) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if str, ok := v.(string); ok {
			out[k] = str
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		out[k] = string(raw)
	}
	return out, nil
}
