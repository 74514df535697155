// Package http provides net/http middleware for feature gating and credit charging
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/golicense/pkg/golicense"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// ActionExtractor selects the priced action a request performs
type ActionExtractor func(r *http.Request) golicense.ActionType

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "license:userID"

	consumptionKey ContextKey = "license:consumption"
)

// FeatureConfig configures RequireFeature
type FeatureConfig struct {
	// Manager is the license manager instance
	Manager *golicense.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Feature is a flag ("white_label") or collection member ("ai_models.gpt-4")
	Feature string

	// OnDenied is called when the user lacks the feature
	// If nil, returns 403 Forbidden
	OnDenied func(w http.ResponseWriter, r *http.Request, feature string)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the entitlement cannot be resolved
	// If nil, returns 503 for retryable errors and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireFeature creates middleware that only lets users holding the feature through
func RequireFeature(cfg FeatureConfig) func(http.Handler) http.Handler {
	if cfg.Manager == nil {
		panic("golicense/http: FeatureConfig.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("golicense/http: FeatureConfig.GetUserID is required")
	}
	if _, err := golicense.ParseFeatureQuery(cfg.Feature); err != nil {
		panic(fmt.Sprintf("golicense/http: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := cfg.GetUserID(r)
			if userID == "" {
				unauthorized(w, r, cfg.OnUnauthorized)
				return
			}

			allowed, err := cfg.Manager.CheckFeature(r.Context(), userID, cfg.Feature)
			if err != nil {
				fail(w, r, err, cfg.OnError)
				return
			}
			if !allowed {
				if cfg.OnDenied != nil {
					cfg.OnDenied(w, r, cfg.Feature)
					return
				}
				http.Error(w, "Feature not included in license: "+cfg.Feature, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, WithUserID(r.Context(), userID, r))
		})
	}
}

// Config configures ChargeCredits
type Config struct {
	// Manager is the license manager instance
	Manager *golicense.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetAction selects the action to charge for (required)
	GetAction ActionExtractor

	// ShouldRefund decides from the handler's status code whether the charge is returned
	// Default: any status >= 400
	ShouldRefund func(status int) bool

	// RefundTimeout bounds the refund call made after the handler returns
	// Default: 5s
	RefundTimeout time.Duration

	// OnInsufficientCredits is called when the balance cannot cover the action
	// If nil, returns 402 Payment Required
	OnInsufficientCredits func(w http.ResponseWriter, r *http.Request, err *golicense.InsufficientCreditsError)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 503 for retryable errors and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger records refunds that could not be applied (default: NoopLogger)
	Logger golicense.Logger
}

// ChargeCredits creates middleware that debits the action's price before the
// handler runs and refunds it when the handler reports failure
func ChargeCredits(cfg Config) func(http.Handler) http.Handler {
	if cfg.Manager == nil {
		panic("golicense/http: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("golicense/http: Config.GetUserID is required")
	}
	if cfg.GetAction == nil {
		panic("golicense/http: Config.GetAction is required")
	}
	if cfg.ShouldRefund == nil {
		cfg.ShouldRefund = func(status int) bool { return status >= http.StatusBadRequest }
	}
	if cfg.RefundTimeout == 0 {
		cfg.RefundTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = &golicense.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := cfg.GetUserID(r)
			if userID == "" {
				unauthorized(w, r, cfg.OnUnauthorized)
				return
			}

			action := cfg.GetAction(r)
			result, err := cfg.Manager.Consume(r.Context(), userID, action, map[string]string{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			if err != nil {
				var insufficient *golicense.InsufficientCreditsError
				if errors.As(err, &insufficient) {
					if cfg.OnInsufficientCredits != nil {
						cfg.OnInsufficientCredits(w, r, insufficient)
						return
					}
					w.Header().Set("X-Credits-Required", strconv.Itoa(insufficient.Required))
					w.Header().Set("X-Credits-Remaining", strconv.Itoa(insufficient.Remaining))
					http.Error(w, "Insufficient credits", http.StatusPaymentRequired)
					return
				}
				if errors.Is(err, golicense.ErrUnknownAction) {
					http.Error(w, "Bad Request", http.StatusBadRequest)
					return
				}
				fail(w, r, err, cfg.OnError)
				return
			}

			if !result.Unlimited {
				w.Header().Set("X-Credits-Remaining", strconv.Itoa(result.NewRemaining))
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			ctx := context.WithValue(r.Context(), consumptionKey, result)
			ctx = context.WithValue(ctx, UserIDKey, userID)

			// A panicking handler is a failed generation: refund, then let
			// the panic reach the recovery middleware.
			defer func() {
				p := recover()
				switch {
				case p != nil:
					refund(r.Context(), &cfg, userID, result, fmt.Sprintf("handler panicked: %v", p))
					panic(p)
				case cfg.ShouldRefund(rec.status):
					refund(r.Context(), &cfg, userID, result, fmt.Sprintf("handler responded %d", rec.status))
				}
			}()
			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

func refund(ctx context.Context, cfg *Config, userID string, result *golicense.ConsumeResult, reason string) {
	if result.Unlimited || result.Cost == 0 {
		return
	}
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.RefundTimeout)
	defer cancel()
	if _, err := cfg.Manager.Refund(refundCtx, userID, result.ConsumptionID, reason); err != nil {
		cfg.Logger.Error("failed to refund credits",
			golicense.Field{Key: "user_id", Value: userID},
			golicense.Field{Key: "consumption_id", Value: result.ConsumptionID},
			golicense.Field{Key: "error", Value: err.Error()},
		)
	}
}

// ConsumptionFromContext returns the charge made by ChargeCredits for this request
func ConsumptionFromContext(ctx context.Context) (*golicense.ConsumeResult, bool) {
	res, ok := ctx.Value(consumptionKey).(*golicense.ConsumeResult)
	return res, ok
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func unauthorized(w http.ResponseWriter, r *http.Request, handler func(http.ResponseWriter, *http.Request)) {
	if handler != nil {
		handler(w, r)
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func fail(w http.ResponseWriter, r *http.Request, err error, handler func(http.ResponseWriter, *http.Request, error)) {
	if handler != nil {
		handler(w, r, err)
		return
	}
	if golicense.IsRetryable(err) {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

// FixedAction returns an ActionExtractor that always charges the same action
func FixedAction(action golicense.ActionType) ActionExtractor {
	return func(*http.Request) golicense.ActionType {
		return action
	}
}

// ActionFromQuery returns an ActionExtractor that reads the action from a query parameter
func ActionFromQuery(name string) ActionExtractor {
	return func(r *http.Request) golicense.ActionType {
		return golicense.ActionType(r.URL.Query().Get(name))
	}
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID returns a shallow copy of r carrying the user ID in its context
func WithUserID(ctx context.Context, userID string, r *http.Request) *http.Request {
	return r.WithContext(context.WithValue(ctx, UserIDKey, userID))
}
