// Package echo provides Echo middleware for feature gating and credit charging
package echo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/golicense/pkg/golicense"
)

// ConsumptionKey is the Echo context key holding the *golicense.ConsumeResult of the request
const ConsumptionKey = "golicense.consumption"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// ActionExtractor selects the priced action a request performs
type ActionExtractor func(c echo.Context) golicense.ActionType

// FeatureConfig configures RequireFeature
type FeatureConfig struct {
	// Manager is the license manager instance
	Manager *golicense.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Feature is a flag ("white_label") or collection member ("ai_models.gpt-4")
	Feature string

	// OnDenied is called when the user lacks the feature
	// If nil, returns 403 JSON
	OnDenied func(c echo.Context, feature string) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the entitlement cannot be resolved
	// If nil, returns 503 for retryable errors and 500 otherwise
	OnError func(c echo.Context, err error) error
}

// RequireFeature creates an Echo middleware that only lets users holding the feature through
func RequireFeature(cfg FeatureConfig) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("golicense/echo: FeatureConfig.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("golicense/echo: FeatureConfig.GetUserID is required")
	}
	if _, err := golicense.ParseFeatureQuery(cfg.Feature); err != nil {
		panic(fmt.Sprintf("golicense/echo: %v", err))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			allowed, err := cfg.Manager.CheckFeature(c.Request().Context(), userID, cfg.Feature)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}
			if !allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, cfg.Feature)
				}
				return c.JSON(http.StatusForbidden, map[string]string{
					"error":   "Feature not included in license",
					"feature": cfg.Feature,
				})
			}
			return next(c)
		}
	}
}

// Config configures ChargeCredits
type Config struct {
	// Manager is the license manager instance
	Manager *golicense.Manager

	// GetUserID extracts user ID from context (required)
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
	// If nil, returns 402 JSON
	OnInsufficientCredits func(c echo.Context, err *golicense.InsufficientCreditsError) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 503 for retryable errors and 500 otherwise
	OnError func(c echo.Context, err error) error

	// Logger records refunds that could not be applied (default: NoopLogger)
	Logger golicense.Logger
}

// ChargeCredits creates an Echo middleware that debits the action's price
// before the handler runs and refunds it when the handler fails
func ChargeCredits(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("golicense/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("golicense/echo: Config.GetUserID is required")
	}
	if cfg.GetAction == nil {
		panic("golicense/echo: Config.GetAction is required")
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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			ctx := c.Request().Context()
			result, err := cfg.Manager.Consume(ctx, userID, cfg.GetAction(c), map[string]string{
				"method": c.Request().Method,
				"path":   c.Path(),
			})
			if err != nil {
				var insufficient *golicense.InsufficientCreditsError
				switch {
				case errors.As(err, &insufficient):
					if cfg.OnInsufficientCredits != nil {
						return cfg.OnInsufficientCredits(c, insufficient)
					}
					return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
						"error":     "Insufficient credits",
						"required":  insufficient.Required,
						"remaining": insufficient.Remaining,
					})
				case errors.Is(err, golicense.ErrUnknownAction):
					return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
				case cfg.OnError != nil:
					return cfg.OnError(c, err)
				default:
					return defaultError(c, err)
				}
			}

			if !result.Unlimited {
				c.Response().Header().Set("X-Credits-Remaining", strconv.Itoa(result.NewRemaining))
			}
			c.Set(ConsumptionKey, result)

			// Refund before a panic reaches middleware.Recover
			defer func() {
				if p := recover(); p != nil {
					refund(ctx, &cfg, userID, result, fmt.Sprintf("handler panicked: %v", p))
					panic(p)
				}
			}()
			handlerErr := next(c)

			status := c.Response().Status
			if handlerErr != nil {
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(handlerErr, &he) {
					status = he.Code
				}
			}
			if cfg.ShouldRefund(status) {
				refund(ctx, &cfg, userID, result, fmt.Sprintf("handler responded %d", status))
			}
			return handlerErr
		}
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
func ConsumptionFromContext(c echo.Context) (*golicense.ConsumeResult, bool) {
	res, ok := c.Get(ConsumptionKey).(*golicense.ConsumeResult)
	return res, ok
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultError(c echo.Context, err error) error {
	if golicense.IsRetryable(err) {
		c.Response().Header().Set("Retry-After", "5")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Action

// FixedAction returns an ActionExtractor that always charges the same action
func FixedAction(action golicense.ActionType) ActionExtractor {
	return func(echo.Context) golicense.ActionType {
		return action
	}
}

// ActionFromQuery returns an ActionExtractor that reads the action from a query parameter
func ActionFromQuery(name string) ActionExtractor {
	return func(c echo.Context) golicense.ActionType {
		return golicense.ActionType(c.QueryParam(name))
	}
}
