// Package gin provides Gin middleware for feature gating and credit charging
package gin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/mihaimyh/golicense/pkg/golicense"
)

// ConsumptionKey is the Gin context key holding the *golicense.ConsumeResult of the request
const ConsumptionKey = "golicense.consumption"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// ActionExtractor selects the priced action a request performs
type ActionExtractor func(c *gongin.Context) golicense.ActionType

// FeatureConfig configures RequireFeature
type FeatureConfig struct {
	// Manager is the license manager instance
	Manager *golicense.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Feature is a flag ("white_label") or collection member ("ai_models.gpt-4")
	Feature string

	// OnDenied is called when the user lacks the feature
	// If nil, aborts with 403 JSON
	OnDenied func(c *gongin.Context, feature string)

	// OnUnauthorized is called when user is not authenticated
	// If nil, aborts with 401 JSON
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the entitlement cannot be resolved
	// If nil, aborts with 503 for retryable errors and 500 otherwise
	OnError func(c *gongin.Context, err error)
}

// RequireFeature creates a Gin middleware that only lets users holding the feature through
func RequireFeature(cfg FeatureConfig) gongin.HandlerFunc {
	if cfg.Manager == nil {
		panic("golicense/gin: FeatureConfig.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("golicense/gin: FeatureConfig.GetUserID is required")
	}
	if _, err := golicense.ParseFeatureQuery(cfg.Feature); err != nil {
		panic(fmt.Sprintf("golicense/gin: %v", err))
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
				return
			}
			defaultUnauthorized(c)
			return
		}

		allowed, err := cfg.Manager.CheckFeature(c.Request.Context(), userID, cfg.Feature)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
				return
			}
			defaultError(c, err)
			return
		}
		if !allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, cfg.Feature)
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gongin.H{
				"error":   "Feature not included in license",
				"feature": cfg.Feature,
			})
			return
		}

		c.Next()
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
	// If nil, aborts with 402 JSON
	OnInsufficientCredits func(c *gongin.Context, err *golicense.InsufficientCreditsError)

	// OnUnauthorized is called when user is not authenticated
	// If nil, aborts with 401 JSON
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, aborts with 503 for retryable errors and 500 otherwise
	OnError func(c *gongin.Context, err error)

	// Logger records refunds that could not be applied (default: NoopLogger)
	Logger golicense.Logger
}

// ChargeCredits creates a Gin middleware that debits the action's price before
// the handler chain runs and refunds it when the chain reports failure
func ChargeCredits(cfg Config) gongin.HandlerFunc {
	if cfg.Manager == nil {
		panic("golicense/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("golicense/gin: Config.GetUserID is required")
	}
	if cfg.GetAction == nil {
		panic("golicense/gin: Config.GetAction is required")
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

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
				return
			}
			defaultUnauthorized(c)
			return
		}

		ctx := c.Request.Context()
		result, err := cfg.Manager.Consume(ctx, userID, cfg.GetAction(c), map[string]string{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		})
		if err != nil {
			var insufficient *golicense.InsufficientCreditsError
			switch {
			case errors.As(err, &insufficient):
				if cfg.OnInsufficientCredits != nil {
					cfg.OnInsufficientCredits(c, insufficient)
					return
				}
				c.AbortWithStatusJSON(http.StatusPaymentRequired, gongin.H{
					"error":     "Insufficient credits",
					"required":  insufficient.Required,
					"remaining": insufficient.Remaining,
				})
			case errors.Is(err, golicense.ErrUnknownAction):
				c.AbortWithStatusJSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			default:
				defaultError(c, err)
			}
			return
		}

		if !result.Unlimited {
			c.Header("X-Credits-Remaining", strconv.Itoa(result.NewRemaining))
		}
		c.Set(ConsumptionKey, result)

		// gin.Recovery sits in front of this middleware; refund before the
		// panic reaches it.
		defer func() {
			p := recover()
			switch {
			case p != nil:
				refund(ctx, &cfg, userID, result, fmt.Sprintf("handler panicked: %v", p))
				panic(p)
			case cfg.ShouldRefund(c.Writer.Status()):
				refund(ctx, &cfg, userID, result, fmt.Sprintf("handler responded %d", c.Writer.Status()))
			}
		}()
		c.Next()
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
func ConsumptionFromContext(c *gongin.Context) (*golicense.ConsumeResult, bool) {
	val, ok := c.Get(ConsumptionKey)
	if !ok {
		return nil, false
	}
	res, ok := val.(*golicense.ConsumeResult)
	return res, ok
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultError(c *gongin.Context, err error) {
	if golicense.IsRetryable(err) {
		c.Header("Retry-After", "5")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...").
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In license middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Action

// FixedAction returns an ActionExtractor that always charges the same action
func FixedAction(action golicense.ActionType) ActionExtractor {
	return func(*gongin.Context) golicense.ActionType {
		return action
	}
}

// ActionFromQuery returns an ActionExtractor that reads the action from a query parameter
func ActionFromQuery(name string) ActionExtractor {
	return func(c *gongin.Context) golicense.ActionType {
		return golicense.ActionType(c.Query(name))
	}
}
