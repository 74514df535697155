// Package fiber provides Fiber middleware for feature gating and credit charging
package fiber

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/golicense/pkg/golicense"
)

// ConsumptionKey is the Fiber locals key holding the *golicense.ConsumeResult of the request
const ConsumptionKey = "golicense.consumption"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// ActionExtractor selects the priced action a request performs
type ActionExtractor func(c *fiber.Ctx) golicense.ActionType

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
	OnDenied func(c *fiber.Ctx, feature string) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the entitlement cannot be resolved
	// If nil, returns 503 for retryable errors and 500 otherwise
	OnError func(c *fiber.Ctx, err error) error
}

// RequireFeature creates a Fiber middleware that only lets users holding the feature through
func RequireFeature(cfg FeatureConfig) fiber.Handler {
	if cfg.Manager == nil {
		panic("golicense/fiber: FeatureConfig.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("golicense/fiber: FeatureConfig.GetUserID is required")
	}
	if _, err := golicense.ParseFeatureQuery(cfg.Feature); err != nil {
		panic(fmt.Sprintf("golicense/fiber: %v", err))
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		// Fiber uses fasthttp, so the request context comes from c.UserContext()
		allowed, err := cfg.Manager.CheckFeature(c.UserContext(), userID, cfg.Feature)
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
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":   "Feature not included in license",
				"feature": cfg.Feature,
			})
		}
		return c.Next()
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
	OnInsufficientCredits func(c *fiber.Ctx, err *golicense.InsufficientCreditsError) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 503 for retryable errors and 500 otherwise
	OnError func(c *fiber.Ctx, err error) error

	// Logger records refunds that could not be applied (default: NoopLogger)
	Logger golicense.Logger
}

// ChargeCredits creates a Fiber middleware that debits the action's price
// before the handler runs and refunds it when the handler fails
func ChargeCredits(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("golicense/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("golicense/fiber: Config.GetUserID is required")
	}
	if cfg.GetAction == nil {
		panic("golicense/fiber: Config.GetAction is required")
	}
	if cfg.ShouldRefund == nil {
		cfg.ShouldRefund = func(status int) bool { return status >= fiber.StatusBadRequest }
	}
	if cfg.RefundTimeout == 0 {
		cfg.RefundTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = &golicense.NoopLogger{}
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		ctx := c.UserContext()
		result, err := cfg.Manager.Consume(ctx, userID, cfg.GetAction(c), map[string]string{
			"method": c.Method(),
			"path":   c.Path(),
		})
		if err != nil {
			var insufficient *golicense.InsufficientCreditsError
			switch {
			case errors.As(err, &insufficient):
				if cfg.OnInsufficientCredits != nil {
					return cfg.OnInsufficientCredits(c, insufficient)
				}
				return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
					"error":     "Insufficient credits",
					"required":  insufficient.Required,
					"remaining": insufficient.Remaining,
				})
			case errors.Is(err, golicense.ErrUnknownAction):
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
			case cfg.OnError != nil:
				return cfg.OnError(c, err)
			default:
				return defaultError(c, err)
			}
		}

		if !result.Unlimited {
			c.Set("X-Credits-Remaining", strconv.Itoa(result.NewRemaining))
		}
		c.Locals(ConsumptionKey, result)

		// Refund before a panic reaches the recover middleware
		defer func() {
			if p := recover(); p != nil {
				refund(ctx, &cfg, userID, result, fmt.Sprintf("handler panicked: %v", p))
				panic(p)
			}
		}()
		handlerErr := c.Next()

		status := c.Response().StatusCode()
		if handlerErr != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(handlerErr, &fe) {
				status = fe.Code
			}
		}
		if cfg.ShouldRefund(status) {
			refund(ctx, &cfg, userID, result, fmt.Sprintf("handler responded %d", status))
		}
		return handlerErr
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
func ConsumptionFromContext(c *fiber.Ctx) (*golicense.ConsumeResult, bool) {
	res, ok := c.Locals(ConsumptionKey).(*golicense.ConsumeResult)
	return res, ok
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultError(c *fiber.Ctx, err error) error {
	if golicense.IsRetryable(err) {
		c.Set("Retry-After", "5")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Locals("UserID", "...").
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// Convenience extractors for Action

// FixedAction returns an ActionExtractor that always charges the same action
func FixedAction(action golicense.ActionType) ActionExtractor {
	return func(*fiber.Ctx) golicense.ActionType {
		return action
	}
}

// ActionFromQuery returns an ActionExtractor that reads the action from a query parameter
func ActionFromQuery(name string) ActionExtractor {
	return func(c *fiber.Ctx) golicense.ActionType {
		return golicense.ActionType(c.Query(name))
	}
}
