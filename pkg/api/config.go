package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/golicense/pkg/golicense"
)

// Config holds configuration for the license API handler
type Config struct {
	// Manager is the license manager instance (required)
	Manager *golicense.Manager

	// GetUserID extracts the authenticated user ID from the request (required).
	// An empty result is answered with 401.
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// RetryAfter is advertised when entitlements cannot be resolved (default: 5s)
	RetryAfter time.Duration

	// Logger receives internal errors. Defaults to a no-op logger.
	Logger golicense.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new license API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.RetryAfter <= 0 {
		config.RetryAfter = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &golicense.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
