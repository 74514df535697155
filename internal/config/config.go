// Package config loads the golicensed server configuration from an optional
// config file, a .env file and GOLICENSE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/mihaimyh/golicense/pkg/golicense"
)

// EnvPrefix prefixes every environment variable, e.g. GOLICENSE_PORT
const EnvPrefix = "GOLICENSE"

// DefaultEntitlementCacheTTL applies to memory storage when
// entitlementCacheTTL is not configured. Shared backends default to no cache:
// invalidation only reaches the instance that handled the webhook.
const DefaultEntitlementCacheTTL = 30 * time.Second

// Storage backends
const (
	StorageMemory    = "memory"
	StoragePostgres  = "postgres"
	StorageRedis     = "redis"
	StorageFirestore = "firestore"
)

type Config struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"logLevel"`
	LogFormat string `mapstructure:"logFormat"` // console or json

	Storage          string `mapstructure:"storage"`
	PostgresDSN      string `mapstructure:"postgresDSN"`
	RedisAddr        string `mapstructure:"redisAddr"`
	RedisPassword    string `mapstructure:"redisPassword"`
	RedisDB          int    `mapstructure:"redisDB"`
	FirestoreProject string `mapstructure:"firestoreProject"`

	JVZooSecret         string `mapstructure:"jvzooSecret"`
	StripeAPIKey        string `mapstructure:"stripeAPIKey"`
	StripeWebhookSecret string `mapstructure:"stripeWebhookSecret"`

	// ProductMapping maps provider product ids to catalog product ids. From
	// the environment it is a JSON object:
	//
	//	GOLICENSE_PRODUCTMAPPING='{"401235":"pro_license"}'
	ProductMapping map[string]string `mapstructure:"-"`

	DefaultMonthlyCredits int           `mapstructure:"defaultMonthlyCredits"`
	EntitlementCacheTTL   time.Duration `mapstructure:"entitlementCacheTTL"`

	// AuthHeader carries the authenticated user id, set by the gateway in
	// front of the license API
	AuthHeader string `mapstructure:"authHeader"`

	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// Load reads configuration. configFile may be empty, in which case
// golicense.{yaml,toml,json} is looked up in the working directory and
// /etc/golicense and skipped when absent.
func Load(configFile string) (*Config, error) {
	// .env only fills variables that are not already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	defaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("golicense")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/golicense")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	// A file yields a map, the environment a JSON string; cast handles both
	cfg.ProductMapping = v.GetStringMapString("productMapping")
	if !v.IsSet("entitlementCacheTTL") && cfg.Storage == StorageMemory {
		cfg.EntitlementCacheTTL = DefaultEntitlementCacheTTL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("logLevel", "info")
	v.SetDefault("logFormat", "json")
	v.SetDefault("storage", StorageMemory)
	v.SetDefault("postgresDSN", "")
	v.SetDefault("redisAddr", "localhost:6379")
	v.SetDefault("redisPassword", "")
	v.SetDefault("redisDB", 0)
	v.SetDefault("firestoreProject", "")
	v.SetDefault("jvzooSecret", "")
	v.SetDefault("stripeAPIKey", "")
	v.SetDefault("stripeWebhookSecret", "")
	v.SetDefault("productMapping", map[string]string{})
	v.SetDefault("defaultMonthlyCredits", golicense.DefaultMonthlyCredits)
	v.SetDefault("authHeader", "X-User-ID")
	v.SetDefault("shutdownTimeout", 15*time.Second)
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid logLevel %q: %w", c.LogLevel, err)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("invalid logFormat %q: must be console or json", c.LogFormat)
	}

	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgresDSN is required for postgres storage")
		}
	case StorageRedis:
		if c.RedisAddr == "" {
			return errors.New("redisAddr is required for redis storage")
		}
	case StorageFirestore:
		if c.FirestoreProject == "" {
			return errors.New("firestoreProject is required for firestore storage")
		}
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}

	if c.DefaultMonthlyCredits < 0 {
		return fmt.Errorf("defaultMonthlyCredits must be non-negative, got %d", c.DefaultMonthlyCredits)
	}
	if c.EntitlementCacheTTL < 0 {
		return fmt.Errorf("entitlementCacheTTL must be non-negative, got %s", c.EntitlementCacheTTL)
	}
	if strings.TrimSpace(c.AuthHeader) == "" {
		return errors.New("authHeader is required")
	}
	return nil
}

// Level returns the configured zerolog level
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Products returns ProductMapping typed for billing.Config
func (c *Config) Products() map[string]golicense.ProductID {
	out := make(map[string]golicense.ProductID, len(c.ProductMapping))
	for providerID, productID := range c.ProductMapping {
		out[providerID] = golicense.ProductID(productID)
	}
	return out
}
