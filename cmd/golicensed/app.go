package main

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/golicense/internal/config"
	"github.com/mihaimyh/golicense/pkg/billing"
	billingprom "github.com/mihaimyh/golicense/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/golicense/pkg/golicense"
	zerologadapter "github.com/mihaimyh/golicense/pkg/golicense/logger/zerolog"
	licenseprom "github.com/mihaimyh/golicense/pkg/golicense/metrics/prometheus"
	firestorestorage "github.com/mihaimyh/golicense/storage/firestore"
	"github.com/mihaimyh/golicense/storage/memory"
	"github.com/mihaimyh/golicense/storage/postgres"
	redisstorage "github.com/mihaimyh/golicense/storage/redis"
)

const metricsNamespace = "golicense"

// Application holds everything a command needs, built from one Config
type Application struct {
	cfg            *config.Config
	storage        golicense.Storage
	manager        *golicense.Manager
	registry       *prometheus.Registry
	billingMetrics billing.Metrics
	logger         golicense.Logger
	closers        []func()
}

// loadConfig reads the --config flag of the root command
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	setupLogger(cfg)
	return cfg, nil
}

func setupLogger(cfg *config.Config) {
	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// NewApplication opens the configured storage and builds the manager
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	app := &Application{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		logger:   zerologadapter.NewLogger(log.Logger),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.billingMetrics = billingprom.NewMetrics(app.registry, metricsNamespace)

	storage, err := app.openStorage(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.storage = storage

	manager, err := golicense.NewManager(storage, &golicense.Config{
		FreeMonthlyCredits: cfg.DefaultMonthlyCredits,
		CacheConfig: &golicense.CacheConfig{
			Enabled:        cfg.EntitlementCacheTTL > 0,
			EntitlementTTL: cfg.EntitlementCacheTTL,
		},
		CircuitBreakerConfig: &golicense.CircuitBreakerConfig{Enabled: true},
		Metrics:              licenseprom.NewMetrics(app.registry, metricsNamespace),
		Logger:               app.logger,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create license manager: %w", err)
	}
	app.manager = manager
	return app, nil
}

func (a *Application) openStorage(ctx context.Context) (golicense.Storage, error) {
	cfg := a.cfg
	switch cfg.Storage {
	case config.StorageMemory:
		log.Warn().Msg("using in-memory storage; licenses are lost on restart")
		return memory.New(), nil

	case config.StoragePostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresDSN
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	case config.StorageRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return redisstorage.New(client, redisstorage.DefaultConfig())

	case config.StorageFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return firestorestorage.New(client, firestorestorage.Config{})
	}
	return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
}

// BillingConfig returns the provider-neutral billing settings shared by every provider
func (a *Application) BillingConfig() billing.Config {
	return billing.Config{
		Manager:        a.manager,
		ProductMapping: a.cfg.Products(),
		Metrics:        a.billingMetrics,
		Logger:         a.logger,
	}
}

// Close releases storage connections in reverse order of opening
func (a *Application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
