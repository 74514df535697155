package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/golicense/pkg/api"
	"github.com/mihaimyh/golicense/pkg/billing/jvzoo"
	stripeprovider "github.com/mihaimyh/golicense/pkg/billing/stripe"
)

func RunServeCommand() *cobra.Command {
	var migrate bool

	command := &cobra.Command{
		Use:   "serve",
		Short: "Start the license API and webhook server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := NewApplication(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			if migrate {
				if err := migrateStorage(ctx, app); err != nil {
					return err
				}
			}

			router, err := NewRouter(app)
			if err != nil {
				return err
			}
			return runServer(ctx, app, router)
		},
	}

	command.Flags().BoolVar(&migrate, "migrate", false, "apply the storage schema before serving")

	return command
}

// NewRouter mounts the license API, the purchase webhooks and /metrics
func NewRouter(app *Application) (http.Handler, error) {
	cfg := app.cfg

	handler, err := api.NewHandler(api.Config{
		Manager:   app.manager,
		GetUserID: api.FromHeader(cfg.AuthHeader),
		Logger:    app.logger,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	r.Mount("/license", handler.Routes())

	if cfg.JVZooSecret != "" {
		billingCfg := app.BillingConfig()
		billingCfg.WebhookSecret = cfg.JVZooSecret
		provider, err := jvzoo.NewProvider(jvzoo.Config{Config: billingCfg})
		if err != nil {
			return nil, fmt.Errorf("failed to configure jvzoo: %w", err)
		}
		r.Method(http.MethodPost, "/webhooks/jvzoo", provider.WebhookHandler())
	} else {
		log.Warn().Msg("jvzooSecret not set; JVZoo webhook disabled")
	}

	if cfg.StripeWebhookSecret != "" {
		billingCfg := app.BillingConfig()
		billingCfg.WebhookSecret = cfg.StripeWebhookSecret
		provider, err := stripeprovider.NewProvider(stripeprovider.Config{
			Config:       billingCfg,
			StripeAPIKey: cfg.StripeAPIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure stripe: %w", err)
		}
		r.Method(http.MethodPost, "/webhooks/stripe", provider.WebhookHandler())
	}

	return r, nil
}

func runServer(ctx context.Context, app *Application, router http.Handler) error {
	srv := &http.Server{
		Addr:              app.cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("storage", app.cfg.Storage).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
