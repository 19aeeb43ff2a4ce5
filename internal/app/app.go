package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"relaylic/internal/config"
	"relaylic/internal/infrastructure"
	"relaylic/internal/license"
	customMiddleware "relaylic/internal/middleware"
	"relaylic/internal/services"
	"relaylic/internal/store"
	handlers "relaylic/internal/transport/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
)

const (
	// Version is the server version reported by /healthz.
	Version = "1.2.0"
	AppName = "relay-licensing-server"
)

// Application wires configuration, storage, services and the HTTP
// server for the licensing check-in service.
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Store         *store.Store
	Service       services.LicensingService
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
}

// NewApplication creates a fully wired application instance.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.Int("port", cfg.Server.Port))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry.TraceExport, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices opens the store and constructs the licensing service.
func (a *Application) initializeServices() error {
	if dir := filepath.Dir(a.Config.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	st, err := store.Open(a.Config.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.Store = st

	pemData, err := os.ReadFile(a.Config.Keys.PublicKeyPath)
	if err != nil {
		return fmt.Errorf("failed to read public key %s: %w", a.Config.Keys.PublicKeyPath, err)
	}
	verifier, err := license.NewVerifierFromPEM(pemData)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}

	a.Service = services.NewLicensingService(st, verifier, a.Logger)
	return nil
}

// setupRouter configures the HTTP router with all routes.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(middleware.Timeout(a.Config.Server.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		// Verify is unauthenticated but rate limited: every
		// installation in the field calls it.
		r.Group(func(r chi.Router) {
			if a.Config.RateLimit.Enabled {
				r.Use(customMiddleware.NewRateLimiter(
					a.Config.RateLimit.RPS,
					a.Config.RateLimit.Burst,
					a.Logger,
				).Handler)
			}
			verifyHandler := handlers.NewVerifyHandler(a.Service, a.Logger)
			r.Mount("/verify", verifyHandler.Routes())
		})

		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.AdminAuth(a.Config.Admin.Token, a.Logger))
			adminHandler := handlers.NewAdminHandler(a.Service, a.Logger)
			r.Mount("/admin", adminHandler.Routes())
		})
	})

	healthHandler := handlers.NewHealthHandler(a.Store, a.Logger, Version)
	r.Mount("/healthz", healthHandler.Routes())

	if a.OTelProviders != nil && a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start begins serving. Errors from the listener cancel the supplied
// context so Run can unwind.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "server listening",
		slog.String("addr", a.Server.Addr),
		slog.Bool("admin_api_enabled", a.Config.Admin.Token != ""),
		slog.Bool("rate_limit_enabled", a.Config.RateLimit.Enabled))

	if a.Config.Admin.Token == "" {
		a.Logger.WarnContext(ctx, "admin token not configured, admin API disabled")
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	return nil
}

// Stop gracefully stops the application.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "error closing store", slog.String("error", err.Error()))
		}
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "error shutting down telemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "shutdown complete")
	return nil
}

// Run runs the application until interrupted.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "received interrupt signal")
	case <-ctx.Done():
	}

	// Use a fresh context for shutdown, the run context may be done.
	return a.Stop(context.Background())
}
