package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/config"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/entitlement"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/entitlement/mongostore"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/entitlement/postgres"
	apierrors "github.com/Micka420-collab/CRM-SERV-sub000/internal/errors"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/infrastructure"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/licensekey"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/middleware"
	handlers "github.com/Micka420-collab/CRM-SERV-sub000/internal/transport/http"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts"
)

// Application represents the entitlement server
type Application struct {
	Config  *config.Config
	Logger  *slog.Logger
	OTel    *infrastructure.OTelProviders
	Store   entitlement.Store
	Service *entitlement.Service
	// Codec is nil when no signing secret is configured
	Codec  *licensekey.Codec
	Health *handlers.HealthHandler
	Router *chi.Mux
	Server *http.Server

	ownsStore bool
	ownsOTel  bool
}

type options struct {
	logger    *slog.Logger
	store     entitlement.Store
	providers *infrastructure.OTelProviders
	clock     func() time.Time
}

// Option configures New
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStore injects a store instead of opening the configured backend. The
// application does not close an injected store.
func WithStore(s entitlement.Store) Option {
	return func(o *options) { o.store = s }
}

// WithTelemetry injects OpenTelemetry providers instead of initializing them
func WithTelemetry(p *infrastructure.OTelProviders) Option {
	return func(o *options) { o.providers = p }
}

// WithClock sets the entitlement service clock
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New creates a new application instance with dependency injection
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	a := &Application{
		Config: cfg,
		Logger: o.logger,
	}

	a.Logger.InfoContext(ctx, "application starting",
		slog.String("version", contracts.Version),
		slog.String("store_driver", cfg.Store.Driver),
		slog.Int("port", cfg.Server.Port))

	a.OTel = o.providers
	if a.OTel == nil {
		providers, err := infrastructure.InitializeOTel(cfg.Telemetry, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		a.OTel = providers
		a.ownsOTel = true
	}

	a.Store = o.store
	if a.Store == nil {
		store, err := OpenStore(ctx, cfg.Store)
		if err != nil {
			_ = a.closeOTel(ctx)
			return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
		}
		a.Store = store
		a.ownsStore = true
	}

	if err := a.initializeServices(o.clock); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := a.setupRouter(); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to set up router: %w", err)
	}
	a.createServer()

	return a, nil
}

// OpenStore opens the backend selected by cfg.Driver
func OpenStore(ctx context.Context, cfg config.StoreConfig) (entitlement.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return entitlement.NewMemoryStore(), nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithTablePrefix(cfg.TablePrefix))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMongo:
		s, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase,
			mongostore.WithCollectionName(cfg.MongoCollection),
			mongostore.WithMaxRetries(cfg.MaxConflictRetries))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// initializeServices builds the entitlement service and the key codec
func (a *Application) initializeServices(clock func() time.Time) error {
	metrics, err := entitlement.NewMetrics(a.OTel.Meter)
	if err != nil {
		return err
	}

	svcOpts := []entitlement.ServiceOption{
		entitlement.WithMetrics(metrics),
		entitlement.WithTracer(a.OTel.Tracer),
	}
	if clock != nil {
		svcOpts = append(svcOpts, entitlement.WithClock(clock))
	}
	a.Service = entitlement.NewService(a.Store, a.Config.Entitlement, a.Logger, svcOpts...)

	if a.Config.Signing.Secret != "" {
		codec, err := licensekey.NewCodec(a.Config.Signing)
		if err != nil {
			return fmt.Errorf("failed to create key codec: %w", err)
		}
		a.Codec = codec
	} else {
		a.Logger.Warn("signing secret not configured, self-signed key issuance disabled")
	}

	a.Health = handlers.NewHealthHandler(a.Service, a.Logger)
	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() error {
	cfg := a.Config
	errorHandler := apierrors.NewErrorHandler(a.Logger, cfg.Telemetry.Environment == "development")
	validator := middleware.NewValidator()

	otelMiddleware, err := middleware.NewOTelMiddleware(a.OTel.Tracer, a.OTel.Meter)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otelMiddleware.Handler)
	r.Use(middleware.StructuredLogger(a.Logger))
	r.Use(middleware.Recoverer(errorHandler))
	r.Use(middleware.SecurityHeaders)

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	r.Get("/livez", a.Health.Livez)
	r.Get("/readyz", a.Health.Readyz)
	if a.OTel.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTel.PrometheusHTTP)
	}

	clientAuth := middleware.APIKeyAuth(middleware.APIKeyHeader, cfg.Security.APIKeys, a.Logger, errorHandler)
	adminAuth := middleware.APIKeyAuth(middleware.AdminKeyHeader, cfg.Security.AdminKeys, a.Logger, errorHandler)

	var minter handlers.KeyMinter
	if a.Codec != nil {
		minter = a.Codec
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(cfg.Server.RequestTimeout))
		if cfg.Security.RateLimit.Enabled {
			r.Use(middleware.NewRateLimiter(
				cfg.Security.RateLimit.RPS,
				cfg.Security.RateLimit.Burst,
				a.Logger,
				errorHandler,
			).Handler)
		}
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Group(func(r chi.Router) {
			r.Use(clientAuth)
			r.Mount("/v1", handlers.NewEntitlementHandler(a.Service, validator, errorHandler, a.Logger).Routes())
		})

		r.Group(func(r chi.Router) {
			r.Use(adminAuth)
			r.Mount("/admin", handlers.NewAdminHandler(a.Service, minter, validator, errorHandler, a.Logger).Routes())
			r.Post("/drain", a.Health.Drain)
			r.Post("/undrain", a.Health.Undrain)
		})
	})

	if len(cfg.Security.APIKeys) == 0 {
		a.Logger.Warn("no client API keys configured, /v1 rejects every request")
	}

	a.Router = r
	return nil
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.Router,
		ReadTimeout:       a.Config.Server.ReadTimeout,
		ReadHeaderTimeout: a.Config.Server.ReadTimeout,
		WriteTimeout:      a.Config.Server.WriteTimeout,
		IdleTimeout:       a.Config.Server.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(a.Logger.Handler(), slog.LevelWarn),
	}
}

// Run listens on the configured port and serves until ctx is cancelled
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then drains and shuts down
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfoContext(ctx, "server listening", slog.String("addr", ln.Addr().String()))
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown(ctx)
	})

	return g.Wait()
}

// shutdown drains and stops the HTTP server. Drain is skipped when the
// server failed on its own.
func (a *Application) shutdown(runCtx context.Context) error {
	if runCtx.Err() != nil && a.Config.Server.DrainDuration > 0 {
		a.Health.SetDraining(true)
		a.Logger.Info("draining before shutdown", slog.Duration("duration", a.Config.Server.DrainDuration))
		time.Sleep(a.Config.Server.DrainDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	a.Logger.Info("shutting down HTTP server")
	if err := a.Server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// Close releases the store and telemetry providers owned by the application
func (a *Application) Close(ctx context.Context) error {
	var errs []error
	if a.ownsStore && a.Store != nil {
		if err := a.Store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		a.Store = nil
	}
	if err := a.closeOTel(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *Application) closeOTel(ctx context.Context) error {
	if !a.ownsOTel || a.OTel == nil {
		return nil
	}
	err := a.OTel.Shutdown(ctx)
	a.OTel = nil
	return err
}
