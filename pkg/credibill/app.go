package credibill

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/credibill/server/internal/billing"
	"github.com/credibill/server/internal/circuitbreaker"
	"github.com/credibill/server/internal/config"
	"github.com/credibill/server/internal/httpserver"
	"github.com/credibill/server/internal/lifecycle"
	"github.com/credibill/server/internal/logger"
	"github.com/credibill/server/internal/metrics"
	"github.com/credibill/server/internal/plisio"
	"github.com/credibill/server/internal/storage"
)

// App wires the credit billing components for reuse or standalone serving.
type App struct {
	Config   *config.Config
	Store    storage.Store
	Provider billing.InvoiceAPI
	Billing  *billing.Service

	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store      storage.Store
	provider   billing.InvoiceAPI
	router     chi.Router
	registerer prometheus.Registerer
}

// WithStore sets a custom storage backend. The caller owns its lifecycle.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithProvider injects a custom invoicing provider client.
func WithProvider(provider billing.InvoiceAPI) Option {
	return func(o *options) {
		o.provider = provider
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithRegisterer sets the Prometheus registerer for metrics. Embedders with
// their own registry use this to avoid duplicate registration panics.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = registerer
	}
}

// NewApp assembles the billing services for embedding or serving.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("credibill: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
	}

	if optState.store != nil {
		app.Store = optState.store
	} else {
		store, err := storage.NewStore(storage.StoreConfig{
			Backend:           cfg.Storage.Backend,
			PostgresURL:       cfg.Storage.PostgresURL,
			MongoDBURL:        cfg.Storage.MongoDBURL,
			MongoDBDatabase:   cfg.Storage.MongoDBDatabase,
			TransactionsTable: cfg.Storage.TransactionsTable,
			BalancesTable:     cfg.Storage.BalancesTable,
		})
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		app.Store = store
		app.resourceManager.Register("storage", store)
		if cfg.Storage.Backend == "" || cfg.Storage.Backend == "memory" {
			log.Warn().
				Msg("credibill: using in-memory store - balances do not survive restarts")
		}
	}

	registerer := optState.registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	metricsCollector := metrics.New(registerer)
	app.metricsCollector = metricsCollector

	if optState.provider != nil {
		app.Provider = optState.provider
	} else {
		breaker := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)
		app.Provider = plisio.NewClient(cfg.Plisio, breaker, metricsCollector)
	}

	app.Billing = billing.NewService(cfg, app.Store, app.Provider, metricsCollector)

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Service:     "credibill",
		Environment: cfg.Log.Environment,
	})

	httpserver.ConfigureRouter(app.router, cfg, app.Billing, metricsCollector, appLogger)

	// Background reconciliation sweep, enabled by config. Stopped through the
	// resource manager so embedders get clean shutdown from Close.
	if cfg.Billing.ReconcileInterval.Duration > 0 {
		sweepCtx, cancel := context.WithCancel(logger.WithContext(context.Background(), appLogger))
		go app.Billing.RunReconcileLoop(sweepCtx)
		app.resourceManager.RegisterFunc("reconcile-loop", func() error {
			cancel()
			return nil
		})
	}

	return app, nil
}

// Router returns the chi router with billing routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close releases resources owned by the app (store, background sweep).
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the billing server.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
