// Package pixelprobe assembles the extraction request plane for standalone
// serving or embedding into a host router.
package pixelprobe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/PixelProbe/server/internal/archive"
	"github.com/PixelProbe/server/internal/config"
	"github.com/PixelProbe/server/internal/devicetoken"
	"github.com/PixelProbe/server/internal/extraction"
	"github.com/PixelProbe/server/internal/extractor"
	"github.com/PixelProbe/server/internal/httpserver"
	"github.com/PixelProbe/server/internal/idempotency"
	"github.com/PixelProbe/server/internal/ledger"
	"github.com/PixelProbe/server/internal/lifecycle"
	"github.com/PixelProbe/server/internal/logger"
	"github.com/PixelProbe/server/internal/metrics"
	"github.com/PixelProbe/server/internal/pricing"
	"github.com/PixelProbe/server/internal/quota"
	"github.com/PixelProbe/server/internal/quotes"
	"github.com/PixelProbe/server/internal/storage"
	stripesvc "github.com/PixelProbe/server/internal/stripe"
	"github.com/PixelProbe/server/internal/webhooks"
)

// App wires the PixelProbe request plane for reuse or standalone serving.
type App struct {
	Config   *config.Config
	Store    storage.Store
	Archive  archive.Archive
	Ledger   *ledger.Service
	Quotes   *quotes.Service
	Sweeper  *quotes.Sweeper
	Quota    *quota.Enforcer
	Ingestor *webhooks.Ingestor
	Pipeline *extraction.Pipeline
	Stripe   *stripesvc.Client
	Minter   *devicetoken.Minter

	Logger zerolog.Logger

	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store     storage.Store
	arc       archive.Archive
	engine    extractor.Engine
	router    chi.Router
	registry  prometheus.Registerer
	noSweeper bool
}

// WithStore sets a custom relational storage backend.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithArchive sets a custom extraction archive backend.
func WithArchive(arc archive.Archive) Option {
	return func(o *options) {
		o.arc = arc
	}
}

// WithEngine injects the metadata extraction engine. Without it the app runs
// the deterministic stub engine, which is only suitable for development.
func WithEngine(engine extractor.Engine) Option {
	return func(o *options) {
		o.engine = engine
	}
}

// WithRouter registers routes onto an existing chi.Router instead of a new one.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithRegistry sets the Prometheus registerer. Tests pass a private registry
// so parallel app instances do not collide on collector names.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithoutSweeper skips starting the background jobs. The sweeper staleness
// gate will fail closed, so this is only for tests that drive SweepNow
// themselves.
func WithoutSweeper() Option {
	return func(o *options) {
		o.noSweeper = true
	}
}

// NewApp assembles the request plane from configuration.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("pixelprobe: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "pixelprobe-server",
		Environment: cfg.Logging.Environment,
	})

	app := &App{
		Config:          cfg,
		Logger:          appLogger,
		resourceManager: lifecycle.NewManager(),
	}

	registry := optState.registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	app.metricsCollector = metrics.New(registry)

	if optState.store != nil {
		app.Store = optState.store
	} else {
		store, err := storage.NewStore(storage.StoreConfig{
			Backend:     cfg.Storage.Backend,
			PostgresURL: cfg.Storage.PostgresURL,
			Pool:        cfg.Storage.Pool,
		})
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		app.Store = store
		app.resourceManager.Register("storage", store)
		if cfg.Storage.Backend == "" || cfg.Storage.Backend == "memory" {
			appLogger.Warn().
				Msg("pixelprobe: in-memory store loses ledger and replay state on restart - do not use in production")
		}
	}

	if optState.arc != nil {
		app.Archive = optState.arc
	} else {
		arc, err := archive.New(context.Background(), cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("init archive: %w", err)
		}
		app.Archive = arc
		app.resourceManager.RegisterFunc("archive", func() error {
			return arc.Close(context.Background())
		})
	}

	minter, err := devicetoken.NewMinter(cfg.Quota.TokenSecret)
	if err != nil {
		return nil, fmt.Errorf("init device token minter: %w", err)
	}
	app.Minter = minter

	app.Ledger = ledger.NewService(app.Store, app.metricsCollector)
	app.Quotes = quotes.NewService(app.Store, cfg.Quotes, app.metricsCollector)
	app.Quota = quota.NewEnforcer(app.Store, cfg.Quota, cfg.Trial, app.metricsCollector)
	app.Ingestor = webhooks.NewIngestor(app.Store, app.Ledger, cfg.Webhook, cfg.Stripe.Packs, app.metricsCollector)
	app.Stripe = stripesvc.NewClient(cfg.Stripe)

	engine := optState.engine
	if engine == nil {
		engine = &extractor.StubEngine{}
		appLogger.Warn().
			Msg("pixelprobe: no extraction engine configured, using stub engine")
	}
	pool := extractor.NewPool(engine, cfg.Extractor, app.metricsCollector, appLogger)

	schedule := func() pricing.Schedule {
		return pricing.FromConfig(cfg.Pricing)
	}

	app.Pipeline = extraction.NewPipeline(
		app.Ledger,
		app.Quotes,
		app.Quota,
		pool,
		app.Archive,
		cfg.Uploads,
		cfg.Quota,
		cfg.Trial,
		schedule,
		app.metricsCollector,
	)

	app.Sweeper = quotes.NewSweeper(app.Store, cfg.Quotes, app.metricsCollector, appLogger)
	if !optState.noSweeper {
		app.Sweeper.Start()
		app.resourceManager.RegisterFunc("quote-sweeper", func() error {
			app.Sweeper.Stop()
			return nil
		})

		// Processed-webhook retention shares the sweep schedule.
		purger := webhooks.NewPurger(app.Store, cfg.Webhook.Retention.Duration, cfg.Quotes.SweepInterval.Duration, app.metricsCollector, appLogger)
		purger.Start()
		app.resourceManager.RegisterFunc("webhook-purger", func() error {
			purger.Stop()
			return nil
		})
	}

	idemStore := idempotency.NewMemoryStore()
	app.resourceManager.RegisterFunc("idempotency-store", func() error {
		idemStore.Stop()
		return nil
	})

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}

	httpserver.ConfigureRouter(app.router, httpserver.Deps{
		Cfg:              cfg,
		Pipeline:         app.Pipeline,
		Quotes:           app.Quotes,
		Sweeper:          app.Sweeper,
		Ledger:           app.Ledger,
		Quota:            app.Quota,
		Ingestor:         app.Ingestor,
		Stripe:           app.Stripe,
		Minter:           app.Minter,
		IdempotencyStore: idemStore,
		Metrics:          app.metricsCollector,
		Schedule:         schedule,
		Logger:           appLogger,
	})

	return app, nil
}

// Router returns the chi router with PixelProbe routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close releases resources owned by the app in LIFO order.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// NewHandler is a convenience that constructs an App and returns its handler
// plus a shutdown function.
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

// Config is an exported alias of the internal configuration struct for
// embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding PixelProbe.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
