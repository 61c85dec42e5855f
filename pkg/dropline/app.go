// Package dropline wires the shop's components into a runnable
// application: storage, pricing, the payment gateway client, the bot
// fleet, the purchase finalizer, the HTTP surface and the maintenance
// jobs. cmd/droplined is a thin shell around it; embedders can construct
// an App and drive it themselves.
package dropline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dropline/server/internal/alerts"
	"github.com/dropline/server/internal/botfleet"
	"github.com/dropline/server/internal/bothandlers"
	"github.com/dropline/server/internal/catalog"
	"github.com/dropline/server/internal/circuitbreaker"
	"github.com/dropline/server/internal/config"
	"github.com/dropline/server/internal/discount"
	"github.com/dropline/server/internal/finalize"
	"github.com/dropline/server/internal/gateway"
	"github.com/dropline/server/internal/httpserver"
	"github.com/dropline/server/internal/i18n"
	"github.com/dropline/server/internal/jobs"
	"github.com/dropline/server/internal/lifecycle"
	"github.com/dropline/server/internal/media"
	"github.com/dropline/server/internal/metrics"
	"github.com/dropline/server/internal/pricing"
	"github.com/dropline/server/internal/reserve"
	"github.com/dropline/server/internal/shop"
	"github.com/dropline/server/internal/solwatch"
	"github.com/dropline/server/internal/storage"
)

// catalogTTL bounds how stale the cached city/district/type lists may
// get after an admin edits inventory.
const catalogTTL = time.Minute

// shutdownTimeout bounds draining in-flight HTTP requests on exit.
const shutdownTimeout = 10 * time.Second

// App holds the assembled components. Exported fields are the surfaces
// embedders and tests reach for.
type App struct {
	Config    *config.Config
	Store     storage.Store
	Shop      *shop.Service
	Fleet     *botfleet.Fleet
	Finalizer *finalize.Finalizer

	server    *httpserver.Server
	scheduler *jobs.Scheduler
	resources *lifecycle.Manager
	logger    zerolog.Logger
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store   storage.Store
	gateway shop.PaymentGateway
	factory botfleet.TransportFactory
}

// WithStore sets a custom storage backend. The caller owns its
// lifetime; Close will not touch it.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithGateway injects a payment gateway client, mainly for tests that
// must not reach the real gateway.
func WithGateway(gw shop.PaymentGateway) Option {
	return func(o *options) {
		o.gateway = gw
	}
}

// WithTransportFactory injects the per-token transport builder so tests
// can run the fleet on fakes instead of live Telegram bots.
func WithTransportFactory(factory botfleet.TransportFactory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// NewApp assembles the shop from cfg. Nothing talks to the network
// until Run.
func NewApp(cfg *config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("dropline: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:    cfg,
		resources: lifecycle.NewManager(),
		logger:    log.With().Str("component", "app").Logger(),
	}

	if optState.store != nil {
		app.Store = optState.store
	} else {
		store, err := storage.NewStore(storage.StoreConfig{
			Backend:     cfg.Storage.Backend,
			Path:        cfg.Storage.Path,
			BusyTimeout: cfg.Storage.BusyTimeout.Duration,
		})
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		app.Store = store
		app.resources.Register("storage", store)
		if cfg.Storage.Backend == "memory" {
			log.Warn().Msg("app.memory_store_in_use")
		}
	}

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	mediaStore, err := media.New(cfg.Media.Dir, log)
	if err != nil {
		return nil, fmt.Errorf("open media store: %w", err)
	}

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	providers, err := pricing.ProvidersFromConfig(cfg.Pricing.Providers)
	if err != nil {
		return nil, fmt.Errorf("configure price providers: %w", err)
	}
	oracle := pricing.NewOracle(cfg.Pricing, providers, app.Store, breakers, m, log)

	var paymentGateway shop.PaymentGateway
	if optState.gateway != nil {
		paymentGateway = optState.gateway
	} else {
		ipnURL := strings.TrimRight(cfg.Server.WebhookBaseURL, "/") + "/webhook"
		paymentGateway = gateway.NewClient(cfg.Gateway, ipnURL, breakers, log)
	}

	texts := i18n.New()
	registry := botfleet.NewRegistry()
	engine := reserve.NewEngine(app.Store, m, cfg.Shop.BasketTimeout.Duration, log)

	app.Shop = shop.New(shop.Deps{
		Store:    app.Store,
		Catalog:  catalog.New(app.Store, catalogTTL, log),
		Reserve:  engine,
		Discount: discount.NewResolver(app.Store, m, log),
		Gateway:  paymentGateway,
		Media:    mediaStore,
		Metrics:  m,
		Logger:   log,
	}, cfg.Gateway.PayCurrency)

	delivery := botfleet.NewDelivery(registry, mediaStore, texts, app.Store, m, log)

	// The fleet's transport factory needs the update handlers, and the
	// handlers need the finalizer, which alerts through the fleet. The
	// factory closes over the handlers variable; it only runs at
	// Bootstrap, after the assignment below.
	var updates *bothandlers.Handlers
	factory := optState.factory
	if factory == nil {
		factory = func(ctx context.Context, token string) (botfleet.Transport, error) {
			return botfleet.NewTelegram(ctx, token, cfg.Telegram, cfg.Server.WebhookBaseURL, updates.ForToken(token), log)
		}
	}
	app.Fleet = botfleet.New(registry, factory, cfg.Telegram, m, log)
	app.resources.RegisterFunc("fleet", func() error {
		app.Fleet.StopAll()
		return nil
	})

	app.Finalizer = finalize.New(
		app.Store,
		oracle,
		delivery,
		alerts.New(app.Fleet, log),
		texts,
		m,
		log,
		cfg.Shop.BasketTimeout.Duration,
	)

	updates = bothandlers.New(bothandlers.Deps{
		Shop:      app.Shop,
		Finalizer: app.Finalizer,
		Delivery:  delivery,
		Registry:  registry,
		Catalog:   texts,
		Telegram:  cfg.Telegram,
		Metrics:   m,
		Logger:    log,
	})

	app.server = httpserver.New(httpserver.Deps{
		Cfg:       cfg,
		Shop:      app.Shop,
		Finalizer: app.Finalizer,
		Registry:  registry,
		Metrics:   m,
		Gatherer:  promRegistry,
		Logger:    log,
	})

	app.scheduler = jobs.New(m, log)
	app.registerJobs(cfg, engine, oracle, m, log)
	app.resources.RegisterFunc("jobs", func() error {
		app.scheduler.Stop()
		return nil
	})

	return app, nil
}

// registerJobs binds the periodic maintenance work to the scheduler.
func (a *App) registerJobs(cfg *config.Config, engine *reserve.Engine, oracle *pricing.Oracle, m *metrics.Metrics, log zerolog.Logger) {
	a.scheduler.Register(jobs.Job{
		Name:  "basket_sweep",
		Every: cfg.Jobs.BasketSweepInterval.Duration,
		Run: func(ctx context.Context) error {
			_, err := engine.SweepAll(ctx)
			return err
		},
	})
	a.scheduler.Register(jobs.Job{
		Name:  "deposit_expiry",
		Every: cfg.Jobs.DepositExpiryInterval.Duration,
		Run: func(ctx context.Context) error {
			_, err := a.Finalizer.ExpireStale(ctx, cfg.Gateway.DepositLifetime.Duration)
			return err
		},
	})
	a.scheduler.Register(jobs.Job{
		Name:  "abandoned_sweep",
		Every: cfg.Jobs.AbandonedSweepInterval.Duration,
		Run: func(ctx context.Context) error {
			_, err := engine.ReconcileAbandoned(ctx)
			return err
		},
	})
	a.scheduler.Register(jobs.Job{
		Name:  "price_refresh",
		Every: cfg.Pricing.RefreshInterval.Duration,
		Run: func(ctx context.Context) error {
			return oracle.Refresh(ctx, cfg.Gateway.PayCurrency)
		},
	})
	a.scheduler.Register(jobs.Job{
		Name:  "bot_health",
		Every: cfg.Telegram.HealthInterval.Duration,
		Run: func(ctx context.Context) error {
			a.Fleet.CheckHealth(ctx)
			return nil
		},
	})

	if cfg.Chain.Enabled {
		watcher, err := solwatch.New(cfg.Chain, cfg.Gateway.PayCurrency, a.Store, a.Finalizer, m, log)
		if err != nil {
			// A bad chain block must not take the shop down; the IPN
			// webhook remains the primary settlement path.
			log.Error().Err(err).Msg("app.chain_watcher_disabled")
			return
		}
		a.scheduler.Register(jobs.Job{
			Name:  "chain_scan",
			Every: cfg.Chain.PollInterval.Duration,
			Run:   watcher.Scan,
		})
	}
}

// Handler exposes the HTTP surface for embedding or tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run starts serving and blocks until ctx is canceled or the HTTP
// listener fails. The listener comes up before the fleet bootstraps so
// probes and early webhook posts get answered (with 503) instead of
// connection refused.
func (a *App) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := a.Fleet.Bootstrap(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("bootstrap fleet: %w", err)
	}

	a.scheduler.Start(ctx)
	a.server.SetReady(true)
	a.logger.Info().Msg("app.ready")

	select {
	case err := <-serveErr:
		a.shutdown()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info().Msg("app.shutting_down")
	a.shutdown()
	return nil
}

// shutdown drains the HTTP server, then releases resources in reverse
// construction order: jobs, fleet, storage.
func (a *App) shutdown() {
	a.server.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error().Err(err).Msg("app.http_shutdown_failed")
	}

	if err := a.resources.Close(); err != nil {
		a.logger.Error().Err(err).Msg("app.close_failed")
	}
}

// Close releases resources without the HTTP drain. Run calls it
// internally; embedders that never called Run use it directly.
func (a *App) Close() error {
	return a.resources.Close()
}
