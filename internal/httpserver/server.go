// Package httpserver is the public HTTP surface: the gateway IPN
// webhook, the per-bot Telegram update sinks, probe endpoints, the
// Prometheus scrape handler and the API-key-gated admin API.
package httpserver

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dropline/server/internal/apikey"
	"github.com/dropline/server/internal/botfleet"
	"github.com/dropline/server/internal/config"
	"github.com/dropline/server/internal/gateway"
	"github.com/dropline/server/internal/logger"
	"github.com/dropline/server/internal/metrics"
	"github.com/dropline/server/internal/ratelimit"
	"github.com/dropline/server/internal/shop"
	"github.com/dropline/server/internal/storage"
)

// Finalizer is the settlement entry point the webhook and the admin
// recovery endpoints drive. The purchase finalizer implements it.
type Finalizer interface {
	OnPaymentEvent(ctx context.Context, ev gateway.Event) error
	ManualRecover(ctx context.Context, actorID int64, paymentID string) (storage.SettleResult, error)
	ManualRelease(ctx context.Context, actorID int64, paymentID string) error
}

// Deps collects the server's collaborators.
type Deps struct {
	Cfg       *config.Config
	Shop      *shop.Service
	Finalizer Finalizer
	Registry  *botfleet.Registry
	Metrics   *metrics.Metrics
	// Gatherer backs the /metrics endpoint. Nil falls back to the
	// default registry.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Server wires router, middleware and handlers around one http.Server.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	logger     zerolog.Logger
	ready      atomic.Bool
}

type handlers struct {
	cfg       *config.Config
	shop      *shop.Service
	finalizer Finalizer
	registry  *botfleet.Registry
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	ready     *atomic.Bool
}

// New builds the HTTP server with the configured router.
func New(deps Deps) *Server {
	s := &Server{
		logger: deps.Logger.With().Str("component", "httpserver").Logger(),
	}

	h := &handlers{
		cfg:       deps.Cfg,
		shop:      deps.Shop,
		finalizer: deps.Finalizer,
		registry:  deps.Registry,
		metrics:   deps.Metrics,
		logger:    s.logger,
		ready:     &s.ready,
	}

	router := chi.NewRouter()

	if len(deps.Cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.Cfg.Server.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}))
	}

	router.Use(securityHeaders)
	router.Use(logger.Middleware(deps.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(metricsMiddleware(deps.Metrics))

	rl := ratelimit.Config{
		GlobalEnabled: deps.Cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   deps.Cfg.RateLimit.GlobalLimit,
		GlobalWindow:  deps.Cfg.RateLimit.GlobalWindow.Duration,
		PerIPEnabled:  deps.Cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    deps.Cfg.RateLimit.PerIPLimit,
		PerIPWindow:   deps.Cfg.RateLimit.PerIPWindow.Duration,
		Metrics:       deps.Metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rl))
	router.Use(ratelimit.IPLimiter(rl))

	// Probes and the scrape endpoint stay snappy.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", h.healthz)
		r.Get("/readyz", h.readyz)
		r.Handle("/metrics", scrapeHandler(deps.Gatherer))
	})

	// Inbound event sinks. The IPN path can block on a settle, so it
	// gets a generous bound.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/webhook", h.ipnWebhook)
		r.Post("/telegram/{token}", h.telegramSink)
	})

	// Admin surface. The apikey middleware closes it entirely when the
	// admin API is disabled.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(apikey.Middleware(apikey.Config{
			Enabled: deps.Cfg.AdminAPI.Enabled,
			Keys:    deps.Cfg.AdminAPI.Keys,
		}))
		r.Get("/admin/deposits", h.adminDeposits)
		r.Post("/admin/deposits/{id}/recover", h.adminRecover)
		r.Post("/admin/deposits/{id}/release", h.adminRelease)
		r.Get("/admin/stats", h.adminStats)
	})

	s.router = router
	s.httpServer = &http.Server{
		Addr:         deps.Cfg.Server.Address,
		ReadTimeout:  deps.Cfg.Server.ReadTimeout.Duration,
		WriteTimeout: deps.Cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  deps.Cfg.Server.IdleTimeout.Duration,
		Handler:      router,
	}
	return s
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness gate. The IPN webhook refuses events
// until boot completes so a half-wired finalizer never sees one.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// ListenAndServe starts serving and blocks.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("httpserver.listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func scrapeHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
