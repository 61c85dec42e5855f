package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dropline/server/internal/circuitbreaker"
	"github.com/dropline/server/internal/config"
	"github.com/dropline/server/internal/httputil"
	"github.com/dropline/server/internal/metrics"
	"github.com/dropline/server/internal/storage"
)

// ErrUnavailable means no layer could produce a price: caches are cold or
// too stale and every live provider failed. Callers fall back to
// proportional settlement or manual recovery.
var ErrUnavailable = errors.New("pricing: no price available")

// Quote is one resolved EUR spot price and where it came from.
type Quote struct {
	Price     decimal.Decimal
	Source    string
	FetchedAt time.Time
}

// Age returns how old the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}

// Oracle resolves EUR spot prices through four layers: a fresh in-process
// cache, a durable settings-row cache that survives restarts, a live
// round-robin fetch across the providers, and finally any cache entry
// under the stale bound. Each layer only runs when the previous one
// missed.
type Oracle struct {
	providers []Provider
	store     storage.Store
	breakers  *circuitbreaker.Manager
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	client    *http.Client

	fetchTimeout time.Duration
	memoryTTL    time.Duration
	durableTTL   time.Duration
	staleMax     time.Duration

	mu    sync.RWMutex
	cache map[string]Quote // by lowercase currency
	rr    int

	clock func() time.Time
}

// NewOracle creates a price oracle. Providers come from
// ProvidersFromConfig in production wiring.
func NewOracle(cfg config.PricingConfig, providers []Provider, store storage.Store, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger zerolog.Logger) *Oracle {
	return &Oracle{
		providers:    providers,
		store:        store,
		breakers:     breakers,
		metrics:      m,
		logger:       logger.With().Str("component", "pricing").Logger(),
		client:       httputil.NewClient(cfg.FetchTimeout.Duration + time.Second),
		fetchTimeout: cfg.FetchTimeout.Duration,
		memoryTTL:    cfg.MemoryTTL.Duration,
		durableTTL:   cfg.DurableTTL.Duration,
		staleMax:     cfg.StaleMax.Duration,
		cache:        make(map[string]Quote),
		clock:        time.Now,
	}
}

// PriceEUR resolves the EUR spot price for a currency. The returned quote
// names its source layer; ErrUnavailable means every layer missed and the
// caller must degrade.
func (o *Oracle) PriceEUR(ctx context.Context, currency string) (Quote, error) {
	currency = strings.ToLower(currency)
	now := o.clock()

	if q, ok := o.fromMemory(currency, now, o.memoryTTL); ok {
		o.metrics.ObservePriceLayer("memory")
		return q, nil
	}

	if q, ok := o.fromDurable(ctx, currency, now, o.durableTTL); ok {
		o.metrics.ObservePriceLayer("durable")
		o.remember(currency, q)
		return q, nil
	}

	q, err := o.fetchLive(ctx, currency)
	if err == nil {
		o.metrics.ObservePriceLayer("live")
		o.remember(currency, q)
		o.persist(ctx, currency, q)
		return q, nil
	}
	o.logger.Warn().Err(err).Str("currency", currency).Msg("pricing.live_fetch_failed")

	// Degraded: any cache entry below the stale bound beats nothing.
	if q, ok := o.fromMemory(currency, now, o.staleMax); ok {
		o.metrics.ObservePriceLayer("stale")
		return q, nil
	}
	if q, ok := o.fromDurable(ctx, currency, now, o.staleMax); ok {
		o.metrics.ObservePriceLayer("stale")
		return q, nil
	}

	o.metrics.ObservePriceLayer("unavailable")
	return Quote{}, ErrUnavailable
}

// Refresh force-fetches live prices for the given currencies and rewrites
// both caches. The background refresher drives this on its cadence so
// interactive paths almost always hit the memory layer.
func (o *Oracle) Refresh(ctx context.Context, currencies ...string) error {
	var firstErr error
	for _, currency := range currencies {
		currency = strings.ToLower(currency)
		q, err := o.fetchLive(ctx, currency)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("refresh %s: %w", currency, err)
			}
			continue
		}
		o.remember(currency, q)
		o.persist(ctx, currency, q)
		o.logger.Debug().
			Str("currency", currency).
			Str("source", q.Source).
			Str("price", q.Price.String()).
			Msg("pricing.refreshed")
	}
	return firstErr
}

func (o *Oracle) fromMemory(currency string, now time.Time, maxAge time.Duration) (Quote, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.cache[currency]
	if !ok || q.Age(now) >= maxAge {
		return Quote{}, false
	}
	return q, true
}

func (o *Oracle) remember(currency string, q Quote) {
	o.mu.Lock()
	o.cache[currency] = q
	o.mu.Unlock()
}

// durableEntry is the settings-row form of a cached price.
type durableEntry struct {
	Price     decimal.Decimal `json:"price"`
	Source    string          `json:"source"`
	FetchedAt int64           `json:"fetched_at"`
}

func durableKey(currency string) string {
	return currency + "_price_eur_cache"
}

func (o *Oracle) fromDurable(ctx context.Context, currency string, now time.Time, maxAge time.Duration) (Quote, bool) {
	raw, err := o.store.Setting(ctx, durableKey(currency))
	if errors.Is(err, storage.ErrNotFound) {
		return Quote{}, false
	}
	if err != nil {
		o.logger.Error().Err(err).Str("currency", currency).Msg("pricing.durable_read_failed")
		return Quote{}, false
	}
	var entry durableEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		o.logger.Error().Err(err).Str("currency", currency).Msg("pricing.durable_corrupt")
		return Quote{}, false
	}
	q := Quote{Price: entry.Price, Source: entry.Source, FetchedAt: time.Unix(entry.FetchedAt, 0).UTC()}
	if !q.Price.IsPositive() || q.Age(now) >= maxAge {
		return Quote{}, false
	}
	return q, true
}

func (o *Oracle) persist(ctx context.Context, currency string, q Quote) {
	raw, err := json.Marshal(durableEntry{Price: q.Price, Source: q.Source, FetchedAt: q.FetchedAt.Unix()})
	if err != nil {
		return
	}
	if err := o.store.SetSetting(ctx, durableKey(currency), string(raw)); err != nil {
		o.logger.Error().Err(err).Str("currency", currency).Msg("pricing.durable_write_failed")
	}
}

// fetchLive walks the providers round-robin, one bounded attempt each,
// and returns the first positive price. The shared breaker shields the
// whole layer when every upstream is misbehaving.
func (o *Oracle) fetchLive(ctx context.Context, currency string) (Quote, error) {
	n := len(o.providers)
	if n == 0 {
		return Quote{}, ErrUnavailable
	}

	o.mu.Lock()
	start := o.rr
	o.rr = (o.rr + 1) % n
	o.mu.Unlock()

	var lastErr error
	for i := 0; i < n; i++ {
		p := o.providers[(start+i)%n]
		began := time.Now()
		res, err := o.breakers.Execute(circuitbreaker.ServicePriceProvider, func() (interface{}, error) {
			fctx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
			defer cancel()
			return p.FetchEUR(fctx, o.client, currency)
		})
		o.metrics.ObservePriceFetch(p.Name(), time.Since(began), err)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", p.Name(), err)
			o.logger.Warn().Err(err).Str("provider", p.Name()).Str("currency", currency).Msg("pricing.provider_failed")
			continue
		}
		price := res.(decimal.Decimal)
		if !price.IsPositive() {
			lastErr = fmt.Errorf("%s: non-positive price %s", p.Name(), price)
			continue
		}
		return Quote{Price: price, Source: p.Name(), FetchedAt: o.clock()}, nil
	}
	return Quote{}, lastErr
}
