package reserve

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dropline/server/internal/metrics"
	"github.com/dropline/server/internal/rpcutil"
	"github.com/dropline/server/internal/storage"
)

// Engine applies the reservation policy on top of the store: one unit per
// basket entry, releases on removal, timed expiry, and the reconcile
// sweep that corrects counter drift.
//
// All stock arithmetic lives in the store's transactions; the engine owns
// the timeout policy, retries on lock contention, and observability.
type Engine struct {
	store   storage.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
	timeout time.Duration

	// clock is injectable for tests.
	clock func() time.Time
}

// NewEngine creates a reservation engine. basketTimeout is how long a
// basket entry holds its unit before the sweeper releases it.
func NewEngine(store storage.Store, m *metrics.Metrics, basketTimeout time.Duration, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		metrics: m,
		logger:  logger.With().Str("component", "reserve").Logger(),
		timeout: basketTimeout,
		clock:   time.Now,
	}
}

// Timeout returns the configured basket hold duration.
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

type reserveOut struct {
	entry   storage.BasketEntry
	product storage.Product
}

// AddToBasket reserves one free unit matching the selector and records the
// basket entry. Exactly one caller wins the last unit; losers get
// storage.ErrOutOfStock.
func (e *Engine) AddToBasket(ctx context.Context, userID int64, sel storage.ProductSelector) (storage.BasketEntry, storage.Product, error) {
	start := e.clock()
	attempts := 0
	out, err := rpcutil.WithRetry(ctx, func() (reserveOut, error) {
		attempts++
		entry, product, err := e.store.ReserveUnit(ctx, userID, sel, e.clock())
		return reserveOut{entry: entry, product: product}, err
	})
	e.noteRetries(attempts)
	e.metrics.ObserveDBQuery("reserve_unit", time.Since(start))

	switch {
	case err == nil:
		e.metrics.ObserveReservation("reserved")
		e.logger.Debug().
			Int64("user_id", userID).
			Int64("product_id", out.product.ID).
			Int64("entry_id", out.entry.ID).
			Msg("reserve.add")
		return out.entry, out.product, nil
	case errors.Is(err, storage.ErrOutOfStock):
		e.metrics.ObserveReservation("out_of_stock")
		return storage.BasketEntry{}, storage.Product{}, err
	default:
		e.metrics.ObserveReservation("error")
		return storage.BasketEntry{}, storage.Product{}, err
	}
}

// RemoveFromBasket releases the oldest basket entry for (user, product) and
// frees its unit.
func (e *Engine) RemoveFromBasket(ctx context.Context, userID, productID int64) (storage.ReleaseResult, error) {
	res, err := e.store.ReleaseBasketEntry(ctx, userID, productID)
	if err != nil {
		return storage.ReleaseResult{}, err
	}
	e.metrics.ObserveRelease("removed", res.Clamped)
	if res.Clamped {
		e.logger.Warn().
			Int64("user_id", userID).
			Int64("product_id", productID).
			Msg("reserve.clamp")
	}
	return res, nil
}

// Basket returns the user's live basket entries, sweeping out expired ones
// first so callers never render a hold the sweeper would have reclaimed.
func (e *Engine) Basket(ctx context.Context, userID int64) ([]storage.BasketEntry, error) {
	if _, err := e.ReleaseExpired(ctx, userID); err != nil {
		return nil, err
	}
	return e.store.BasketEntries(ctx, userID)
}

// ReleaseExpired releases the user's basket entries older than the timeout.
// Units under a live purchase deposit sit in the deposit snapshot and are
// untouched by this sweep.
func (e *Engine) ReleaseExpired(ctx context.Context, userID int64) (storage.ExpireResult, error) {
	cutoff := e.clock().Add(-e.timeout)
	attempts := 0
	res, err := rpcutil.WithRetry(ctx, func() (storage.ExpireResult, error) {
		attempts++
		return e.store.ExpireBasketEntries(ctx, userID, cutoff)
	})
	e.noteRetries(attempts)
	if err != nil {
		return storage.ExpireResult{}, err
	}
	for range res.Released {
		e.metrics.ObserveRelease("expired", false)
	}
	if res.Clamps > 0 {
		e.logger.Warn().
			Int64("user_id", userID).
			Int("clamps", res.Clamps).
			Msg("reserve.clamp")
	}
	if len(res.Released) > 0 {
		e.logger.Info().
			Int64("user_id", userID).
			Int("released", len(res.Released)).
			Msg("reserve.expired")
	}
	return res, nil
}

// SweepAll expires stale entries across every basket. Per-user failures are
// logged and skipped so one wedged row cannot stall the sweep.
func (e *Engine) SweepAll(ctx context.Context) (int, error) {
	userIDs, err := e.store.UserIDsWithBaskets(ctx)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, id := range userIDs {
		res, err := e.ReleaseExpired(ctx, id)
		if err != nil {
			e.logger.Error().Err(err).Int64("user_id", id).Msg("reserve.sweep_user_failed")
			continue
		}
		released += len(res.Released)
	}
	if released > 0 {
		e.logger.Info().Int("released", released).Msg("reserve.sweep")
	}
	return released, nil
}

// ReconcileAbandoned clamps reserved counters back down to the number of
// live holds. Crash windows between a release and its counter update leak
// phantom reservations; this is the repair pass.
func (e *Engine) ReconcileAbandoned(ctx context.Context) (int64, error) {
	start := e.clock()
	adjusted, err := e.store.ReconcileReserved(ctx)
	e.metrics.ObserveDBQuery("reconcile_reserved", time.Since(start))
	if err != nil {
		return 0, err
	}
	if adjusted > 0 {
		e.logger.Warn().Int64("adjusted", adjusted).Msg("reserve.reconcile")
	}
	return adjusted, nil
}

func (e *Engine) noteRetries(attempts int) {
	if attempts > 1 {
		e.metrics.DBBusyRetries.Add(float64(attempts - 1))
	}
}
