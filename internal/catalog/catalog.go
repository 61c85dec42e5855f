package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dropline/server/internal/cacheutil"
	"github.com/dropline/server/internal/storage"
)

// Catalog serves the browse tree (city, district, product type) and the
// offer lists under it. The dimension lists are cached read-through and
// invalidated on every admin write; offers always hit the store because
// free-unit counts must reflect reservations made seconds ago.
type Catalog struct {
	store storage.Store
	ttl   time.Duration
	log   zerolog.Logger

	mu        sync.RWMutex
	cities    cacheutil.CachedValue[[]string]
	districts map[string]cacheutil.CachedValue[[]string]
	types     map[string]cacheutil.CachedValue[[]string]
}

// New creates a catalog over the store. ttl bounds how stale a cached
// dimension list may get if an invalidation is ever missed.
func New(store storage.Store, ttl time.Duration, logger zerolog.Logger) *Catalog {
	return &Catalog{
		store:     store,
		ttl:       ttl,
		log:       logger.With().Str("component", "catalog").Logger(),
		districts: make(map[string]cacheutil.CachedValue[[]string]),
		types:     make(map[string]cacheutil.CachedValue[[]string]),
	}
}

// Cities returns all cities with at least one listed product.
func (c *Catalog) Cities(ctx context.Context) ([]string, error) {
	return cacheutil.ReadThrough(
		&c.mu,
		func(now time.Time) ([]string, bool) {
			if c.cities.Value != nil && now.Sub(c.cities.FetchedAt) < c.ttl {
				return c.cities.Value, true
			}
			return nil, false
		},
		func(now time.Time) ([]string, error) {
			cities, err := c.store.Cities(ctx)
			if err != nil {
				return nil, err
			}
			if cities == nil {
				cities = []string{}
			}
			c.cities = cacheutil.CachedValue[[]string]{Value: cities, FetchedAt: now}
			return cities, nil
		},
	)
}

// Districts returns the districts of a city that carry stock.
func (c *Catalog) Districts(ctx context.Context, city string) ([]string, error) {
	return cacheutil.ReadThrough(
		&c.mu,
		func(now time.Time) ([]string, bool) {
			if entry, ok := c.districts[city]; ok && now.Sub(entry.FetchedAt) < c.ttl {
				return entry.Value, true
			}
			return nil, false
		},
		func(now time.Time) ([]string, error) {
			districts, err := c.store.Districts(ctx, city)
			if err != nil {
				return nil, err
			}
			if districts == nil {
				districts = []string{}
			}
			c.districts[city] = cacheutil.CachedValue[[]string]{Value: districts, FetchedAt: now}
			return districts, nil
		},
	)
}

// ProductTypes returns the product types listed under city/district.
func (c *Catalog) ProductTypes(ctx context.Context, city, district string) ([]string, error) {
	key := city + "\x00" + district
	return cacheutil.ReadThrough(
		&c.mu,
		func(now time.Time) ([]string, bool) {
			if entry, ok := c.types[key]; ok && now.Sub(entry.FetchedAt) < c.ttl {
				return entry.Value, true
			}
			return nil, false
		},
		func(now time.Time) ([]string, error) {
			types, err := c.store.CatalogTypes(ctx, city, district)
			if err != nil {
				return nil, err
			}
			if types == nil {
				types = []string{}
			}
			c.types[key] = cacheutil.CachedValue[[]string]{Value: types, FetchedAt: now}
			return types, nil
		},
	)
}

// Offers returns the live (size, price, free units) list for one type in
// one district. Never cached.
func (c *Catalog) Offers(ctx context.Context, city, district, productType string) ([]storage.Offer, error) {
	return c.store.Offers(ctx, city, district, productType)
}

// ProductByID passes through to the store.
func (c *Catalog) ProductByID(ctx context.Context, id int64) (storage.Product, error) {
	return c.store.ProductByID(ctx, id)
}

// CreateProduct lists a new drop and invalidates the browse tree.
func (c *Catalog) CreateProduct(ctx context.Context, p storage.Product) (int64, error) {
	var id int64
	err := cacheutil.WriteThrough(c.Invalidate, func() error {
		var err error
		id, err = c.store.CreateProduct(ctx, p)
		return err
	})
	if err != nil {
		return 0, err
	}
	c.log.Info().
		Int64("product_id", id).
		Str("city", p.City).
		Str("district", p.District).
		Str("type", p.ProductType).
		Msg("catalog.product_added")
	return id, nil
}

// CreateProducts lists several units in one pass. Each row is one unit;
// bulk imports land here. Returns the ids created; stops at the first
// failure with the ids created so far.
func (c *Catalog) CreateProducts(ctx context.Context, products []storage.Product) ([]int64, error) {
	ids := make([]int64, 0, len(products))
	err := cacheutil.WriteThrough(c.Invalidate, func() error {
		for i, p := range products {
			id, err := c.store.CreateProduct(ctx, p)
			if err != nil {
				return fmt.Errorf("create product %d of %d: %w", i+1, len(products), err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		// Partial bulk imports still changed the tree.
		c.Invalidate()
		return ids, err
	}
	c.log.Info().Int("count", len(ids)).Msg("catalog.bulk_added")
	return ids, nil
}

// DeleteProduct unlists a drop and invalidates the browse tree. Units
// already reserved or sold are unaffected; their snapshots carry copies.
func (c *Catalog) DeleteProduct(ctx context.Context, id int64) error {
	return cacheutil.WriteThrough(c.Invalidate, func() error {
		return c.store.DeleteProduct(ctx, id)
	})
}

// Invalidate drops every cached dimension list.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cities = cacheutil.CachedValue[[]string]{}
	c.districts = make(map[string]cacheutil.CachedValue[[]string])
	c.types = make(map[string]cacheutil.CachedValue[[]string])
}
