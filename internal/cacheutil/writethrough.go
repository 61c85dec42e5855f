// Package cacheutil holds the locking skeletons shared by read-through
// caches over slow stores.
package cacheutil

import (
	"sync"
	"time"
)

// WriteThrough runs a store write and drops cached state on success, so
// readers never see entries that predate the write.
func WriteThrough(invalidate func(), operation func() error) error {
	if err := operation(); err != nil {
		return err
	}
	invalidate()
	return nil
}

// CachedValue is a cached entry stamped with its fetch time. Expiry is the
// caller's comparison of FetchedAt against its TTL.
type CachedValue[T any] struct {
	Value     T
	FetchedAt time.Time
}

// ReadThrough serves a value from cache or fetches it under the write lock.
// checkCache runs under RLock with the probe time; on a miss it runs again
// under Lock with a fresh timestamp, since another goroutine may have
// populated the entry in the gap, before fetchAndCache goes to the store.
func ReadThrough[T any](
	mu *sync.RWMutex,
	checkCache func(now time.Time) (T, bool),
	fetchAndCache func(now time.Time) (T, error),
) (T, error) {
	now := time.Now()
	mu.RLock()
	if value, ok := checkCache(now); ok {
		mu.RUnlock()
		return value, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	nowAfterLock := time.Now()
	if value, ok := checkCache(nowAfterLock); ok {
		return value, nil
	}
	return fetchAndCache(nowAfterLock)
}
