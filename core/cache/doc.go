// Package cache provides a small key-value cache with LRU eviction and
// per-entry TTL.
//
//   - [Cache]: untyped values
//   - [TypedCache]: generic wrapper via [NewTyped]
//
// [LRU] is safe for concurrent use. Expired entries are evicted on access.
//
//	states := cache.NewTyped[[]byte](cache.NewLRU(cache.LRUOpts{Size: 1000}))
//	states.Put("counter/c1", data, cache.WithTTL(5*time.Minute))
package cache
