// Package cache provides the response cache fronting repeated reads.
//
// The cache is strictly best-effort: a failing backend must never fail the
// surrounding request, only skip the caching benefit. That is why the
// interface returns no errors; implementations log failures and report a
// miss instead.
package cache

import (
	"context"
	"time"
)

// Cache is a key/value store with per-entry TTL.
type Cache interface {
	// Get returns the cached value for key, or ok=false on miss, expiry,
	// or backend failure.
	Get(ctx context.Context, key string) (value []byte, ok bool)

	// Set stores value under key for ttl. A zero ttl means the
	// implementation's default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Delete removes key.
	Delete(ctx context.Context, key string)

	// FlushAll removes every entry.
	FlushAll(ctx context.Context)
}
