// Package credentialcache holds process-local, time-bounded caches
// for the two credentials the gateway needs at call time: the
// dealer-direct bearer token and the dealer service PIN. Neither
// cache is persisted; both survive only for the process lifetime
// (spec §3, §4.8 — "not a process-wide singleton" is honored by
// constructing one cache instance per Server and threading it into
// the providers that need it, rather than reaching for package-level
// globals).
package credentialcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const servicePinTTL = 10 * time.Minute

// entry is a cached value with an expiry.
type entry struct {
	value     string
	expiresAt time.Time
}

// Cache is a single-writer-protected map of named credentials, with
// single-flight protection against fetch stampedes.
type Cache struct {
	mu    sync.RWMutex
	items map[string]entry
	group singleflight.Group
}

func New() *Cache {
	return &Cache{items: make(map[string]entry)}
}

// get returns the cached value for key if present and unexpired.
func (c *Cache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

func (c *Cache) set(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
}

// Fetcher fetches a fresh credential value along with the TTL it
// should be cached for.
type Fetcher func(ctx context.Context) (value string, ttl time.Duration, err error)

// GetOrFetch returns the cached value for key, or calls fetch exactly
// once per key among concurrent callers and caches the result.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch Fetcher) (string, error) {
	if v, ok := c.get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ok := c.get(key); ok {
			return v, nil
		}
		value, ttl, err := fetch(ctx)
		if err != nil {
			return "", err
		}
		c.set(key, value, ttl)
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// BearerTokenTTL computes the cache TTL for an advertised token
// lifetime, applying a safety margin so the cached token is always
// refreshed slightly before the upstream would reject it.
func BearerTokenTTL(advertisedLifetime time.Duration) time.Duration {
	const (
		defaultLifetime = time.Hour
		safetyMargin    = 2 * time.Minute
	)
	lifetime := advertisedLifetime
	if lifetime <= 0 {
		lifetime = defaultLifetime
	}
	ttl := lifetime - safetyMargin
	if ttl <= 0 {
		ttl = lifetime
	}
	return ttl
}

// ServicePinTTL is the fixed TTL for a cached dealer service PIN.
func ServicePinTTL() time.Duration { return servicePinTTL }
