// Package credcache implements the two-tier, single-flight credential
// cache from spec.md §4.4: concurrent lookups for the same key fan in to
// one backend query (golang.org/x/sync/singleflight), with an in-process
// tier (patrickmn/go-cache) backed by an optional shared tier
// (redis/go-redis) that fails open to in-process-only on any error.
package credcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/schlep/schlep/logging"
	"github.com/schlep/schlep/metrics"
)

var log = logging.For("cache")

// Outcome is a serialized verification outcome, cached on both tiers.
type Outcome struct {
	Allowed bool   `json:"allowed"`
	Detail  string `json:"detail,omitempty"`
}

// SharedStore is the subset of a Redis client the cache needs, so tests
// can substitute a fake without importing go-redis.
type SharedStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// redisStore adapts *redis.Client to SharedStore.
type redisStore struct{ c *redis.Client }

func NewRedisStore(c *redis.Client) SharedStore { return redisStore{c: c} }

func (r redisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.c.Get(ctx, key).Result()
	if err != nil {
		return "", err
	}
	return v, nil
}

func (r redisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

// BackendFunc performs the actual credential check when neither tier has
// a fresh entry for key. It returns the outcome to cache and its TTL.
type BackendFunc func(ctx context.Context) (outcome Outcome, ttl time.Duration, err error)

// Cache is the credential cache described in spec.md §4.4.
type Cache struct {
	local  *cache.Cache
	shared SharedStore // nil disables the shared tier
	group  singleflight.Group
	negTTL time.Duration
	posTTL time.Duration

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Collector
}

// New builds a Cache. shared may be nil, in which case the cache operates
// in-process only (the same degraded mode a live shared-tier outage
// produces).
func New(shared SharedStore, positiveTTL, negativeTTL time.Duration) *Cache {
	return &Cache{
		local:  cache.New(positiveTTL, positiveTTL*2),
		shared: shared,
		posTTL: positiveTTL,
		negTTL: negativeTTL,
	}
}

// Get consults the in-process tier, then the shared tier, then calls
// backend at most once per key even under concurrent callers
// (single-flight, spec.md §4.4 and the "N concurrent auth lookups ...
// exactly one query" property in §8).
func (c *Cache) Get(ctx context.Context, key string, backend BackendFunc) (Outcome, error) {
	if v, ok := c.local.Get(key); ok {
		c.recordLookup("local", "hit")
		return v.(Outcome), nil
	}
	c.recordLookup("local", "miss")
	if c.shared != nil {
		if raw, err := c.shared.Get(ctx, key); err == nil {
			var o Outcome
			if jerr := json.Unmarshal([]byte(raw), &o); jerr == nil {
				c.local.Set(key, o, c.ttlFor(o))
				c.recordLookup("shared", "hit")
				return o, nil
			}
		} else if err != redis.Nil {
			log.WithError(err).WithField("key", key).Debug("shared cache unavailable, falling back to in-process")
			c.recordLookup("shared", "error")
		} else {
			c.recordLookup("shared", "miss")
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		outcome, ttl, berr := backend(ctx)
		if berr != nil {
			return Outcome{}, berr
		}
		if ttl <= 0 {
			ttl = c.ttlFor(outcome)
		}
		c.local.Set(key, outcome, ttl)
		if c.shared != nil {
			if raw, jerr := json.Marshal(outcome); jerr == nil {
				if serr := c.shared.Set(ctx, key, string(raw), ttl); serr != nil {
					log.WithError(serr).WithField("key", key).Debug("failed writing shared cache tier")
				}
			}
		}
		return outcome, nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return v.(Outcome), nil
}

func (c *Cache) recordLookup(tier, result string) {
	if c.Metrics == nil {
		return
	}
	c.Metrics.CacheLookups.WithLabelValues(tier, result).Inc()
}

func (c *Cache) ttlFor(o Outcome) time.Duration {
	if o.Allowed {
		return c.posTTL
	}
	return c.negTTL
}

// Invalidate removes key from the in-process tier immediately; used by
// tests and by explicit cache-busting paths. It does not attempt to
// clear the shared tier, which expires on its own TTL.
func (c *Cache) Invalidate(key string) {
	c.local.Delete(key)
}
