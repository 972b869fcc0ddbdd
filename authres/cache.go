package authres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/authverdict/authverdict/metrics"
)

// Defaults for the cache of allowed authserv-ids.
const (
	DefaultCacheTTL     = 30 * time.Minute
	DefaultCacheMaxSize = 64 * 1024
)

// Principal identifies the user within a tenant that a message is evaluated for.
type Principal struct {
	Tenant string
	User   string
}

func (p Principal) String() string {
	return p.Tenant + "/" + p.User
}

// idCache holds parsed allowed authserv-ids per principal, with a limited
// number of entries and an expiration time after the last write. The least
// recently used entry is evicted when the cache is full.
type idCache struct {
	ttl     time.Duration
	maxSize int
	lru     *expirable.LRU[Principal, AllowedAuthServIDs]

	sync.Mutex
	// Incremented by clear. Loads that started before a clear don't store their
	// value.
	gen uint64

	// Concurrent misses for a principal result in a single load.
	loads singleflight.Group
}

func newIDCache(ttl time.Duration, maxSize int) *idCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultCacheMaxSize
	}
	return &idCache{
		ttl:     ttl,
		maxSize: maxSize,
		lru:     expirable.NewLRU[Principal, AllowedAuthServIDs](maxSize, nil, ttl),
	}
}

// get returns the cached value for key. If absent or expired, load is called,
// and its value stored. Errors from load are not cached.
func (c *idCache) get(ctx context.Context, key Principal, load func(ctx context.Context) (AllowedAuthServIDs, error)) (AllowedAuthServIDs, error) {
	if v, ok := c.lookup(key); ok {
		metrics.AuthServIDCacheInc("hit")
		return v, nil
	}
	metrics.AuthServIDCacheInc("miss")

	c.Lock()
	gen := c.gen
	c.Unlock()

	// Keyed by generation too, so a get after a clear does not join a load that
	// started before it.
	x, err, _ := c.loads.Do(fmt.Sprintf("%d\x00%s\x00%s", gen, key.Tenant, key.User), func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Lock()
		defer c.Unlock()
		if c.gen == gen {
			c.lru.Add(key, v)
		}
		return v, nil
	})
	if err != nil {
		metrics.AuthServIDCacheInc("error")
		return AllowedAuthServIDs{}, err
	}
	return x.(AllowedAuthServIDs), nil
}

func (c *idCache) lookup(key Principal) (AllowedAuthServIDs, bool) {
	return c.lru.Get(key)
}

// clear removes all entries, and prevents pending loads from storing their
// values.
func (c *idCache) clear() {
	c.Lock()
	defer c.Unlock()
	c.gen++
	c.lru.Purge()
}

// size returns the number of entries, possibly including expired entries that
// have not been removed yet.
func (c *idCache) size() int {
	return c.lru.Len()
}
