package responsecache

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/branchline/branch-router/pkg/observability/metrics"
)

// Clock abstracts time so tests can control TTL expiry.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CachedResponse is a previously computed answer together with the route
// that produced it, so a hit can be replayed with its original route type.
type CachedResponse struct {
	Response  string
	RouteType string
}

type entry struct {
	value      CachedResponse
	insertedAt time.Time
}

// Options configures a Cache.
type Options struct {
	TTL       time.Duration
	Normalize bool
	Clock     Clock
}

// Cache is a short-TTL map from normalized query to a previously computed
// response. Expired entries are treated as absent and purged lazily on
// access; Sweep removes them in bulk. Safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	entries   map[uint64]entry
	ttl       time.Duration
	normalize bool
	clock     Clock
}

// New creates a Cache. A non-positive TTL defaults to one hour.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	return &Cache{
		entries:   make(map[uint64]entry),
		ttl:       opts.TTL,
		normalize: opts.Normalize,
		clock:     opts.Clock,
	}
}

func (c *Cache) hash(query string) uint64 {
	if c.normalize {
		query = strings.ToLower(strings.TrimSpace(query))
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(query))
	return h.Sum64()
}

// Get returns the cached response for the query. A hit older than the TTL is
// purged and reported as a miss.
func (c *Cache) Get(query string) (CachedResponse, bool) {
	key := c.hash(query)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		metrics.RecordResponseCacheLookup("miss")
		return CachedResponse{}, false
	}
	if c.clock.Now().Sub(e.insertedAt) > c.ttl {
		delete(c.entries, key)
		metrics.RecordResponseCacheLookup("expired")
		return CachedResponse{}, false
	}
	metrics.RecordResponseCacheLookup("hit")
	return e.value, true
}

// Put inserts or overwrites the response for the query with the current time.
func (c *Cache) Put(query string, value CachedResponse) {
	key := c.hash(query)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, insertedAt: c.clock.Now()}
}

// Sweep removes all expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.insertedAt) > c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of entries currently held, expired or not.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
