package adaptercache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/branchline/branch-router/pkg/observability/logging"
	"github.com/branchline/branch-router/pkg/observability/metrics"
)

// Handle is an opaque reference to a loaded adapter. ModelID is the served
// model name the generation backend resolves the adapter under.
type Handle struct {
	Key     string
	ModelID string
}

// IsZero reports whether the handle references no adapter.
func (h Handle) IsZero() bool {
	return h.Key == "" && h.ModelID == ""
}

// Loader loads an adapter for a domain (and optional sub-branch) into memory.
// Implementations must be safe for concurrent use.
type Loader interface {
	Load(ctx context.Context, domain, subBranch string) (Handle, error)
}

// Compressor downgrades an idle adapter to a memory-reduced representation.
// Implementations must be safe for concurrent use.
type Compressor interface {
	Compress(handle Handle) error
}

// NopCompressor marks entries compressed without touching the adapter.
type NopCompressor struct{}

func (NopCompressor) Compress(Handle) error { return nil }

// Clock abstracts time for cache bookkeeping so tests can control it.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall-clock Clock used outside tests.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// LoadFailedError reports a failed adapter load. Callers must fall through
// to the next routing tier rather than retry.
type LoadFailedError struct {
	Key string
	Err error
}

func (e *LoadFailedError) Error() string {
	return fmt.Sprintf("adapter load failed for %q: %v", e.Key, e.Err)
}

func (e *LoadFailedError) Unwrap() error { return e.Err }

// Entry is a loaded adapter tracked by the cache.
type Entry struct {
	Key        string
	Handle     Handle
	LastUsed   time.Time
	UsageCount uint64
	Compressed bool
}

// Options configures a Cache.
type Options struct {
	Capacity           int
	EvictionFraction   float64
	CompressionIdle    time.Duration
	ObsolescenceWindow time.Duration
	Loader             Loader
	Compressor         Compressor
	Clock              Clock
}

// Cache is a bounded store of loaded adapters keyed by domain and optional
// sub-branch. Eviction favors usage frequency over pure recency so hot
// domains survive short bursts of traffic to other domains.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry

	capacity           int
	evictionFraction   float64
	compressionIdle    time.Duration
	obsolescenceWindow time.Duration

	loader     Loader
	compressor Compressor
	clock      Clock
	group      singleflight.Group
}

// New creates a Cache. Loader is required; zero option values take defaults.
func New(opts Options) (*Cache, error) {
	if opts.Loader == nil {
		return nil, fmt.Errorf("adapter cache requires a loader")
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 8
	}
	if opts.EvictionFraction <= 0 || opts.EvictionFraction >= 1 {
		opts.EvictionFraction = 0.2
	}
	if opts.CompressionIdle <= 0 {
		opts.CompressionIdle = 30 * time.Minute
	}
	if opts.ObsolescenceWindow <= 0 {
		opts.ObsolescenceWindow = 2 * time.Hour
	}
	if opts.Compressor == nil {
		opts.Compressor = NopCompressor{}
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	return &Cache{
		entries:            make(map[string]*Entry),
		capacity:           opts.Capacity,
		evictionFraction:   opts.EvictionFraction,
		compressionIdle:    opts.CompressionIdle,
		obsolescenceWindow: opts.ObsolescenceWindow,
		loader:             opts.Loader,
		compressor:         opts.Compressor,
		clock:              opts.Clock,
	}, nil
}

// CacheKey builds the cache key for a domain and optional sub-branch.
func CacheKey(domain, subBranch string) string {
	if subBranch == "" {
		return domain
	}
	return domain + "/" + subBranch
}

// GetOrLoad returns the cached handle for the key, loading it on a miss.
// Concurrent callers for the same key share a single underlying load.
// A failed load returns a *LoadFailedError.
func (c *Cache) GetOrLoad(ctx context.Context, domain, subBranch string) (Handle, error) {
	key := CacheKey(domain, subBranch)

	if h, ok := c.touch(key); ok {
		return h, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have completed the load between the miss
		// and this callback running.
		if h, ok := c.touch(key); ok {
			return h, nil
		}

		start := c.clock.Now()
		handle, err := c.loader.Load(ctx, domain, subBranch)
		metrics.RecordAdapterLoad(domain, err, c.clock.Now().Sub(start).Seconds())
		if err != nil {
			return Handle{}, &LoadFailedError{Key: key, Err: err}
		}

		c.insert(key, handle)
		logging.Infof("Loaded adapter %q (%.0fms)", key, c.clock.Now().Sub(start).Seconds()*1000)
		return handle, nil
	})
	if err != nil {
		return Handle{}, err
	}
	return v.(Handle), nil
}

// touch returns the handle for key if present, bumping its usage bookkeeping.
// Accessing a compressed entry reactivates it.
func (c *Cache) touch(key string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Handle{}, false
	}
	now := c.clock.Now()
	if now.After(e.LastUsed) {
		e.LastUsed = now
	}
	e.UsageCount++
	e.Compressed = false
	return e.Handle, true
}

// insert adds a freshly loaded entry, evicting under pressure first.
func (c *Cache) insert(key string, handle Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return
	}
	if len(c.entries) >= c.capacity {
		c.evictLocked("pressure")
	}
	c.entries[key] = &Entry{
		Key:        key,
		Handle:     handle,
		LastUsed:   c.clock.Now(),
		UsageCount: 1,
	}
	metrics.SetAdapterCacheSize(len(c.entries))
}

// Evict removes an entry. No-op on an absent key.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	metrics.RecordAdapterEviction("explicit")
	metrics.SetAdapterCacheSize(len(c.entries))
}

// EvictUnderPressure runs the usage-weighted eviction pass immediately,
// regardless of current size. Returns the number of entries evicted.
func (c *Cache) EvictUnderPressure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked("pressure")
}

// evictLocked evicts the lowest-usage entries. The victim set is the bottom
// eviction-fraction of entries ordered by usage count (ties by oldest
// LastUsed), widened to include every entry whose usage count equals the
// cutoff. When the fraction rounds to zero entries, the single
// least-recently-used entry is evicted instead. At least one entry always
// survives. Caller holds c.mu.
func (c *Cache) evictLocked(cause string) int {
	if len(c.entries) == 0 {
		return 0
	}

	ordered := c.orderedByUsageLocked()

	n := int(c.evictionFraction * float64(len(ordered)))
	var victims []*Entry
	if n == 0 {
		// Too small for a fractional pass: plain LRU.
		lru := ordered[0]
		for _, e := range ordered[1:] {
			if e.LastUsed.Before(lru.LastUsed) {
				lru = e
			}
		}
		victims = []*Entry{lru}
	} else {
		cutoff := ordered[n-1].UsageCount
		for _, e := range ordered {
			if e.UsageCount > cutoff {
				break
			}
			victims = append(victims, e)
		}
		if len(victims) == len(ordered) {
			// Uniform usage would empty the cache; fall back to the
			// strict bottom-n.
			victims = victims[:n]
		}
	}

	for _, e := range victims {
		delete(c.entries, e.Key)
		metrics.RecordAdapterEviction(cause)
		logging.Debugf("Evicted adapter %q (usage=%d, cause=%s)", e.Key, e.UsageCount, cause)
	}
	metrics.SetAdapterCacheSize(len(c.entries))
	return len(victims)
}

// orderedByUsageLocked returns entries sorted by usage count ascending,
// ties by oldest LastUsed first. Caller holds c.mu.
func (c *Cache) orderedByUsageLocked() []*Entry {
	ordered := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		ordered = append(ordered, e)
	}
	// Insertion sort keeps this dependency-free; the cache never holds more
	// than a handful of entries.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0; j-- {
			a, b := ordered[j-1], ordered[j]
			if b.UsageCount < a.UsageCount ||
				(b.UsageCount == a.UsageCount && b.LastUsed.Before(a.LastUsed)) {
				ordered[j-1], ordered[j] = b, a
			} else {
				break
			}
		}
	}
	return ordered
}

// CompressIdle flags entries idle beyond the compression window and hands
// them to the compressor. Compression never removes an entry. Returns the
// number of entries newly compressed.
func (c *Cache) CompressIdle() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	compressed := 0
	for _, e := range c.entries {
		if e.Compressed || now.Sub(e.LastUsed) <= c.compressionIdle {
			continue
		}
		if err := c.compressor.Compress(e.Handle); err != nil {
			logging.Warnf("Failed to compress adapter %q: %v", e.Key, err)
			continue
		}
		e.Compressed = true
		compressed++
	}
	if compressed > 0 {
		logging.Debugf("Compressed %d idle adapters", compressed)
	}
	return compressed
}

// EvictObsolete removes entries idle beyond the obsolescence window,
// regardless of usage count. Returns the number evicted.
func (c *Cache) EvictObsolete() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	evicted := 0
	for key, e := range c.entries {
		if now.Sub(e.LastUsed) <= c.obsolescenceWindow {
			continue
		}
		delete(c.entries, key)
		metrics.RecordAdapterEviction("obsolete")
		logging.Infof("Evicted obsolete adapter %q (idle %s)", key, now.Sub(e.LastUsed).Round(time.Second))
		evicted++
	}
	if evicted > 0 {
		metrics.SetAdapterCacheSize(len(c.entries))
	}
	return evicted
}

// Size returns the current number of cached adapters.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the configured maximum number of adapters.
func (c *Cache) Capacity() int { return c.capacity }

// FillRatio returns size divided by capacity.
func (c *Cache) FillRatio() float64 {
	return float64(c.Size()) / float64(c.capacity)
}

// Snapshot returns a copy of all entries for reporting.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}
