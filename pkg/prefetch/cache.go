// Package prefetch provides a local value cache in front of the store with
// popularity-weighted eviction and background refresh of hot keys.
//
// Every hit bumps the key's popularity; popularity decays multiplicatively
// on each maintenance tick. When the entry or byte bound would be exceeded
// the least popular entries are evicted first. Entries above the prefetch
// threshold that are close to expiry are re-read from the store on the
// maintenance tick so hot keys rarely miss.
//
// Concurrent misses on one key share a single store read. Absent keys are
// not cached. A store read that overlaps an Invalidate of its key is
// returned to the caller but not cached.
package prefetch

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/nebulakv/pkg/compression"
	"github.com/ajitpratap0/nebulakv/pkg/config"
	"github.com/ajitpratap0/nebulakv/pkg/logger"
	"github.com/ajitpratap0/nebulakv/pkg/metrics"
	"github.com/ajitpratap0/nebulakv/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebulakv/pkg/store"
)

// entryOverhead approximates the per-entry bookkeeping cost in bytes.
const entryOverhead = 64

// ConnProvider lends a connection for background refresh. The returned
// func hands the connection back.
type ConnProvider func(ctx context.Context) (store.Conn, func(), error)

type entry struct {
	value      string
	packed     []byte // compressed value, set instead of value
	cachedAt   time.Time
	popularity float64
	size       int64
}

// Cache is the prefetch value cache.
type Cache struct {
	cfg      config.PrefetchConfig
	logger   *zap.Logger
	provider ConnProvider
	limiter  *rate.Limiter
	codec    compression.Compressor
	now      func() time.Time
	flight   singleflight.Group

	mu       sync.Mutex
	entries  map[string]*entry
	bytes    int64
	patterns map[string]int64
	stopped  bool

	// epoch counts invalidations; stamps holds the epoch of each key's last
	// invalidation while store reads are in flight.
	epoch  uint64
	stamps map[string]uint64
	reads  int

	// Counters, guarded by mu
	compressed int
	hits      int64
	misses    int64
	refreshes int64
	evictions int64

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Metrics is a snapshot of cache state and counters.
type Metrics struct {
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRate        float64 `json:"hit_rate"`
	Entries        int     `json:"entries"`
	Bytes          int64   `json:"bytes"`
	AccessPatterns int     `json:"access_patterns"`
	Compressed     int     `json:"compressed"`
	Refreshes      int64   `json:"refreshes"`
	Evictions      int64   `json:"evictions"`
}

// New creates a Cache and starts its maintenance loop. provider may be nil,
// in which case hot keys are not refreshed in the background.
func New(cfg config.PrefetchConfig, provider ConnProvider, log *zap.Logger) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid prefetch configuration")
	}

	codec, err := compression.New(compression.Algorithm(cfg.Compression))
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid prefetch compression")
	}

	limit := rate.Inf
	burst := 0
	if cfg.RefreshRatePerSec > 0 {
		limit = rate.Limit(cfg.RefreshRatePerSec)
		burst = cfg.RefreshRatePerSec
	}

	c := &Cache{
		cfg:      cfg,
		logger:   logger.Or(log).With(zap.String("component", "prefetch_cache")),
		provider: provider,
		limiter:  rate.NewLimiter(limit, burst),
		codec:    codec,
		now:      time.Now,
		entries:  make(map[string]*entry),
		patterns: make(map[string]int64),
		stamps:   make(map[string]uint64),
		done:     make(chan struct{}),
	}

	if cfg.Enabled && cfg.BackgroundRefreshInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.loop(ctx)
	} else {
		close(c.done)
	}
	return c, nil
}

// Get returns the value of key, serving live cached values locally and
// reading misses through conn. found is false when the key does not exist.
func (c *Cache) Get(ctx context.Context, conn store.Conn, key string) (string, bool, error) {
	if !c.cfg.Enabled {
		return conn.Get(ctx, key)
	}

	if v, ok := c.lookup(key); ok {
		return v, true, nil
	}

	type result struct {
		value string
		found bool
	}
	res, err, _ := c.flight.Do(key, func() (interface{}, error) {
		since := c.beginRead()
		defer c.endRead()

		v, found, err := conn.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			c.put(key, v, 1, since)
		}
		return result{value: v, found: found}, nil
	})
	if err != nil {
		return "", false, err
	}
	r := res.(result)
	return r.value, r.found, nil
}

// MGet returns one reply per key in input order. Cached keys are served
// locally and the rest are fetched with a single MGet on conn.
func (c *Cache) MGet(ctx context.Context, conn store.Conn, keys []string) ([]store.Reply, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if !c.cfg.Enabled {
		return conn.MGet(ctx, keys...)
	}

	replies := make([]store.Reply, len(keys))
	missing := make(map[string][]int)
	var fetch []string
	for i, key := range keys {
		if v, ok := c.lookup(key); ok {
			replies[i] = store.Reply{Str: v}
			continue
		}
		if _, seen := missing[key]; !seen {
			fetch = append(fetch, key)
		}
		missing[key] = append(missing[key], i)
	}
	if len(fetch) == 0 {
		return replies, nil
	}

	since := c.beginRead()
	defer c.endRead()

	fetched, err := conn.MGet(ctx, fetch...)
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(fetch) {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeInternal, "reply count does not match key count").
			WithDetail("replies", len(fetched)).
			WithDetail("keys", len(fetch))
	}

	for i, key := range fetch {
		reply := fetched[i]
		if reply.Err == nil && !reply.Nil {
			c.put(key, reply.Str, 1, since)
		}
		for _, idx := range missing[key] {
			replies[idx] = reply
		}
	}
	return replies, nil
}

// Invalidate drops key from the cache. Store reads of key already in
// flight will not cache their result.
func (c *Cache) Invalidate(key string) {
	c.flight.Forget(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	if c.reads > 0 {
		c.stamps[key] = c.epoch
	}
	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
		c.publishLocked()
	}
}

// beginRead registers a store read and returns the epoch it started at.
func (c *Cache) beginRead() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	return c.epoch
}

func (c *Cache) endRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads--
	if c.reads == 0 {
		clear(c.stamps)
	}
}

// lookup returns a live cached value and bumps its popularity. Expired
// entries are dropped.
func (c *Cache) lookup(key string) (string, bool) {
	value, packed, ok := c.lookupRaw(key)
	if !ok || packed == nil {
		return value, ok
	}

	data, err := c.codec.Decompress(packed)
	if err != nil {
		c.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		c.Invalidate(key)
		return "", false
	}
	return string(data), true
}

func (c *Cache) lookupRaw(key string) (string, []byte, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.patterns[pattern(key)]++
	e, ok := c.entries[key]
	if ok && now.Sub(e.cachedAt) < c.cfg.TTL {
		e.popularity++
		c.hits++
		metrics.CacheLookups.WithLabelValues(metrics.CachePrefetch, "hit").Inc()
		return e.value, e.packed, true
	}
	if ok {
		c.removeLocked(key, e)
		metrics.CacheEvictions.WithLabelValues(metrics.CachePrefetch, "expired").Inc()
		c.publishLocked()
	}
	c.misses++
	metrics.CacheLookups.WithLabelValues(metrics.CachePrefetch, "miss").Inc()
	return "", nil, false
}

// pack compresses value when it is large enough and compression pays off.
func (c *Cache) pack(value string) []byte {
	if c.codec.Algorithm() == compression.None || len(value) < c.cfg.CompressMinBytes {
		return nil
	}
	packed, err := c.codec.Compress([]byte(value))
	if err != nil {
		c.logger.Debug("failed to compress cache value", zap.Error(err))
		return nil
	}
	if len(packed) >= len(value) {
		return nil
	}
	return packed
}

// put stores value read from the store at epoch since, with a fresh TTL.
// Values invalidated after since are dropped. A replaced entry keeps the
// higher of its popularity and the given one.
func (c *Cache) put(key, value string, popularity float64, since uint64) {
	now := c.now()
	e := &entry{value: value, cachedAt: now}
	if packed := c.pack(value); packed != nil {
		e.value, e.packed = "", packed
	}
	e.size = int64(len(key)+len(e.value)+len(e.packed)) + entryOverhead

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.stamps[key] > since {
		return
	}
	if old, ok := c.entries[key]; ok {
		popularity = math.Max(popularity, old.popularity)
		c.removeLocked(key, old)
	}
	e.popularity = popularity
	c.entries[key] = e
	c.bytes += e.size
	if e.packed != nil {
		c.compressed++
	}
	c.evictLocked(key)
	c.publishLocked()
}

func (c *Cache) removeLocked(key string, e *entry) {
	delete(c.entries, key)
	c.bytes -= e.size
	if e.packed != nil {
		c.compressed--
	}
}

func (c *Cache) overLocked() bool {
	if len(c.entries) > c.cfg.MaxCacheSize {
		return true
	}
	return c.cfg.MaxCacheBytes > 0 && c.bytes > c.cfg.MaxCacheBytes
}

// evictLocked removes the least popular entries, older first on ties, until
// the cache is within its bounds. keep is only evicted when it alone
// exceeds the byte bound.
func (c *Cache) evictLocked(keep string) {
	if !c.overLocked() {
		return
	}

	type candidate struct {
		key string
		e   *entry
	}
	candidates := make([]candidate, 0, len(c.entries))
	for k, e := range c.entries {
		if k != keep {
			candidates = append(candidates, candidate{k, e})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].e, candidates[j].e
		if a.popularity != b.popularity {
			return a.popularity < b.popularity
		}
		return a.cachedAt.Before(b.cachedAt)
	})

	evicted := 0
	for _, cand := range candidates {
		if !c.overLocked() {
			break
		}
		c.removeLocked(cand.key, cand.e)
		evicted++
	}
	if e, ok := c.entries[keep]; ok && c.overLocked() {
		c.removeLocked(keep, e)
		evicted++
	}

	c.evictions += int64(evicted)
	metrics.CacheEvictions.WithLabelValues(metrics.CachePrefetch, "size").Add(float64(evicted))
}

func (c *Cache) publishLocked() {
	metrics.CacheEntries.WithLabelValues(metrics.CachePrefetch).Set(float64(len(c.entries)))
}

// pattern is the key namespace up to the first ':'.
func pattern(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

func (c *Cache) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.BackgroundRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.maintain(ctx)
		}
	}
}

// maintain refreshes hot keys near expiry, then decays popularity and
// purges expired entries.
func (c *Cache) maintain(ctx context.Context) {
	if err := c.refresh(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("background refresh failed", zap.Error(err))
	}

	now := c.now()
	c.mu.Lock()
	expired := 0
	for key, e := range c.entries {
		if now.Sub(e.cachedAt) >= c.cfg.TTL {
			c.removeLocked(key, e)
			expired++
			continue
		}
		e.popularity *= c.cfg.PopularityDecayFactor
	}
	c.publishLocked()
	c.mu.Unlock()

	if expired > 0 {
		metrics.CacheEvictions.WithLabelValues(metrics.CachePrefetch, "expired").Add(float64(expired))
	}
}

// hotKeys returns live keys above the prefetch threshold that expire within
// the refresh window, most popular first.
func (c *Cache) hotKeys() []string {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	type hot struct {
		key        string
		popularity float64
	}
	var candidates []hot
	for key, e := range c.entries {
		age := now.Sub(e.cachedAt)
		if age >= c.cfg.TTL || e.popularity <= c.cfg.PrefetchThreshold {
			continue
		}
		if c.cfg.TTL-age <= c.cfg.RefreshWindow {
			candidates = append(candidates, hot{key, e.popularity})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].popularity > candidates[j].popularity
	})

	keys := make([]string, len(candidates))
	for i, h := range candidates {
		keys[i] = h.key
	}
	return keys
}

// refresh re-reads hot keys near expiry through a provider connection,
// paced by the refresh rate limit.
func (c *Cache) refresh(ctx context.Context) error {
	if c.provider == nil {
		return nil
	}
	keys := c.hotKeys()
	if len(keys) == 0 {
		return nil
	}

	conn, release, err := c.provider(ctx)
	if err != nil {
		return err
	}
	defer release()

	chunk := len(keys)
	if c.limiter.Limit() != rate.Inf && c.limiter.Burst() < chunk {
		chunk = c.limiter.Burst()
	}

	refreshed := 0
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		if err := c.limiter.WaitN(ctx, len(batch)); err != nil {
			return err
		}
		since := c.beginRead()
		replies, err := conn.MGet(ctx, batch...)
		if err != nil {
			c.endRead()
			return err
		}
		for i, key := range batch {
			if i >= len(replies) {
				break
			}
			switch r := replies[i]; {
			case r.Err != nil:
				continue
			case r.Nil:
				c.Invalidate(key)
			default:
				c.put(key, r.Str, 0, since)
				refreshed++
			}
		}
		c.endRead()
	}

	c.mu.Lock()
	c.refreshes += int64(refreshed)
	c.mu.Unlock()

	c.logger.Debug("refreshed hot keys", zap.Int("refreshed", refreshed))
	return nil
}

// GetMetrics returns a snapshot of cache state and counters.
func (c *Cache) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := Metrics{
		Hits:           c.hits,
		Misses:         c.misses,
		Entries:        len(c.entries),
		Bytes:          c.bytes,
		AccessPatterns: len(c.patterns),
		Compressed:     c.compressed,
		Refreshes:      c.refreshes,
		Evictions:      c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		m.HitRate = float64(c.hits) / float64(total)
	}
	return m
}

// Stop cancels the maintenance loop and drops every entry. Stop is
// idempotent.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		<-c.done

		c.mu.Lock()
		c.stopped = true
		c.entries = make(map[string]*entry)
		c.bytes = 0
		c.compressed = 0
		c.publishLocked()
		c.mu.Unlock()

		c.logger.Info("prefetch cache stopped")
	})
}
