// Package query turns raw vector-search requests into executable plans and
// caches their results.
//
// Optimize derives a cache key from a normalized signature of the query,
// estimates its cost, clamps an over-provisioned ef and attaches index
// hints. A plan whose key has a live cached result comes back with
// CacheFull and zero cost, and Execute then answers it without touching the
// store. Results of expensive queries are cached longer than cheap ones.
package query

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebulakv/pkg/config"
	"github.com/ajitpratap0/nebulakv/pkg/logger"
	"github.com/ajitpratap0/nebulakv/pkg/metrics"
	"github.com/ajitpratap0/nebulakv/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebulakv/pkg/store"
)

const (
	defaultLimit = 10
	defaultMinEF = 100
)

type cacheEntry struct {
	result   *store.SearchResult
	cachedAt time.Time
	ttl      time.Duration
}

func (e *cacheEntry) live(now time.Time) bool {
	return now.Sub(e.cachedAt) < e.ttl
}

// Optimizer plans, executes and caches searches.
type Optimizer struct {
	cfg    config.OptimizerConfig
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*cacheEntry

	statsMu          sync.Mutex
	totalQueries     int64
	optimizedQueries int64
	cacheHits        int64
	failures         int64
}

// Metrics is a snapshot of optimizer counters.
type Metrics struct {
	TotalQueries     int64   `json:"total_queries"`
	OptimizedQueries int64   `json:"optimized_queries"`
	CacheHits        int64   `json:"cache_hits"`
	Failures         int64   `json:"failures"`
	CacheEntries     int     `json:"cache_entries"`
	OptimizationRate float64 `json:"optimization_rate"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
}

// New creates an Optimizer.
func New(cfg config.OptimizerConfig, log *zap.Logger) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid optimizer configuration")
	}
	if cfg.MinEF <= 0 {
		cfg.MinEF = defaultMinEF
	}
	return &Optimizer{
		cfg:    cfg,
		logger: logger.Or(log).With(zap.String("component", "query_optimizer")),
		now:    time.Now,
		cache:  make(map[string]*cacheEntry),
	}, nil
}

// Optimize builds a plan for q. Queries without an index, with a negative
// limit or offset, or costing more than MaxComplexity are rejected.
func (o *Optimizer) Optimize(q store.SearchQuery) (*Plan, error) {
	if err := validate(q); err != nil {
		return nil, err
	}
	if q.Limit == 0 {
		q.Limit = defaultLimit
	}
	original := q
	original.Vector = append([]float32(nil), q.Vector...)
	original.ReturnFields = append([]string(nil), q.ReturnFields...)

	optimized := original
	rewritten := false
	if o.cfg.EnableQueryRewriting {
		if ef := clampEF(optimized.EF, optimized.Limit, o.cfg.MinEF); ef != optimized.EF {
			optimized.EF = ef
			rewritten = true
		}
	}

	key, err := cacheKey(optimized)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeInternal, "failed to derive cache key")
	}

	plan := &Plan{
		Original:          original,
		Optimized:         optimized,
		ExecutionStrategy: strategyFor(optimized),
		CacheStrategy:     CacheNone,
		CacheKey:          key,
	}
	if o.cfg.EnableIndexHints {
		plan.IndexHints = indexHints(optimized)
	}

	o.statsMu.Lock()
	o.totalQueries++
	if rewritten {
		o.optimizedQueries++
	}
	o.statsMu.Unlock()

	if !o.cfg.EnableResultCaching {
		plan.EstimatedCost = estimateCost(optimized)
		return plan, o.checkComplexity(plan)
	}

	if _, ok := o.lookup(key); ok {
		plan.CacheStrategy = CacheFull
		o.statsMu.Lock()
		o.cacheHits++
		o.statsMu.Unlock()
		metrics.CacheLookups.WithLabelValues(metrics.CacheQueryResult, "hit").Inc()
		return plan, nil
	}
	metrics.CacheLookups.WithLabelValues(metrics.CacheQueryResult, "miss").Inc()

	plan.CacheStrategy = CachePartial
	plan.EstimatedCost = estimateCost(optimized)
	return plan, o.checkComplexity(plan)
}

func validate(q store.SearchQuery) error {
	if q.Index == "" {
		return nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "search query has no index")
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "search limit and offset cannot be negative").
			WithDetail("limit", q.Limit).
			WithDetail("offset", q.Offset)
	}
	if q.VectorField != "" && len(q.Vector) == 0 {
		return nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "vector field given without a vector").
			WithDetail("vector_field", q.VectorField)
	}
	return nil
}

func (o *Optimizer) checkComplexity(plan *Plan) error {
	if o.cfg.MaxComplexity > 0 && plan.EstimatedCost > o.cfg.MaxComplexity {
		return nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "query exceeds maximum complexity").
			WithDetail("estimated_cost", plan.EstimatedCost).
			WithDetail("max_complexity", o.cfg.MaxComplexity)
	}
	return nil
}

// Execute runs plan on conn. A CacheFull plan with a live cached result is
// answered locally. Store failures are returned and never cached.
func (o *Optimizer) Execute(ctx context.Context, conn store.Conn, plan *Plan) (*store.SearchResult, error) {
	if plan == nil {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "nil query plan")
	}

	start := time.Now()
	if plan.CacheStrategy == CacheFull {
		if res, ok := o.lookup(plan.CacheKey); ok {
			metrics.QueryDuration.WithLabelValues("cache").Observe(time.Since(start).Seconds())
			return res, nil
		}
	}

	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	res, err := conn.Search(ctx, plan.Optimized)
	metrics.QueryDuration.WithLabelValues("store").Observe(time.Since(start).Seconds())
	if err != nil {
		o.statsMu.Lock()
		o.failures++
		o.statsMu.Unlock()
		o.logger.Debug("search failed",
			zap.String("index", plan.Optimized.Index),
			zap.String("cache_key", plan.CacheKey),
			zap.Error(err))
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "query execution failed").
			WithDetail("index", plan.Optimized.Index)
	}

	if o.cfg.EnableResultCaching && plan.CacheStrategy != CacheNone {
		cost := plan.EstimatedCost
		if plan.CacheStrategy == CacheFull {
			// planned as a hit, so the cost was never estimated
			cost = estimateCost(plan.Optimized)
		}
		o.put(plan.CacheKey, cost, res)
	}
	return cloneResult(res), nil
}

func (o *Optimizer) ttlFor(cost float64) time.Duration {
	if cost > o.cfg.ExpensiveCostThreshold {
		return o.cfg.ExpensiveCacheTTL
	}
	return o.cfg.DefaultCacheTTL
}

func (o *Optimizer) lookup(key string) (*store.SearchResult, bool) {
	now := o.now()

	o.mu.RLock()
	entry, ok := o.cache[key]
	o.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if entry.live(now) {
		return cloneResult(entry.result), true
	}

	o.mu.Lock()
	if cur, ok := o.cache[key]; ok && cur == entry {
		delete(o.cache, key)
		metrics.CacheEvictions.WithLabelValues(metrics.CacheQueryResult, "expired").Inc()
	}
	o.publishLocked()
	o.mu.Unlock()
	return nil, false
}

// put caches res under key with a TTL scaled by cost, making room first
// when the cache is full.
func (o *Optimizer) put(key string, cost float64, res *store.SearchResult) {
	entry := &cacheEntry{
		result:   cloneResult(res),
		cachedAt: o.now(),
		ttl:      o.ttlFor(cost),
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.cache[key]; !exists && o.cfg.MaxCacheEntries > 0 && len(o.cache) >= o.cfg.MaxCacheEntries {
		o.purgeExpiredLocked(entry.cachedAt)
		for len(o.cache) >= o.cfg.MaxCacheEntries {
			o.evictOldestLocked()
		}
	}
	o.cache[key] = entry
	o.publishLocked()
}

// PurgeExpired drops every expired result and returns how many were dropped.
func (o *Optimizer) PurgeExpired() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.purgeExpiredLocked(o.now())
	o.publishLocked()
	return n
}

func (o *Optimizer) purgeExpiredLocked(now time.Time) int {
	n := 0
	for key, entry := range o.cache {
		if !entry.live(now) {
			delete(o.cache, key)
			n++
		}
	}
	if n > 0 {
		metrics.CacheEvictions.WithLabelValues(metrics.CacheQueryResult, "expired").Add(float64(n))
	}
	return n
}

func (o *Optimizer) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range o.cache {
		if oldestKey == "" || entry.cachedAt.Before(oldest) {
			oldestKey, oldest = key, entry.cachedAt
		}
	}
	if oldestKey != "" {
		delete(o.cache, oldestKey)
		metrics.CacheEvictions.WithLabelValues(metrics.CacheQueryResult, "size").Inc()
	}
}

func (o *Optimizer) publishLocked() {
	metrics.CacheEntries.WithLabelValues(metrics.CacheQueryResult).Set(float64(len(o.cache)))
}

// ClearCache drops every cached result.
func (o *Optimizer) ClearCache() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache = make(map[string]*cacheEntry)
	o.publishLocked()
	o.logger.Debug("query result cache cleared")
}

// GetMetrics returns a snapshot of optimizer counters.
func (o *Optimizer) GetMetrics() Metrics {
	o.mu.RLock()
	entries := len(o.cache)
	o.mu.RUnlock()

	o.statsMu.Lock()
	defer o.statsMu.Unlock()

	m := Metrics{
		TotalQueries:     o.totalQueries,
		OptimizedQueries: o.optimizedQueries,
		CacheHits:        o.cacheHits,
		Failures:         o.failures,
		CacheEntries:     entries,
	}
	if m.TotalQueries > 0 {
		m.OptimizationRate = float64(m.OptimizedQueries) / float64(m.TotalQueries)
		m.CacheHitRate = float64(m.CacheHits) / float64(m.TotalQueries)
	}
	return m
}
