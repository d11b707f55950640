// Package engine constructs the connection pool, request batcher, prefetch
// cache, query optimizer and performance monitor from one Config and drives
// them together.
//
// Every engine operation borrows a pooled connection for its duration and
// returns it afterwards. A metrics pump periodically pushes each
// component's metrics into the monitor and Prometheus.
//
// Example:
//
//	eng, err := engine.Open(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close(context.Background())
//
//	value, found, err := eng.Get(ctx, "user:42")
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebulakv/pkg/batch"
	"github.com/ajitpratap0/nebulakv/pkg/config"
	"github.com/ajitpratap0/nebulakv/pkg/logger"
	"github.com/ajitpratap0/nebulakv/pkg/metrics"
	"github.com/ajitpratap0/nebulakv/pkg/monitor"
	"github.com/ajitpratap0/nebulakv/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebulakv/pkg/observability"
	"github.com/ajitpratap0/nebulakv/pkg/pool"
	"github.com/ajitpratap0/nebulakv/pkg/prefetch"
	"github.com/ajitpratap0/nebulakv/pkg/query"
	"github.com/ajitpratap0/nebulakv/pkg/store"
)

// Engine owns the five components of the acceleration layer.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	Pool      *pool.Pool
	Batcher   *batch.Batcher
	Prefetch  *prefetch.Cache
	Optimizer *query.Optimizer
	Monitor   *monitor.Monitor

	closers   []func() error
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Report is the combined metrics of all components.
type Report struct {
	Pool            pool.Metrics                   `json:"pool"`
	Batcher         batch.Metrics                  `json:"batcher"`
	Prefetch        prefetch.Metrics               `json:"prefetch"`
	Optimizer       query.Metrics                  `json:"optimizer"`
	Monitor         monitor.Snapshot               `json:"monitor"`
	Recommendations []monitor.RecommendationRecord `json:"recommendations"`
}

// Open builds a Redis client from cfg.Redis and starts an engine on it.
// The client is closed with the engine.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Engine, error) {
	client := store.NewRedisClient(cfg.Redis, cfg.Pool.MaxConnections)
	e, err := New(ctx, cfg, store.NewRedisDialer(client), log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	e.closers = append(e.closers, client.Close)
	return e, nil
}

// New starts every component on connections produced by dial.
func New(ctx context.Context, cfg *config.Config, dial store.Dialer, log *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid configuration")
	}

	log = logger.Or(log)
	e := &Engine{
		cfg:    cfg,
		logger: log.With(zap.String("component", "engine")),
		done:   make(chan struct{}),
	}

	var err error
	if e.Pool, err = pool.New(ctx, cfg.Pool, dial, log); err != nil {
		return nil, err
	}
	if e.Batcher, err = batch.New(cfg.Batcher, log); err != nil {
		e.Pool.Close()
		return nil, err
	}
	if e.Optimizer, err = query.New(cfg.Optimizer, log); err != nil {
		e.Pool.Close()
		return nil, err
	}
	if e.Monitor, err = monitor.New(cfg.Monitor, log); err != nil {
		e.Pool.Close()
		return nil, err
	}
	if e.Prefetch, err = prefetch.New(cfg.Prefetch, e.lend, log); err != nil {
		e.Monitor.Stop()
		e.Pool.Close()
		return nil, err
	}

	if cfg.Engine.MetricsInterval > 0 {
		pumpCtx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		go e.pump(pumpCtx)
	} else {
		close(e.done)
	}

	e.logger.Info("engine started")
	return e, nil
}

// lend is the prefetch cache's connection provider.
func (e *Engine) lend(ctx context.Context) (store.Conn, func(), error) {
	pc, err := e.Pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return pc, func() { e.Pool.Release(pc) }, nil
}

// WithConn runs fn with a pooled connection and releases it afterwards.
// The connection ID is attached to the context passed to fn.
func (e *Engine) WithConn(ctx context.Context, fn func(ctx context.Context, conn *pool.PooledConnection) error) error {
	pc, err := e.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer e.Pool.Release(pc)
	return fn(logger.ContextWithConnID(ctx, pc.ID()), pc)
}

// Submit runs req through the batcher and waits for its response. Writes
// drop the key from the prefetch cache once they complete. When ctx ends
// first the request still runs, and its connection stays on loan until it
// completes.
func (e *Engine) Submit(ctx context.Context, req batch.Request) (_ *batch.Response, err error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx = logger.ContextWithRequestID(ctx, req.ID)
	ctx, span := observability.StartSpan(ctx, "nebulakv.submit",
		attribute.String("request_id", req.ID),
		attribute.String("op", string(req.Op)),
		attribute.String("key", req.Key),
		attribute.Int("priority", req.Priority))
	defer func() { observability.EndSpan(span, err) }()

	pc, err := e.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	ctx = logger.ContextWithConnID(ctx, pc.ID())

	fut := e.Batcher.Execute(pc, req)
	finish := func() {
		if isWrite(req.Op) {
			e.Prefetch.Invalidate(req.Key)
		}
		e.Pool.Release(pc)
	}

	resp, err := fut.Wait(ctx)
	select {
	case <-fut.Done():
		finish()
	default:
		logger.WithContext(ctx, e.logger).Debug("caller left before request completed, holding connection",
			zap.Error(err))
		go func() {
			<-fut.Done()
			finish()
		}()
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func isWrite(op batch.Op) bool {
	switch op {
	case batch.OpSet, batch.OpDel, batch.OpIncr:
		return true
	}
	return false
}

// Set writes key through the batcher and drops any cached copy.
func (e *Engine) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	resp, err := e.Submit(ctx, batch.Request{Op: batch.OpSet, Key: key, Value: value, TTL: ttl})
	if err != nil {
		return err
	}
	return resp.Err
}

// Get reads key through the prefetch cache.
func (e *Engine) Get(ctx context.Context, key string) (value string, found bool, err error) {
	ctx, span := observability.StartSpan(ctx, "nebulakv.get", attribute.String("key", key))
	defer func() { observability.EndSpan(span, err) }()

	err = e.WithConn(ctx, func(ctx context.Context, conn *pool.PooledConnection) error {
		var err error
		value, found, err = e.Prefetch.Get(ctx, conn, key)
		return err
	})
	return value, found, err
}

// MGet reads keys through the prefetch cache, one reply per key.
func (e *Engine) MGet(ctx context.Context, keys []string) (replies []store.Reply, err error) {
	ctx, span := observability.StartSpan(ctx, "nebulakv.mget", attribute.Int("keys", len(keys)))
	defer func() { observability.EndSpan(span, err) }()

	err = e.WithConn(ctx, func(ctx context.Context, conn *pool.PooledConnection) error {
		var err error
		replies, err = e.Prefetch.MGet(ctx, conn, keys)
		return err
	})
	return replies, err
}

// Search optimizes and executes q, recording its latency in the monitor.
func (e *Engine) Search(ctx context.Context, q store.SearchQuery) (_ *store.SearchResult, _ *query.Plan, err error) {
	ctx, span := observability.StartSpan(ctx, "nebulakv.search",
		attribute.String("index", q.Index),
		attribute.Int("limit", q.Limit))
	defer func() { observability.EndSpan(span, err) }()

	plan, err := e.Optimizer.Optimize(q)
	if err != nil {
		return nil, nil, err
	}
	span.SetAttributes(
		attribute.String("cache_strategy", string(plan.CacheStrategy)),
		attribute.Float64("estimated_cost", plan.EstimatedCost))

	var res *store.SearchResult
	start := time.Now()
	err = e.WithConn(ctx, func(ctx context.Context, conn *pool.PooledConnection) error {
		var err error
		res, err = e.Optimizer.Execute(ctx, conn, plan)
		if err != nil {
			logger.WithContext(ctx, e.logger).Debug("search failed",
				zap.String("index", q.Index), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, plan, err
	}
	e.Monitor.RecordQueryLatency(time.Since(start))
	return res, plan, nil
}

// ReportMetrics pushes every component's metrics into the monitor and
// Prometheus and returns them with the resulting recommendations.
func (e *Engine) ReportMetrics() Report {
	r := Report{
		Pool:      e.Pool.GetMetrics(),
		Batcher:   e.Batcher.GetMetrics(),
		Prefetch:  e.Prefetch.GetMetrics(),
		Optimizer: e.Optimizer.GetMetrics(),
	}

	if r.Pool.TotalConnections > 0 {
		e.Monitor.UpdatePoolMetrics(r.Pool.Utilization)
	}
	if r.Batcher.TotalRequests > 0 {
		e.Monitor.UpdateBatchMetrics(r.Batcher.BatchingEfficiency)
	}
	hits := r.Prefetch.Hits + r.Optimizer.CacheHits
	lookups := r.Prefetch.Hits + r.Prefetch.Misses + r.Optimizer.TotalQueries
	if lookups > 0 {
		e.Monitor.UpdateCacheMetrics(float64(hits) / float64(lookups))
	}

	r.Monitor = e.Monitor.GetMetrics()
	r.Recommendations = e.Monitor.GenerateOptimizationRecommendations()

	metrics.Recommendations.Reset()
	for _, rec := range r.Recommendations {
		metrics.Recommendations.WithLabelValues(string(rec.Type)).Inc()
	}
	return r
}

// Recommendations returns the monitor's current recommendations.
func (e *Engine) Recommendations() []monitor.RecommendationRecord {
	return e.Monitor.GenerateOptimizationRecommendations()
}

func (e *Engine) pump(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.Engine.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Optimizer.PurgeExpired(); n > 0 {
				e.logger.Debug("purged expired query results", zap.Int("purged", n))
			}
			r := e.ReportMetrics()
			for _, rec := range r.Recommendations {
				e.logger.Info("optimization recommendation",
					zap.String("type", string(rec.Type)),
					zap.String("severity", string(rec.Severity)),
					zap.String("action", rec.Action))
			}
		}
	}
}

// Close flushes pending batched work and stops every component. Close is
// idempotent; later calls return the first call's error.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		<-e.done

		var errs []error
		shutdownCtx := ctx
		if e.cfg.Engine.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(ctx, e.cfg.Engine.ShutdownTimeout)
			defer cancel()
		}

		// Pending requests can run on their submitters' connections when
		// the pool has none to spare.
		var flushConn store.Conn
		pc, err := e.Pool.Acquire(shutdownCtx)
		if err == nil {
			flushConn = pc
		}
		if err := e.Batcher.Close(shutdownCtx, flushConn); err != nil {
			errs = append(errs, err)
		}
		if pc != nil {
			e.Pool.Release(pc)
		}

		e.Prefetch.Stop()
		e.Monitor.Stop()
		e.Pool.Close()

		for _, closeFn := range e.closers {
			if err := closeFn(); err != nil {
				errs = append(errs, err)
			}
		}

		e.closeErr = errors.Join(errs...)
		e.logger.Info("engine closed")
	})
	return e.closeErr
}
