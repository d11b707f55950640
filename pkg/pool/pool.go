package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/nebulakv/pkg/config"
	"github.com/ajitpratap0/nebulakv/pkg/logger"
	"github.com/ajitpratap0/nebulakv/pkg/metrics"
	"github.com/ajitpratap0/nebulakv/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebulakv/pkg/store"
)

// healthCheckParallelism bounds concurrent pings during maintenance.
const healthCheckParallelism = 4

// Pool manages a bounded set of store connections with idle reaping,
// health checking and automatic top-up to the configured minimum.
type Pool struct {
	cfg    config.PoolConfig
	dial   store.Dialer
	logger *zap.Logger

	mu       sync.Mutex
	conns    map[uint64]*PooledConnection
	creating int
	waiters  []*waiter
	nextID   uint64
	closed   bool

	// Counters, guarded by mu
	totalAcquisitions int64
	totalReleases     int64
	timeouts          int64
	errors            int64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// waiter is one Acquire call blocked on a full pool. A nil hand-off means
// capacity was freed and the caller should retry.
type waiter struct {
	ch chan *PooledConnection
}

// Metrics provides a snapshot of pool state and counters.
type Metrics struct {
	TotalConnections  int     `json:"total_connections"`
	ActiveConnections int     `json:"active_connections"`
	IdleConnections   int     `json:"idle_connections"`
	WaitingAcquirers  int     `json:"waiting_acquirers"`
	TotalAcquisitions int64   `json:"total_acquisitions"`
	TotalReleases     int64   `json:"total_releases"`
	Timeouts          int64   `json:"timeouts"`
	Errors            int64   `json:"errors"`
	Utilization       float64 `json:"utilization"`
	AverageUsage      float64 `json:"average_usage"`
}

// New creates a pool, dials MinConnections connections and starts the
// maintenance loop. Dial failures during warm-up are logged; maintenance
// keeps retrying to reach the minimum.
func New(ctx context.Context, cfg config.PoolConfig, dial store.Dialer, log *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid pool configuration")
	}
	if dial == nil {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "pool requires a dialer")
	}

	p := &Pool{
		cfg:    cfg,
		dial:   dial,
		logger: logger.Or(log).With(zap.String("component", "connection_pool")),
		conns:  make(map[uint64]*PooledConnection),
		done:   make(chan struct{}),
	}

	p.ensureMin(ctx)

	if cfg.MaintenanceInterval > 0 {
		loopCtx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go p.maintenanceLoop(loopCtx)
	} else {
		close(p.done)
	}

	p.logger.Info("connection pool started",
		zap.Int("min_connections", cfg.MinConnections),
		zap.Int("max_connections", cfg.MaxConnections))
	return p, nil
}

// Acquire returns a connection for exclusive use, waiting at most
// AcquireTimeout. The caller must hand it back with Release.
func (p *Pool) Acquire(ctx context.Context) (*PooledConnection, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errClosed()
		}

		if pc := p.takeFreeLocked(); pc != nil {
			p.publishLocked()
			p.mu.Unlock()
			metrics.PoolAcquisitions.WithLabelValues("ok").Inc()
			return pc, nil
		}

		if len(p.conns)+p.creating < p.cfg.MaxConnections {
			p.creating++
			p.mu.Unlock()
			return p.acquireNew(ctx, waitCtx)
		}

		w := &waiter{ch: make(chan *PooledConnection, 1)}
		p.waiters = append(p.waiters, w)
		p.publishLocked()
		p.mu.Unlock()

		select {
		case pc := <-w.ch:
			if pc != nil {
				metrics.PoolAcquisitions.WithLabelValues("ok").Inc()
				return pc, nil
			}
			// capacity freed, try again
		case <-waitCtx.Done():
			p.mu.Lock()
			removed := p.removeWaiterLocked(w)
			p.mu.Unlock()
			if !removed {
				// A hand-off raced the deadline and is already buffered.
				if pc := <-w.ch; pc != nil {
					metrics.PoolAcquisitions.WithLabelValues("ok").Inc()
					return pc, nil
				}
			}
			return nil, p.acquireFailed(ctx)
		}
	}
}

// acquireNew dials a connection into a slot reserved by the caller.
func (p *Pool) acquireNew(ctx, waitCtx context.Context) (*PooledConnection, error) {
	pc, err := p.create(waitCtx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.errors++
		p.wakeWaiterLocked()
		p.mu.Unlock()
		if waitCtx.Err() != nil {
			return nil, p.acquireFailed(ctx)
		}
		metrics.PoolAcquisitions.WithLabelValues("error").Inc()
		p.logger.Warn("failed to create connection", zap.Error(err))
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create connection")
	}
	if p.closed {
		p.mu.Unlock()
		pc.discard()
		return nil, errClosed()
	}
	p.conns[pc.id] = pc
	p.loanLocked(pc)
	p.publishLocked()
	p.mu.Unlock()

	metrics.PoolAcquisitions.WithLabelValues("ok").Inc()
	p.logger.Debug("created connection on demand", zap.Uint64("conn_id", pc.id))
	return pc, nil
}

// acquireFailed records a failed wait and builds the caller-facing error.
func (p *Pool) acquireFailed(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		metrics.PoolAcquisitions.WithLabelValues("error").Inc()
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeInternal, "acquire cancelled")
	}

	p.mu.Lock()
	p.timeouts++
	waiting := len(p.waiters)
	p.mu.Unlock()

	metrics.PoolAcquisitions.WithLabelValues("timeout").Inc()
	return nebulaerrors.New(nebulaerrors.ErrorTypeTimeout, "timed out waiting for a connection").
		WithDetail("acquire_timeout", p.cfg.AcquireTimeout).
		WithDetail("waiting", waiting)
}

// Release returns a connection to the pool. Releasing a connection the pool
// no longer tracks discards it; releasing twice is a no-op.
func (p *Pool) Release(pc *PooledConnection) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	live, ok := p.conns[pc.id]
	if !ok || live != pc {
		p.mu.Unlock()
		pc.discard()
		metrics.PoolEvictions.WithLabelValues("stale").Inc()
		p.logger.Debug("discarded stale connection on release", zap.Uint64("conn_id", pc.id))
		return
	}
	if !pc.inUse {
		p.mu.Unlock()
		return
	}

	p.totalReleases++
	pc.lastUsedAt = time.Now()
	pc.inUse = false
	p.handOffLocked(pc)
	p.publishLocked()
	p.mu.Unlock()
}

// GetMetrics returns a snapshot of pool state and counters.
func (p *Pool) GetMetrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := Metrics{
		TotalConnections:  len(p.conns),
		WaitingAcquirers:  len(p.waiters),
		TotalAcquisitions: p.totalAcquisitions,
		TotalReleases:     p.totalReleases,
		Timeouts:          p.timeouts,
		Errors:            p.errors,
	}

	var usage int64
	for _, pc := range p.conns {
		if pc.inUse {
			m.ActiveConnections++
		}
		usage += pc.usageCount
	}
	m.IdleConnections = m.TotalConnections - m.ActiveConnections

	if m.TotalConnections > 0 {
		m.Utilization = float64(m.ActiveConnections) / float64(m.TotalConnections)
		m.AverageUsage = float64(usage) / float64(m.TotalConnections)
	}
	return m
}

// Close stops maintenance, closes every connection and resets counters.
// Waiting acquirers fail with a closed error. Close is idempotent.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		<-p.done

		p.mu.Lock()
		p.closed = true
		conns := make([]*PooledConnection, 0, len(p.conns))
		for _, pc := range p.conns {
			conns = append(conns, pc)
		}
		p.conns = make(map[uint64]*PooledConnection)
		for _, w := range p.waiters {
			w.ch <- nil
		}
		p.waiters = nil
		p.totalAcquisitions, p.totalReleases, p.timeouts, p.errors = 0, 0, 0, 0
		p.publishLocked()
		p.mu.Unlock()

		for _, pc := range conns {
			pc.discard()
		}

		p.logger.Info("connection pool closed", zap.Int("closed_connections", len(conns)))
	})
}

// evict removes pc from the pool regardless of loan state and closes it.
func (p *Pool) evict(pc *PooledConnection, reason string, cause error) {
	p.mu.Lock()
	live, ok := p.conns[pc.id]
	if ok && live == pc {
		delete(p.conns, pc.id)
		if reason == "error" {
			p.errors++
		}
		p.wakeWaiterLocked()
		p.publishLocked()
	}
	p.mu.Unlock()

	pc.discard()
	if ok {
		metrics.PoolEvictions.WithLabelValues(reason).Inc()
		p.logger.Warn("evicted connection",
			zap.Uint64("conn_id", pc.id),
			zap.String("reason", reason),
			zap.Error(cause))
	}
}

// takeFreeLocked loans the most recently used free connection, if any.
// Preferring recent connections lets the rest age out through idle reaping.
func (p *Pool) takeFreeLocked() *PooledConnection {
	var best *PooledConnection
	for _, pc := range p.conns {
		if pc.inUse || pc.checking {
			continue
		}
		if best == nil || pc.lastUsedAt.After(best.lastUsedAt) {
			best = pc
		}
	}
	if best != nil {
		p.loanLocked(best)
	}
	return best
}

func (p *Pool) loanLocked(pc *PooledConnection) {
	pc.inUse = true
	pc.usageCount++
	pc.lastUsedAt = time.Now()
	p.totalAcquisitions++
}

// handOffLocked gives a free connection to the longest waiting acquirer.
func (p *Pool) handOffLocked(pc *PooledConnection) {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.loanLocked(pc)
	w.ch <- pc
}

// wakeWaiterLocked tells the longest waiting acquirer that capacity was freed.
func (p *Pool) wakeWaiterLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w.ch <- nil
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, cur := range p.waiters {
		if cur == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) publishLocked() {
	active := 0
	for _, pc := range p.conns {
		if pc.inUse {
			active++
		}
	}
	metrics.PoolConnections.WithLabelValues("active").Set(float64(active))
	metrics.PoolConnections.WithLabelValues("idle").Set(float64(len(p.conns) - active))
	metrics.PoolWaiting.Set(float64(len(p.waiters)))
}

// create dials a connection, retrying up to MaxRetries times.
func (p *Pool) create(ctx context.Context) (*PooledConnection, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 50 * time.Millisecond
	expBackoff.MaxInterval = time.Second

	conn, err := backoff.Retry(ctx, func() (store.Conn, error) {
		return p.dial(ctx)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(p.cfg.MaxRetries+1)), // #nosec G115 -- validated non-negative
	)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	return &PooledConnection{
		id:         id,
		pool:       p,
		conn:       conn,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

func (p *Pool) maintenanceLoop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.maintain(ctx)
		}
	}
}

// maintain runs one maintenance pass.
func (p *Pool) maintain(ctx context.Context) {
	p.reapIdle()
	p.checkHealth(ctx)
	p.ensureMin(ctx)
}

// reapIdle closes connections idle longer than IdleTimeout, oldest first,
// without dropping below MinConnections.
func (p *Pool) reapIdle() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}

	now := time.Now()
	p.mu.Lock()
	excess := len(p.conns) - p.cfg.MinConnections
	if excess <= 0 || p.closed {
		p.mu.Unlock()
		return
	}

	var idle []*PooledConnection
	for _, pc := range p.conns {
		if !pc.inUse && !pc.checking && now.Sub(pc.lastUsedAt) > p.cfg.IdleTimeout {
			idle = append(idle, pc)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].lastUsedAt.Before(idle[j].lastUsedAt)
	})
	if len(idle) > excess {
		idle = idle[:excess]
	}
	for _, pc := range idle {
		delete(p.conns, pc.id)
	}
	p.publishLocked()
	p.mu.Unlock()

	for _, pc := range idle {
		pc.discard()
		metrics.PoolEvictions.WithLabelValues("idle").Inc()
	}
	if len(idle) > 0 {
		p.logger.Info("reaped idle connections", zap.Int("reaped", len(idle)))
	}
}

// checkHealth pings every free connection and drops the ones that fail.
func (p *Pool) checkHealth(ctx context.Context) {
	p.mu.Lock()
	var free []*PooledConnection
	for _, pc := range p.conns {
		if !pc.inUse && !pc.checking {
			pc.checking = true
			free = append(free, pc)
		}
	}
	p.mu.Unlock()

	if len(free) == 0 {
		return
	}

	failed := make([]error, len(free))
	g := new(errgroup.Group)
	g.SetLimit(healthCheckParallelism)
	for i, pc := range free {
		g.Go(func() error {
			pingCtx := ctx
			if p.cfg.HealthCheckTimeout > 0 {
				var cancel context.CancelFunc
				pingCtx, cancel = context.WithTimeout(ctx, p.cfg.HealthCheckTimeout)
				defer cancel()
			}
			failed[i] = pc.conn.Ping(pingCtx)
			return nil
		})
	}
	_ = g.Wait()

	var dropped []*PooledConnection
	p.mu.Lock()
	for i, pc := range free {
		pc.checking = false
		live, ok := p.conns[pc.id]
		if !ok || live != pc {
			continue
		}
		if failed[i] != nil && !errors.Is(failed[i], context.Canceled) {
			delete(p.conns, pc.id)
			p.errors++
			dropped = append(dropped, pc)
			p.wakeWaiterLocked()
			continue
		}
		p.handOffLocked(pc)
	}
	p.publishLocked()
	p.mu.Unlock()

	for i, pc := range dropped {
		pc.discard()
		metrics.PoolEvictions.WithLabelValues("health").Inc()
		p.logger.Warn("dropped unhealthy connection",
			zap.Uint64("conn_id", pc.id),
			zap.Int("dropped", i+1))
	}
}

// ensureMin dials connections until the pool holds MinConnections.
// Failures are logged and retried on the next maintenance pass.
func (p *Pool) ensureMin(ctx context.Context) {
	p.mu.Lock()
	need := p.cfg.MinConnections - (len(p.conns) + p.creating)
	if need <= 0 || p.closed {
		p.mu.Unlock()
		return
	}
	p.creating += need
	p.mu.Unlock()

	g := new(errgroup.Group)
	for i := 0; i < need; i++ {
		g.Go(func() error {
			pc, err := p.create(ctx)

			p.mu.Lock()
			p.creating--
			if err != nil {
				p.errors++
				p.wakeWaiterLocked()
				p.mu.Unlock()
				p.logger.Warn("failed to create connection", zap.Error(err))
				return nil
			}
			if p.closed {
				p.mu.Unlock()
				pc.discard()
				return nil
			}
			p.conns[pc.id] = pc
			p.handOffLocked(pc)
			p.publishLocked()
			p.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func errClosed() error {
	return nebulaerrors.New(nebulaerrors.ErrorTypeClosed, "connection pool is closed")
}
