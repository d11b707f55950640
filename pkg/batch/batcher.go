// Package batch coalesces many small store operations into few round trips.
//
// Requests are queued per priority level. A single flush timer is armed on
// the first enqueue after an idle period; reaching MaxBatchSize pending
// requests flushes immediately instead. Each flush drains the highest
// priority queue first, preserving FIFO order within a level, and produces
// at most one batch. A batch is split into groups by operation kind and each
// group runs with the cheapest bulk primitive the store offers: MGet for
// reads and a pipelined Exec for writes. Operations without a bulk primitive
// run one request at a time within their group.
//
// When MaxConcurrentBatches batches are already executing a flush is
// deferred by MaxWaitTime. Requests are never dropped, only delayed. Batches
// running at the same time never share a connection: work on one
// connection is serialized.
//
// Basic usage:
//
//	b, err := batch.New(cfg.Batcher, logger)
//	fut := b.Execute(conn, batch.Request{Op: batch.OpGet, Key: "user:1"})
//	resp, err := fut.Wait(ctx)
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/nebulakv/pkg/config"
	"github.com/ajitpratap0/nebulakv/pkg/logger"
	"github.com/ajitpratap0/nebulakv/pkg/metrics"
	"github.com/ajitpratap0/nebulakv/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebulakv/pkg/store"
)

// pending is a queued request with the connection it was submitted with.
type pending struct {
	req        Request
	conn       store.Conn
	enqueuedAt time.Time
	promotedAt time.Time
	future     *Future
}

// connLock serializes batch work on one connection.
type connLock struct {
	mu   sync.Mutex
	refs int
}

// Batcher queues requests and executes them in batches.
type Batcher struct {
	cfg    config.BatcherConfig
	logger *zap.Logger
	sem    *semaphore.Weighted

	locksMu sync.Mutex
	locks   map[store.Conn]*connLock

	mu      sync.Mutex
	queues  [][]*pending
	pending int
	timer   *time.Timer
	closed  bool
	running sync.WaitGroup

	// Counters, guarded by mu
	totalRequests    int64
	batchedRequests  int64
	executedRequests int64
	failedRequests   int64
	batchCount       int64
	deferrals        int64
	inFlight         int
}

// Metrics is a snapshot of batcher counters.
type Metrics struct {
	TotalRequests      int64   `json:"total_requests"`
	BatchedRequests    int64   `json:"batched_requests"`
	ExecutedRequests   int64   `json:"executed_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	BatchCount         int64   `json:"batch_count"`
	Deferrals          int64   `json:"deferrals"`
	PendingRequests    int     `json:"pending_requests"`
	InFlightBatches    int     `json:"in_flight_batches"`
	AverageBatchSize   float64 `json:"average_batch_size"`
	BatchingEfficiency float64 `json:"batching_efficiency"`
}

// New creates a Batcher.
func New(cfg config.BatcherConfig, log *zap.Logger) (*Batcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid batcher configuration")
	}
	return &Batcher{
		cfg:    cfg,
		logger: logger.Or(log).With(zap.String("component", "request_batcher")),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches)),
		locks:  make(map[store.Conn]*connLock),
		queues: make([][]*pending, cfg.PriorityLevels),
	}, nil
}

// Execute queues req for batched execution on conn and returns its future.
// conn must stay usable, and must not be handed to anyone else, until the
// future completes; a bulk group runs on the connection of its first
// request.
func (b *Batcher) Execute(conn store.Conn, req Request) *Future {
	f := newFuture()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := validate(conn, req); err != nil {
		f.reject(err)
		return f
	}

	now := time.Now()
	p := &pending{req: req, conn: conn, enqueuedAt: now, promotedAt: now, future: f}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		f.reject(nebulaerrors.New(nebulaerrors.ErrorTypeClosed, "batcher is closed").
			WithDetail("request_id", req.ID))
		return f
	}

	level := b.level(req.Priority)
	b.queues[level] = append(b.queues[level], p)
	b.pending++
	b.totalRequests++

	if b.pending >= b.cfg.MaxBatchSize {
		b.stopTimerLocked()
		b.mu.Unlock()
		go b.flush()
		return f
	}
	b.armTimerLocked()
	b.mu.Unlock()
	return f
}

func validate(conn store.Conn, req Request) error {
	if conn == nil {
		return nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "request submitted without a connection").
			WithDetail("request_id", req.ID)
	}
	if !req.Op.Valid() {
		return nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "unknown operation").
			WithDetail("request_id", req.ID).
			WithDetail("op", string(req.Op))
	}
	if req.Op == OpSearch && req.Search == nil {
		return nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "search request without a query").
			WithDetail("request_id", req.ID)
	}
	return nil
}

func (b *Batcher) level(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority >= b.cfg.PriorityLevels {
		return b.cfg.PriorityLevels - 1
	}
	return priority
}

// armTimerLocked starts the flush timer unless one is already pending.
func (b *Batcher) armTimerLocked() {
	if b.timer != nil || b.closed || b.pending == 0 {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(b.cfg.MaxWaitTime, func() {
		b.mu.Lock()
		if b.timer != t {
			b.mu.Unlock()
			return
		}
		b.timer = nil
		b.mu.Unlock()
		b.flush()
	})
	b.timer = t
}

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// flush assembles one batch and executes it asynchronously, or defers when
// the concurrency cap is reached.
func (b *Batcher) flush() {
	if !b.sem.TryAcquire(1) {
		b.mu.Lock()
		if b.pending == 0 {
			b.mu.Unlock()
			return
		}
		b.deferrals++
		b.armTimerLocked()
		b.mu.Unlock()
		metrics.BatchDeferrals.Inc()
		b.logger.Debug("batch flush deferred, concurrency cap reached",
			zap.Int("max_concurrent_batches", b.cfg.MaxConcurrentBatches))
		return
	}

	b.mu.Lock()
	batch := b.assembleLocked()
	if len(batch) == 0 {
		b.mu.Unlock()
		b.sem.Release(1)
		return
	}
	b.running.Add(1)
	b.scheduleNextLocked()
	b.mu.Unlock()

	go func() {
		defer b.running.Done()
		defer b.sem.Release(1)
		b.executeBatch(context.Background(), batch, nil)
	}()
}

// scheduleNextLocked keeps draining whatever is left after a flush.
func (b *Batcher) scheduleNextLocked() {
	if b.pending >= b.cfg.MaxBatchSize && !b.closed {
		go b.flush()
		return
	}
	b.armTimerLocked()
}

// assembleLocked drains up to MaxBatchSize requests, highest priority first,
// and records the batch in the counters.
func (b *Batcher) assembleLocked() []*pending {
	if b.pending == 0 {
		return nil
	}
	if b.cfg.AgingThreshold > 0 {
		b.promoteLocked(time.Now())
	}

	size := b.cfg.MaxBatchSize
	if b.pending < size {
		size = b.pending
	}
	batch := make([]*pending, 0, size)
	for level := len(b.queues) - 1; level >= 0 && len(batch) < size; level-- {
		q := b.queues[level]
		n := size - len(batch)
		if n > len(q) {
			n = len(q)
		}
		batch = append(batch, q[:n]...)
		for i := 0; i < n; i++ {
			q[i] = nil
		}
		b.queues[level] = q[n:]
	}

	b.pending -= len(batch)
	b.batchCount++
	b.executedRequests += int64(len(batch))
	if len(batch) > 1 {
		b.batchedRequests += int64(len(batch))
	}
	b.inFlight++
	metrics.BatchesInFlight.Inc()
	metrics.BatchSize.Observe(float64(len(batch)))
	return batch
}

// promoteLocked moves requests that waited AgingThreshold at their level to
// the back of the next level up. Levels are visited top-down so a request
// moves at most one level per pass.
func (b *Batcher) promoteLocked(now time.Time) {
	for level := len(b.queues) - 2; level >= 0; level-- {
		q := b.queues[level]
		n := 0
		for n < len(q) && now.Sub(q[n].promotedAt) >= b.cfg.AgingThreshold {
			q[n].promotedAt = now
			n++
		}
		if n == 0 {
			continue
		}
		b.queues[level+1] = append(b.queues[level+1], q[:n]...)
		b.queues[level] = q[n:]
	}
}

// executeBatch runs each operation group of batch in order of first
// appearance. override, when set, replaces the submitters' connections.
func (b *Batcher) executeBatch(ctx context.Context, batch []*pending, override store.Conn) {
	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
		metrics.BatchesInFlight.Dec()
	}()

	var order []Op
	groups := make(map[Op][]*pending)
	for _, p := range batch {
		if _, ok := groups[p.req.Op]; !ok {
			order = append(order, p.req.Op)
		}
		groups[p.req.Op] = append(groups[p.req.Op], p)
	}

	b.logger.Debug("executing batch",
		zap.Int("size", len(batch)),
		zap.Int("groups", len(order)))

	for _, op := range order {
		b.executeGroup(ctx, override, op, groups[op])
	}
}

// lockConn blocks until no other batch is working on conn and returns the
// unlock func.
func (b *Batcher) lockConn(conn store.Conn) func() {
	b.locksMu.Lock()
	l, ok := b.locks[conn]
	if !ok {
		l = &connLock{}
		b.locks[conn] = l
	}
	l.refs++
	b.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		b.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(b.locks, conn)
		}
		b.locksMu.Unlock()
	}
}

func (b *Batcher) executeGroup(ctx context.Context, override store.Conn, op Op, group []*pending) {
	conn := override
	if conn == nil {
		conn = group[0].conn
	}

	switch op {
	case OpGet:
		keys := make([]string, len(group))
		for i, p := range group {
			keys[i] = p.req.Key
		}
		unlock := b.lockConn(conn)
		replies, err := conn.MGet(ctx, keys...)
		unlock()
		b.resolveGroup(op, group, replies, err)

	case OpSet, OpDel, OpExists, OpIncr:
		cmds := make([]store.Command, len(group))
		for i, p := range group {
			cmds[i] = store.Command{
				Op:    store.Op(p.req.Op),
				Key:   p.req.Key,
				Value: p.req.Value,
				TTL:   p.req.TTL,
			}
		}
		unlock := b.lockConn(conn)
		replies, err := conn.Exec(ctx, cmds)
		unlock()
		b.resolveGroup(op, group, replies, err)

	default:
		b.executeOneByOne(ctx, override, op, group)
	}
}

// resolveGroup completes every request of a bulk group. A transport error
// or a short reply rejects the whole group.
func (b *Batcher) resolveGroup(op Op, group []*pending, replies []store.Reply, err error) {
	if err == nil && len(replies) != len(group) {
		err = nebulaerrors.New(nebulaerrors.ErrorTypeInternal, "reply count does not match group size").
			WithDetail("replies", len(replies)).
			WithDetail("requests", len(group))
	}
	if err != nil {
		b.rejectGroup(op, group, err)
		return
	}

	for i, p := range group {
		reply := replies[i]
		resp := &Response{
			ID:      p.req.ID,
			Success: reply.Err == nil,
			Data:    reply,
			Err:     reply.Err,
		}
		b.complete(op, p, resp, nil)
	}
}

func (b *Batcher) rejectGroup(op Op, group []*pending, err error) {
	b.logger.Warn("batch group failed",
		zap.String("op", string(op)),
		zap.Int("requests", len(group)),
		zap.Error(err))

	wrapped := nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeBatch, "batch group execution failed").
		WithDetail("op", string(op)).
		WithDetail("group_size", len(group))
	for _, p := range group {
		b.complete(op, p, nil, wrapped)
	}
}

// executeOneByOne is the fallback for operations without a bulk primitive.
// Each request runs on its own connection unless override is set, and
// succeeds or fails on its own.
func (b *Batcher) executeOneByOne(ctx context.Context, override store.Conn, op Op, group []*pending) {
	for _, p := range group {
		conn := override
		if conn == nil {
			conn = p.conn
		}
		switch op {
		case OpSearch:
			unlock := b.lockConn(conn)
			res, err := conn.Search(ctx, *p.req.Search)
			unlock()
			if err != nil {
				b.complete(op, p, nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeBatch, "search request failed").
					WithDetail("request_id", p.req.ID))
				continue
			}
			b.complete(op, p, &Response{ID: p.req.ID, Success: true, Search: res}, nil)
		default:
			b.complete(op, p, nil, nebulaerrors.New(nebulaerrors.ErrorTypeCapability, "unsupported operation").
				WithDetail("op", string(op)))
		}
	}
}

func (b *Batcher) complete(op Op, p *pending, resp *Response, err error) {
	status := "success"
	if err != nil {
		b.mu.Lock()
		b.failedRequests++
		b.mu.Unlock()
		p.future.reject(err)
		status = "failure"
	} else {
		p.future.resolve(resp)
		if !resp.Success {
			status = "failure"
		}
	}
	metrics.BatchRequests.WithLabelValues(string(op), status).Inc()
}

// Flush drains and executes all pending requests before returning, using
// conn for every group when it is non-nil. It waits for batch capacity
// rather than deferring.
func (b *Batcher) Flush(ctx context.Context, conn store.Conn) error {
	for {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeTimeout, "flush interrupted waiting for batch capacity")
		}

		b.mu.Lock()
		batch := b.assembleLocked()
		if b.pending == 0 {
			b.stopTimerLocked()
		}
		b.mu.Unlock()

		if len(batch) == 0 {
			b.sem.Release(1)
			return nil
		}
		b.executeBatch(ctx, batch, conn)
		b.sem.Release(1)
	}
}

// Close stops accepting requests, flushes what is pending on conn and waits
// for in-flight batches. Requests submitted after Close are rejected.
// Close is idempotent.
func (b *Batcher) Close(ctx context.Context, conn store.Conn) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.stopTimerLocked()
	b.mu.Unlock()

	if err := b.Flush(ctx, conn); err != nil {
		b.rejectPending(err)
		return err
	}

	done := make(chan struct{})
	go func() {
		b.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return nebulaerrors.Wrap(ctx.Err(), nebulaerrors.ErrorTypeTimeout, "in-flight batches did not finish")
	}

	b.logger.Info("request batcher closed")
	return nil
}

// rejectPending drains every queue and rejects the drained requests with
// cause. Only a closed batcher calls it, so nothing is queued afterwards.
func (b *Batcher) rejectPending(cause error) {
	b.mu.Lock()
	var drained []*pending
	for level, q := range b.queues {
		drained = append(drained, q...)
		b.queues[level] = nil
	}
	b.pending = 0
	b.mu.Unlock()

	if len(drained) == 0 {
		return
	}
	b.logger.Warn("rejecting requests left pending at close",
		zap.Int("requests", len(drained)),
		zap.Error(cause))
	for _, p := range drained {
		b.complete(p.req.Op, p, nil, nebulaerrors.Wrap(cause, nebulaerrors.ErrorTypeClosed, "batcher closed before request ran").
			WithDetail("request_id", p.req.ID))
	}
}

// GetMetrics returns a snapshot of batcher counters.
func (b *Batcher) GetMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Metrics{
		TotalRequests:    b.totalRequests,
		BatchedRequests:  b.batchedRequests,
		ExecutedRequests: b.executedRequests,
		FailedRequests:   b.failedRequests,
		BatchCount:       b.batchCount,
		Deferrals:        b.deferrals,
		PendingRequests:  b.pending,
		InFlightBatches:  b.inFlight,
	}
	if b.batchCount > 0 {
		m.AverageBatchSize = float64(b.executedRequests) / float64(b.batchCount)
	}
	if b.totalRequests > 0 {
		m.BatchingEfficiency = float64(b.batchedRequests) / float64(b.totalRequests)
	}
	return m
}
