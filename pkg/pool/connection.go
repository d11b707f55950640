package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/nebulakv/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebulakv/pkg/store"
)

// PooledConnection wraps one live store connection owned by a Pool. It
// implements store.Conn so it can be passed directly to the batcher,
// caches and query optimizer.
type PooledConnection struct {
	id        uint64
	pool      *Pool
	conn      store.Conn
	createdAt time.Time

	// Guarded by pool.mu
	inUse      bool
	checking   bool
	lastUsedAt time.Time
	usageCount int64

	invalid   atomic.Bool
	closeOnce sync.Once
}

// ID returns the connection's generation id, unique within its pool.
func (c *PooledConnection) ID() uint64 {
	return c.id
}

// CreatedAt returns when the connection was dialed.
func (c *PooledConnection) CreatedAt() time.Time {
	return c.createdAt
}

// UsageCount returns how many times the connection has been loaned.
func (c *PooledConnection) UsageCount() int64 {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.usageCount
}

// Valid reports whether the pool still tracks this connection.
func (c *PooledConnection) Valid() bool {
	return !c.invalid.Load()
}

// usable returns the invalidation error for connections evicted while on loan.
func (c *PooledConnection) usable() error {
	if c.invalid.Load() {
		return nebulaerrors.New(nebulaerrors.ErrorTypeConnection, "connection was invalidated by the pool").
			WithDetail("conn_id", c.id).
			WithDetail("invalidated", true)
	}
	return nil
}

// observe evicts the connection when err shows the connection itself failed.
func (c *PooledConnection) observe(err error) {
	if store.IsConnectionError(err) {
		c.pool.evict(c, "error", err)
	}
}

// discard invalidates the connection and closes the underlying one once.
func (c *PooledConnection) discard() {
	c.invalid.Store(true)
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// Get implements store.Conn.
func (c *PooledConnection) Get(ctx context.Context, key string) (string, bool, error) {
	if err := c.usable(); err != nil {
		return "", false, err
	}
	v, ok, err := c.conn.Get(ctx, key)
	c.observe(err)
	return v, ok, err
}

// Set implements store.Conn.
func (c *PooledConnection) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.usable(); err != nil {
		return err
	}
	err := c.conn.Set(ctx, key, value, ttl)
	c.observe(err)
	return err
}

// MGet implements store.Conn.
func (c *PooledConnection) MGet(ctx context.Context, keys ...string) ([]store.Reply, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	replies, err := c.conn.MGet(ctx, keys...)
	c.observe(err)
	return replies, err
}

// Exec implements store.Conn.
func (c *PooledConnection) Exec(ctx context.Context, cmds []store.Command) ([]store.Reply, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	replies, err := c.conn.Exec(ctx, cmds)
	c.observe(err)
	return replies, err
}

// Search implements store.Conn.
func (c *PooledConnection) Search(ctx context.Context, q store.SearchQuery) (*store.SearchResult, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	res, err := c.conn.Search(ctx, q)
	c.observe(err)
	return res, err
}

// Ping implements store.Conn.
func (c *PooledConnection) Ping(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	err := c.conn.Ping(ctx)
	c.observe(err)
	return err
}

// Close removes the connection from its pool and closes it. Borrowers
// returning a healthy connection should call Pool.Release instead.
func (c *PooledConnection) Close() error {
	c.pool.evict(c, "closed", nil)
	return nil
}
