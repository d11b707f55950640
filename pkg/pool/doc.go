// Package pool owns a bounded set of live connections to the backing store
// and lends them out one borrower at a time.
//
// Architecture
//
// The pool keeps between MinConnections and MaxConnections connections.
// Acquire returns a free connection immediately, dials a new one while the
// pool is below its maximum, and otherwise queues the caller until a
// connection is released or AcquireTimeout expires. Released connections
// are handed straight to the longest waiting caller.
//
// A background maintenance loop runs every MaintenanceInterval:
//
//   - idle connections older than IdleTimeout are reaped, oldest first,
//     but never below MinConnections
//   - every free connection is pinged and dropped on failure
//   - the pool is topped back up to MinConnections
//
// Connection Lifecycle
//
// Each PooledConnection carries a generation id. A transport error seen on
// any operation evicts the connection from the pool even while it is on
// loan; the borrower's later operations fail with a connection error and its
// Release is discarded instead of re-queued.
//
// Usage Patterns
//
//	p, err := pool.New(ctx, cfg.Pool, store.NewRedisDialer(client), logger)
//	if err != nil {
//		return err
//	}
//	defer p.Close()
//
//	conn, err := p.Acquire(ctx)
//	if err != nil {
//		return err // nebulaerrors.ErrorTypeTimeout when saturated
//	}
//	defer p.Release(conn)
//
//	value, found, err := conn.Get(ctx, "user:42")
package pool
