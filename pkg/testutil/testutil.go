// Package testutil provides testing utilities for nebulakv
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebulakv/pkg/store"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 5ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// MemoryStore is an in-process key-value store handing out MemoryConns.
// It stands in for Redis where tests need vector search or failure injection.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]string
	dialErr error
	nextID  int64

	// SearchFunc answers Search calls; nil returns an empty result.
	SearchFunc func(q store.SearchQuery) (*store.SearchResult, error)

	// ExecDelay is slept inside every Exec and MGet call.
	ExecDelay time.Duration

	Dials    atomic.Int64
	Gets     atomic.Int64
	MGets    atomic.Int64
	Execs    atomic.Int64
	Searches atomic.Int64
	Pings    atomic.Int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

// Put writes a value directly, bypassing connections.
func (s *MemoryStore) Put(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Value reads a value directly, bypassing connections.
func (s *MemoryStore) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// SetDialError makes every subsequent dial fail with err (nil clears it).
func (s *MemoryStore) SetDialError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

// Dialer returns a store.Dialer producing MemoryConns.
func (s *MemoryStore) Dialer() store.Dialer {
	return func(ctx context.Context) (store.Conn, error) {
		s.Dials.Add(1)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.dialErr != nil {
			return nil, s.dialErr
		}
		s.nextID++
		return &MemoryConn{store: s, ID: s.nextID}, nil
	}
}

// MemoryConn is a store.Conn over a MemoryStore.
type MemoryConn struct {
	store *MemoryStore
	ID    int64

	mu      sync.Mutex
	closed  bool
	failErr error
	pingErr error
}

// Break makes every subsequent operation fail with err.
func (c *MemoryConn) Break(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failErr = err
}

// FailPing makes health checks fail with err while other operations succeed.
func (c *MemoryConn) FailPing(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// Closed reports whether Close was called.
func (c *MemoryConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MemoryConn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return store.ErrConnClosed
	}
	return c.failErr
}

// Get implements store.Conn.
func (c *MemoryConn) Get(_ context.Context, key string) (string, bool, error) {
	c.store.Gets.Add(1)
	if err := c.check(); err != nil {
		return "", false, err
	}
	v, ok := c.store.Value(key)
	return v, ok, nil
}

// Set implements store.Conn.
func (c *MemoryConn) Set(_ context.Context, key, value string, _ time.Duration) error {
	if err := c.check(); err != nil {
		return err
	}
	c.store.Put(key, value)
	return nil
}

// MGet implements store.Conn.
func (c *MemoryConn) MGet(_ context.Context, keys ...string) ([]store.Reply, error) {
	c.store.MGets.Add(1)
	time.Sleep(c.store.ExecDelay)
	if err := c.check(); err != nil {
		return nil, err
	}
	replies := make([]store.Reply, len(keys))
	for i, k := range keys {
		if v, ok := c.store.Value(k); ok {
			replies[i] = store.Reply{Str: v}
		} else {
			replies[i] = store.Reply{Nil: true}
		}
	}
	return replies, nil
}

// Exec implements store.Conn.
func (c *MemoryConn) Exec(_ context.Context, cmds []store.Command) ([]store.Reply, error) {
	c.store.Execs.Add(1)
	time.Sleep(c.store.ExecDelay)
	if err := c.check(); err != nil {
		return nil, err
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	replies := make([]store.Reply, len(cmds))
	for i, cmd := range cmds {
		switch cmd.Op {
		case store.OpGet:
			if v, ok := s.data[cmd.Key]; ok {
				replies[i] = store.Reply{Str: v}
			} else {
				replies[i] = store.Reply{Nil: true}
			}
		case store.OpSet:
			s.data[cmd.Key] = cmd.Value
			replies[i] = store.Reply{Str: "OK"}
		case store.OpDel:
			if _, ok := s.data[cmd.Key]; ok {
				delete(s.data, cmd.Key)
				replies[i] = store.Reply{Int: 1}
			}
		case store.OpExists:
			if _, ok := s.data[cmd.Key]; ok {
				replies[i] = store.Reply{Int: 1}
			}
		case store.OpIncr:
			var n int64
			if v, ok := s.data[cmd.Key]; ok {
				if _, err := fmt.Sscan(v, &n); err != nil {
					replies[i] = store.Reply{Err: errors.New("ERR value is not an integer or out of range")}
					continue
				}
			}
			n++
			s.data[cmd.Key] = fmt.Sprint(n)
			replies[i] = store.Reply{Int: n}
		default:
			return nil, fmt.Errorf("unsupported op %q", cmd.Op)
		}
	}
	return replies, nil
}

// Search implements store.Conn.
func (c *MemoryConn) Search(_ context.Context, q store.SearchQuery) (*store.SearchResult, error) {
	c.store.Searches.Add(1)
	if err := c.check(); err != nil {
		return nil, err
	}
	if c.store.SearchFunc == nil {
		return &store.SearchResult{}, nil
	}
	return c.store.SearchFunc(q)
}

// Ping implements store.Conn.
func (c *MemoryConn) Ping(_ context.Context) error {
	c.store.Pings.Add(1)
	if err := c.check(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

// Close implements store.Conn.
func (c *MemoryConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Keys returns the stored keys in sorted order.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
