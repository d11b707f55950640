// Package store defines the backing store client abstraction consumed by the
// acceleration layer and its Redis implementation.
//
// A Conn is one live connection to the store. The layer never speaks the wire
// protocol itself; it only needs single and multi-key reads, a pipelined
// execute primitive and a vector search call so that batching pays off.
package store

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// Op is the closed set of operations a Command can carry.
type Op string

const (
	OpGet    Op = "GET"
	OpSet    Op = "SET"
	OpDel    Op = "DEL"
	OpExists Op = "EXISTS"
	OpIncr   Op = "INCR"
)

// Command is one operation in a pipeline.
type Command struct {
	Op    Op
	Key   string
	Value string        // SET only
	TTL   time.Duration // SET only, 0 = no expiry
}

// Reply is the outcome of one key lookup or one pipelined command.
type Reply struct {
	Str string // GET value, SET status
	Int int64  // DEL, EXISTS, INCR
	Nil bool   // key did not exist
	Err error  // command-level error; transport errors are returned separately
}

// SearchQuery is a vector or filter search against a search index.
type SearchQuery struct {
	Index        string    `json:"index"`
	Filter       string    `json:"filter,omitempty"`
	VectorField  string    `json:"vector_field,omitempty"`
	Vector       []float32 `json:"vector,omitempty"`
	Limit        int       `json:"limit"`
	Offset       int       `json:"offset,omitempty"`
	EF           int       `json:"ef,omitempty"`
	ReturnFields []string  `json:"return_fields,omitempty"`
}

// HasVector reports whether the query is a nearest-neighbour search.
func (q *SearchQuery) HasVector() bool {
	return q.VectorField != "" && len(q.Vector) > 0
}

// Document is one ranked search hit.
type Document struct {
	ID     string            `json:"id"`
	Score  float64           `json:"score"`
	Fields map[string]string `json:"fields,omitempty"`
}

// SearchResult is the uniform shape every search reply is parsed into.
type SearchResult struct {
	Total   int64      `json:"total"`
	Results []Document `json:"results"`
}

// Conn is a single live connection to the backing store. Implementations
// are not required to be safe for concurrent use.
type Conn interface {
	// Get returns the value of key; found is false when the key is absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set stores value under key with an optional ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// MGet reads keys in one round trip; replies are in key order.
	MGet(ctx context.Context, keys ...string) ([]Reply, error)
	// Exec runs cmds in one pipelined round trip. The returned error is a
	// transport failure; per-command failures are reported in Reply.Err.
	Exec(ctx context.Context, cmds []Command) ([]Reply, error)
	// Search runs a search query and parses the ranked reply.
	Search(ctx context.Context, q SearchQuery) (*SearchResult, error)
	// Ping checks that the connection is usable.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// Dialer opens a new connection to the store.
type Dialer func(ctx context.Context) (Conn, error)

// ErrConnClosed is returned by operations on a closed connection.
var ErrConnClosed = errors.New("store: connection closed")

// IsConnectionError reports whether err means the connection itself is
// unusable, as opposed to a failed command or a cancelled context.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrConnClosed) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
